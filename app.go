package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"zappipe/config"
	"zappipe/internal/adapters/chatwoot"
	"zappipe/internal/concat"
	"zappipe/internal/credentials"
	"zappipe/internal/db"
	"zappipe/internal/events"
	"zappipe/internal/handlers"
	"zappipe/internal/media"
	"zappipe/internal/queue"
	"zappipe/internal/services"
	"zappipe/internal/sessions"
	"zappipe/internal/store"
	"zappipe/pkg/httputil"
)

// app holds every long-lived component of the pipeline.
type app struct {
	cfg *config.Config

	conn  *sqlx.DB
	store *store.Store
	queue *queue.Client

	concat      *concat.Concatenator
	sessions    *sessions.Manager
	persister   *services.Persister
	worker      *services.TranscriptionWorker
	deadLetters *services.DeadLetterService

	server  *http.Server
	workers sync.WaitGroup
	cancel  context.CancelFunc
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlx.DB, *store.Store, error) {
	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Opening database")
	conn, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, store.New(conn), nil
}

// openQueue connects the configured broker and returns the event publisher that goes with it.
func openQueue(ctx context.Context, cfg *config.Config) (*queue.Client, events.Publisher, error) {
	tracker := queue.NewTracker(cfg.Queue.CompletedRetention, cfg.Queue.FailedRetention)

	var (
		broker    queue.Broker
		publisher events.Publisher
	)
	switch strings.ToLower(cfg.Queue.Backend) {
	case "rabbitmq":
		rb := queue.NewRabbitBroker(cfg.Queue.RabbitMQURL, cfg.Queue.Prefix)
		broker = rb
		publisher = events.NewQueuePublisher(rb, cfg.Queue.EventsQueue, cfg.Queue.SpecificEvents)
	default:
		broker = queue.NewMemoryBroker()
		publisher = events.NewLogPublisher()
	}

	client := queue.NewClient(broker, tracker)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect %s broker: %w", cfg.Queue.Backend, err)
	}
	log.Info().Str("backend", cfg.Queue.Backend).Msg("Queue connected")
	return client, publisher, nil
}

func concatOptions(cfg config.QueueConfig) queue.Options {
	return queue.Options{
		MaxRetries: cfg.ConcatMaxRetries,
		Backoff:    queue.Backoff{Kind: queue.BackoffExponential, Delay: cfg.ConcatBackoff},
	}
}

func newProcessor(cfg *config.Config, resolver *credentials.Resolver) (*media.Processor, error) {
	provider := media.NewOpenAIProvider(cfg.OpenAI)

	var archive media.Archiver
	if cfg.S3.Enabled {
		s3, err := media.NewS3Archive(cfg.S3)
		if err != nil {
			return nil, err
		}
		archive = s3
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Media archival enabled")
	}

	return media.NewProcessor(cfg.Media, media.Deps{
		Credentials: resolver,
		Downloader:  media.NewHTTPDownloader(httputil.NewDefaultRestyClient(cfg.Media.DownloadTimeout), cfg.Media.MaxBytes),
		Transcriber: provider,
		Describer:   provider,
		Tools:       media.NewFFmpeg(cfg.Media),
		Archive:     archive,
	}), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	conn, st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, publisher, err := openQueue(ctx, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a := &app{cfg: cfg, conn: conn, store: st, queue: client}

	resolver := credentials.NewResolver(st, credentials.SystemDefaults(cfg.OpenAI), cfg.CredentialCacheTTL)
	processor, err := newProcessor(cfg, resolver)
	if err != nil {
		a.release()
		return nil, err
	}

	var relay services.Relay
	if cfg.Chatwoot.Enabled() {
		cw, err := chatwoot.NewClient(cfg.Chatwoot)
		if err != nil {
			a.release()
			return nil, err
		}
		relay = services.NewMessageSyncService(cw, st)
		log.Info().Str("baseURL", cfg.Chatwoot.BaseURL).Int("inboxID", cw.InboxID()).Msg("Chatwoot relay enabled")
	}

	transcription := services.TranscriptionOptions(cfg.Queue.TranscriptionMaxRetries, cfg.Queue.TranscriptionBackoff)
	deps := services.Deps{
		Store:     st,
		Queue:     client,
		Events:    publisher,
		Relay:     relay,
		Processor: processor,
	}
	a.persister = services.NewPersister(deps, cfg.Concat.Separator, transcription)
	a.worker = services.NewTranscriptionWorker(deps)
	a.deadLetters = services.NewDeadLetterService(st, client, transcription)

	a.concat = concat.New(cfg.Concat, st, services.NewFlushService(client, concatOptions(cfg.Queue)), concat.WallClock())
	a.sessions = sessions.NewManager(st, a.concat, cfg.SessionTimeout)

	router := handlers.NewRouter(handlers.Deps{
		Concatenator:  a.concat,
		Sessions:      a.sessions,
		Agent:         a.persister,
		Store:         st,
		DeadLetters:   a.deadLetters,
		Tracker:       client.Tracker(),
		WebhookSecret: cfg.WebhookSecret,
		AdminToken:    cfg.AdminToken,
	}, cfg.WebhookPath)
	a.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// startWorkers consumes both queues until stopWorkers is called.
func (a *app) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	consume := func(name string, concurrency int, fn queue.HandlerFunc, onExhausted queue.ExhaustedFunc) {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			log.Info().Str("queue", name).Int("concurrency", concurrency).Msg("Worker started")
			if err := a.queue.Process(ctx, name, concurrency, fn, onExhausted); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("queue", name).Msg("Worker stopped")
			}
		}()
	}
	consume(queue.QueueConcatenation, a.cfg.Queue.ConcatConcurrency, a.persister.Handle, a.persister.OnExhausted)
	consume(queue.QueueTranscription, a.cfg.Queue.TranscriptionConcurrency, a.worker.Handle, a.worker.OnExhausted)
}

func (a *app) stopWorkers() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.workers.Wait()
}

// shutdown stops intake, flushes open buffers into the queue and waits for the
// persist jobs they produced before the workers stop.
func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	a.sessions.Stop()
	if err := a.concat.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to drain message buffers")
	}
	if err := a.queue.Drain(ctx, queue.QueueConcatenation); err != nil {
		log.Error().Err(err).Msg("Shutting down with unpersisted batches")
	}
	a.stopWorkers()
	a.release()
}

func (a *app) release() {
	if err := a.queue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close queue")
	}
	if err := a.conn.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}
