package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"zappipe/config"
	"zappipe/internal/commands"
	"zappipe/internal/services"
	"zappipe/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "zappipe",
		Short:         "WhatsApp message concatenation and transcription pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(deadLettersCmd())
	root.AddCommand(parseCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			a.startWorkers()
			if err := a.sessions.Start(context.Background()); err != nil {
				a.stopWorkers()
				a.release()
				return err
			}

			serverErr := make(chan error, 1)
			go func() {
				log.Info().Str("port", cfg.Port).Str("webhookPath", cfg.WebhookPath).Msg("Server starting")
				if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
				close(serverErr)
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutdown signal received")
			case err = <-serverErr:
				log.Error().Err(err).Msg("Server failed")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.shutdown(shutdownCtx)
			log.Info().Msg("Server stopped")
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			log.Info().Msg("Database migrated")
			return conn.Close()
		},
	}
}

func deadLettersCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and retry dead-lettered transcription jobs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the newest dead letters as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			dls, err := services.NewDeadLetterService(st, nil, services.TranscriptionOptions(cfg.Queue.TranscriptionMaxRetries, cfg.Queue.TranscriptionBackoff)).
				List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, dls)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of dead letters")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enqueue a dead letter with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// a memory broker would lose the job when this process exits
			if !strings.EqualFold(cfg.Queue.Backend, "rabbitmq") {
				return fmt.Errorf("retry from the command line needs QUEUE_BACKEND=rabbitmq, use POST /admin/deadletters/%s/retry instead", args[0])
			}
			conn, st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			client, _, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			opts := services.TranscriptionOptions(cfg.Queue.TranscriptionMaxRetries, cfg.Queue.TranscriptionBackoff)
			job, err := services.NewDeadLetterService(st, client, opts).Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			log.Info().Str("deadLetterID", args[0]).Str("jobID", job.ID).Msg("Dead letter re-enqueued")
			return nil
		},
	}

	root.AddCommand(list, retry)
	return root
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <text>",
		Short: "Show how a message is read as an agent directive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := commands.Parse(strings.Join(args, " "))
			if parsed == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no directive: plain text")
				return nil
			}
			return printJSON(cmd, parsed)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
