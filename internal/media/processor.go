// Package media turns audio, image, video and document messages into text.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"zappipe/config"
	"zappipe/internal/models"
	"zappipe/pkg/logger"
)

// CredentialResolver looks up the provider key for a connection.
type CredentialResolver interface {
	Resolve(ctx context.Context, connectionID string, category models.ProviderCategory) (*models.ResolvedCredential, error)
}

// Result is the text produced for one media message.
type Result struct {
	Text            string `json:"text"`
	Language        string `json:"language,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Strategy        string `json:"strategy"`
	MediaStorageKey string `json:"media_storage_key,omitempty"`
}

// Deps are the collaborators of a Processor. Archive may be nil.
type Deps struct {
	Credentials CredentialResolver
	Downloader  Downloader
	Transcriber Transcriber
	Describer   Describer
	Tools       Toolbox
	Archive     Archiver
}

// Processor dispatches a transcription job to the strategy of its media type.
type Processor struct {
	cfg  config.MediaConfig
	deps Deps
	seen *cache.Cache
	log  zerolog.Logger
}

// NewProcessor returns a Processor caching results for cfg.CacheTTL.
func NewProcessor(cfg config.MediaConfig, deps Deps) *Processor {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Processor{
		cfg:  cfg,
		deps: deps,
		seen: cache.New(ttl, 10*ttl),
		log:  logger.Component("media"),
	}
}

func resultKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Process downloads the media of job and returns its text.
func (p *Processor) Process(ctx context.Context, job *models.TranscriptionJob) (*Result, error) {
	key := resultKey(job.MediaURL)
	if v, ok := p.seen.Get(key); ok {
		res := v.(Result)
		p.log.Debug().Str("messageID", job.MessageID).Msg("Media result served from cache")
		return &res, nil
	}

	dl, err := p.deps.Downloader.Fetch(ctx, job.MediaURL)
	if err != nil {
		return nil, err
	}
	mimeType := job.MimeType
	if mimeType == "" {
		mimeType = dl.MimeType
	}

	var res *Result
	switch job.MediaType.Coarse() {
	case models.CoarseAudio:
		res, err = p.audio(ctx, job, dl.Data, mimeType)
	case models.CoarseImage:
		res, err = p.image(ctx, job, dl.Data)
	case models.CoarseVideo:
		res, err = p.video(ctx, job, dl.Data)
	case models.CoarseDocument:
		res, err = p.document(ctx, job, dl.Data, mimeType)
	default:
		err = permanent(fmt.Sprintf("media type %q has no transcription strategy", job.MediaType), nil)
	}
	if err != nil {
		return nil, err
	}

	if p.deps.Archive != nil {
		storageKey, aerr := p.deps.Archive.Archive(ctx, job, dl.Data, mimeType)
		if aerr != nil {
			p.log.Warn().Err(aerr).Str("messageID", job.MessageID).Msg("Media archival failed, continuing without storage key")
		} else {
			res.MediaStorageKey = storageKey
		}
	}

	p.seen.SetDefault(key, *res)
	p.log.Info().
		Str("messageID", job.MessageID).
		Str("type", string(job.MediaType)).
		Str("strategy", res.Strategy).
		Int("chars", len(res.Text)).
		Msg("Media processed")
	return res, nil
}

func (p *Processor) credential(ctx context.Context, job *models.TranscriptionJob, category models.ProviderCategory) (*models.ResolvedCredential, error) {
	cred, err := p.deps.Credentials.Resolve(ctx, job.ConnectionID, category)
	if err != nil {
		return nil, fmt.Errorf("resolve %s credential: %w", category, err)
	}
	return cred, nil
}

func (p *Processor) audio(ctx context.Context, job *models.TranscriptionJob, data []byte, mimeType string) (*Result, error) {
	cred, err := p.credential(ctx, job, models.CategoryTranscription)
	if err != nil {
		return nil, err
	}
	text, lang, err := p.deps.Transcriber.Transcribe(ctx, cred, data, job.FileName, mimeType)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Language: lang, Provider: cred.Provider, Strategy: "speech"}, nil
}

func (p *Processor) describe(ctx context.Context, job *models.TranscriptionJob, data []byte, prompt string) (string, string, error) {
	dataURL, err := ImageDataURL(data)
	if err != nil {
		return "", "", err
	}
	cred, err := p.credential(ctx, job, models.CategoryAI)
	if err != nil {
		return "", "", err
	}
	text, err := p.deps.Describer.Describe(ctx, cred, dataURL, prompt)
	return text, cred.Provider, err
}

func (p *Processor) image(ctx context.Context, job *models.TranscriptionJob, data []byte) (*Result, error) {
	text, provider, err := p.describe(ctx, job, data, imagePrompt)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Provider: provider, Strategy: "vision"}, nil
}

// video combines the audio transcript with frame descriptions. A video
// without a usable audio track is described from its frames alone.
func (p *Processor) video(ctx context.Context, job *models.TranscriptionJob, data []byte) (*Result, error) {
	res := &Result{Strategy: "video"}
	var sections []string

	audio, err := p.deps.Tools.AudioTrack(ctx, data)
	if err != nil {
		p.log.Warn().Err(err).Str("messageID", job.MessageID).Msg("No audio track extracted, describing frames only")
	} else {
		cred, err := p.credential(ctx, job, models.CategoryTranscription)
		if err != nil {
			return nil, err
		}
		text, lang, err := p.deps.Transcriber.Transcribe(ctx, cred, audio, "audio.mp3", "audio/mpeg")
		if err != nil {
			return nil, err
		}
		res.Language, res.Provider = lang, cred.Provider
		if text != "" {
			sections = append(sections, "[Áudio] "+text)
		}
	}

	frames, err := p.deps.Tools.Frames(ctx, data, p.cfg.VideoFrames)
	if err != nil && len(frames) == 0 {
		if len(sections) == 0 {
			return nil, permanent("video has neither audio nor frames", err)
		}
		p.log.Warn().Err(err).Str("messageID", job.MessageID).Msg("Frame extraction failed")
	}
	for i, frame := range frames {
		text, provider, err := p.describe(ctx, job, frame, framePrompt)
		if err != nil {
			var perm *PermanentMediaError
			if errors.As(err, &perm) {
				continue
			}
			return nil, err
		}
		if res.Provider == "" {
			res.Provider = provider
		}
		sections = append(sections, fmt.Sprintf("[Quadro %d] %s", i+1, text))
	}
	if len(sections) == 0 {
		return nil, permanent("video produced no text", nil)
	}
	res.Text = strings.Join(sections, "\n")
	return res, nil
}

func (p *Processor) document(ctx context.Context, job *models.TranscriptionJob, data []byte, mimeType string) (*Result, error) {
	kind := ClassifyDocument(mimeType, job.FileName)
	if kind == DocImage {
		text, provider, err := p.describe(ctx, job, data, ocrPrompt)
		if err != nil {
			return nil, err
		}
		return &Result{Text: text, Provider: provider, Strategy: "ocr"}, nil
	}

	text, err := ExtractText(kind, data)
	if err == nil {
		return &Result{Text: text, Strategy: string(kind)}, nil
	}
	if !errors.Is(err, ErrNoTextLayer) {
		return nil, err
	}

	pages, err := p.deps.Tools.RenderPDFPages(ctx, data, p.cfg.OCRPages)
	if err != nil {
		return nil, permanent("scanned pdf could not be rendered", err)
	}
	res := &Result{Strategy: "ocr"}
	parts := make([]string, 0, len(pages))
	for _, page := range pages {
		text, provider, err := p.describe(ctx, job, page, ocrPrompt)
		if err != nil {
			return nil, err
		}
		res.Provider = provider
		parts = append(parts, text)
	}
	res.Text = strings.Join(parts, "\n\n")
	return res, nil
}
