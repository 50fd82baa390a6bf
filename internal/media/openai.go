package media

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"zappipe/config"
	"zappipe/internal/models"
)

// Transcriber turns speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, cred *models.ResolvedCredential, audio []byte, fileName, mimeType string) (text, language string, err error)
}

// Describer describes an image given as a data URL.
type Describer interface {
	Describe(ctx context.Context, cred *models.ResolvedCredential, imageURL, prompt string) (string, error)
}

// OpenAIProvider implements Transcriber and Describer on any OpenAI compatible API.
type OpenAIProvider struct {
	cfg        config.OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIProvider uses cfg for models, language and timeout. Keys come from each call's credential.
func NewOpenAIProvider(cfg config.OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenAIProvider) client(cred *models.ResolvedCredential) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cred.APIKey),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	}
	if cred.APIURL != "" {
		opts = append(opts, option.WithBaseURL(cred.APIURL))
	}
	return openai.NewClient(opts...)
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, cred *models.ResolvedCredential, audio []byte, fileName, mimeType string) (string, string, error) {
	if fileName == "" {
		fileName = "audio" + extensionFor(mimeType)
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), fileName, mimeType),
		Model: openai.AudioModel(p.cfg.TranscriptionModel),
	}
	if p.cfg.Language != "" {
		params.Language = openai.String(p.cfg.Language)
	}

	client := p.client(cred)
	res, err := client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", "", classifyProviderError(cred.Provider, "transcription", err)
	}
	return strings.TrimSpace(res.Text), p.cfg.Language, nil
}

func (p *OpenAIProvider) Describe(ctx context.Context, cred *models.ResolvedCredential, imageURL, prompt string) (string, error) {
	client := p.client(cred)
	res, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.cfg.VisionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
			}),
		},
		MaxTokens: openai.Int(p.cfg.VisionMaxTokens),
	})
	if err != nil {
		return "", classifyProviderError(cred.Provider, "vision", err)
	}
	if len(res.Choices) == 0 {
		return "", &TransientProviderError{Provider: cred.Provider, Op: "vision", Err: errors.New("no choices returned")}
	}
	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}

// classifyProviderError maps API failures to the retry policy: rate limits,
// server errors and network failures are transient, other 4xx are permanent.
func classifyProviderError(provider, op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return &TransientProviderError{Provider: provider, Op: op, Err: err}
		case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
			// auth failures are retried, the key may be rotated meanwhile
			return &TransientProviderError{Provider: provider, Op: op, Err: err}
		default:
			return permanent(op+" rejected by provider", err)
		}
	}
	// network failures and timeouts
	return &TransientProviderError{Provider: provider, Op: op, Err: err}
}
