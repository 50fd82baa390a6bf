// Package credentials resolves which provider key a connection uses for each category.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"zappipe/config"
	"zappipe/internal/models"
	"zappipe/internal/store"
	"zappipe/pkg/logger"
)

// NoCredentialError means no tier produced a credential. It is retryable:
// an operator may add one before the job's next attempt.
type NoCredentialError struct {
	ConnectionID string
	Category     models.ProviderCategory
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("no %s credential configured for connection %s", e.Category, e.ConnectionID)
}

// Source is the storage the resolver reads tenant credentials from.
type Source interface {
	ConnectionSetting(ctx context.Context, connectionID string, category models.ProviderCategory) (*models.ProviderSetting, error)
	OrganizationProviders(ctx context.Context, connectionID string, category models.ProviderCategory) ([]models.OrganizationProvider, error)
}

// Resolver looks a credential up per connection, then organization, then system default.
type Resolver struct {
	source   Source
	defaults map[models.ProviderCategory]models.ResolvedCredential
	cache    *cache.Cache
	log      zerolog.Logger
}

// NewResolver caches hits for ttl. A zero ttl disables caching.
func NewResolver(source Source, defaults map[models.ProviderCategory]models.ResolvedCredential, ttl time.Duration) *Resolver {
	r := &Resolver{
		source:   source,
		defaults: defaults,
		log:      logger.Component("credentials"),
	}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// SystemDefaults builds the last-resort tier from configuration.
func SystemDefaults(cfg config.OpenAIConfig) map[models.ProviderCategory]models.ResolvedCredential {
	out := make(map[models.ProviderCategory]models.ResolvedCredential)
	if cfg.APIKey != "" {
		out[models.CategoryAI] = models.ResolvedCredential{
			Provider: "openai",
			APIKey:   cfg.APIKey,
			APIURL:   cfg.BaseURL,
			Category: models.CategoryAI,
			Source:   models.SourceSystem,
		}
	}
	key := cfg.TranscriptionAPIKey
	if key == "" {
		key = cfg.APIKey
	}
	if key != "" {
		out[models.CategoryTranscription] = models.ResolvedCredential{
			Provider: "openai",
			APIKey:   key,
			APIURL:   cfg.BaseURL,
			Category: models.CategoryTranscription,
			Source:   models.SourceSystem,
		}
	}
	return out
}

func cacheKey(connectionID string, category models.ProviderCategory) string {
	return connectionID + ":" + string(category)
}

// Resolve returns the credential connectionID uses for category.
func (r *Resolver) Resolve(ctx context.Context, connectionID string, category models.ProviderCategory) (*models.ResolvedCredential, error) {
	key := cacheKey(connectionID, category)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			cred := v.(models.ResolvedCredential)
			return &cred, nil
		}
	}

	cred, err := r.lookup(ctx, connectionID, category)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.SetDefault(key, *cred)
	}
	r.log.Debug().
		Str("connectionID", connectionID).
		Str("category", string(category)).
		Str("source", string(cred.Source)).
		Str("provider", cred.Provider).
		Msg("Credential resolved")
	return cred, nil
}

func (r *Resolver) lookup(ctx context.Context, connectionID string, category models.ProviderCategory) (*models.ResolvedCredential, error) {
	ps, err := r.source.ConnectionSetting(ctx, connectionID, category)
	switch {
	case err == nil && ps.APIKey != "":
		return &models.ResolvedCredential{
			Provider:  ps.Provider,
			APIKey:    ps.APIKey,
			APISecret: ps.APISecret,
			APIURL:    ps.APIURL,
			Category:  category,
			Source:    models.SourceConnection,
		}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("resolve connection credential: %w", err)
	}

	providers, err := r.source.OrganizationProviders(ctx, connectionID, category)
	if err != nil {
		return nil, fmt.Errorf("resolve organization credential: %w", err)
	}
	for _, op := range providers {
		if op.APIKey == "" {
			continue
		}
		return &models.ResolvedCredential{
			Provider:  op.Provider,
			APIKey:    op.APIKey,
			APISecret: op.APISecret,
			APIURL:    op.APIURL,
			Category:  category,
			Source:    models.SourceOrganization,
		}, nil
	}

	if def, ok := r.defaults[category]; ok && def.APIKey != "" {
		return &def, nil
	}
	return nil, &NoCredentialError{ConnectionID: connectionID, Category: category}
}

// Invalidate drops the cached credential of a connection for every category.
func (r *Resolver) Invalidate(connectionID string) {
	if r.cache == nil {
		return
	}
	for _, c := range []models.ProviderCategory{
		models.CategoryAI,
		models.CategoryTranscription,
		models.CategoryTTS,
		models.CategoryInfrastructure,
		models.CategoryAuxiliary,
	} {
		r.cache.Delete(cacheKey(connectionID, c))
	}
}
