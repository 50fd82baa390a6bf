package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zappipe/config"
	"zappipe/internal/db"
	"zappipe/internal/models"
	"zappipe/internal/store"
)

func newStore(t *testing.T) (*store.Store, *models.Connection) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))

	s := store.New(conn)
	c := &models.Connection{OrganizationID: "org-1", Name: "main"}
	require.NoError(t, s.CreateConnection(ctx, c))
	return s, c
}

var systemAI = map[models.ProviderCategory]models.ResolvedCredential{
	models.CategoryAI: {Provider: "openai", APIKey: "sk-system", Category: models.CategoryAI, Source: models.SourceSystem},
}

func TestResolveFallsThroughTiers(t *testing.T) {
	s, conn := newStore(t)
	ctx := context.Background()
	r := NewResolver(s, systemAI, 0)

	cred, err := r.Resolve(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSystem, cred.Source)
	assert.Equal(t, "sk-system", cred.APIKey)

	require.NoError(t, s.SaveOrganizationProvider(ctx, &models.OrganizationProvider{
		OrganizationID: "org-1", Category: models.CategoryAI, Provider: "openrouter",
		APIKey: "sk-org-backup", Priority: 2, IsActive: true,
	}))
	require.NoError(t, s.SaveOrganizationProvider(ctx, &models.OrganizationProvider{
		OrganizationID: "org-1", Category: models.CategoryAI, Provider: "openai",
		APIKey: "sk-org", Priority: 1, IsActive: true,
	}))
	cred, err = r.Resolve(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceOrganization, cred.Source)
	assert.Equal(t, "sk-org", cred.APIKey)

	require.NoError(t, s.SaveConnectionSetting(ctx, &models.ProviderSetting{
		ConnectionID: conn.ID, Category: models.CategoryAI, Provider: "openai",
		APIKey: "sk-conn", APIURL: "https://proxy.internal/v1", IsActive: true,
	}))
	cred, err = r.Resolve(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceConnection, cred.Source)
	assert.Equal(t, "sk-conn", cred.APIKey)
	assert.Equal(t, "https://proxy.internal/v1", cred.APIURL)
}

func TestResolveInactiveSettingIsIgnored(t *testing.T) {
	s, conn := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveConnectionSetting(ctx, &models.ProviderSetting{
		ConnectionID: conn.ID, Category: models.CategoryAI, Provider: "openai", APIKey: "sk-off", IsActive: false,
	}))

	cred, err := NewResolver(s, systemAI, 0).Resolve(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSystem, cred.Source)
}

func TestResolveNoCredential(t *testing.T) {
	s, conn := newStore(t)
	r := NewResolver(s, systemAI, time.Minute)

	_, err := r.Resolve(context.Background(), conn.ID, models.CategoryTranscription)
	var missing *NoCredentialError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, models.CategoryTranscription, missing.Category)
	assert.Equal(t, conn.ID, missing.ConnectionID)
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	s, conn := newStore(t)
	ctx := context.Background()
	r := NewResolver(s, systemAI, time.Minute)

	first, err := r.Resolve(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSystem, first.Source)

	require.NoError(t, s.SaveConnectionSetting(ctx, &models.ProviderSetting{
		ConnectionID: conn.ID, Category: models.CategoryAI, Provider: "openai", APIKey: "sk-conn", IsActive: true,
	}))
	cached, err := r.Resolve(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSystem, cached.Source)

	r.Invalidate(conn.ID)
	fresh, err := r.Resolve(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceConnection, fresh.Source)
}

func TestSystemDefaults(t *testing.T) {
	defaults := SystemDefaults(config.OpenAIConfig{APIKey: "sk-main", TranscriptionAPIKey: "sk-whisper"})
	assert.Equal(t, "sk-main", defaults[models.CategoryAI].APIKey)
	assert.Equal(t, "sk-whisper", defaults[models.CategoryTranscription].APIKey)

	defaults = SystemDefaults(config.OpenAIConfig{APIKey: "sk-main"})
	assert.Equal(t, "sk-main", defaults[models.CategoryTranscription].APIKey)

	assert.Empty(t, SystemDefaults(config.OpenAIConfig{}))
}
