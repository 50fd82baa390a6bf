package store

import (
	"context"

	"github.com/google/uuid"

	"zappipe/internal/models"
)

// ConnectionSetting returns the active per-connection credential for a category.
func (s *Store) ConnectionSetting(ctx context.Context, connectionID string, category models.ProviderCategory) (*models.ProviderSetting, error) {
	var ps models.ProviderSetting
	err := s.db.GetContext(ctx, &ps, s.q(`SELECT id, connection_id, category, provider, api_key, api_secret, api_url, is_active
		FROM connection_provider_settings
		WHERE connection_id = ? AND category = ? AND is_active = ?
		LIMIT 1`), connectionID, category, true)
	if err != nil {
		return nil, wrap("get connection provider setting", err)
	}
	return &ps, nil
}

// OrganizationProviders returns the active providers of the connection's organization, best priority first.
func (s *Store) OrganizationProviders(ctx context.Context, connectionID string, category models.ProviderCategory) ([]models.OrganizationProvider, error) {
	var out []models.OrganizationProvider
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT op.id, op.organization_id, op.category, op.provider,
			op.api_key, op.api_secret, op.api_url, op.priority, op.is_active
		FROM organization_providers op
		JOIN connections c ON c.organization_id = op.organization_id
		WHERE c.id = ? AND op.category = ? AND op.is_active = ?
		ORDER BY op.priority ASC`), connectionID, category, true)
	if err != nil {
		return nil, wrap("list organization providers", err)
	}
	return out, nil
}

// SaveConnectionSetting inserts a per-connection credential.
func (s *Store) SaveConnectionSetting(ctx context.Context, ps *models.ProviderSetting) error {
	if ps.ID == "" {
		ps.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO connection_provider_settings
		(id, connection_id, category, provider, api_key, api_secret, api_url, is_active)
		VALUES (:id, :connection_id, :category, :provider, :api_key, :api_secret, :api_url, :is_active)`, ps)
	return wrap("save connection provider setting", err)
}

// SaveOrganizationProvider inserts an organization credential.
func (s *Store) SaveOrganizationProvider(ctx context.Context, op *models.OrganizationProvider) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO organization_providers
		(id, organization_id, category, provider, api_key, api_secret, api_url, priority, is_active)
		VALUES (:id, :organization_id, :category, :provider, :api_key, :api_secret, :api_url, :priority, :is_active)`, op)
	return wrap("save organization provider", err)
}
