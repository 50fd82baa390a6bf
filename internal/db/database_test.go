package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(ctx, conn))
	// idempotent
	require.NoError(t, Migrate(ctx, conn))

	var tables []string
	require.NoError(t, conn.SelectContext(ctx, &tables, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name"))
	assert.Contains(t, tables, "messages")
	assert.Contains(t, tables, "dead_letters")
	assert.Contains(t, tables, "organization_providers")
	assert.Equal(t, "SELECT 1 WHERE a = ?", conn.Rebind("SELECT 1 WHERE a = ?"))
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "sqlite", "")
	assert.Error(t, err)
}
