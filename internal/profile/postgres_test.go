package profile

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bumpxchange/exchange-server/internal/database"
	"github.com/bumpxchange/exchange-server/internal/model"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresStore_ResolveProfile(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	store := NewPostgresStore(db.DB)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.Upsert(ctx, sampleProfile()))

	t.Run("filters personal fields", func(t *testing.T) {
		p, err := store.ResolveProfile(ctx, model.ProfileRef{ProfileID: "p-1", SharingCategory: model.SharingPersonal})
		require.NoError(t, err)
		assert.Equal(t, "Jordan", p.DisplayName)
		assert.Contains(t, p.Fields, "phone")
		assert.NotContains(t, p.Fields, "company")
	})

	t.Run("returns not found for unknown id", func(t *testing.T) {
		_, err := store.ResolveProfile(ctx, model.ProfileRef{ProfileID: "nobody"})
		assert.ErrorIs(t, err, ErrProfileNotFound)
	})
}
