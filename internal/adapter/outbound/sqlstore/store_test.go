package sqlstore_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpgate/internal/adapter/outbound/sqlstore"
	"github.com/i2y/mcpgate/internal/domain"
)

func newStore(t *testing.T) (*sqlstore.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpgate.db")
	s := sqlstore.New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_Servers(t *testing.T) {
	ctx := context.Background()
	s, path := newStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cfg := &domain.ServerConfig{
		ID:        "weather",
		Name:      "Weather",
		Owner:     "alice",
		Kind:      domain.ServerKindOfficial,
		Status:    domain.ServerStatusActive,
		BaseURL:   "https://api.example.com",
		Auth:      domain.AuthConfig{Type: domain.AuthBearer, SecretKey: "token"},
		Secrets:   "v1:abc",
		Transport: domain.Transport{Command: "weather-mcp", Args: []string{"--stdio"}},
		Tools: []domain.ToolDefinition{{
			Name:     "get_weather",
			Schema:   map[string]any{"properties": map[string]any{"city": map[string]any{"type": "string"}}},
			Endpoint: domain.Endpoint{Method: "GET", Path: "/weather"},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.SaveServer(ctx, cfg))

	got, err := s.GetServer(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	cfg.Status = domain.ServerStatusInactive
	require.NoError(t, s.SaveServer(ctx, cfg))
	require.NoError(t, s.SaveServer(ctx, &domain.ServerConfig{ID: "atlas", Name: "Atlas"}))

	// Data survives reopening the file.
	require.NoError(t, s.Close())
	reopened := sqlstore.New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = reopened.Close() })

	list, err := reopened.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "atlas", list[0].ID)
	assert.Equal(t, domain.ServerStatusInactive, list[1].Status)

	require.NoError(t, reopened.DeleteServer(ctx, "atlas"))
	_, err = reopened.GetServer(ctx, "atlas")
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
	assert.ErrorIs(t, reopened.DeleteServer(ctx, "atlas"), domain.ErrServerNotFound)
}

func TestStore_Secrets(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []domain.SecretRecord{
		{ID: "s1", Owner: "alice", Name: "gh", Value: "v1:one", CreatedAt: base, UpdatedAt: base},
		{ID: "s2", Owner: "alice", Name: "slack", Environment: "prod", Value: "v1:two", CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)},
		{ID: "s3", Owner: "bob", Name: "gh", Value: "v1:three", CreatedAt: base, UpdatedAt: base},
	}
	for i := range records {
		require.NoError(t, s.SaveSecret(ctx, &records[i]))
	}

	tests := []struct {
		name    string
		owner   string
		wantIDs []string
	}{
		{name: "newest first", owner: "alice", wantIDs: []string{"s2", "s1"}},
		{name: "single", owner: "bob", wantIDs: []string{"s3"}},
		{name: "none", owner: "carol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListSecrets(ctx, tt.owner)
			require.NoError(t, err)
			var ids []string
			for _, rec := range list {
				ids = append(ids, rec.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	rec, err := s.GetSecret(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, records[1], *rec)

	_, err = s.GetSecret(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
}
