package accounts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canopymail/core/pkg/oauth"
	"github.com/canopymail/core/pkg/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenAndMigrate(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestCreateGetUpdateDeleteRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	cfg := Config{ClientID: "id", ClientSecret: "secret", OAuth: oauth.Tokens{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}}
	created, err := s.Create(ctx, "user@example.com", "gmail", cfg, State{SyncStatus: SyncStatusNeedsBackfill})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	byID, err := s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", byID.Email)
	require.Equal(t, "gmail", byID.Provider)

	byEmail, err := s.GetByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, byEmail.ID)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err = s.GetByID(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetByIDNotFound(t *testing.T) {
	s := setupStore(t)
	_, err := s.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// Scenario E — optimistic conflict: a concurrent writer observes ErrConflict
// and must re-read before retrying.
func TestUpdateConfigIfUnchangedConflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	cfg := Config{ClientID: "id", ClientSecret: "secret"}
	account, err := s.Create(ctx, "user@example.com", "gmail", cfg, State{SyncStatus: SyncStatusNormal})
	require.NoError(t, err)

	staleVersion := account.UpdatedAt

	_, err = s.UpdateConfig(ctx, account.ID, Config{ClientID: "id", ClientSecret: "changed-by-someone-else"})
	require.NoError(t, err)

	_, err = s.UpdateConfigIfUnchanged(ctx, account.ID, Config{ClientID: "id", ClientSecret: "my-write"}, staleVersion)
	require.ErrorIs(t, err, ErrConflict)

	current, err := s.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, "changed-by-someone-else", current.Config.ClientSecret)

	updated, err := s.UpdateConfigIfUnchanged(ctx, account.ID, Config{ClientID: "id", ClientSecret: "my-write"}, current.UpdatedAt)
	require.NoError(t, err)
	require.Equal(t, "my-write", updated.Config.ClientSecret)
}

func TestUpdateConfigIfUnchangedMissingAccount(t *testing.T) {
	s := setupStore(t)
	_, err := s.UpdateConfigIfUnchanged(context.Background(), "missing", Config{}, "whatever")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokensIfNeededSkipsFreshTokens(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	cfg := Config{OAuth: oauth.Tokens{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}}
	account, err := s.Create(ctx, "user@example.com", "gmail", cfg, State{})
	require.NoError(t, err)

	result, err := s.RefreshTokensIfNeeded(ctx, account, nil, "http://unused", oauth.DefaultBuffer)
	require.NoError(t, err)
	require.Equal(t, "a", result.Config.OAuth.AccessToken)
}

func TestRefreshTokensIfNeededRefreshesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer srv.Close()

	s := setupStore(t)
	ctx := context.Background()

	cfg := Config{ClientID: "id", ClientSecret: "secret", OAuth: oauth.Tokens{AccessToken: "old", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Minute)}}
	account, err := s.Create(ctx, "user@example.com", "gmail", cfg, State{})
	require.NoError(t, err)

	result, err := s.RefreshTokensIfNeeded(ctx, account, srv.Client(), srv.URL, oauth.DefaultBuffer)
	require.NoError(t, err)
	require.Equal(t, "new-access", result.Config.OAuth.AccessToken)

	persisted, err := s.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, "new-access", persisted.Config.OAuth.AccessToken)
}
