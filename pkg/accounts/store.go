// Package accounts persists per-account OAuth credentials and refreshes
// expired tokens under optimistic concurrency: a version-checked write that
// surfaces Conflict to the caller rather than retrying internally.
package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/canopymail/core/pkg/oauth"
)

const versionLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultRefreshRateLimit bounds how often this process calls out to a
// token endpoint across all accounts combined, so a burst of simultaneously
// expiring tokens doesn't hammer the provider.
const DefaultRefreshRateLimit = rate.Limit(5)

// Store is the SQL-backed account repository.
type Store struct {
	db      *sql.DB
	now     func() time.Time
	limiter *rate.Limiter
}

// New constructs a Store over an already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		now:     func() time.Time { return time.Now().UTC() },
		limiter: rate.NewLimiter(DefaultRefreshRateLimit, 1),
	}
}

func (s *Store) nextVersion() string {
	return s.now().Format(versionLayout)
}

func scanAccount(row interface{ Scan(dest ...any) error }) (*Account, error) {
	var a Account
	var configJSON, stateJSON string
	if err := row.Scan(&a.ID, &a.Email, &a.Provider, &configJSON, &stateJSON, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &a.Config); err != nil {
		return nil, fmt.Errorf("accounts: decode config: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &a.State); err != nil {
		return nil, fmt.Errorf("accounts: decode state: %w", err)
	}
	return &a, nil
}

const accountColumns = `id, email, provider, config_json, state_json, updated_at`

// Create inserts a new account.
func (s *Store) Create(ctx context.Context, email, provider string, cfg Config, state State) (*Account, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("accounts: encode config: %w", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("accounts: encode state: %w", err)
	}

	id := uuid.NewString()
	now := s.nextVersion()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, provider, config_json, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, email, provider, string(configJSON), string(stateJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("accounts: create: %w", err)
	}

	return &Account{ID: id, Email: email, Provider: provider, Config: cfg, State: state, UpdatedAt: now}, nil
}

// GetByID fetches an account by id.
func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("accounts: get_by_id: %w", err)
	}
	return a, nil
}

// GetByEmail fetches an account by its unique email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("accounts: get_by_email: %w", err)
	}
	return a, nil
}

// ListAll returns every account.
func (s *Store) ListAll(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY email ASC`)
	if err != nil {
		return nil, fmt.Errorf("accounts: list_all: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("accounts: list_all: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes an account.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("accounts: delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("accounts: delete: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConfig overwrites the config unconditionally, bumping updated_at.
func (s *Store) UpdateConfig(ctx context.Context, id string, cfg Config) (*Account, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("accounts: encode config: %w", err)
	}
	now := s.nextVersion()

	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET config_json = ?, updated_at = ? WHERE id = ?`, string(configJSON), now, id)
	if err != nil {
		return nil, fmt.Errorf("accounts: update_config: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// UpdateConfigIfUnchanged updates config only if the stored updated_at still
// equals expectedUpdatedAt; otherwise it returns ErrConflict without
// mutating the row.
func (s *Store) UpdateConfigIfUnchanged(ctx context.Context, id string, cfg Config, expectedUpdatedAt string) (*Account, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("accounts: encode config: %w", err)
	}
	now := s.nextVersion()

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET config_json = ?, updated_at = ? WHERE id = ? AND updated_at = ?
	`, string(configJSON), now, id, expectedUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("accounts: update_config_if_unchanged: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("accounts: update_config_if_unchanged: rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetByID(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	return s.GetByID(ctx, id)
}

// UpdateState overwrites sync state unconditionally.
func (s *Store) UpdateState(ctx context.Context, id string, state State) (*Account, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("accounts: encode state: %w", err)
	}
	now := s.nextVersion()

	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET state_json = ?, updated_at = ? WHERE id = ?`, string(stateJSON), now, id)
	if err != nil {
		return nil, fmt.Errorf("accounts: update_state: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// RefreshTokensIfNeeded refreshes an account's OAuth tokens if they are
// within buffer of expiring, persisting the result under an optimistic
// lock. It never loops on Conflict — the caller must re-read and decide.
func (s *Store) RefreshTokensIfNeeded(ctx context.Context, account *Account, httpClient *http.Client, endpoint string, buffer time.Duration) (*Account, error) {
	now := time.Now().UTC()
	if !account.Config.OAuth.NeedsRefresh(now, buffer) {
		return account, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("accounts: rate limit wait: %w", err)
	}

	creds := oauth.ClientCredentials{ClientID: account.Config.ClientID, ClientSecret: account.Config.ClientSecret}
	refreshed, err := oauth.Refresh(ctx, httpClient, endpoint, creds, account.Config.OAuth, now)
	if err != nil {
		return nil, err
	}

	newConfig := account.Config
	newConfig.OAuth = refreshed
	return s.UpdateConfigIfUnchanged(ctx, account.ID, newConfig, account.UpdatedAt)
}
