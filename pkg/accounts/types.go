package accounts

import (
	"errors"

	"github.com/canopymail/core/pkg/oauth"
)

// SyncStatus tracks where an account sits in the history-sync lifecycle.
type SyncStatus string

const (
	SyncStatusNormal        SyncStatus = "normal"
	SyncStatusNeedsBackfill SyncStatus = "needs_backfill"
	SyncStatusBackfilling   SyncStatus = "backfilling"
)

// PubsubConfig is present only for accounts with push notifications wired
// up; its absence is what the stream supervisor uses to exclude an account
// from the desired listener set.
type PubsubConfig struct {
	Subscription string            `json:"subscription,omitempty"`
	Credentials  map[string]string `json:"credentials,omitempty"`
}

// Config is the account's structured, mutable configuration.
type Config struct {
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"client_secret"`
	OAuth        oauth.Tokens  `json:"oauth"`
	Pubsub       *PubsubConfig `json:"pubsub,omitempty"`
}

// State is the account's sync progress.
type State struct {
	HistoryCursor string     `json:"history_cursor,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status"`
}

// Account is a mail-provider identity holding OAuth credentials.
type Account struct {
	ID        string
	Email     string
	Provider  string
	Config    Config
	State     State
	UpdatedAt string // opaque optimistic-lock version token
}

// ErrNotFound is returned when an account id or email does not exist.
var ErrNotFound = errors.New("accounts: not found")

// ErrConflict is returned by UpdateConfigIfUnchanged when the stored
// updated_at no longer matches the caller's expected value.
var ErrConflict = errors.New("accounts: optimistic lock conflict")
