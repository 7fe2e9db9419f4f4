// Package oauth implements the OAuth2 refresh-token flow used to keep
// account access tokens current: the needs-refresh check, the token
// endpoint exchange, and the typed error taxonomy callers use to decide
// whether a failure is retryable.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tokens is the OAuth credential set persisted on an account.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DefaultBuffer is how far ahead of actual expiry a refresh is triggered.
const DefaultBuffer = 5 * time.Minute

// NeedsRefresh reports whether the token is within buffer of expiring.
func (t Tokens) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return !now.Add(buffer).Before(t.ExpiresAt)
}

// ErrMissingRefreshToken is fatal: the account has no refresh token and must
// be re-provisioned.
var ErrMissingRefreshToken = errors.New("oauth: account has no refresh token")

// TokenEndpointError wraps a non-2xx response from the token endpoint. It is
// retryable by the job executor unless the caller decides otherwise.
type TokenEndpointError struct {
	Status int
	Body   string
}

func (e *TokenEndpointError) Error() string {
	return fmt.Sprintf("oauth: token endpoint returned %d: %s", e.Status, e.Body)
}

// DecodeError wraps a 2xx token response whose body could not be used:
// malformed JSON, or a non-positive expires_in.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauth: %s: %v", e.Reason, e.Err)
	}
	return "oauth: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ClientCredentials identifies the application to the token endpoint.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Refresh exchanges a refresh token for a new access token against endpoint.
// now is injected for deterministic tests.
func Refresh(ctx context.Context, httpClient *http.Client, endpoint string, creds ClientCredentials, current Tokens, now time.Time) (Tokens, error) {
	if strings.TrimSpace(current.RefreshToken) == "" {
		return Tokens{}, ErrMissingRefreshToken
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"refresh_token": {current.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, fmt.Errorf("oauth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("oauth: refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tokens{}, fmt.Errorf("oauth: read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Tokens{}, &TokenEndpointError{Status: resp.StatusCode, Body: string(body)}
	}

	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Tokens{}, &DecodeError{Reason: "decode refresh response", Err: err}
	}
	if decoded.ExpiresIn <= 0 {
		return Tokens{}, &DecodeError{Reason: fmt.Sprintf("refresh response has non-positive expires_in %d", decoded.ExpiresIn)}
	}

	refreshToken := decoded.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}

	return Tokens{
		AccessToken:  decoded.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(time.Duration(decoded.ExpiresIn) * time.Second),
	}, nil
}
