package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	fresh := Tokens{ExpiresAt: now.Add(time.Hour)}
	require.False(t, fresh.NeedsRefresh(now, DefaultBuffer))

	expiringSoon := Tokens{ExpiresAt: now.Add(time.Minute)}
	require.True(t, expiringSoon.NeedsRefresh(now, DefaultBuffer))

	expired := Tokens{ExpiresAt: now.Add(-time.Minute)}
	require.True(t, expired.NeedsRefresh(now, DefaultBuffer))
}

func TestRefreshMissingRefreshToken(t *testing.T) {
	_, err := Refresh(context.Background(), nil, "http://unused", ClientCredentials{}, Tokens{}, time.Now())
	require.ErrorIs(t, err, ErrMissingRefreshToken)
}

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))
		require.Equal(t, "old-refresh", r.FormValue("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := Tokens{AccessToken: "old-access", RefreshToken: "old-refresh", ExpiresAt: now.Add(-time.Minute)}

	refreshed, err := Refresh(context.Background(), srv.Client(), srv.URL, ClientCredentials{ClientID: "id", ClientSecret: "secret"}, current, now)
	require.NoError(t, err)
	require.Equal(t, "new-access", refreshed.AccessToken)
	require.Equal(t, "old-refresh", refreshed.RefreshToken)
	require.Equal(t, now.Add(time.Hour), refreshed.ExpiresAt)
}

func TestRefreshPreservesRotatedRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"rotated","expires_in":60}`))
	}))
	defer srv.Close()

	current := Tokens{RefreshToken: "old-refresh"}
	refreshed, err := Refresh(context.Background(), srv.Client(), srv.URL, ClientCredentials{}, current, time.Now())
	require.NoError(t, err)
	require.Equal(t, "rotated", refreshed.RefreshToken)
}

func TestRefreshRejectsNonPositiveExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"a","expires_in":0}`))
	}))
	defer srv.Close()

	_, err := Refresh(context.Background(), srv.Client(), srv.URL, ClientCredentials{}, Tokens{RefreshToken: "x"}, time.Now())
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestRefreshRejectsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := Refresh(context.Background(), srv.Client(), srv.URL, ClientCredentials{}, Tokens{RefreshToken: "x"}, time.Now())
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestRefreshTokenEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`invalid_grant`))
	}))
	defer srv.Close()

	_, err := Refresh(context.Background(), srv.Client(), srv.URL, ClientCredentials{}, Tokens{RefreshToken: "x"}, time.Now())
	var tokenErr *TokenEndpointError
	require.ErrorAs(t, err, &tokenErr)
	require.Equal(t, http.StatusUnauthorized, tokenErr.Status)
	require.Contains(t, tokenErr.Body, "invalid_grant")
}
