// Package provision implements the local-loopback OAuth authorization code
// flow used to provision a new mail account: open a browser, accept exactly
// one redirect, exchange the code for tokens.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/canopymail/core/pkg/oauth"
)

// Timeout bounds the entire end-to-end provisioning flow.
const Timeout = 5 * time.Minute

// Config describes the OAuth application and endpoints being provisioned
// against.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

const callbackPath = "/oauth2callback"

// Run opens a loopback listener, prints the authorization URL, best-effort
// opens a browser, and blocks until the callback is received (or Timeout
// elapses), then exchanges the code for tokens.
func Run(ctx context.Context, cfg Config, stdout io.Writer) (*oauth.Tokens, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("provision: open loopback listener: %w", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath)

	state, err := randomState()
	if err != nil {
		return nil, fmt.Errorf("provision: generate state: %w", err)
	}

	authURL := buildAuthURL(cfg, redirectURI, state)
	fmt.Fprintf(stdout, "Open this URL to authorize access:\n\n%s\n\n", authURL)
	tryOpenBrowser(authURL)

	code, err := awaitCallback(ctx, listener, state)
	if err != nil {
		return nil, err
	}

	return exchangeCode(ctx, cfg, redirectURI, code)
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func buildAuthURL(cfg Config, redirectURI, state string) string {
	q := url.Values{
		"client_id":     {cfg.ClientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
		"state":         {state},
	}
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	return cfg.AuthURL + "?" + q.Encode()
}

func tryOpenBrowser(target string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	_ = cmd.Start()
}

func awaitCallback(ctx context.Context, listener net.Listener, expectedState string) (string, error) {
	type result struct {
		code string
		err  error
	}

	resultCh := make(chan result, 1)
	var once sync.Once

	router := chi.NewRouter()
	router.Get(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			q := r.URL.Query()
			state := q.Get("state")
			code := q.Get("code")

			if state != expectedState || code == "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte("invalid or missing code/state"))
				resultCh <- result{err: errors.New("provision: callback had invalid or missing code/state")}
				return
			}

			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html><body>Authorization complete. You may close this window.</body></html>"))
			resultCh <- result{code: code}
		})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	srv := &http.Server{Handler: router}
	go func() { _ = srv.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("provision: timed out waiting for authorization callback: %w", ctx.Err())
	case res := <-resultCh:
		return res.code, res.err
	}
}

func exchangeCode(ctx context.Context, cfg Config, redirectURI, code string) (*oauth.Tokens, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"redirect_uri":  {redirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("provision: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provision: token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provision: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &oauth.TokenEndpointError{Status: resp.StatusCode, Body: string(body)}
	}

	var decoded struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("provision: decode token response: %w", err)
	}
	if decoded.ExpiresIn <= 0 {
		return nil, fmt.Errorf("provision: token response has non-positive expires_in %d", decoded.ExpiresIn)
	}
	if decoded.RefreshToken == "" {
		return nil, errors.New("provision: token response did not include a refresh token")
	}

	return &oauth.Tokens{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(decoded.ExpiresIn) * time.Second),
	}, nil
}
