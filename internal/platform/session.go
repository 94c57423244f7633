package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// AuthConfig holds credentials for the OAuth password grant.
type AuthConfig struct {
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	UserAgent     string
	ReauthTimeout time.Duration
	ReauthMinGap  time.Duration
}

// sessionManager guards token refresh with a mutex to prevent thundering herd.
type sessionManager struct {
	mu         sync.Mutex
	cfg        AuthConfig
	http       *http.Client
	token      string
	expiresAt  time.Time
	lastReauth time.Time
	log        zerolog.Logger
}

func newSessionManager(cfg AuthConfig, httpClient *http.Client, log zerolog.Logger) *sessionManager {
	return &sessionManager{
		cfg:  cfg,
		http: httpClient,
		log:  log,
	}
}

// EnsureAuth fetches a fresh token. Only one caller refreshes at a time and a
// refresh within ReauthMinGap of the previous one is skipped.
func (s *sessionManager) EnsureAuth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastReauth) < s.cfg.ReauthMinGap {
		return nil
	}

	timeout := s.cfg.ReauthTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.login(tctx); err != nil {
		metrics.AuthErrors.Inc()
		return fmt.Errorf("token refresh failed: %w", err)
	}
	metrics.ReauthTotal.Inc()
	s.lastReauth = time.Now()
	s.log.Debug().Time("expires_at", s.expiresAt).Msg("refreshed platform access token")
	return nil
}

// Expired reports whether the token is missing or within a minute of expiry.
func (s *sessionManager) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token == "" || time.Until(s.expiresAt) < time.Minute
}

// SetAuthHeader applies the bearer token and user agent to a request.
func (s *sessionManager) SetAuthHeader(req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// login performs the password grant and stores the access token.
func (s *sessionManager) login(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {s.cfg.Username},
		"password":   {s.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ErrUnauthorized{Msg: fmt.Sprintf("token endpoint returned HTTP %d", resp.StatusCode)}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if body.Error != "" || body.AccessToken == "" {
		return &ErrUnauthorized{Msg: "token endpoint: " + body.Error}
	}

	s.token = body.AccessToken
	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	s.expiresAt = time.Now().Add(expiresIn)
	return nil
}
