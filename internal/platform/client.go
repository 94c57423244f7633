package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for constructing a platform HTTP client.
type ClientConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
	Timeout      time.Duration
	Debug        bool
	ReauthMinGap time.Duration // thundering-herd guard: skip refresh if last one was < this ago
}

// httpClient implements Client using direct HTTPS calls to the platform API.
type httpClient struct {
	cfg     ClientConfig
	http    *http.Client
	session *sessionManager
	log     zerolog.Logger
}

// NewClient constructs a new platform client and fetches the first token.
func NewClient(ctx context.Context, cfg ClientConfig, log zerolog.Logger) (Client, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := newHTTPClient(cfg, &http.Client{Transport: transport, Timeout: cfg.Timeout}, log)

	if err := c.session.EnsureAuth(ctx); err != nil {
		return nil, fmt.Errorf("initial login: %w", err)
	}
	return c, nil
}

func newHTTPClient(cfg ClientConfig, hc *http.Client, log zerolog.Logger) *httpClient {
	c := &httpClient{
		cfg:  cfg,
		http: hc,
		log:  log,
	}
	c.session = newSessionManager(AuthConfig{
		TokenURL:      cfg.TokenURL,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		Username:      cfg.Username,
		Password:      cfg.Password,
		UserAgent:     cfg.UserAgent,
		ReauthTimeout: cfg.Timeout,
		ReauthMinGap:  cfg.ReauthMinGap,
	}, hc, log)
	return c
}

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
func (c *httpClient) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	if c.session.Expired() {
		if err := c.session.EnsureAuth(ctx); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	c.session.SetAuthHeader(req)

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("platform api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("platform api request failed")
		}
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("platform api response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &ErrNotFound{ID: req.URL.Path}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		_ = resp.Body.Close()
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: HTTP %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// withReauth executes fn, and on ErrUnauthorized refreshes the token then retries once.
func (c *httpClient) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	var unauth *ErrUnauthorized
	if !errors.As(err, &unauth) {
		return err
	}
	if authErr := c.session.EnsureAuth(ctx); authErr != nil {
		return fmt.Errorf("re-auth failed: %w", authErr)
	}
	return fn()
}

// getJSON issues a GET and decodes the JSON body into out.
func (c *httpClient) getJSON(ctx context.Context, path string, query url.Values, endpoint string, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	})
}

// postForm issues a form-encoded POST. out may be nil to discard the body.
func (c *httpClient) postForm(ctx context.Context, path string, form url.Values, endpoint string, out any) error {
	body := form.Encode()
	return c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	})
}

// Ping verifies the platform is reachable with the current credentials.
func (c *httpClient) Ping(ctx context.Context) error {
	var me struct {
		Name string `json:"name"`
	}
	return c.getJSON(ctx, "/api/v1/me", nil, "me", &me)
}

// Close releases idle connections.
func (c *httpClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
