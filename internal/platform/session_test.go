package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEnsureAuthSingleLogin(t *testing.T) {
	var loginCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&loginCount, 1)
		tokenHandler("tok")(w, r)
	}))
	defer srv.Close()

	cfg := AuthConfig{
		TokenURL:      srv.URL,
		Username:      "bot",
		Password:      "secret",
		ReauthTimeout: 5 * time.Second,
		ReauthMinGap:  time.Minute,
	}
	sm := newSessionManager(cfg, srv.Client(), zerolog.Nop())

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sm.EnsureAuth(context.Background())
		}()
	}
	wg.Wait()

	if count := atomic.LoadInt32(&loginCount); count != 1 {
		t.Errorf("expected exactly 1 login for %d concurrent callers, got %d", workers, count)
	}
}

func TestReauthMinGap(t *testing.T) {
	var loginCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&loginCount, 1)
		tokenHandler("tok")(w, r)
	}))
	defer srv.Close()

	sm := newSessionManager(AuthConfig{
		TokenURL:      srv.URL,
		ReauthTimeout: 5 * time.Second,
		ReauthMinGap:  10 * time.Second,
	}, srv.Client(), zerolog.Nop())

	if err := sm.EnsureAuth(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sm.EnsureAuth(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&loginCount); got != 1 {
		t.Errorf("expected login count to stay at 1, got %d", got)
	}
}

func TestReauthFailurePropagated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sm := newSessionManager(AuthConfig{TokenURL: srv.URL, ReauthTimeout: 5 * time.Second}, srv.Client(), zerolog.Nop())
	if err := sm.EnsureAuth(context.Background()); err == nil {
		t.Error("expected error on failed login")
	}
}

func TestReauthTokenErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	sm := newSessionManager(AuthConfig{TokenURL: srv.URL, ReauthTimeout: 5 * time.Second}, srv.Client(), zerolog.Nop())
	if err := sm.EnsureAuth(context.Background()); err == nil {
		t.Error("expected error when token endpoint returns an error body")
	}
	if !sm.Expired() {
		t.Error("session must stay expired after a failed login")
	}
}

func TestReauthTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		tokenHandler("late")(w, r)
	}))
	defer srv.Close()

	sm := newSessionManager(AuthConfig{
		TokenURL:      srv.URL,
		ReauthTimeout: 100 * time.Millisecond,
	}, srv.Client(), zerolog.Nop())
	if err := sm.EnsureAuth(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestExpired(t *testing.T) {
	sm := newSessionManager(AuthConfig{}, http.DefaultClient, zerolog.Nop())
	if !sm.Expired() {
		t.Error("empty session should be expired")
	}
	sm.token = "x"
	sm.expiresAt = time.Now().Add(30 * time.Second)
	if !sm.Expired() {
		t.Error("token within a minute of expiry should count as expired")
	}
	sm.expiresAt = time.Now().Add(time.Hour)
	if sm.Expired() {
		t.Error("fresh token should not be expired")
	}
}
