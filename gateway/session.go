package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookieName = "butler_session"

const (
	// Token is considered stale this close to its expiry; callers get a
	// fresh login instead of a token about to die mid-request.
	tokenSafetyMargin = 60 * time.Second

	// Background refresh fires this long before the token expires.
	refreshLeadTime = 2 * time.Minute

	// Refresh never fires sooner than this after scheduling; guards
	// against clock skew and very short-lived tokens.
	refreshMinDelay = 30 * time.Second

	// Flat retry interval after a failed background refresh.
	refreshRetryDelay = 30 * time.Second
)

// TokenSession owns the service-account authentication lifecycle against the
// target system: login, token storage, expiry tracking, and proactive
// background refresh. A single instance is shared by every forwarder and
// relay operation; the credential is replaced wholesale on each login and
// never mutated in place.
type TokenSession struct {
	loginURL string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	token   string
	expiry  int64 // unix seconds, 0 = unknown
	refresh *time.Timer
	stopped bool
	now     func() time.Time
}

// NewTokenSession constructs a session for the configured service account.
// No network call is made until the first Token or Login.
func NewTokenSession(cfg TargetConfig, logger *slog.Logger) *TokenSession {
	return &TokenSession{
		loginURL: strings.TrimSuffix(cfg.URL, "/") + "/api/auth/login/legacy",
		username: cfg.Username,
		password: cfg.Password,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout(),
			Transport: newTargetTransport(cfg),
		},
		logger: logger,
		now:    time.Now,
	}
}

// Token returns the current bearer token, logging in first when no
// credential exists or the stored expiry is inside the safety margin.
// Login failures surface to the caller; concurrent callers serialize on the
// session lock, so at most one login is in flight at a time.
func (s *TokenSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" || (s.expiry != 0 && s.expiry-s.now().Unix() < int64(tokenSafetyMargin/time.Second)) {
		if err := s.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return s.token, nil
}

// Login authenticates against the target system immediately.
func (s *TokenSession) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

// Stop cancels any pending background refresh and prevents new ones from
// being scheduled; a refresh already blocked on the lock becomes a no-op.
// Idempotent.
func (s *TokenSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
}

func (s *TokenSession) loginLocked(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": s.username,
		"password": s.password,
	})
	if err != nil {
		return &AuthError{Reason: "encode credentials", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL, bytes.NewReader(body))
	if err != nil {
		return &AuthError{Reason: "build login request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &AuthError{Reason: "call login endpoint", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &AuthError{Reason: fmt.Sprintf("login returned status %d", resp.StatusCode)}
	}

	token := ""
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			token = c.Value
			break
		}
	}
	if token == "" {
		return &AuthError{Reason: "no " + sessionCookieName + " cookie in login response"}
	}

	s.token = token
	s.expiry = 0
	if exp, ok := tokenExpiry(token); ok {
		s.expiry = exp
		s.scheduleRefreshLocked()
		s.logger.Info("target session established",
			"expires_at", time.Unix(exp, 0).UTC().Format(time.RFC3339),
		)
	} else {
		s.logger.Info("target session established", "expires_at", "unknown")
	}
	return nil
}

// tokenExpiry decodes the token's claim set without verifying its signature;
// the token is bearer-trusted material issued by the same system it is later
// presented to, so verification is neither possible nor expected here.
func tokenExpiry(token string) (int64, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	return exp.Unix(), true
}

func (s *TokenSession) scheduleRefreshLocked() {
	if s.stopped {
		return
	}
	remaining := time.Duration(s.expiry-s.now().Unix()) * time.Second
	if s.refresh != nil {
		s.refresh.Stop()
	}
	s.refresh = time.AfterFunc(refreshDelay(remaining), s.refreshNow)
}

// refreshDelay places the refresh two minutes ahead of expiry, but never
// sooner than the minimum delay.
func refreshDelay(remaining time.Duration) time.Duration {
	delay := remaining - refreshLeadTime
	if delay < refreshMinDelay {
		delay = refreshMinDelay
	}
	return delay
}

// refreshNow runs on the background timer. Failures are logged and retried
// on a flat interval; they never surface to request-path callers, who will
// attempt their own login on the next Token call.
func (s *TokenSession) refreshNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if err := s.loginLocked(context.Background()); err != nil {
		s.logger.Error("scheduled token refresh failed", "error", err)
		if s.refresh != nil {
			s.refresh.Stop()
		}
		s.refresh = time.AfterFunc(refreshRetryDelay, s.refreshNow)
	}
}
