package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"minisafe/internal/logging"
)

var (
	ErrNotConfigured = errors.New("aggregator credentials not configured")
	ErrAuthFailed    = errors.New("aggregator authentication failed")
)

const (
	defaultExpiry = 3600 * time.Second
	safetyMargin  = time.Minute

	// refreshTimeout bounds a shared refresh, which outlives any single caller.
	refreshTimeout = 30 * time.Second
)

// Credentials are the OAuth client-credentials inputs.
type Credentials struct {
	AuthURL      string
	ClientID     string
	ClientSecret string
	Audience     string
}

// AccessToken is a cached bearer token.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

func (t AccessToken) validAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenSource fetches and caches the aggregator access token. A cached token
// is never served past ExpiresAt, which already includes the safety margin.
type TokenSource struct {
	creds  Credentials
	client *http.Client
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	cached AccessToken
	group  singleflight.Group
}

func NewTokenSource(creds Credentials, client *http.Client, logger *slog.Logger) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		creds:  creds,
		client: client,
		now:    time.Now,
		logger: logging.Or(logger).With("component", "aggregator-auth"),
	}
}

// Token returns a valid bearer token, refreshing it if needed.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()
	if cached.validAt(s.now()) {
		return cached.Value, nil
	}

	ch := s.group.DoChan("token", func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(AccessToken).Value, nil
	}
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Audience     string `json:"audience"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *TokenSource) refresh(ctx context.Context) (AccessToken, error) {
	if s.creds.ClientID == "" || s.creds.ClientSecret == "" || s.creds.AuthURL == "" {
		return AccessToken{}, ErrNotConfigured
	}
	if s.creds.Audience == "" {
		return AccessToken{}, fmt.Errorf("%w: audience", ErrNotConfigured)
	}

	body, err := json.Marshal(tokenRequest{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
		GrantType:    "client_credentials",
		Audience:     s.creds.Audience,
	})
	if err != nil {
		return AccessToken{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.AuthURL, bytes.NewReader(body))
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: read body: %v", ErrAuthFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Error("authentication rejected", "status", resp.StatusCode)
		return AccessToken{}, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("%w: malformed token response", ErrAuthFailed)
	}

	expiresIn := defaultExpiry
	if parsed.ExpiresIn > 0 {
		expiresIn = time.Duration(parsed.ExpiresIn) * time.Second
	}
	tok := AccessToken{
		Value:     parsed.AccessToken,
		ExpiresAt: s.now().Add(expiresIn - safetyMargin),
	}

	s.mu.Lock()
	s.cached = tok
	s.mu.Unlock()

	s.logger.Info("access token refreshed", "expires_in_s", int64((expiresIn - safetyMargin).Seconds()))
	return tok, nil
}
