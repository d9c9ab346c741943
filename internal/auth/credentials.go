// Package auth resolves broker access credentials. The token file on disk
// is the source of truth; a Redis key is consulted only as a fallback.
// Tokens are rotated externally: Refresh re-reads the sources, it never
// calls a broker renew endpoint.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// redis key holding the serialized credentials written by the login flow
const cacheKey = "auth:access_token"

// Credentials is the broker session material for the feed URL.
type Credentials struct {
	AccessToken string    `json:"access_token"`
	ClientID    string    `json:"client_id"`
	Expiry      time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the token's recorded expiry has passed.
// Tokens without an expiry are assumed valid.
func (c Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// Provider loads credentials from the token file with Redis fallback and
// caches the last good read. Refresh is guarded by a mutex so concurrent
// callers do not race on re-reads.
type Provider struct {
	tokenFile string
	rdb       *goredis.Client // optional fallback

	mu    sync.Mutex
	creds *Credentials
}

// NewProvider creates a credentials provider. rdb may be nil when no cache
// fallback is available.
func NewProvider(tokenFile string, rdb *goredis.Client) *Provider {
	return &Provider{tokenFile: tokenFile, rdb: rdb}
}

// Get returns the current credentials, loading them on first use.
func (p *Provider) Get(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.creds != nil {
		return *p.creds, nil
	}
	return p.loadLocked(ctx)
}

// Refresh drops the cached credentials and re-reads the sources.
func (p *Provider) Refresh(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.creds = nil
	return p.loadLocked(ctx)
}

func (p *Provider) loadLocked(ctx context.Context) (Credentials, error) {
	creds, fileErr := ReadTokenFile(p.tokenFile)
	if fileErr == nil {
		if creds.Expired(time.Now()) {
			log.Printf("[auth] token file %s holds an expired token (expiry %s)", p.tokenFile, creds.Expiry.Format(time.RFC3339))
		}
		p.creds = &creds
		return creds, nil
	}

	if p.rdb != nil {
		log.Printf("[auth] token file unavailable (%v), falling back to cache", fileErr)
		if cached, err := p.readCache(ctx); err == nil {
			p.creds = &cached
			return cached, nil
		}
	}

	return Credentials{}, fmt.Errorf("auth: load credentials: %w", fileErr)
}

func (p *Provider) readCache(ctx context.Context) (Credentials, error) {
	val, err := p.rdb.Get(ctx, cacheKey).Result()
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: cache read: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(val), &creds); err != nil {
		return Credentials{}, fmt.Errorf("auth: cache decode: %w", err)
	}
	if creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("auth: cache holds empty token")
	}
	return creds, nil
}

// ReadTokenFile parses the token file. Two formats are accepted: a JSON
// document {access_token, client_id, expiry} or a plain token string.
func ReadTokenFile(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: read token file: %w", err)
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Credentials{}, fmt.Errorf("auth: token file %s is empty", path)
	}

	if strings.HasPrefix(trimmed, "{") {
		var creds Credentials
		if err := json.Unmarshal([]byte(trimmed), &creds); err != nil {
			return Credentials{}, fmt.Errorf("auth: token file decode: %w", err)
		}
		if creds.AccessToken == "" {
			return Credentials{}, fmt.Errorf("auth: token file %s missing access_token", path)
		}
		return creds, nil
	}

	// Plain token file: single line, no client id recorded.
	return Credentials{AccessToken: trimmed}, nil
}
