// Package credentials fetches short-lived MQTT credentials from the authority
// and caches them across reconnects.
package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// refreshMargin is how long before expiry cached credentials are replaced.
const refreshMargin = 30 * time.Second

var ErrRejected = errors.New("credentials rejected")

type Credentials struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Fetcher obtains a fresh set of credentials.
type Fetcher interface {
	Fetch(ctx context.Context) (*Credentials, error)
}

// HTTPFetcher posts a login request to one of the authority's credential
// endpoints.
type HTTPFetcher struct {
	url    string
	body   any
	client *http.Client
}

// NewDeviceFetcher logs in as a device with its secret.
func NewDeviceFetcher(baseURL, device, secret string) *HTTPFetcher {
	return &HTTPFetcher{
		url:    strings.TrimRight(baseURL, "/") + "/credentials",
		body:   map[string]string{"device": device, "secret": secret},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewOperatorFetcher logs in as an account owner.
func NewOperatorFetcher(baseURL, email, password string) *HTTPFetcher {
	return &HTTPFetcher{
		url:    strings.TrimRight(baseURL, "/") + "/credentials/operator",
		body:   map[string]string{"email": email, "password": password},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (*Credentials, error) {
	payload, err := json.Marshal(f.body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request credentials: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to request credentials: %s", resp.Status)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

// Provider hands out cached credentials and refetches them once they are
// close to expiry.
type Provider struct {
	fetcher Fetcher
	log     *zap.SugaredLogger
	now     func() time.Time
	timeout time.Duration

	mu     sync.Mutex
	cached *Credentials
}

func NewProvider(fetcher Fetcher, log *zap.SugaredLogger) *Provider {
	return &Provider{fetcher: fetcher, log: log, now: time.Now, timeout: 10 * time.Second}
}

func (p *Provider) Get(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Add(refreshMargin).Before(p.cached.ExpiresAt) {
		return p.cached, nil
	}
	creds, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	p.cached = creds
	p.log.Debugw("fetched mqtt credentials", "username", creds.Username, "expires_at", creds.ExpiresAt)
	return creds, nil
}

// Invalidate drops the cached credentials, e.g. after the broker refused
// them.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// MQTTCredentials adapts the provider to the MQTT client's credentials hook,
// which is called on every (re)connect and cannot return an error. A failed
// fetch falls back to the last known credentials.
func (p *Provider) MQTTCredentials() (username, password string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	creds, err := p.Get(ctx)
	if err != nil {
		p.log.Warnw("failed to refresh mqtt credentials", "error", err)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cached == nil {
			return "", ""
		}
		return p.cached.Username, p.cached.Password
	}
	return creds.Username, creds.Password
}
