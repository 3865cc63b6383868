// Package vaultclient implements the outbound HTTP client to the vault
// API (C1): authentication, certificate and secret retrieval, managed-key
// binding, and delivery acknowledgement, all wrapped in the retry policy
// from spec §4.1.
package vaultclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zncore/vault-agent/pkg/metrics"
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Insecure bool
	Username string
	Password string
	APIKey   string
	Timeout  time.Duration
}

// Client is the vault API client. It is safe for concurrent use; the
// cached bearer token is guarded by mu.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.VaultClientMetrics

	mu           sync.Mutex
	bearerToken  string
	bearerExpiry time.Time

	reachableMu sync.RWMutex
	reachable   bool
}

// New creates a vault client. logger and m default to slog.Default()
// and the package-level DefaultRegistry().VaultClient() if nil.
func New(cfg Config, logger *slog.Logger, m *metrics.VaultClientMetrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().VaultClient()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:  logger,
		metrics: m,
	}
}

// Reachable reports the last known network-reachability state, updated as
// a side effect of every request per spec §4.1.
func (c *Client) Reachable() bool {
	c.reachableMu.RLock()
	defer c.reachableMu.RUnlock()
	return c.reachable
}

func (c *Client) setReachable(ok bool) {
	c.reachableMu.Lock()
	c.reachable = ok
	c.reachableMu.Unlock()
}

// HasValidToken reports whether a cached bearer token is present and will
// remain valid for at least 60s.
func (c *Client) HasValidToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearerToken != "" && time.Now().Before(c.bearerExpiry.Add(-60*time.Second))
}

// ClearToken discards the cached bearer token, forcing the next request
// to re-authenticate.
func (c *Client) ClearToken() {
	c.mu.Lock()
	c.bearerToken = ""
	c.bearerExpiry = time.Time{}
	c.mu.Unlock()
}

// Login authenticates with username/password and caches the resulting
// bearer token. Login is never retried: a repeated failed login risks
// account lockout on the vault side.
func (c *Client) Login(ctx context.Context) (*LoginResponse, error) {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return nil, ErrNoCredentials
	}

	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("vaultclient: marshal login request: %w", err)
	}

	var resp LoginResponse
	policy := &RetryPolicy{NoRetry: true, Operation: "login", Logger: c.logger, Metrics: c.metrics}
	err = WithRetry(ctx, policy, func() error {
		return c.doJSON(ctx, http.MethodPost, "/auth/login", "", bytes.NewReader(body), &resp, noAuth)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.bearerToken = resp.AccessToken
	c.bearerExpiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.mu.Unlock()
	c.metrics.TokenRefreshTotal.Inc()

	return &resp, nil
}

// ListCertificates returns metadata for every certificate visible to this
// agent's credential.
func (c *Client) ListCertificates(ctx context.Context, token string) ([]CertificateMetadata, error) {
	var out []CertificateMetadata
	err := c.retryGET(ctx, "list_certificates", "/v1/certificates", token, &out)
	return out, err
}

// GetCertificate returns metadata for a single certificate.
func (c *Client) GetCertificate(ctx context.Context, token, id string) (*CertificateMetadata, error) {
	var out CertificateMetadata
	err := c.retryGET(ctx, "get_certificate", "/v1/certificates/"+url.PathEscape(id), token, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptCertificate fetches the decrypted PEM bundle for purpose (e.g.
// "deploy").
func (c *Client) DecryptCertificate(ctx context.Context, token, id, purpose string) (*CertificateMaterial, error) {
	body, err := json.Marshal(map[string]string{"purpose": purpose})
	if err != nil {
		return nil, fmt.Errorf("vaultclient: marshal decrypt request: %w", err)
	}

	var out CertificateMaterial
	policy := &RetryPolicy{MaxAttempts: 3, Operation: "decrypt_certificate", Logger: c.logger, Metrics: c.metrics}
	err = WithRetry(ctx, policy, func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/certificates/"+url.PathEscape(id)+"/decrypt", token, bytes.NewReader(body), &out, c.authenticate)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AckDelivery best-effort acknowledges a successful certificate deploy.
// Never retried: a missed ack is harmless and must not block progress.
func (c *Client) AckDelivery(ctx context.Context, token, id, hostname string, version int64) error {
	body, err := json.Marshal(AckDeliveryRequest{Hostname: hostname, Version: version, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("vaultclient: marshal ack request: %w", err)
	}

	policy := &RetryPolicy{NoRetry: true, Operation: "ack_delivery", Logger: c.logger, Metrics: c.metrics}
	return WithRetry(ctx, policy, func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/certificates/"+url.PathEscape(id)+"/ack", token, bytes.NewReader(body), nil, c.authenticate)
	})
}

// ListSecrets returns metadata for every secret visible to this agent's
// credential, normalized to {items,total}.
func (c *Client) ListSecrets(ctx context.Context, token string) ([]SecretMetadata, int, error) {
	var items []SecretMetadata
	err := c.retryGET(ctx, "list_secrets", "/v1/secrets", token, &items)
	if err != nil {
		return nil, 0, err
	}
	env := secretListEnvelope{Items: items, Total: len(items)}
	return env.Items, env.Total, nil
}

// GetSecretMetadata resolves an alias or UUID to its metadata. Aliases use
// the `alias:path` convention from spec §3.
func (c *Client) GetSecretMetadata(ctx context.Context, token, idOrAlias string) (*SecretMetadata, error) {
	var out SecretMetadata
	var path string
	if alias, ok := strings.CutPrefix(idOrAlias, "alias:"); ok {
		path = "/v1/secrets/alias/" + url.PathEscape(alias)
	} else {
		path = "/v1/secrets/" + url.PathEscape(idOrAlias) + "/meta"
	}
	err := c.retryGET(ctx, "get_secret_metadata", path, token, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSecret resolves an alias-addressed secret to its UUID via a metadata
// call, then decrypts it.
func (c *Client) GetSecret(ctx context.Context, token, idOrAlias string) (*SecretData, error) {
	id := idOrAlias
	if strings.HasPrefix(idOrAlias, "alias:") {
		meta, err := c.GetSecretMetadata(ctx, token, idOrAlias)
		if err != nil {
			return nil, err
		}
		id = meta.ID
	}

	var out SecretData
	policy := &RetryPolicy{MaxAttempts: 3, Operation: "decrypt_secret", Logger: c.logger, Metrics: c.metrics}
	err := WithRetry(ctx, policy, func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/secrets/"+url.PathEscape(id)+"/decrypt", token, nil, &out, c.authenticate)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BindManagedAPIKey binds (or refreshes) the named managed API key.
func (c *Client) BindManagedAPIKey(ctx context.Context, token, name string) (*BindManagedKeyResponse, error) {
	var out BindManagedKeyResponse
	policy := &RetryPolicy{MaxAttempts: 3, Operation: "bind_managed_api_key", Logger: c.logger, Metrics: c.metrics}
	err := WithRetry(ctx, policy, func() error {
		return c.doJSON(ctx, http.MethodPost, "/auth/api-keys/managed/"+url.PathEscape(name)+"/bind", token, nil, &out, c.authenticate)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckHealth calls the vault's liveness endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	policy := &RetryPolicy{MaxAttempts: 3, Operation: "check_health", Logger: c.logger, Metrics: c.metrics}
	return WithRetry(ctx, policy, func() error {
		return c.doJSON(ctx, http.MethodGet, "/v1/health", "", nil, nil, noAuth)
	})
}

func (c *Client) retryGET(ctx context.Context, operation, path, token string, out any) error {
	policy := &RetryPolicy{MaxAttempts: 3, Operation: operation, Logger: c.logger, Metrics: c.metrics}
	return WithRetry(ctx, policy, func() error {
		return c.doJSON(ctx, http.MethodGet, path, token, nil, out, c.authenticate)
	})
}

type authDecorator func(ctx context.Context, req *http.Request, explicitToken string) error

func noAuth(context.Context, *http.Request, string) error { return nil }

// authenticate applies the precedence rule from spec §4.1: explicit token
// argument > static API key > unexpired cached bearer token > a fresh
// username/password login.
func (c *Client) authenticate(ctx context.Context, req *http.Request, explicitToken string) error {
	if explicitToken != "" {
		req.Header.Set("Authorization", "Bearer "+explicitToken)
		return nil
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
		return nil
	}
	if c.HasValidToken() {
		c.metrics.TokenCacheHitTotal.Inc()
		c.mu.Lock()
		token := c.bearerToken
		c.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	resp, err := c.Login(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	return nil
}

// doJSON performs a single HTTP round-trip: encodes the request, applies
// auth, decodes the JSON response into out (if non-nil), and records the
// request's status and duration metrics, labelled by request path.
func (c *Client) doJSON(ctx context.Context, method, path string, explicitTokenOrAuthHeader string, body io.Reader, out any, auth authDecorator) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("vaultclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := auth(ctx, req, explicitTokenOrAuthHeader); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.setReachable(false)
		c.metrics.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
		return err
	}
	defer resp.Body.Close()
	c.setReachable(true)

	c.metrics.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.metrics.AuthFailuresTotal.Inc()
		c.metrics.RequestsTotal.WithLabelValues(path, fmt.Sprint(resp.StatusCode)).Inc()
		respBody, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Path: path, Body: string(respBody)}
	}

	if resp.StatusCode >= 300 {
		c.metrics.RequestsTotal.WithLabelValues(path, fmt.Sprint(resp.StatusCode)).Inc()
		respBody, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Path: path, Body: string(respBody)}
	}

	c.metrics.RequestsTotal.WithLabelValues(path, fmt.Sprint(resp.StatusCode)).Inc()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("vaultclient: decode response from %s: %w", path, err)
	}
	return nil
}
