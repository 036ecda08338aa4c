// Package httpclient provides the shared outbound HTTP client with
// bounded retries, proxy validation, and typed errors for the fetchers.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrRateLimited is returned on HTTP 429. Callers are expected to
	// abort the current cycle instead of retrying into more throttling.
	ErrRateLimited = errors.New("rate limited by remote service")

	// ErrDecode is returned when a response body fails to parse.
	ErrDecode = errors.New("failed to decode response")

	// ErrInvalidProxy is returned for proxy URLs that fail validation.
	ErrInvalidProxy = errors.New("invalid proxy URL")
)

// StatusError is returned for non-2xx responses other than 429.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// retryStatuses are transient server errors worth retrying.
var retryStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// blockedProxyHosts are hosts a proxy must never point at.
var blockedProxyHosts = map[string]bool{
	"localhost":       true,
	"127.0.0.1":       true,
	"::1":             true,
	"0.0.0.0":         true,
	"169.254.169.254": true,
}

// Config configures the client.
type Config struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffFactor time.Duration `yaml:"backoff_factor"`
	ProxyURL      string        `yaml:"proxy_url"`
	UserAgent     string        `yaml:"user_agent"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		BackoffFactor: 500 * time.Millisecond,
		UserAgent:     "taprofiler/1.0",
	}
}

// Client wraps net/http with retries and typed error classification.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *zap.Logger
}

// New creates a new client. A configured proxy is validated before use.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 500 * time.Millisecond
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxyURL, err := ValidateProxyURL(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		logger.Info("Using outbound proxy", zap.String("proxy", SanitizeURL(cfg.ProxyURL)))
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// Get performs a GET and returns the response body.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, rawURL, headers, nil)
}

// GetJSON performs a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out interface{}) error {
	body, err := c.Get(ctx, rawURL, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// PostJSON performs a POST with a JSON body and decodes the JSON response
// into out. A nil out discards the response body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, headers map[string]string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"

	body, err := c.do(ctx, http.MethodPost, rawURL, headers, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, headers map[string]string, payload []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.BackoffFactor * (1 << (attempt - 1))
			c.logger.Debug("Retrying request",
				zap.String("url", SanitizeURL(rawURL)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, fmt.Errorf("failed to read response body: %w", readErr)
			}
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn("Rate limited",
				zap.String("url", SanitizeURL(rawURL)),
				zap.String("retry_after", resp.Header.Get("Retry-After")))
			return nil, fmt.Errorf("%s: %w", SanitizeURL(rawURL), ErrRateLimited)

		case retryStatuses[resp.StatusCode]:
			lastErr = &StatusError{Code: resp.StatusCode, URL: SanitizeURL(rawURL)}
			continue

		default:
			return nil, &StatusError{Code: resp.StatusCode, URL: SanitizeURL(rawURL)}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// ValidateProxyURL checks a proxy URL against the scheme allow-list and
// the blocked host set. CR and LF characters are stripped before parsing.
func ValidateProxyURL(raw string) (*url.URL, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidProxy)
	}

	u, err := url.Parse(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrInvalidProxy, u.Scheme)
	}

	host := strings.Trim(u.Hostname(), "[]")
	if blockedProxyHosts[host] {
		return nil, fmt.Errorf("%w: host %q not allowed", ErrInvalidProxy, host)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidProxy)
	}

	return u, nil
}

// SanitizeURL strips credentials from a URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.User = nil
	return u.String()
}
