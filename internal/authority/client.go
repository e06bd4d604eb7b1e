package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/DEOS-Org/biosync/internal/fault"
	"github.com/DEOS-Org/biosync/internal/record"
)

// Default endpoint layout of the school backend.
const (
	DefaultSyncPath   = "/api/biometric/devices/{device_id}/sync"
	DefaultEventsPath = "/api/esp32"
	DefaultHealthPath = "/health"
)

const maxResponseBody = 4 << 20

// ErrTimeout marks a request that ran out of time.
var ErrTimeout = errors.New("authority: request timed out")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("authority returned %d", e.Code)
	}
	return fmt.Sprintf("authority returned %d: %s", e.Code, e.Body)
}

// IsTimeout reports whether err came from a request that timed out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	DeviceID   string
	SyncPath   string
	EventsPath string
	HealthPath string
	Timeout    time.Duration
}

// Client posts JSON to the authority.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *TokenSigner
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithTokens signs every request with a bearer token.
func WithTokens(s *TokenSigner) ClientOption {
	return func(c *Client) { c.tokens = s }
}

// NewClient validates cfg and fills endpoint defaults.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fault.New(fault.KindConfig, "authority.client", "base url required")
	}
	if cfg.DeviceID == "" {
		return nil, fault.New(fault.KindConfig, "authority.client", "device id required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SyncPath == "" {
		cfg.SyncPath = DefaultSyncPath
	}
	if cfg.EventsPath == "" {
		cfg.EventsPath = DefaultEventsPath
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	c := &Client{cfg: cfg, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DeviceID returns the device the client acts for.
func (c *Client) DeviceID() string { return c.cfg.DeviceID }

// SyncPath returns the full-sync endpoint for this device.
func (c *Client) SyncPath() string {
	return strings.ReplaceAll(c.cfg.SyncPath, "{device_id}", c.cfg.DeviceID)
}

// EventPath returns the endpoint events of type t are posted to.
func (c *Client) EventPath(t record.EventType) string {
	return strings.TrimRight(c.cfg.EventsPath, "/") + "/" + t.Category() + "/" + t.Action()
}

// Post sends body to path. Any transport error or non-2xx status is
// returned as a transient fault; the status and body are returned as well
// when a response arrived.
func (c *Client) Post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// Probe checks that the authority answers its health endpoint.
func (c *Client) Probe(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, c.cfg.HealthPath, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	op := "authority." + strings.ToLower(method)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fault.Wrap(fault.KindConfig, op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	if c.tokens != nil {
		token, err := c.tokens.Sign(c.cfg.DeviceID)
		if err != nil {
			return 0, nil, fault.Wrap(fault.KindConfig, op, "sign request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return 0, nil, fault.Wrap(fault.KindTransient, op, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if isTimeout(ctx, err) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return resp.StatusCode, nil, fault.Wrap(fault.KindTransient, op, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, data, fault.Wrap(fault.KindTransient, op, path,
			&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	}
	return resp.StatusCode, data, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
