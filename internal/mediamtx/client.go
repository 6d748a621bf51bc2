package mediamtx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrUnavailable indicates the relay could not be reached or answered with
// a server error. Callers map it to their own taxonomy.
var ErrUnavailable = errors.New("mediamtx: relay unavailable")

// ErrPathNotFound indicates the named stream path is not configured.
var ErrPathNotFound = errors.New("mediamtx: path not found")

// Client talks to the MediaMTX control API (v3). Every call carries a
// deadline; the relay being down degrades to ErrUnavailable rather than
// hanging callers.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// PathConfig is the subset of MediaMTX path configuration camgate manages.
type PathConfig struct {
	Source       string `json:"source,omitempty"`
	Record       bool   `json:"record"`
	RecordPath   string `json:"recordPath,omitempty"`
	RecordFormat string `json:"recordFormat,omitempty"`
}

// PathInfo describes one active path as reported by the relay.
type PathInfo struct {
	Name          string `json:"name"`
	Ready         bool   `json:"ready"`
	Source        any    `json:"source"`
	BytesReceived int64  `json:"bytesReceived"`
}

type pathList struct {
	ItemCount int        `json:"itemCount"`
	Items     []PathInfo `json:"items"`
}

// New creates a relay client for the control API at baseURL.
func New(log zerolog.Logger, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := resty.New()
	r.SetBaseURL(baseURL)
	r.SetTimeout(timeout)
	r.SetHeader("Content-Type", "application/json")
	r.SetHeader("Accept", "application/json")

	return &Client{
		http: r,
		log:  log.With().Str("component", "mediamtx").Logger(),
	}
}

// Healthy checks the control API. A reachable relay with a readable global
// config counts as healthy.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v3/config/global/get")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return nil
}

// ConfigurePath creates or replaces the path configuration for name.
func (c *Client) ConfigurePath(ctx context.Context, name string, cfg PathConfig) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(cfg).Post("/v3/config/paths/add/" + name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == 400 {
		// Path already exists; replace its config instead.
		return c.patchPath(ctx, name, cfg)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: add path %s: status %d", ErrUnavailable, name, resp.StatusCode())
	}
	c.log.Debug().Str("path", name).Msg("relay path configured")
	return nil
}

// StopRecording disables recording on an existing path.
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.patchPath(ctx, name, PathConfig{Record: false})
}

func (c *Client) patchPath(ctx context.Context, name string, cfg PathConfig) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(cfg).Patch("/v3/config/paths/patch/" + name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == 404 {
		return fmt.Errorf("%w: %s", ErrPathNotFound, name)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: patch path %s: status %d", ErrUnavailable, name, resp.StatusCode())
	}
	return nil
}

// RemovePath deletes the path configuration for name. Removing a missing
// path is not an error.
func (c *Client) RemovePath(ctx context.Context, name string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/v3/config/paths/delete/" + name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("%w: delete path %s: status %d", ErrUnavailable, name, resp.StatusCode())
	}
	return nil
}

// ListPaths returns the relay's active paths.
func (c *Client) ListPaths(ctx context.Context) ([]PathInfo, error) {
	var list pathList
	resp, err := c.http.R().SetContext(ctx).SetResult(&list).Get("/v3/paths/list")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: list paths: status %d", ErrUnavailable, resp.StatusCode())
	}
	return list.Items, nil
}
