// Package detection submits images to a hosted detection model and returns
// the labeled regions it finds.
package detection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crackvision/crack-detector/internal/logger"
	"github.com/crackvision/crack-detector/internal/metrics"
)

// DefaultTimeout bounds a single detection round trip.
const DefaultTimeout = 30 * time.Second

// ErrEmptyImage is returned when Detect is called without image data.
var ErrEmptyImage = errors.New("image is empty")

// Client owns the detection configuration and issues requests to a Service.
// Detect calls may overlap; each call returns its own result.
type Client struct {
	service Service
	metrics *metrics.Metrics
	timeout time.Duration

	mu  sync.RWMutex
	cfg Config

	inFlight atomic.Int64
}

// NewClient creates an unconfigured client. A non-positive timeout selects
// DefaultTimeout. m may be nil.
func NewClient(service Service, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		service: service,
		metrics: m,
		timeout: timeout,
	}
}

// Configure replaces the active configuration. No network call is made.
func (c *Client) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	logger.Info("Detect", "Configured endpoint %q (threshold %.2f)", cfg.ModelEndpoint, cfg.Threshold)
	return nil
}

// Config returns the current configuration.
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// IsConfigured reports whether a request may be issued.
func (c *Client) IsConfigured() bool {
	return c.Config().IsConfigured()
}

// IsDetecting reports whether any request is outstanding.
func (c *Client) IsDetecting() bool {
	return c.inFlight.Load() > 0
}

// Detect submits image under the current configuration. It fails with a
// KindNotConfigured *Failure, without any network I/O, when the client is not configured.
func (c *Client) Detect(ctx context.Context, image []byte) (*Result, error) {
	cfg := c.Config()
	if !cfg.IsConfigured() {
		c.metrics.DetectRejected(KindNotConfigured.String())
		return nil, fail(KindNotConfigured, errors.New("API key and model endpoint are required"))
	}
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}

	req := Request{ID: uuid.NewString(), Image: image, Config: cfg}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.metrics.DetectStarted()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	logger.Debug("Detect", "Request %s: %d bytes to %q", req.ID, len(image), cfg.ModelEndpoint)
	result, err := c.service.Detect(ctx, req)
	elapsed := time.Since(start)

	if err == nil && result == nil {
		err = fail(KindMalformedResponse, errors.New("empty result"))
	}
	if err != nil {
		f := asFailure(err)
		c.metrics.DetectFinished(f.Kind.String(), elapsed)
		logger.Warn("Detect", "Request %s failed after %v: %v", req.ID, elapsed.Round(time.Millisecond), f)
		return nil, f
	}

	result.RequestID = req.ID
	result.Elapsed = elapsed
	if result.Predictions == nil {
		result.Predictions = []Prediction{}
	}
	c.metrics.DetectFinished("ok", elapsed)
	logger.Info("Detect", "Request %s: %d predictions in %v", req.ID, len(result.Predictions), elapsed.Round(time.Millisecond))
	return result, nil
}
