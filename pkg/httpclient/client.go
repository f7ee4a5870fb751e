// Package httpclient provides a resilient HTTP client for pulling long-lived
// streams from tuner endpoints.
//
// The client wraps the standard http.Client and adds:
//   - Per-host circuit breakers to stop hammering a dead tuner
//   - Transparent decompression (gzip, deflate, brotli)
//   - Bounded connect, response-header and per-read idle timeouts that do not
//     cap the total length of a stream
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Default configuration values.
const (
	DefaultConnectTimeout        = 10 * time.Second
	DefaultResponseHeaderTimeout = 15 * time.Second
	DefaultIdleReadTimeout       = 30 * time.Second
	DefaultCircuitThreshold      = 3
	DefaultCircuitTimeout        = 30 * time.Second
	DefaultCircuitHalfOpenMax    = 1
	DefaultAcceptEncodingHeader  = "gzip, deflate, br"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout caps a whole request including the body. Zero means no cap,
	// which is what streams need.
	Timeout time.Duration

	// ConnectTimeout bounds DNS resolution plus TCP connect.
	ConnectTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers.
	ResponseHeaderTimeout time.Duration

	// IdleReadTimeout bounds each individual read from the connection.
	// A stream that stalls longer than this fails with a timeout error.
	IdleReadTimeout time.Duration

	// CircuitThreshold is the number of consecutive failures before the
	// breaker for a host opens.
	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent string

	Logger *slog.Logger

	// EnableDecompression asks for and decodes compressed bodies.
	EnableDecompression bool

	// BaseClient overrides the underlying http.Client. When nil, one is
	// built from NewTransport.
	BaseClient *http.Client
}

// DefaultConfig returns a Config for short API-style requests.
func DefaultConfig() Config {
	return Config{
		Timeout:               30 * time.Second,
		ConnectTimeout:        DefaultConnectTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		IdleReadTimeout:       DefaultIdleReadTimeout,
		CircuitThreshold:      DefaultCircuitThreshold,
		CircuitTimeout:        DefaultCircuitTimeout,
		CircuitHalfOpenMax:    DefaultCircuitHalfOpenMax,
		Logger:                slog.Default(),
		EnableDecompression:   true,
	}
}

// StreamConfig returns a Config for TS streams: no total timeout and no
// content negotiation so bytes arrive exactly as sent.
func StreamConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	cfg.EnableDecompression = false
	return cfg
}

// Client is a resilient HTTP client with per-host circuit breakers.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker
}

// New creates a new client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: NewTransport(cfg),
		}
	}

	return &Client{
		config:   cfg,
		client:   base,
		logger:   cfg.Logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the circuit breaker for host, creating it on first use.
func (c *Client) Breaker(host string) *CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()

	b, ok := c.breakers[host]
	if !ok {
		b = NewCircuitBreaker(c.config.CircuitThreshold, c.config.CircuitTimeout, c.config.CircuitHalfOpenMax)
		c.breakers[host] = b
	}
	return b
}

// BreakerStats returns a snapshot of every host breaker created so far.
func (c *Client) BreakerStats() map[string]CircuitBreakerStats {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()

	out := make(map[string]CircuitBreakerStats, len(c.breakers))
	for host, b := range c.breakers {
		out[host] = b.Stats()
	}
	return out
}

// Do sends req once, guarded by the circuit breaker for its host. Failed
// requests are not retried. The caller owns the returned body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	breaker := c.Breaker(req.URL.Host)
	log := c.logger.With(slog.String("url", req.URL.Redacted()))

	if !breaker.Allow() {
		log.Warn("circuit breaker open, skipping request", slog.String("state", breaker.State().String()))
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		// a caller giving up says nothing about the host
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			breaker.RecordFailure()
		}
		log.Warn("request failed", slog.Duration("duration", elapsed), slog.String("error", err.Error()))
		return nil, err
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}

	log.Debug("request completed",
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
		slog.Int64("content_length", resp.ContentLength),
	)

	if c.config.EnableDecompression {
		if body, ok := c.wrapDecompression(resp); ok {
			// the decoded length is unknown until the body is read
			resp.Body = body
			resp.ContentLength = -1
			resp.Uncompressed = true
			resp.Header.Del(HeaderContentEncoding)
			resp.Header.Del("Content-Length")
		}
	}
	return resp, nil
}

// Get performs a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// wrapDecompression returns a decoding body for resp and true, or false when
// the body is not encoded in a form it can decode.
func (c *Client) wrapDecompression(resp *http.Response) (io.ReadCloser, bool) {
	encoding := strings.ToLower(resp.Header.Get(HeaderContentEncoding))
	switch encoding {
	case "":
		return nil, false
	case EncodingGzip:
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return nil, false
		}
		return &decompressReader{reader: reader, closer: resp.Body}, true
	case EncodingDeflate:
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}, true
	case EncodingBrotli:
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}, true
	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return nil, false
	}
}

// decompressReader pairs a decoding reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	var err error
	if closer, ok := d.reader.(io.Closer); ok {
		err = closer.Close()
	}
	return errors.Join(err, d.closer.Close())
}
