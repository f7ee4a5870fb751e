// Package netreader opens the HTTP byte stream a data source pulls from.
package netreader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/jmylchreest/tsbridge/internal/config"
	"github.com/jmylchreest/tsbridge/internal/version"
	"github.com/jmylchreest/tsbridge/pkg/httpclient"
)

// DefaultReadBufferSize is used when the configured buffer size is unset.
const DefaultReadBufferSize = 64 << 10

// Errors returned by the reader.
var (
	ErrConnect = errors.New("connect failed")
	ErrClosed  = errors.New("connection closed")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Opener opens stream connections through a shared HTTP client.
type Opener struct {
	client  *httpclient.Client
	bufSize int
	logger  *slog.Logger
}

// New creates an Opener from network configuration.
func New(cfg config.NetworkConfig, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}

	hc := httpclient.StreamConfig()
	hc.ConnectTimeout = cfg.ConnectTimeout
	hc.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	hc.IdleReadTimeout = cfg.ReadTimeout
	if cfg.CircuitBreakerThreshold > 0 {
		hc.CircuitThreshold = cfg.CircuitBreakerThreshold
	}
	if cfg.CircuitBreakerTimeout > 0 {
		hc.CircuitTimeout = cfg.CircuitBreakerTimeout
	}
	hc.UserAgent = cfg.UserAgent
	if hc.UserAgent == "" {
		hc.UserAgent = version.UserAgent()
	}
	hc.Logger = logger
	hc.EnableDecompression = cfg.Decompression

	bufSize := cfg.ReadBufferSize.Int()
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}

	return &Opener{
		client:  httpclient.New(hc),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Open issues a GET for uri and returns the response body as a Conn.
// Failures before the body is available wrap ErrConnect.
func (o *Opener) Open(ctx context.Context, uri string) (*Conn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing url: %w", ErrConnect, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrConnect, u.Scheme)
	}

	resp, err := o.client.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnect, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	o.logger.Debug("stream connected",
		slog.String("url", u.Redacted()),
		slog.Int64("content_length", resp.ContentLength),
		slog.String("content_type", resp.Header.Get("Content-Type")),
	)

	return newConn(resp, o.bufSize), nil
}

// BreakerStats returns the circuit breaker state of every tuner host
// contacted so far.
func (o *Opener) BreakerStats() map[string]httpclient.CircuitBreakerStats {
	return o.client.BreakerStats()
}

// Conn is a buffered stream connection.
type Conn struct {
	body          io.ReadCloser
	r             *bufio.Reader
	contentLength int64

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

func newConn(resp *http.Response, bufSize int) *Conn {
	return &Conn{
		body:          resp.Body,
		r:             bufio.NewReaderSize(resp.Body, bufSize),
		contentLength: resp.ContentLength,
	}
}

// Read reads up to len(p) bytes. End of stream is io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	return c.r.Read(p)
}

// ContentLength returns the response length, or -1 when unknown.
func (c *Conn) ContentLength() int64 {
	return c.contentLength
}

// Close closes the response body. Later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed = true
		c.closeErr = c.body.Close()
	})
	return c.closeErr
}
