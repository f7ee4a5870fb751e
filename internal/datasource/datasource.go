// Package datasource implements the pull-based streaming data source that
// sits between the network stream, the filter and the player.
//
// Read follows a three-way contract: a positive count means that many bytes
// are valid in the destination, zero with a nil error means "poll again",
// and io.EOF means the upstream stream has ended. Once io.EOF is returned
// every later Read returns it again; filter output still buffered at that
// point is discarded.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/tsbridge/internal/config"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/metrics"
	"github.com/jmylchreest/tsbridge/internal/netreader"
)

// LengthUnset is returned by Open when the stream length is unknown.
const LengthUnset int64 = -1

// Default staging sizes, in packets.
const (
	DefaultInputPackets  = 2048
	DefaultOutputPackets = 4096
)

// Errors returned by the data source.
var (
	ErrAlreadyOpen   = errors.New("data source already open")
	ErrNotOpen       = errors.New("data source not open")
	ErrFilterInit    = errors.New("filter initialization failed")
	ErrConnection    = errors.New("connection error")
	ErrFilter        = errors.New("filter error")
	ErrInvalidRange  = errors.New("invalid buffer range")
	ErrInvalidConfig = errors.New("invalid data source config")
)

// DataSpec describes one stream to open.
type DataSpec struct {
	URI    string
	TSArgs []string
}

// Conn is the byte stream returned by an Opener. Read returns io.EOF at the
// end of the stream.
type Conn interface {
	io.ReadCloser
	ContentLength() int64
}

// Opener opens the network side of a session.
type Opener interface {
	Open(ctx context.Context, uri string) (Conn, error)
}

type netOpener struct {
	o *netreader.Opener
}

// NetworkOpener adapts a netreader.Opener to the Opener interface.
func NetworkOpener(o *netreader.Opener) Opener {
	return netOpener{o: o}
}

func (n netOpener) Open(ctx context.Context, uri string) (Conn, error) {
	c, err := n.o.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config sizes the staging buffers in 188-byte packets. The output buffer
// must be larger than the input buffer.
type Config struct {
	InputPackets  int
	OutputPackets int
}

// DefaultConfig returns the default staging sizes.
func DefaultConfig() Config {
	return Config{InputPackets: DefaultInputPackets, OutputPackets: DefaultOutputPackets}
}

// ConfigFromBuffers converts the buffers configuration section.
func ConfigFromBuffers(c config.BuffersConfig) Config {
	return Config{InputPackets: c.InputPackets, OutputPackets: c.OutputPackets}
}

func (c Config) validate() error {
	if c.InputPackets <= 0 || c.OutputPackets <= 0 {
		return fmt.Errorf("%w: packet counts must be positive", ErrInvalidConfig)
	}
	if c.OutputPackets <= c.InputPackets {
		return fmt.Errorf("%w: output buffer (%d packets) must be larger than input buffer (%d packets)",
			ErrInvalidConfig, c.OutputPackets, c.InputPackets)
	}
	return nil
}

// Option configures a DataSource.
type Option func(*DataSource)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DataSource) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// DataSource owns one filter handle, one connection and both staging
// buffers for a session. It is driven by a single goroutine; only Stats may
// be called concurrently.
type DataSource struct {
	filter filter.Filter
	opener Opener
	logger *slog.Logger

	input  []byte
	output []byte

	handle  filter.Handle
	conn    Conn
	open    bool
	eos     bool
	pending error
	staged  int

	stats atomic.Pointer[counters]
}

// New allocates a closed data source with its staging buffers.
func New(cfg Config, f filter.Filter, opener Opener, opts ...Option) (*DataSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if f == nil || opener == nil {
		return nil, fmt.Errorf("%w: filter and opener are required", ErrInvalidConfig)
	}

	d := &DataSource{
		filter: f,
		opener: opener,
		logger: slog.Default(),
		input:  make([]byte, cfg.InputPackets*config.TSPacketSize),
		output: make([]byte, cfg.OutputPackets*config.TSPacketSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.stats.Store(newCounters())
	return d, nil
}

// Open acquires a filter handle, then connects to spec.URI. A filter that
// fails to initialize aborts before any network I/O; a failed connection
// releases the handle. It returns the content length or LengthUnset.
func (d *DataSource) Open(ctx context.Context, spec DataSpec) (int64, error) {
	if d.open {
		return 0, ErrAlreadyOpen
	}

	h, err := d.filter.OpenFilter(spec.TSArgs)
	if err != nil || !h.Valid() {
		if h.Valid() {
			_ = d.filter.CloseFilter(h)
		}
		if err == nil {
			err = errors.New("filter returned an invalid handle")
		}
		metrics.IncSessionOpen(false, "filter_init")
		return 0, fmt.Errorf("%w: %w", ErrFilterInit, err)
	}
	d.handle = h

	conn, err := d.opener.Open(ctx, spec.URI)
	if err != nil {
		if cerr := d.filter.CloseFilter(h); cerr != nil {
			d.logger.Warn("failed to release filter after connection error",
				slog.Any("handle", h),
				slog.String("error", cerr.Error()),
			)
		}
		d.handle = filter.InvalidHandle
		metrics.IncSessionOpen(false, "connection")
		return 0, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	d.conn = conn
	d.open = true
	d.eos = false
	d.pending = nil
	d.staged = 0
	d.stats.Store(newCounters())

	metrics.SessionsActive.Inc()
	metrics.IncSessionOpen(true, "ok")

	length := conn.ContentLength()
	if length < 0 {
		length = LengthUnset
	}

	d.logger.Info("data source opened",
		slog.Any("handle", h),
		slog.Int64("content_length", length),
	)
	return length, nil
}

// Read copies up to length filtered bytes into buf[offset:]. See the package
// documentation for the meaning of its results.
func (d *DataSource) Read(buf []byte, offset, length int) (int, error) {
	if !d.open {
		return 0, ErrNotOpen
	}
	if offset < 0 || length < 0 || offset > len(buf) || length > len(buf)-offset {
		return 0, fmt.Errorf("%w: offset %d length %d buffer %d", ErrInvalidRange, offset, length, len(buf))
	}
	if length == 0 {
		return 0, nil
	}

	c := d.stats.Load()
	c.reads.Add(1)

	n, err := d.fill(min(length, len(d.output)))
	switch {
	case err != nil && errors.Is(err, io.EOF):
		c.eosReads.Add(1)
		metrics.IncRead(metrics.ReadEOS)
		return 0, io.EOF
	case err != nil:
		c.errorReads.Add(1)
		metrics.IncRead(metrics.ReadError)
		return 0, err
	case n == 0:
		c.zeroReads.Add(1)
		metrics.IncRead(metrics.ReadZero)
		return 0, nil
	}

	copy(buf[offset:offset+n], d.output[:n])
	c.dataReads.Add(1)
	c.delivered.Add(int64(n))
	metrics.IncRead(metrics.ReadData)
	metrics.AddBytes(metrics.StageDelivered, n)
	return n, nil
}

// fill leaves up to want filtered bytes at the start of the output staging
// buffer and returns how many.
func (d *DataSource) fill(want int) (int, error) {
	if d.eos {
		return 0, io.EOF
	}
	if d.pending != nil {
		err := d.pending
		d.pending = nil
		return 0, err
	}

	n, err := d.pop(want)
	if err != nil || n > 0 {
		return n, err
	}

	clear(d.input[:d.staged])
	start := time.Now()
	m, rerr := d.conn.Read(d.input)
	elapsed := time.Since(start)
	d.staged = m

	c := d.stats.Load()
	c.observeNetworkRead(elapsed)
	metrics.ObserveNetworkRead(elapsed)

	if m > 0 {
		c.received.Add(int64(m))
		metrics.AddBytes(metrics.StageNetwork, m)

		if err := d.filter.PushDataBuffer(d.handle, d.input[:m]); err != nil {
			return 0, fmt.Errorf("%w: push: %w", ErrFilter, err)
		}
		c.pushed.Add(int64(m))

		n, err = d.pop(want)
		if err != nil {
			return 0, err
		}
	}

	if rerr != nil {
		if errors.Is(rerr, io.EOF) {
			d.eos = true
			if n > 0 {
				return n, nil
			}
			d.logger.Debug("upstream end of stream", slog.Any("handle", d.handle))
			return 0, io.EOF
		}

		rerr = fmt.Errorf("%w: %w", ErrConnection, rerr)
		if n > 0 {
			// hand out what the chunk produced and fail on the next call
			d.pending = rerr
			return n, nil
		}
		return 0, rerr
	}

	return n, nil
}

func (d *DataSource) pop(want int) (int, error) {
	n, err := d.filter.PopDataBuffer(d.handle, d.output[:want])
	if err != nil {
		return 0, fmt.Errorf("%w: pop: %w", ErrFilter, err)
	}
	if n < 0 || n > want {
		return 0, fmt.Errorf("%w: pop returned %d for a %d byte buffer", ErrFilter, n, want)
	}
	if n > 0 {
		d.stats.Load().popped.Add(int64(n))
	}
	return n, nil
}

// Close releases the connection first and the filter handle last. Both are
// attempted even if one fails; the errors are joined. Closing a closed data
// source is a no-op.
func (d *DataSource) Close() error {
	if !d.open && d.conn == nil && !d.handle.Valid() {
		return nil
	}

	var errs []error
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
		d.conn = nil
	}
	if d.handle.Valid() {
		h := d.handle
		d.handle = filter.InvalidHandle
		if err := d.filter.CloseFilter(h); err != nil {
			errs = append(errs, fmt.Errorf("closing filter %s: %w", h, err))
		}
	}
	if d.open {
		metrics.SessionsActive.Dec()
	}
	d.open = false
	d.eos = false
	d.pending = nil

	s := d.stats.Load().snapshot()
	err := errors.Join(errs...)
	if err != nil {
		d.logger.Warn("data source closed with errors", slog.String("error", err.Error()))
	}
	d.logger.Info("data source closed",
		slog.Int64("bytes_received", s.BytesReceived),
		slog.Int64("bytes_delivered", s.BytesDelivered),
		slog.Int64("reads", s.Reads),
		slog.Int64("zero_reads", s.ZeroReads),
	)
	return err
}

// IsOpen reports whether a session is active.
func (d *DataSource) IsOpen() bool {
	return d.open
}

// Handle returns the current filter handle, InvalidHandle when closed.
func (d *DataSource) Handle() filter.Handle {
	return d.handle
}

// Stats returns a snapshot of the current or last session. It is safe to
// call from any goroutine.
func (d *DataSource) Stats() Stats {
	return d.stats.Load().snapshot()
}
