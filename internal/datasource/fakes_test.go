package datasource_test

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/jmylchreest/tsbridge/internal/datasource"
	"github.com/jmylchreest/tsbridge/internal/filter"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects the order of side effects across fakes.
type recorder struct {
	events []string
}

func (r *recorder) add(e string) {
	if r != nil {
		r.events = append(r.events, e)
	}
}

type chunk struct {
	data []byte
	err  error
}

// fakeConn replays chunks, one per Read. An empty script behaves as io.EOF.
type fakeConn struct {
	chunks   []chunk
	length   int64
	reads    int
	closes   int
	closeErr error
	rec      *recorder
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.reads++
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	next := c.chunks[0]
	n := copy(p, next.data)
	if n < len(next.data) {
		c.chunks[0].data = next.data[n:]
		return n, nil
	}
	c.chunks = c.chunks[1:]
	return n, next.err
}

func (c *fakeConn) Close() error {
	c.closes++
	c.rec.add("conn.close")
	return c.closeErr
}

func (c *fakeConn) ContentLength() int64 {
	return c.length
}

type fakeOpener struct {
	conn  *fakeConn
	err   error
	opens int
	uris  []string
	rec   *recorder
}

func (o *fakeOpener) Open(_ context.Context, uri string) (datasource.Conn, error) {
	o.opens++
	o.uris = append(o.uris, uri)
	o.rec.add("conn.open")
	if o.err != nil {
		return nil, o.err
	}
	return o.conn, nil
}

// scriptFilter returns scripted pop results in order, then zero.
type scriptFilter struct {
	handle   filter.Handle
	openErr  error
	pops     [][]byte
	popCalls int
	pushed   [][]byte
	closes   int
	closeErr error
	rec      *recorder
}

func (f *scriptFilter) OpenFilter(_ []string) (filter.Handle, error) {
	f.rec.add("filter.open")
	if f.openErr != nil {
		return filter.InvalidHandle, f.openErr
	}
	return f.handle, nil
}

func (f *scriptFilter) PushDataBuffer(h filter.Handle, data []byte) error {
	if h != f.handle {
		return filter.ErrInvalidHandle
	}
	f.pushed = append(f.pushed, append([]byte(nil), data...))
	return nil
}

func (f *scriptFilter) PopDataBuffer(h filter.Handle, out []byte) (int, error) {
	if h != f.handle {
		return 0, filter.ErrInvalidHandle
	}
	f.popCalls++
	if len(f.pops) == 0 {
		return 0, nil
	}
	next := f.pops[0]
	f.pops = f.pops[1:]
	return copy(out, next), nil
}

func (f *scriptFilter) CloseFilter(h filter.Handle) error {
	if h != f.handle {
		return filter.ErrInvalidHandle
	}
	f.closes++
	f.rec.add("filter.close")
	return f.closeErr
}

var errBoom = errors.New("boom")

func bytesOf(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}
