package datasource_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tsbridge/internal/datasource"
)

type readResult struct {
	data []byte
	err  error
}

// scriptSource plays back Read results; after the script it reports zero.
type scriptSource struct {
	results []readResult
	calls   int
}

func (s *scriptSource) Read(buf []byte, offset, length int) (int, error) {
	s.calls++
	if len(s.results) == 0 {
		return 0, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	n := copy(buf[offset:offset+length], r.data)
	return n, r.err
}

func TestPollingReader_RetriesZeroReads(t *testing.T) {
	src := &scriptSource{results: []readResult{
		{}, {}, {data: []byte("packet")},
	}}
	r := datasource.NewPollingReader(context.Background(), src, time.Millisecond)

	buf := make([]byte, 32)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "packet", string(buf[:n]))
	assert.Equal(t, 3, src.calls)
}

func TestPollingReader_EndOfStream(t *testing.T) {
	src := &scriptSource{results: []readResult{
		{data: []byte("abc")},
		{err: io.EOF},
	}}
	r := datasource.NewPollingReader(context.Background(), src, time.Millisecond)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestPollingReader_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	src := &scriptSource{}
	r := datasource.NewPollingReader(ctx, src, 5*time.Millisecond)

	start := time.Now()
	n, err := r.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, src.calls, 1)
}

func TestPollingReader_PacesPolls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	src := &scriptSource{}
	r := datasource.NewPollingReader(ctx, src, 20*time.Millisecond)

	_, err := r.Read(make([]byte, 16))
	require.Error(t, err)
	// roughly one poll per interval plus the initial burst
	assert.LessOrEqual(t, src.calls, 10)
}

func TestPollingReader_EmptyBuffer(t *testing.T) {
	src := &scriptSource{}
	r := datasource.NewPollingReader(context.Background(), src, 0)

	n, err := r.Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)
	assert.Zero(t, src.calls)
}
