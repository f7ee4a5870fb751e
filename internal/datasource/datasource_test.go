package datasource_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tsbridge/internal/datasource"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/filter/filtertest"
)

var testSpec = datasource.DataSpec{
	URI:    "http://mirakurun:40772/api/services/3239123608/stream",
	TSArgs: []string{"-x", "18/38/39", "-n", "-1"},
}

func smallConfig() datasource.Config {
	return datasource.Config{InputPackets: 4, OutputPackets: 8}
}

func newSource(t *testing.T, f filter.Filter, o datasource.Opener) *datasource.DataSource {
	t.Helper()
	ds, err := datasource.New(smallConfig(), f, o, datasource.WithLogger(quietLogger()))
	require.NoError(t, err)
	return ds
}

func openSource(t *testing.T, f filter.Filter, o datasource.Opener) *datasource.DataSource {
	t.Helper()
	ds := newSource(t, f, o)
	_, err := ds.Open(context.Background(), testSpec)
	require.NoError(t, err)
	return ds
}

func TestNew_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  datasource.Config
	}{
		{"output equal to input", datasource.Config{InputPackets: 8, OutputPackets: 8}},
		{"output smaller", datasource.Config{InputPackets: 8, OutputPackets: 4}},
		{"zero input", datasource.Config{InputPackets: 0, OutputPackets: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := datasource.New(tt.cfg, &filtertest.Fake{}, &fakeOpener{})
			assert.ErrorIs(t, err, datasource.ErrInvalidConfig)
		})
	}

	_, err := datasource.New(datasource.DefaultConfig(), nil, &fakeOpener{})
	assert.ErrorIs(t, err, datasource.ErrInvalidConfig)
}

func TestOpen_ReturnsLength(t *testing.T) {
	tests := []struct {
		name   string
		length int64
		want   int64
	}{
		{"unknown", -1, datasource.LengthUnset},
		{"known", 188 * 100, 188 * 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := &fakeOpener{conn: &fakeConn{length: tt.length}}
			ds := newSource(t, &filtertest.Fake{}, opener)

			got, err := ds.Open(context.Background(), testSpec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, ds.IsOpen())
			assert.True(t, ds.Handle().Valid())
			assert.Equal(t, []string{testSpec.URI}, opener.uris)
			require.NoError(t, ds.Close())
		})
	}
}

func TestOpen_PassesArgsToFilter(t *testing.T) {
	fake := &filtertest.Fake{}
	ds := openSource(t, fake, &fakeOpener{conn: &fakeConn{}})
	defer ds.Close()

	assert.Equal(t, testSpec.TSArgs, fake.LastArgs())
}

func TestOpen_AlreadyOpen(t *testing.T) {
	fake := &filtertest.Fake{}
	ds := openSource(t, fake, &fakeOpener{conn: &fakeConn{}})
	defer ds.Close()

	_, err := ds.Open(context.Background(), testSpec)
	assert.ErrorIs(t, err, datasource.ErrAlreadyOpen)
	assert.Equal(t, 1, fake.Live())
}

// Scenario D: a filter that fails to initialize aborts before any network I/O.
func TestOpen_FilterInitFailure(t *testing.T) {
	tests := []struct {
		name string
		fake *filtertest.Fake
	}{
		{"invalid handle", &filtertest.Fake{OpenInvalid: true}},
		{"open error", &filtertest.Fake{OpenErr: errBoom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := &fakeOpener{conn: &fakeConn{}}
			ds := newSource(t, tt.fake, opener)

			_, err := ds.Open(context.Background(), testSpec)
			assert.ErrorIs(t, err, datasource.ErrFilterInit)
			assert.Zero(t, opener.opens, "no connection may be attempted")
			assert.False(t, ds.IsOpen())
			assert.False(t, ds.Handle().Valid())
			assert.NoError(t, ds.Close())
		})
	}
}

func TestOpen_ConnectionFailureReleasesFilter(t *testing.T) {
	rec := &recorder{}
	f := &scriptFilter{handle: 5, rec: rec}
	opener := &fakeOpener{err: errBoom, rec: rec}
	ds := newSource(t, f, opener)

	_, err := ds.Open(context.Background(), testSpec)
	assert.ErrorIs(t, err, datasource.ErrConnection)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, f.closes)
	assert.False(t, ds.Handle().Valid())
	assert.False(t, ds.IsOpen())
	assert.Equal(t, []string{"filter.open", "conn.open", "filter.close"}, rec.events)

	assert.NoError(t, ds.Close())
	assert.Equal(t, 1, f.closes)
}

// Scenario A: output already waiting in the filter is returned without
// touching the network.
func TestRead_PopsWithoutNetwork(t *testing.T) {
	f := &scriptFilter{handle: 1, pops: [][]byte{bytesOf(12, 1)}}
	conn := &fakeConn{chunks: []chunk{{data: bytesOf(500, 0)}}}
	ds := openSource(t, f, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := make([]byte, 1024)
	n, err := ds.Read(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, bytesOf(12, 1), buf[:12])
	assert.Zero(t, conn.reads)
	assert.Empty(t, f.pushed)
}

// Scenario B: an empty filter triggers one network read, one push and
// exactly one more pop.
func TestRead_PushThenPopOnce(t *testing.T) {
	f := &scriptFilter{handle: 1, pops: [][]byte{nil, bytesOf(188, 7)}}
	conn := &fakeConn{chunks: []chunk{{data: bytesOf(500, 3)}}}
	ds := openSource(t, f, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := make([]byte, 1024)
	n, err := ds.Read(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, 188, n)
	assert.Equal(t, bytesOf(188, 7), buf[:188])

	assert.Equal(t, 1, conn.reads)
	assert.Equal(t, 2, f.popCalls)
	require.Len(t, f.pushed, 1)
	assert.Equal(t, bytesOf(500, 3), f.pushed[0])
}

// Scenario C: end of stream while the filter still holds data.
func TestRead_EndOfStream(t *testing.T) {
	f := &scriptFilter{handle: 1, pops: [][]byte{nil, nil, bytesOf(188, 0)}}
	conn := &fakeConn{chunks: []chunk{{err: io.EOF}}}
	ds := openSource(t, f, &fakeOpener{conn: conn})

	buf := make([]byte, 1024)
	n, err := ds.Read(buf, 0, len(buf))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, ds.Handle().Valid(), "handle is only released by Close")

	pops, reads := f.popCalls, conn.reads
	n, err = ds.Read(buf, 0, len(buf))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, pops, f.popCalls, "buffered filter output is discarded after end of stream")
	assert.Equal(t, reads, conn.reads)

	require.NoError(t, ds.Close())
	assert.Equal(t, 1, f.closes)
}

func TestRead_ChunkWithEndOfStream(t *testing.T) {
	fake := &filtertest.Fake{}
	conn := &fakeConn{chunks: []chunk{{data: bytesOf(376, 0), err: io.EOF}}}
	ds := openSource(t, fake, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := make([]byte, 2048)
	n, err := ds.Read(buf, 0, 376)
	require.NoError(t, err)
	assert.Equal(t, 376, n)

	_, err = ds.Read(buf, 0, 376)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRead_ZeroWhileFilterBuffers(t *testing.T) {
	fake := &filtertest.Fake{Hold: 1000}
	conn := &fakeConn{chunks: []chunk{
		{data: bytesOf(500, 0)},
		{data: bytesOf(500, 0)},
	}}
	ds := openSource(t, fake, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := make([]byte, 2048)
	n, err := ds.Read(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Zero(t, n, "zero means poll again")
	assert.True(t, ds.IsOpen())

	n, err = ds.Read(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
}

func TestRead_NetworkError(t *testing.T) {
	f := &scriptFilter{handle: 1}
	conn := &fakeConn{chunks: []chunk{{err: errBoom}}}
	ds := openSource(t, f, &fakeOpener{conn: conn})
	defer ds.Close()

	_, err := ds.Read(make([]byte, 100), 0, 100)
	assert.ErrorIs(t, err, datasource.ErrConnection)
	assert.ErrorIs(t, err, errBoom)
}

func TestRead_NetworkErrorAfterData(t *testing.T) {
	fake := &filtertest.Fake{}
	conn := &fakeConn{chunks: []chunk{{data: bytesOf(188, 0), err: errBoom}}}
	ds := openSource(t, fake, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := make([]byte, 1024)
	n, err := ds.Read(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, 188, n)

	_, err = ds.Read(buf, 0, len(buf))
	assert.ErrorIs(t, err, datasource.ErrConnection)
}

func TestRead_FilterErrors(t *testing.T) {
	tests := []struct {
		name string
		fake *filtertest.Fake
	}{
		{"push", &filtertest.Fake{PushErr: errBoom}},
		{"pop", &filtertest.Fake{PopErr: errBoom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{chunks: []chunk{{data: bytesOf(188, 0)}}}
			ds := openSource(t, tt.fake, &fakeOpener{conn: conn})
			defer ds.Close()

			_, err := ds.Read(make([]byte, 188), 0, 188)
			assert.ErrorIs(t, err, datasource.ErrFilter)
			assert.ErrorIs(t, err, errBoom)
		})
	}
}

func TestRead_RespectsOffsetAndLength(t *testing.T) {
	fake := &filtertest.Fake{}
	conn := &fakeConn{chunks: []chunk{{data: bytesOf(188, 10)}}}
	ds := openSource(t, fake, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := bytes.Repeat([]byte{0xee}, 64)
	n, err := ds.Read(buf, 16, 32)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	assert.Equal(t, bytes.Repeat([]byte{0xee}, 16), buf[:16])
	assert.Equal(t, bytesOf(32, 10), buf[16:48])
	assert.Equal(t, bytes.Repeat([]byte{0xee}, 16), buf[48:])

	// the rest stays in the filter for the next call
	assert.Equal(t, 188-32, fake.Buffered(ds.Handle()))
}

func TestRead_InvalidRange(t *testing.T) {
	ds := openSource(t, &filtertest.Fake{}, &fakeOpener{conn: &fakeConn{}})
	defer ds.Close()

	buf := make([]byte, 10)
	tests := []struct {
		name           string
		offset, length int
	}{
		{"negative offset", -1, 5},
		{"negative length", 0, -1},
		{"offset past end", 11, 0},
		{"length past end", 5, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ds.Read(buf, tt.offset, tt.length)
			assert.Zero(t, n)
			assert.ErrorIs(t, err, datasource.ErrInvalidRange)
		})
	}

	n, err := ds.Read(buf, 10, 0)
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestRead_NotOpen(t *testing.T) {
	ds := newSource(t, &filtertest.Fake{}, &fakeOpener{conn: &fakeConn{}})

	_, err := ds.Read(make([]byte, 10), 0, 10)
	assert.ErrorIs(t, err, datasource.ErrNotOpen)

	_, err = ds.Open(context.Background(), testSpec)
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	_, err = ds.Read(make([]byte, 10), 0, 10)
	assert.ErrorIs(t, err, datasource.ErrNotOpen)
}

// Bytes come out in order with no duplication whatever the read sizes.
func TestRead_DataIntegrity(t *testing.T) {
	var input []byte
	var chunks []chunk
	for i := range 20 {
		c := bytesOf(100+i*37, byte(i*13))
		input = append(input, c...)
		chunks = append(chunks, chunk{data: c})
	}

	fake := &filtertest.Fake{Hold: 300}
	ds := openSource(t, fake, &fakeOpener{conn: &fakeConn{chunks: chunks}})
	defer ds.Close()

	var got []byte
	buf := make([]byte, 4096)
	sizes := []int{1, 188, 7, 1000, 2048, 64}
	for i := 0; ; i++ {
		length := sizes[i%len(sizes)]
		offset := i % 3
		n, err := ds.Read(buf, offset, length)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, n, length)
		got = append(got, buf[offset:offset+n]...)
	}

	assert.Equal(t, input, got)
}

func TestRead_LengthCappedByOutputBuffer(t *testing.T) {
	fake := &filtertest.Fake{}
	conn := &fakeConn{chunks: []chunk{
		{data: bytesOf(4*188, 0)},
		{data: bytesOf(4*188, 0)},
		{data: bytesOf(4*188, 0)},
	}}
	ds := openSource(t, fake, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := make([]byte, 64*188)
	n, err := ds.Read(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, 4*188, n)

	// network reads are bounded by the input staging buffer
	n, err = ds.Read(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, 4*188, n)
}

// Scenario E: closing twice neither fails nor releases the handle twice.
func TestClose_Twice(t *testing.T) {
	f := &scriptFilter{handle: 9}
	conn := &fakeConn{}
	ds := openSource(t, f, &fakeOpener{conn: conn})

	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close())

	assert.Equal(t, 1, f.closes)
	assert.Equal(t, 1, conn.closes)
	assert.False(t, ds.Handle().Valid())
	assert.False(t, ds.IsOpen())
}

func TestClose_NeverOpened(t *testing.T) {
	ds := newSource(t, &filtertest.Fake{}, &fakeOpener{})
	assert.NoError(t, ds.Close())
}

func TestClose_ConnectionFirstThenFilter(t *testing.T) {
	rec := &recorder{}
	f := &scriptFilter{handle: 2, rec: rec}
	ds := openSource(t, f, &fakeOpener{conn: &fakeConn{rec: rec}, rec: rec})

	require.NoError(t, ds.Close())
	assert.Equal(t, []string{"filter.open", "conn.open", "conn.close", "filter.close"}, rec.events)
}

func TestClose_ReleasesFilterEvenIfConnectionFails(t *testing.T) {
	errFilter := errors.New("filter busy")
	f := &scriptFilter{handle: 3, closeErr: errFilter}
	conn := &fakeConn{closeErr: errBoom}
	ds := openSource(t, f, &fakeOpener{conn: conn})

	err := ds.Close()
	assert.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, err, errFilter)
	assert.Equal(t, 1, f.closes)
	assert.False(t, ds.Handle().Valid())

	assert.NoError(t, ds.Close())
	assert.Equal(t, 1, f.closes)
}

func TestReopenAfterClose(t *testing.T) {
	fake := &filtertest.Fake{}
	opener := &fakeOpener{conn: &fakeConn{chunks: []chunk{{err: io.EOF}}}}
	ds := openSource(t, fake, opener)

	_, err := ds.Read(make([]byte, 10), 0, 10)
	require.ErrorIs(t, err, io.EOF)
	first := ds.Handle()
	require.NoError(t, ds.Close())

	opener.conn = &fakeConn{chunks: []chunk{{data: bytesOf(188, 0)}}}
	_, err = ds.Open(context.Background(), testSpec)
	require.NoError(t, err)
	defer ds.Close()

	assert.NotEqual(t, first, ds.Handle())
	n, err := ds.Read(make([]byte, 188), 0, 188)
	require.NoError(t, err)
	assert.Equal(t, 188, n)
	assert.Equal(t, 1, fake.Live())
}

func TestStats(t *testing.T) {
	fake := &filtertest.Fake{Hold: 300}
	conn := &fakeConn{chunks: []chunk{
		{data: bytesOf(200, 0)},
		{data: bytesOf(200, 0)},
	}}
	ds := openSource(t, fake, &fakeOpener{conn: conn})
	defer ds.Close()

	buf := make([]byte, 1024)
	_, _ = ds.Read(buf, 0, 1024) // zero, filter holding
	_, _ = ds.Read(buf, 0, 1024) // 400 bytes
	_, _ = ds.Read(buf, 0, 1024) // eos

	s := ds.Stats()
	assert.Equal(t, int64(3), s.Reads)
	assert.Equal(t, int64(1), s.ZeroReads)
	assert.Equal(t, int64(1), s.DataReads)
	assert.Equal(t, int64(1), s.EOSReads)
	assert.Equal(t, int64(400), s.BytesReceived)
	assert.Equal(t, int64(400), s.BytesPushed)
	assert.Equal(t, int64(400), s.BytesPopped)
	assert.Equal(t, int64(400), s.BytesDelivered)
	assert.Equal(t, int64(3), s.NetworkReads)
	assert.False(t, s.OpenedAt.IsZero())
}
