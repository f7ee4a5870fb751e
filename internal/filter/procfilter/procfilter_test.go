package procfilter

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jmylchreest/tsbridge/internal/filter"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	lookPath(t, "sh")
	path := filepath.Join(t.TempDir(), "fake-tsreadex")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCatRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New(Config{
		BinaryPath:  lookPath(t, "cat"),
		MaxOutput:   4096,
		KillTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})

	h, err := e.OpenFilter(nil)
	require.NoError(t, err)
	require.True(t, h.Valid())

	var input []byte
	for i := range 20 {
		chunk := bytes.Repeat([]byte{byte(i)}, 188*10)
		input = append(input, chunk...)
		require.NoError(t, e.PushDataBuffer(h, chunk))
	}

	var got []byte
	buf := make([]byte, 1000)
	require.Eventually(t, func() bool {
		for {
			n, err := e.PopDataBuffer(h, buf)
			if err != nil {
				return false
			}
			if n == 0 {
				return len(got) == len(input)
			}
			got = append(got, buf[:n]...)
		}
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, input, got)
	assert.NoError(t, e.CloseFilter(h))
	assert.Zero(t, e.Live())
}

func TestPopEmptyReturnsZero(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New(Config{BinaryPath: lookPath(t, "cat"), Logger: quietLogger()})
	h, err := e.OpenFilter(nil)
	require.NoError(t, err)

	n, err := e.PopDataBuffer(h, make([]byte, 188))
	assert.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, e.CloseFilter(h))
}

func TestOpenMissingBinary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New(Config{BinaryPath: "/nonexistent/tsreadex", Logger: quietLogger()})
	h, err := e.OpenFilter([]string{"-n", "-1"})
	assert.ErrorIs(t, err, filter.ErrOpenFailed)
	assert.Equal(t, filter.InvalidHandle, h)
	assert.Zero(t, e.Live())
}

func TestOpenInvalidArgs(t *testing.T) {
	e := New(Config{BinaryPath: "cat", Logger: quietLogger()})

	for _, args := range [][]string{{"-n", "x"}, {"input.ts"}} {
		h, err := e.OpenFilter(args)
		assert.ErrorIs(t, err, filter.ErrOpenFailed)
		assert.Equal(t, filter.InvalidHandle, h)
	}
}

func TestProcessExitSurfacesOnPop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	script := writeScript(t, "echo 'bad service id' >&2\nexit 3")
	e := New(Config{BinaryPath: script, Logger: quietLogger()})

	h, err := e.OpenFilter([]string{"-n", "1024"})
	require.NoError(t, err)

	var popErr error
	require.Eventually(t, func() bool {
		_, popErr = e.PopDataBuffer(h, make([]byte, 188))
		return popErr != nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, popErr, ErrProcessExited)
	assert.Contains(t, popErr.Error(), "bad service id")
	assert.ErrorIs(t, e.PushDataBuffer(h, []byte{0x47}), ErrProcessExited)

	assert.ErrorIs(t, e.CloseFilter(h), ErrProcessExited)
}

func TestPushFailsWhenInputNotConsumed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	script := writeScript(t, "exec sleep 30")
	e := New(Config{
		BinaryPath:  script,
		MaxInput:    32 << 10,
		KillTimeout: 100 * time.Millisecond,
		Logger:      quietLogger(),
	})

	h, err := e.OpenFilter(nil)
	require.NoError(t, err)

	// the pipe absorbs some input, the queue must stop growing after that
	chunk := make([]byte, 16<<10)
	var pushErr error
	for range 1000 {
		if pushErr = e.PushDataBuffer(h, chunk); pushErr != nil {
			break
		}
	}
	assert.ErrorIs(t, pushErr, ErrInputFull)

	assert.NoError(t, e.CloseFilter(h))
}

func TestCloseKillsStuckProcess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	script := writeScript(t, "exec sleep 30")
	e := New(Config{
		BinaryPath:  script,
		KillTimeout: 100 * time.Millisecond,
		Logger:      quietLogger(),
	})

	h, err := e.OpenFilter(nil)
	require.NoError(t, err)

	start := time.Now()
	assert.NoError(t, e.CloseFilter(h))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCloseTwice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New(Config{BinaryPath: lookPath(t, "cat"), Logger: quietLogger()})
	h, err := e.OpenFilter(nil)
	require.NoError(t, err)

	require.NoError(t, e.CloseFilter(h))
	assert.ErrorIs(t, e.CloseFilter(h), filter.ErrInvalidHandle)
	assert.ErrorIs(t, e.PushDataBuffer(h, []byte{1}), filter.ErrInvalidHandle)
}
