// Package filter defines the handle-keyed stream filter contract used by the
// data source, plus the helpers shared by the filter engines.
//
// A filter instance is created by OpenFilter and referred to only through
// its Handle. Raw transport stream bytes go in through PushDataBuffer and
// processed bytes come out through PopDataBuffer; neither call waits for the
// other side. CloseFilter releases everything held for the handle.
package filter

import (
	"errors"
	"strconv"
)

// Handle identifies one live filter instance.
type Handle int64

// InvalidHandle is never issued. It marks "no instance" before creation and
// after destruction.
const InvalidHandle Handle = 0

// Valid reports whether h may refer to a live instance.
func (h Handle) Valid() bool {
	return h != InvalidHandle
}

func (h Handle) String() string {
	return strconv.FormatInt(int64(h), 10)
}

// Errors shared by all engines.
var (
	ErrInvalidHandle = errors.New("invalid filter handle")
	ErrOpenFailed    = errors.New("filter open failed")
)

// Filter is the four-operation filter contract.
//
// Each instance is driven by a single caller. Implementations must allow
// different handles to be used from different goroutines.
type Filter interface {
	// OpenFilter creates an instance configured from command-line style
	// arguments. On failure it returns InvalidHandle and an error wrapping
	// ErrOpenFailed.
	OpenFilter(args []string) (Handle, error)

	// PushDataBuffer hands raw bytes to the instance. It never waits for
	// output to be consumed.
	PushDataBuffer(h Handle, data []byte) error

	// PopDataBuffer copies up to len(out) processed bytes into out and
	// returns the count. Zero with a nil error means nothing is ready yet.
	PopDataBuffer(h Handle, out []byte) (int, error)

	// CloseFilter destroys the instance. Unknown or already closed handles
	// return ErrInvalidHandle.
	CloseFilter(h Handle) error
}
