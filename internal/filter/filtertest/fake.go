// Package filtertest provides a scripted in-memory filter for tests.
package filtertest

import (
	"fmt"
	"sync"

	"github.com/jmylchreest/tsbridge/internal/filter"
)

// Fake is a filter.Filter whose behaviour is set through its fields before
// use. By default it copies pushed bytes to its output unchanged.
type Fake struct {
	// OpenErr makes OpenFilter fail with this error.
	OpenErr error
	// OpenInvalid makes OpenFilter return InvalidHandle with a nil error.
	OpenInvalid bool
	// Hold is the number of input bytes kept back before any output is
	// produced, imitating a filter that buffers for alignment.
	Hold int
	// Transform rewrites every released chunk. Nil means identity.
	Transform func([]byte) []byte

	PushErr  error
	PopErr   error
	CloseErr error

	// OnClose runs inside CloseFilter for a known handle.
	OnClose func(filter.Handle)

	mu       sync.Mutex
	table    *filter.Table[*instance]
	opens    int
	closes   int
	pushes   int
	pops     int
	lastArgs []string
}

type instance struct {
	pending []byte
	out     []byte
	pushed  int
}

var _ filter.Filter = (*Fake)(nil)

func (f *Fake) tbl() *filter.Table[*instance] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.table == nil {
		f.table = filter.NewTable[*instance]()
	}
	return f.table
}

func (f *Fake) OpenFilter(args []string) (filter.Handle, error) {
	f.mu.Lock()
	f.opens++
	f.lastArgs = append([]string(nil), args...)
	f.mu.Unlock()

	if f.OpenErr != nil {
		return filter.InvalidHandle, fmt.Errorf("%w: %w", filter.ErrOpenFailed, f.OpenErr)
	}
	if f.OpenInvalid {
		return filter.InvalidHandle, nil
	}
	return f.tbl().Add(&instance{}), nil
}

func (f *Fake) PushDataBuffer(h filter.Handle, data []byte) error {
	inst, ok := f.tbl().Get(h)
	if !ok {
		return filter.ErrInvalidHandle
	}

	f.mu.Lock()
	f.pushes++
	f.mu.Unlock()

	if f.PushErr != nil {
		return f.PushErr
	}

	inst.pending = append(inst.pending, data...)
	inst.pushed += len(data)
	if inst.pushed < f.Hold {
		return nil
	}

	chunk := inst.pending
	inst.pending = nil
	if f.Transform != nil {
		chunk = f.Transform(chunk)
	}
	inst.out = append(inst.out, chunk...)
	return nil
}

func (f *Fake) PopDataBuffer(h filter.Handle, out []byte) (int, error) {
	inst, ok := f.tbl().Get(h)
	if !ok {
		return 0, filter.ErrInvalidHandle
	}

	f.mu.Lock()
	f.pops++
	f.mu.Unlock()

	if f.PopErr != nil {
		return 0, f.PopErr
	}

	n := copy(out, inst.out)
	inst.out = inst.out[n:]
	return n, nil
}

func (f *Fake) CloseFilter(h filter.Handle) error {
	if _, ok := f.tbl().Remove(h); !ok {
		return filter.ErrInvalidHandle
	}

	f.mu.Lock()
	f.closes++
	f.mu.Unlock()

	if f.OnClose != nil {
		f.OnClose(h)
	}
	return f.CloseErr
}

// Buffered returns the processed bytes waiting to be popped for h.
func (f *Fake) Buffered(h filter.Handle) int {
	inst, ok := f.tbl().Get(h)
	if !ok {
		return 0
	}
	return len(inst.out)
}

// Live returns the number of open instances.
func (f *Fake) Live() int {
	return f.tbl().Len()
}

// Counts returns how many times each operation was called.
func (f *Fake) Counts() (opens, pushes, pops, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.pushes, f.pops, f.closes
}

// LastArgs returns the arguments of the most recent OpenFilter call.
func (f *Fake) LastArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastArgs
}
