// Package pidfilter is the in-process filter engine. It realigns the input
// on packet boundaries, keeps one program's packets, drops excluded PIDs and
// rewrites the PAT to describe only what it lets through.
package pidfilter

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/tspacket"
)

// maxHeldPackets bounds the packets kept while waiting for the PMT.
const maxHeldPackets = 8192

// Engine implements filter.Filter without external processes.
type Engine struct {
	logger *slog.Logger
	table  *filter.Table[*stream]

	warnOnce sync.Once
}

var _ filter.Filter = (*Engine)(nil)

// New creates an in-process filter engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger.With(slog.String("engine", "go")),
		table:  filter.NewTable[*stream](),
	}
}

// OpenFilter parses tsreadex-style args and creates a new instance.
func (e *Engine) OpenFilter(args []string) (filter.Handle, error) {
	opts, err := filter.ParseOptions(args)
	if err != nil {
		return filter.InvalidHandle, fmt.Errorf("%w: %w", filter.ErrOpenFailed, err)
	}
	if opts.Input != "" && opts.Input != "-" {
		return filter.InvalidHandle, fmt.Errorf("%w: input %q not supported, data is pushed", filter.ErrOpenFailed, opts.Input)
	}

	if transforms := opts.Transforms(); len(transforms) > 0 {
		e.warnOnce.Do(func() {
			e.logger.Warn("stream rewriting options are only applied by the process engine",
				slog.String("options", strings.Join(transforms, " ")),
			)
		})
	}

	return e.table.Add(newStream(opts)), nil
}

// PushDataBuffer realigns and filters data into the instance output queue.
func (e *Engine) PushDataBuffer(h filter.Handle, data []byte) error {
	s, ok := e.table.Get(h)
	if !ok {
		return filter.ErrInvalidHandle
	}
	s.push(data)
	return nil
}

// PopDataBuffer drains filtered bytes in FIFO order.
func (e *Engine) PopDataBuffer(h filter.Handle, out []byte) (int, error) {
	s, ok := e.table.Get(h)
	if !ok {
		return 0, filter.ErrInvalidHandle
	}
	if s.out.Len() == 0 || len(out) == 0 {
		return 0, nil
	}
	n, _ := s.out.Read(out)
	return n, nil
}

// CloseFilter releases the instance.
func (e *Engine) CloseFilter(h filter.Handle) error {
	s, ok := e.table.Remove(h)
	if !ok {
		return filter.ErrInvalidHandle
	}
	e.logger.Debug("filter instance closed",
		slog.Any("handle", h),
		slog.Int64("packets_in", s.stats.packetsIn),
		slog.Int64("packets_out", s.stats.packetsOut),
		slog.Int64("packets_dropped", s.stats.dropped),
		slog.Int64("bytes_skipped", s.stats.skipped),
	)
	return nil
}

// Live returns the number of open instances.
func (e *Engine) Live() int {
	return e.table.Len()
}

type verdict int

const (
	verdictDrop verdict = iota
	verdictPass
	verdictUnknown
)

type heldPacket struct {
	data     []byte
	approved bool
}

type streamStats struct {
	packetsIn  int64
	packetsOut int64
	dropped    int64
	skipped    int64
}

// stream is the per-handle state.
type stream struct {
	opts filter.Options

	pending []byte
	out     bytes.Buffer
	held    []heldPacket

	patReader tspacket.SectionReader
	pmtReader tspacket.SectionReader

	programNumber uint16
	pmtPID        uint16
	pmtKnown      bool
	keep          map[uint16]bool
	patCC         uint8

	stats streamStats
}

func newStream(opts filter.Options) *stream {
	s := &stream{
		opts: opts,
		keep: make(map[uint16]bool),
	}
	if opts.Program == filter.ProgramAll {
		s.pmtKnown = true
	}
	return s
}

// push appends data to the pending input and processes every complete,
// aligned packet. An incomplete tail is kept for the next push.
func (s *stream) push(data []byte) {
	s.pending = append(s.pending, data...)
	buf := s.pending

	i := 0
	for i < len(buf) {
		if buf[i] != tspacket.SyncByte {
			i++
			s.stats.skipped++
			continue
		}
		end := i + tspacket.PacketSize
		if end > len(buf) {
			break
		}
		if end < len(buf) && buf[end] != tspacket.SyncByte {
			i++
			s.stats.skipped++
			continue
		}
		s.process(buf[i:end])
		i = end
	}

	s.pending = append(s.pending[:0], buf[i:]...)
}

func (s *stream) process(p []byte) {
	s.stats.packetsIn++
	pid := tspacket.PID(p)

	if s.opts.Excluded(pid) {
		s.stats.dropped++
		return
	}

	if s.opts.Program == filter.ProgramAll {
		s.write(p)
		return
	}

	switch {
	case pid == tspacket.PATPID:
		// replaced by the rewritten PAT
		s.stats.dropped++
		for _, section := range s.patReader.Feed(p) {
			s.handlePAT(section)
		}
	case s.pmtPID != 0 && pid == s.pmtPID:
		sections := s.pmtReader.Feed(p)
		s.deliver(p, true)
		for _, section := range sections {
			s.handlePMT(section)
		}
	default:
		switch s.classify(pid) {
		case verdictPass:
			s.deliver(p, true)
		case verdictUnknown:
			s.deliver(p, false)
		default:
			s.stats.dropped++
		}
	}
}

func (s *stream) classify(pid uint16) verdict {
	switch {
	case s.opts.Excluded(pid):
		return verdictDrop
	case s.pmtPID != 0 && pid == s.pmtPID:
		return verdictPass
	case pid < tspacket.SIPIDLimit:
		return verdictPass
	case s.keep[pid]:
		return verdictPass
	case !s.pmtKnown:
		return verdictUnknown
	default:
		return verdictDrop
	}
}

func (s *stream) handlePAT(section []byte) {
	pat, err := tspacket.ParsePAT(section)
	if err != nil {
		return
	}

	var selected *tspacket.PATEntry
	rewritten := &tspacket.PAT{TransportStreamID: pat.TransportStreamID, Version: pat.Version}
	for i := range pat.Programs {
		entry := pat.Programs[i]
		if entry.ProgramNumber == 0 {
			rewritten.Programs = append(rewritten.Programs, entry)
			continue
		}
		if selected != nil {
			continue
		}
		if s.opts.Program == filter.ProgramFirst || int(entry.ProgramNumber) == s.opts.Program {
			selected = &pat.Programs[i]
			rewritten.Programs = append(rewritten.Programs, entry)
		}
	}
	if selected == nil {
		return
	}

	if selected.PID != s.pmtPID || selected.ProgramNumber != s.programNumber {
		s.programNumber = selected.ProgramNumber
		s.pmtPID = selected.PID
		s.pmtKnown = false
		s.pmtReader = tspacket.SectionReader{}
		clear(s.keep)
	}

	var packets []byte
	packets, s.patCC = tspacket.PacketizeSection(tspacket.PATPID, s.patCC, rewritten.Section())
	for off := 0; off < len(packets); off += tspacket.PacketSize {
		s.deliver(packets[off:off+tspacket.PacketSize], true)
	}
}

func (s *stream) handlePMT(section []byte) {
	pmt, err := tspacket.ParsePMT(section)
	if err != nil || pmt.ProgramNumber != s.programNumber {
		return
	}

	clear(s.keep)
	for _, pid := range pmt.PIDs() {
		s.keep[pid] = true
	}

	if !s.pmtKnown {
		s.pmtKnown = true
		s.flush()
	}
}

// deliver queues an accepted packet, or holds it while the PMT is unknown.
func (s *stream) deliver(p []byte, approved bool) {
	if s.pmtKnown {
		s.write(p)
		return
	}
	if len(s.held) >= maxHeldPackets {
		s.held = s.held[1:]
		s.stats.dropped++
	}
	s.held = append(s.held, heldPacket{data: bytes.Clone(p), approved: approved})
}

func (s *stream) flush() {
	for _, h := range s.held {
		if h.approved || s.classify(tspacket.PID(h.data)) == verdictPass {
			s.write(h.data)
		} else {
			s.stats.dropped++
		}
	}
	s.held = nil
}

func (s *stream) write(p []byte) {
	s.out.Write(p)
	s.stats.packetsOut++
}
