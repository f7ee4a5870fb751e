// Package probe inspects captured transport stream output: the program
// tables that survived filtering and the tracks a player would decode.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// ErrNoPrograms is returned when the data carries no usable PAT.
var ErrNoPrograms = errors.New("no program association table found")

// Stream is one elementary stream listed in a PMT.
type Stream struct {
	PID  uint16 `json:"pid" yaml:"pid"`
	Type uint8  `json:"stream_type" yaml:"stream_type"`
	Name string `json:"name" yaml:"name"`
}

// Program is one PAT entry with the streams of its PMT, if one was seen.
type Program struct {
	Number  uint16   `json:"program_number" yaml:"program_number"`
	PMTPID  uint16   `json:"pmt_pid" yaml:"pmt_pid"`
	PCRPID  uint16   `json:"pcr_pid,omitempty" yaml:"pcr_pid,omitempty"`
	Streams []Stream `json:"streams,omitempty" yaml:"streams,omitempty"`
}

// Track is a decodable track found by the demuxer.
type Track struct {
	PID   uint16 `json:"pid" yaml:"pid"`
	Codec string `json:"codec" yaml:"codec"`
}

var streamTypeNames = map[uint8]string{
	0x01: "mpeg1-video",
	0x02: "mpeg2-video",
	0x03: "mpeg1-audio",
	0x04: "mpeg2-audio",
	0x06: "private-pes",
	0x0d: "dsm-cc",
	0x0f: "aac",
	0x11: "aac-latm",
	0x1b: "h264",
	0x24: "h265",
	0x81: "ac3",
}

// StreamTypeName returns a short name for a PMT stream type.
func StreamTypeName(t uint8) string {
	if name, ok := streamTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", t)
}

// Programs demuxes data and returns every program of the last PAT seen,
// ordered by program number. The NIT entry (program 0) is omitted.
func Programs(data []byte) ([]Program, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data), astits.DemuxerOptPacketSize(188))

	var (
		programs map[uint16]*Program
		pending  int
	)
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("demuxing: %w", err)
		}

		switch {
		case d.PAT != nil:
			programs = make(map[uint16]*Program, len(d.PAT.Programs))
			for _, p := range d.PAT.Programs {
				if p.ProgramNumber == 0 {
					continue
				}
				programs[p.ProgramNumber] = &Program{Number: p.ProgramNumber, PMTPID: p.ProgramMapID}
			}
			pending = len(programs)
		case d.PMT != nil && programs != nil:
			p, ok := programs[d.PMT.ProgramNumber]
			if !ok || p.Streams != nil {
				continue
			}
			p.PCRPID = d.PMT.PCRPID
			p.Streams = make([]Stream, 0, len(d.PMT.ElementaryStreams))
			for _, es := range d.PMT.ElementaryStreams {
				st := uint8(es.StreamType)
				p.Streams = append(p.Streams, Stream{PID: es.ElementaryPID, Type: st, Name: StreamTypeName(st)})
			}
			pending--
		}

		if programs != nil && pending == 0 {
			break
		}
	}

	if programs == nil {
		return nil, ErrNoPrograms
	}

	out := make([]Program, 0, len(programs))
	for _, p := range programs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Tracks reads r until the first PMT and returns the tracks the demuxer can
// decode.
func Tracks(r io.Reader) ([]Track, error) {
	rd := &mpegts.Reader{R: r}
	if err := rd.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	var tracks []Track
	for _, t := range rd.Tracks() {
		tracks = append(tracks, Track{PID: t.PID, Codec: codecName(t.Codec)})
	}
	return tracks, nil
}

func codecName(c mpegts.Codec) string {
	switch c.(type) {
	case *mpegts.CodecH264:
		return "h264"
	case *mpegts.CodecH265:
		return "h265"
	case *mpegts.CodecMPEG4Audio:
		return "aac"
	case *mpegts.CodecMPEG1Audio:
		return "mp3"
	case *mpegts.CodecAC3:
		return "ac3"
	case *mpegts.CodecOpus:
		return "opus"
	default:
		return "unsupported"
	}
}
