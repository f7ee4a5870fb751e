package tspacket

import (
	"errors"
	"fmt"
)

// PSI table IDs.
const (
	TableIDPAT byte = 0x00
	TableIDPMT byte = 0x02
)

// PSI errors.
var (
	ErrInvalidSection = errors.New("invalid psi section")
	ErrSectionCRC     = errors.New("psi section crc mismatch")
)

// SectionReader reassembles PSI sections from the packets of one PID.
// Continuity is not checked; a lost packet shows up as a CRC mismatch.
type SectionReader struct {
	buf     []byte
	started bool
}

// Feed adds one packet and returns any sections completed by it.
func (r *SectionReader) Feed(p []byte) [][]byte {
	payload := Payload(p)
	if len(payload) == 0 {
		return nil
	}

	var out [][]byte
	if PayloadUnitStart(p) {
		pointer := int(payload[0])
		if 1+pointer > len(payload) {
			r.reset()
			return nil
		}
		if r.started {
			r.buf = append(r.buf, payload[1:1+pointer]...)
			out = r.drain(out)
		}
		r.buf = append(r.buf[:0], payload[1+pointer:]...)
		r.started = true
	} else {
		if !r.started {
			return nil
		}
		r.buf = append(r.buf, payload...)
	}
	return r.drain(out)
}

func (r *SectionReader) drain(out [][]byte) [][]byte {
	for len(r.buf) >= 3 {
		if r.buf[0] == 0xff {
			r.reset()
			break
		}
		total := 3 + (int(r.buf[1]&0x0f)<<8 | int(r.buf[2]))
		if len(r.buf) < total {
			break
		}
		section := make([]byte, total)
		copy(section, r.buf[:total])
		out = append(out, section)
		r.buf = r.buf[total:]
	}
	if r.started && len(r.buf) == 0 {
		r.started = false
	}
	return out
}

func (r *SectionReader) reset() {
	r.buf = r.buf[:0]
	r.started = false
}

// parseLongSection validates a syntax-indicator section and returns its
// table id extension, version and the body between header and CRC.
func parseLongSection(section []byte, tableID byte) (uint16, uint8, []byte, error) {
	if len(section) < 12 {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrInvalidSection, len(section))
	}
	if section[0] != tableID {
		return 0, 0, nil, fmt.Errorf("%w: table id 0x%02x, want 0x%02x", ErrInvalidSection, section[0], tableID)
	}
	if section[1]&0x80 == 0 {
		return 0, 0, nil, fmt.Errorf("%w: section syntax indicator not set", ErrInvalidSection)
	}
	total := 3 + (int(section[1]&0x0f)<<8 | int(section[2]))
	if total != len(section) {
		return 0, 0, nil, fmt.Errorf("%w: section length %d, have %d", ErrInvalidSection, total, len(section))
	}
	if CRC32(section) != 0 {
		return 0, 0, nil, ErrSectionCRC
	}

	id := uint16(section[3])<<8 | uint16(section[4])
	version := (section[5] >> 1) & 0x1f
	return id, version, section[8 : total-4], nil
}

func buildLongSection(tableID byte, id uint16, version uint8, body []byte) []byte {
	sectionLength := 5 + len(body) + 4
	s := make([]byte, 0, 3+sectionLength)
	s = append(s,
		tableID,
		0xb0|byte(sectionLength>>8)&0x0f,
		byte(sectionLength),
		byte(id>>8), byte(id),
		0xc1|(version&0x1f)<<1,
		0x00, 0x00,
	)
	s = append(s, body...)
	crc := CRC32(s)
	return append(s, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// PATEntry maps a program number to its PMT PID. Program 0 points at the
// network information table.
type PATEntry struct {
	ProgramNumber uint16
	PID           uint16
}

// PAT is a program association table.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	Programs          []PATEntry
}

// ParsePAT decodes a complete PAT section.
func ParsePAT(section []byte) (*PAT, error) {
	id, version, body, err := parseLongSection(section, TableIDPAT)
	if err != nil {
		return nil, err
	}
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("%w: pat body length %d", ErrInvalidSection, len(body))
	}

	pat := &PAT{TransportStreamID: id, Version: version}
	for i := 0; i+4 <= len(body); i += 4 {
		pat.Programs = append(pat.Programs, PATEntry{
			ProgramNumber: uint16(body[i])<<8 | uint16(body[i+1]),
			PID:           uint16(body[i+2]&0x1f)<<8 | uint16(body[i+3]),
		})
	}
	return pat, nil
}

// Section encodes the PAT with a fresh CRC.
func (p *PAT) Section() []byte {
	body := make([]byte, 0, 4*len(p.Programs))
	for _, e := range p.Programs {
		body = append(body,
			byte(e.ProgramNumber>>8), byte(e.ProgramNumber),
			0xe0|byte(e.PID>>8)&0x1f, byte(e.PID),
		)
	}
	return buildLongSection(TableIDPAT, p.TransportStreamID, p.Version, body)
}

// PMTStream is one elementary stream of a program.
type PMTStream struct {
	StreamType  uint8
	PID         uint16
	Descriptors []byte
}

// PMT is a program map table.
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	PCRPID        uint16
	ProgramInfo   []byte
	Streams       []PMTStream
}

// ParsePMT decodes a complete PMT section.
func ParsePMT(section []byte) (*PMT, error) {
	program, version, body, err := parseLongSection(section, TableIDPMT)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: pmt body length %d", ErrInvalidSection, len(body))
	}

	pmt := &PMT{
		ProgramNumber: program,
		Version:       version,
		PCRPID:        uint16(body[0]&0x1f)<<8 | uint16(body[1]),
	}
	infoLen := int(body[2]&0x0f)<<8 | int(body[3])
	pos := 4
	if pos+infoLen > len(body) {
		return nil, fmt.Errorf("%w: program info overruns section", ErrInvalidSection)
	}
	if infoLen > 0 {
		pmt.ProgramInfo = append([]byte(nil), body[pos:pos+infoLen]...)
	}
	pos += infoLen

	for pos < len(body) {
		if pos+5 > len(body) {
			return nil, fmt.Errorf("%w: truncated stream entry", ErrInvalidSection)
		}
		esLen := int(body[pos+3]&0x0f)<<8 | int(body[pos+4])
		if pos+5+esLen > len(body) {
			return nil, fmt.Errorf("%w: es info overruns section", ErrInvalidSection)
		}
		stream := PMTStream{
			StreamType: body[pos],
			PID:        uint16(body[pos+1]&0x1f)<<8 | uint16(body[pos+2]),
		}
		if esLen > 0 {
			stream.Descriptors = append([]byte(nil), body[pos+5:pos+5+esLen]...)
		}
		pmt.Streams = append(pmt.Streams, stream)
		pos += 5 + esLen
	}
	return pmt, nil
}

// Section encodes the PMT with a fresh CRC.
func (p *PMT) Section() []byte {
	body := make([]byte, 0, 4+len(p.ProgramInfo)+5*len(p.Streams))
	body = append(body,
		0xe0|byte(p.PCRPID>>8)&0x1f, byte(p.PCRPID),
		0xf0|byte(len(p.ProgramInfo)>>8)&0x0f, byte(len(p.ProgramInfo)),
	)
	body = append(body, p.ProgramInfo...)
	for _, s := range p.Streams {
		body = append(body,
			s.StreamType,
			0xe0|byte(s.PID>>8)&0x1f, byte(s.PID),
			0xf0|byte(len(s.Descriptors)>>8)&0x0f, byte(len(s.Descriptors)),
		)
		body = append(body, s.Descriptors...)
	}
	return buildLongSection(TableIDPMT, p.ProgramNumber, p.Version, body)
}

// PIDs returns the PCR PID followed by every elementary stream PID.
func (p *PMT) PIDs() []uint16 {
	pids := make([]uint16, 0, 1+len(p.Streams))
	pids = append(pids, p.PCRPID)
	for _, s := range p.Streams {
		pids = append(pids, s.PID)
	}
	return pids
}
