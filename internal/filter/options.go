package filter

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Program selection values for the -n option.
const (
	ProgramAll   = 0
	ProgramFirst = -1
)

// Options is the tsreadex-style option set carried in a session's tsArgs.
type Options struct {
	// Program selects one service by program number. ProgramFirst picks the
	// first non-zero program in the PAT; ProgramAll disables selection.
	Program int

	// ExcludePIDs are dropped regardless of program selection.
	ExcludePIDs []uint16

	Audio1      int
	Audio2      int
	Caption     int
	Superimpose int
	AribMode    int
	Mode        int

	Timeout int
	Limit   int
	Seek    int64

	// Input is the positional input argument, "" when absent.
	Input string
}

// ParseOptions parses tsreadex-style arguments such as
// "-x 18/38/39 -n -1 -a 13 -b 5 -c 1 -u 1 -d 13".
func ParseOptions(args []string) (Options, error) {
	var opts Options
	var exclude string

	fs := pflag.NewFlagSet("tsreadex", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVarP(&opts.Program, "program", "n", ProgramAll, "program number to keep")
	fs.StringVarP(&exclude, "exclude", "x", "", "slash separated PIDs to drop")
	fs.IntVarP(&opts.Audio1, "audio1", "a", 0, "primary audio mode")
	fs.IntVarP(&opts.Audio2, "audio2", "b", 0, "secondary audio mode")
	fs.IntVarP(&opts.Caption, "caption", "c", 0, "caption mode")
	fs.IntVarP(&opts.Superimpose, "superimpose", "u", 0, "superimpose mode")
	fs.IntVarP(&opts.AribMode, "arib", "d", 0, "ARIB caption conversion mode")
	fs.IntVarP(&opts.Mode, "mode", "m", 0, "processing mode")
	fs.IntVarP(&opts.Timeout, "timeout", "t", 0, "input timeout in seconds")
	fs.IntVarP(&opts.Limit, "limit", "l", 0, "read speed limit in KiB/s")
	fs.Int64VarP(&opts.Seek, "seek", "s", 0, "input seek offset")
	fs.StringP("progress", "r", "", "progress file")
	fs.StringP("tag", "z", "", "ignored")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("parsing filter arguments: %w", err)
	}

	if opts.Program < ProgramFirst {
		return Options{}, fmt.Errorf("parsing filter arguments: invalid program number %d", opts.Program)
	}

	pids, err := parsePIDList(exclude)
	if err != nil {
		return Options{}, fmt.Errorf("parsing filter arguments: %w", err)
	}
	opts.ExcludePIDs = pids

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		opts.Input = rest[0]
	default:
		return Options{}, fmt.Errorf("parsing filter arguments: unexpected arguments %q", rest[1:])
	}

	return opts, nil
}

// Transforms lists the stream rewriting options that are set to a
// non-zero mode.
func (o Options) Transforms() []string {
	var set []string
	for _, t := range []struct {
		name  string
		value int
	}{
		{"-a", o.Audio1},
		{"-b", o.Audio2},
		{"-c", o.Caption},
		{"-u", o.Superimpose},
		{"-d", o.AribMode},
	} {
		if t.value != 0 {
			set = append(set, t.name)
		}
	}
	return set
}

// Excluded reports whether pid is in the -x list.
func (o Options) Excluded(pid uint16) bool {
	for _, p := range o.ExcludePIDs {
		if p == pid {
			return true
		}
	}
	return false
}

func parsePIDList(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}

	var pids []uint16
	for _, part := range strings.Split(s, "/") {
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil || v > 0x1fff {
			return nil, fmt.Errorf("invalid PID %q in exclusion list", part)
		}
		pids = append(pids, uint16(v))
	}
	return pids, nil
}
