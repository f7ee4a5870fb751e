package config

import (
	"encoding/json"

	"github.com/jmylchreest/tsbridge/pkg/bytesize"
)

// ByteSize is a byte count that accepts human-readable values ("64KB",
// "8MB") as well as raw numbers in YAML, environment variables and JSON.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler for Viper/YAML support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := bytesize.Parse(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// UnmarshalJSON accepts either a size string or a number of bytes.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Int returns the size as int, for buffer allocation.
func (b ByteSize) Int() int {
	return int(b)
}

// String returns a human-readable string representation.
func (b ByteSize) String() string {
	return bytesize.Format(bytesize.Size(b))
}
