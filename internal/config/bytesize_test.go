package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSize_UnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("376KB")))
	assert.Equal(t, ByteSize(376*1024), b)

	assert.Error(t, b.UnmarshalText([]byte("huge")))
}

func TestByteSize_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		json string
		want ByteSize
	}{
		{"string", `"8MB"`, 8 * 1024 * 1024},
		{"string with space", `"64 KB"`, 64 * 1024},
		{"number", `385024`, 385024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ByteSize
			require.NoError(t, json.Unmarshal([]byte(tt.json), &b))
			assert.Equal(t, tt.want, b)
		})
	}
}

func TestByteSize_MarshalText(t *testing.T) {
	text, err := ByteSize(8 * 1024 * 1024).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "8MB", string(text))
	assert.Equal(t, 188, ByteSize(188).Int())
}
