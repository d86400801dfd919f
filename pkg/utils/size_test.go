package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},

		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"512KiB", 524288, false},
		{"1.5KiB", 1536, false},

		{"1MB", 1000000, false},
		{"1M", 1048576, false},
		{"1.5MiB", 1572864, false},

		{"1GB", 1000000000, false},
		{"1GiB", 1073741824, false},

		{"1kb", 1000, false},
		{"1mib", 1048576, false},
		{" 64 KB ", 64000, false},

		{"", 0, true},
		{"invalid", 0, true},
		{"KB", 0, true},
		{"1.2.3KB", 0, true},
		{"1XB", 0, true},
		{"1TB", 0, true},
		{"-1", 0, true},
		{"-1KB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{524288, "512 KB"},
		{1048576, "1 MB"},
		{1572864, "1.5 MB"},
		{1073741824, "1 GB"},
		{1099511627776, "1024 GB"},
		{-1, "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.input))
		})
	}
}

func TestDataSize_Unmarshal(t *testing.T) {
	type limits struct {
		Envelope DataSize `json:"envelope" yaml:"envelope"`
		Avatar   DataSize `json:"avatar" yaml:"avatar"`
	}

	var fromJSON limits
	require.NoError(t, json.Unmarshal([]byte(`{"envelope":"512KiB","avatar":2048}`), &fromJSON))
	assert.Equal(t, DataSize(524288), fromJSON.Envelope)
	assert.Equal(t, int64(2048), fromJSON.Avatar.Bytes())

	var fromYAML limits
	require.NoError(t, yaml.Unmarshal([]byte("envelope: 1MiB\navatar: 4096\n"), &fromYAML))
	assert.Equal(t, DataSize(1048576), fromYAML.Envelope)
	assert.Equal(t, DataSize(4096), fromYAML.Avatar)
	assert.Equal(t, "1 MB", fromYAML.Envelope.String())

	var bad limits
	assert.Error(t, json.Unmarshal([]byte(`{"envelope":"lots"}`), &bad))
	assert.Error(t, yaml.Unmarshal([]byte("envelope: [1]\n"), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"envelope":-5}`), &bad))
}
