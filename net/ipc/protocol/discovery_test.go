package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ipc.port")

	require.NoError(t, WritePortFile(path, 51234))
	assert.Equal(t, uint16(51234), ReadPortFile(path, 51000))

	require.NoError(t, WritePortFile(path, 40000))
	assert.Equal(t, uint16(40000), ReadPortFile(path, 51000))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestReadPortFileFallback(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content *string
	}{
		{name: "missing", content: nil},
		{name: "garbage", content: ptr("not a port")},
		{name: "empty", content: ptr("")},
		{name: "zero", content: ptr("0")},
		{name: "out of range", content: ptr("70000")},
		{name: "negative", content: ptr("-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".port")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0o644))
			}
			assert.Equal(t, uint16(51000), ReadPortFile(path, 51000))
		})
	}
}

func TestReadPortFileTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.port")
	require.NoError(t, os.WriteFile(path, []byte(" 51999\r\n"), 0o644))
	assert.Equal(t, uint16(51999), ReadPortFile(path, 51000))
}

func TestRemovePortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.port")
	require.NoError(t, WritePortFile(path, 51000))

	RemovePortFile(path)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// second removal is a no-op
	RemovePortFile(path)
}

func ptr(s string) *string {
	return &s
}
