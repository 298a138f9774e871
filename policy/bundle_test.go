package policy

import (
	"archive/zip"
	"bytes"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBundle(files map[string]string) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		_, err = io.WriteString(w, files[name])
		if err != nil {
			return nil, err
		}
	}
	err := zw.Close()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func TestFlattenListPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "ads/trackers", want: "ads.trackers"},
		{in: "/ads/trackers", want: "ads.trackers"},
		{in: `\\lists\social\video`, want: "lists.social.video"},
		{in: " plain ", want: "plain"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FlattenListPath(tt.in), tt.in)
	}
	assert.Equal(t, "ads.trackers.rules", listFileName("/ads/trackers"))
}

func TestOpenBundle(t *testing.T) {
	data, err := buildBundle(map[string]string{
		"ads/trackers": "tracker.example\n",
		"extra/file":   "unrequested\n",
		"social":       "social.example\n",
	})
	require.NoError(t, err)

	entries, err := openBundle(data, []string{"/ads/trackers", "social", "missing"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got := make(map[string]string)
	for _, entry := range entries {
		rc, err := entry.File.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		got[entry.Path] = string(content)
	}

	assert.Equal(t, map[string]string{"/ads/trackers": "tracker.example\n", "social": "social.example\n"}, got)
}

func TestOpenBundleGarbage(t *testing.T) {
	_, err := openBundle([]byte("not a zip archive"), []string{"a"})
	assert.Error(t, err)
}
