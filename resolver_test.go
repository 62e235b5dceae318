package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatAudioStandard, formatFor(MediaAudio, false))
	assert.Equal(t, FormatAudioPremium, formatFor(MediaAudio, true))
	// Video uses a single selector regardless of tier.
	assert.Equal(t, FormatVideo, formatFor(MediaVideo, false))
	assert.Equal(t, FormatVideo, formatFor(MediaVideo, true))
}

func TestFormatCachePrefix(t *testing.T) {
	assert.Equal(t, "", formatCachePrefix(MediaAudio, false))
	assert.Equal(t, "p_", formatCachePrefix(MediaAudio, true))
	assert.Equal(t, "v_", formatCachePrefix(MediaVideo, false))
	assert.Equal(t, "v_", formatCachePrefix(MediaVideo, true))
}

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"watch url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"watch url with params", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ"},
		{"short link", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"short link with params", "https://youtu.be/dQw4w9WgXcQ?si=abc", "dQw4w9WgXcQ"},
		{"shorts", "https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractVideoID(tt.url))
		})
	}
}

func TestExtractVideoIDFallbackHash(t *testing.T) {
	// Unrecognized URLs still get a stable cache key.
	a := extractVideoID("https://example.com/stream.mp3")
	b := extractVideoID("https://example.com/stream.mp3")
	c := extractVideoID("https://example.com/other.mp3")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestMediaCache(t *testing.T) {
	mr := &MediaResolver{media: make(map[string]*ResolvedMedia)}

	handle := filepath.Join(t.TempDir(), "track.webm")
	require.NoError(t, os.WriteFile(handle, []byte("opus"), 0644))

	key := mediaCacheKey("https://www.youtube.com/watch?v=dQw4w9WgXcQ", MediaAudio, true)
	assert.Equal(t, "p_dQw4w9WgXcQ", key)
	assert.Nil(t, mr.cachedMedia(key))

	mr.storeMedia(key, &ResolvedMedia{Title: "Track", Handle: handle})
	m := mr.cachedMedia(key)
	require.NotNil(t, m)
	assert.Equal(t, "Track", m.Title)

	// Once the janitor reclaims the file, the entry no longer counts.
	require.NoError(t, os.Remove(handle))
	assert.Nil(t, mr.cachedMedia(key))
}

func TestMediaKindString(t *testing.T) {
	assert.Equal(t, "audio", MediaAudio.String())
	assert.Equal(t, "video", MediaVideo.String())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "∞", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "3m 25s", FormatDuration(3*time.Minute+25*time.Second))
	assert.Equal(t, "2h 5m", FormatDuration(2*time.Hour+5*time.Minute))
}

func TestTruncateWithPreserve(t *testing.T) {
	assert.Equal(t, "[ab]", TruncateWithPreserve("ab", 40, "[", "]"))

	long := TruncateWithPreserve("this is a very long track title that keeps going and going", 30, "▶ ", "")
	assert.LessOrEqual(t, len([]rune(long)), 30)
	assert.Contains(t, long, "▶ ")
}
