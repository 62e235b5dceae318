package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Constants & Variables
// ===========================

const (
	// Standard tier gets capped audio; premium gets the best available.
	FormatAudioStandard = "bestaudio[abr<=128]/bestaudio/best"
	FormatAudioPremium  = "bestaudio[abr>=320]/bestaudio/best"
	FormatVideo         = "best[height<=720]/best"
)

var (
	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex   = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)

	jsOnce       sync.Once
	cachedJSArgs []string
)

var (
	Resolver     *MediaResolver
	OnceResolver sync.Once
)

// GetResolver returns the singleton MediaResolver instance
func GetResolver() *MediaResolver {
	OnceResolver.Do(func() {
		Resolver = &MediaResolver{
			cache: searchCache{items: make(map[string]cachedSearch)},
			media: make(map[string]*ResolvedMedia),
		}
		go Resolver.cacheGC()
	})
	return Resolver
}

// ===========================
// Structs
// ===========================

type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaVideo {
		return "video"
	}
	return "audio"
}

// ResolvedMedia is a downloaded, ready-to-stream piece of media. Handle is
// the local file path; it stays valid until the janitor reclaims it.
type ResolvedMedia struct {
	Title     string
	SourceURL string
	Uploader  string
	Handle    string
	Duration  time.Duration
	ViewCount int64
}

type SearchResult struct {
	URL      string
	Title    string
	Uploader string
	Duration time.Duration
}

type cachedSearch struct {
	results   []SearchResult
	expiresAt time.Time
}

type searchCache struct {
	sync.RWMutex
	items map[string]cachedSearch
}

// MediaResolver turns free-text queries and URLs into local media files.
type MediaResolver struct {
	cache searchCache

	mediaMu sync.Mutex
	media   map[string]*ResolvedMedia
}

// mediaCacheKey identifies one encoded variant of one video.
func mediaCacheKey(u string, kind MediaKind, premium bool) string {
	return formatCachePrefix(kind, premium) + extractVideoID(u)
}

// cachedMedia returns a previously resolved download if its file is still
// on disk. The janitor removes stale files, so the stat is the arbiter.
func (mr *MediaResolver) cachedMedia(key string) *ResolvedMedia {
	mr.mediaMu.Lock()
	defer mr.mediaMu.Unlock()
	m, ok := mr.media[key]
	if !ok {
		return nil
	}
	if _, err := os.Stat(m.Handle); err != nil {
		delete(mr.media, key)
		return nil
	}
	c := *m
	return &c
}

func (mr *MediaResolver) storeMedia(key string, m *ResolvedMedia) {
	mr.mediaMu.Lock()
	mr.media[key] = m
	mr.mediaMu.Unlock()
}

func (mr *MediaResolver) cacheGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		mr.cache.Lock()
		for k, v := range mr.cache.items {
			if now.After(v.expiresAt) {
				delete(mr.cache.items, k)
			}
		}
		mr.cache.Unlock()
	}
}

// ===========================
// Search
// ===========================

// Search queries YouTube Music and YouTube in parallel, deduplicating by
// video ID. Music results rank first. Results are cached for an hour.
func (mr *MediaResolver) Search(q string) ([]SearchResult, error) {
	mr.cache.RLock()
	if item, ok := mr.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			mr.cache.RUnlock()
			return item.results, nil
		}
	}
	mr.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{
					URL:      "https://music.youtube.com/watch?v=" + v.VideoID,
					Title:    v.Title,
					Uploader: art,
					Duration: time.Duration(v.Duration) * time.Second,
				})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, q)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{
					URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
					Title: v.Title,
				})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	fin := append(ytm, yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 {
		mr.cache.Lock()
		mr.cache.items[q] = cachedSearch{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		mr.cache.Unlock()
	}

	return fin, nil
}

// ===========================
// Resolution
// ===========================

// Resolve turns a query or URL into a downloaded media file. All network
// work happens here, before any queue state is touched.
func (mr *MediaResolver) Resolve(ctx context.Context, query string, kind MediaKind, premium bool) (*ResolvedMedia, error) {
	u := strings.TrimSpace(query)
	if !strings.HasPrefix(u, "http") {
		results, err := mr.Search(u)
		if err != nil {
			return nil, fmt.Errorf("%w: search: %v", ErrNetwork, err)
		}
		if len(results) == 0 {
			return nil, fmt.Errorf("%w: no results for %q", ErrNotFound, query)
		}
		u = results[0].URL
	}

	media, err := mr.download(ctx, u, kind, premium)
	if err != nil {
		return nil, err
	}
	LogResolver("Resolved %q -> %s (%s, %s)", query, media.Title, kind, media.Duration.Round(time.Second))
	return media, nil
}

func (mr *MediaResolver) download(ctx context.Context, u string, kind MediaKind, premium bool) (*ResolvedMedia, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	key := mediaCacheKey(u, kind, premium)
	if m := mr.cachedMedia(key); m != nil {
		LogResolver("Cache hit for %s", key)
		return m, nil
	}

	cmd := newYtdlp()
	args := buildYtdlpArgs()
	args = append(args, "-f", formatFor(kind, premium), u)

	res, err := cmd.
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(view_count)s\t%(filename)s").
		Output(filepath.Join(GlobalConfig.CacheDir, formatCachePrefix(kind, premium)+"%(id)s.%(ext)s")).
		NoSimulate().
		NoWarnings().
		IgnoreConfig().
		Run(ctx, args...)

	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		LogResolver("yt-dlp download failed: %v, stderr: %s (URL: %s)", err, stderr, u)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
		if strings.Contains(stderr, "not available") || strings.Contains(stderr, "Video unavailable") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 6 || ps[5] == "" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		views := int64(0)
		fmt.Sscanf(ps[4], "%d", &views)
		title := ps[1]
		if title == "" || title == "NA" {
			title = "Media (" + ps[0] + ")"
		}
		handle := ps[5]
		if _, err := os.Stat(handle); err != nil {
			return nil, fmt.Errorf("%w: downloaded file missing: %s", ErrStreamFailure, handle)
		}
		m := &ResolvedMedia{
			Title:     title,
			SourceURL: u,
			Uploader:  ps[2],
			Handle:    handle,
			Duration:  d,
			ViewCount: views,
		}
		mr.storeMedia(key, m)
		return m, nil
	}
	return nil, errors.New("failed to parse download metadata")
}

// formatFor picks the yt-dlp format selector for the requested media kind
// and entitlement tier.
func formatFor(kind MediaKind, premium bool) string {
	if kind == MediaVideo {
		return FormatVideo
	}
	if premium {
		return FormatAudioPremium
	}
	return FormatAudioStandard
}

// formatCachePrefix keeps differently-encoded variants of the same video
// from colliding in the cache directory.
func formatCachePrefix(kind MediaKind, premium bool) string {
	if kind == MediaVideo {
		return "v_"
	}
	if premium {
		return "p_"
	}
	return ""
}

// ===========================
// YT-DLP Helpers
// ===========================

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if GlobalConfig != nil && GlobalConfig.YoutubeProxy != "" {
		cmd.Proxy(GlobalConfig.YoutubeProxy)
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func extractVideoID(u string) string {
	id := ""
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if matches := rawIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	} else if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	}

	if id == "" || len(id) > 50 {
		hash := sha256.Sum256([]byte(u))
		return hex.EncodeToString(hash[:16])
	}
	return id
}
