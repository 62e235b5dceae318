package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport for exercising the playback
// controller without a voice connection.
type fakeTransport struct {
	mu       sync.Mutex
	streamed []string
	paused   int
	resumed  int
	volume   int
	left     bool

	// streamFn controls what Stream does per entry. Nil means an instant
	// natural finish.
	streamFn func(ctx context.Context, e *QueueEntry) error
}

func (f *fakeTransport) Join(ctx context.Context, chatID, channelID snowflake.ID) error {
	return nil
}

func (f *fakeTransport) Stream(ctx context.Context, chatID snowflake.ID, e *QueueEntry) error {
	f.mu.Lock()
	f.streamed = append(f.streamed, e.Title)
	fn := f.streamFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, e)
	}
	return nil
}

func (f *fakeTransport) Pause(chatID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
	return nil
}

func (f *fakeTransport) Resume(chatID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	return nil
}

func (f *fakeTransport) SetVolume(chatID snowflake.ID, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = percent
	return nil
}

func (f *fakeTransport) Leave(ctx context.Context, chatID snowflake.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
}

func (f *fakeTransport) Shutdown(ctx context.Context) {}

func (f *fakeTransport) streamedTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streamed...)
}

type messageSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *messageSink) post(channelID snowflake.ID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, content)
}

func (s *messageSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func newTestPlayer(t *testing.T) (*PlayerSystem, *fakeTransport, *messageSink) {
	t.Helper()
	GlobalConfig = &Config{QueueLimit: 10}
	ft := &fakeTransport{}
	sink := &messageSink{}
	ps := NewPlayerSystem(ft)
	ps.Notify = sink.post
	return ps, ft, sink
}

func entry(title string, requester snowflake.ID, premium bool) *QueueEntry {
	return &QueueEntry{
		Title:         title,
		SourceURL:     "https://example.com/" + title,
		Handle:        "/tmp/cache/" + title + ".webm",
		RequesterID:   requester,
		RequesterName: "tester",
		Premium:       premium,
	}
}

const (
	testChat    = snowflake.ID(100)
	testChannel = snowflake.ID(200)
	requesterA  = snowflake.ID(1)
	requesterB  = snowflake.ID(2)
)

func TestEnqueuePositions(t *testing.T) {
	ps, _, _ := newTestPlayer(t)

	for i := 1; i <= 3; i++ {
		pos, err := ps.Enqueue(testChat, testChannel, entry(fmt.Sprintf("track-%d", i), requesterA, false))
		require.NoError(t, err)
		assert.Equal(t, i, pos)
	}

	snap := ps.Snapshot(testChat)
	require.Len(t, snap.Pending, 3)
	assert.Equal(t, "track-1", snap.Pending[0].Title)
	assert.Equal(t, "track-3", snap.Pending[2].Title)
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.NowPlaying)
	assert.Equal(t, 3, ps.QueuedTotal())
}

func TestQueueLimitNonPremium(t *testing.T) {
	ps, _, _ := newTestPlayer(t)

	for i := 0; i < 10; i++ {
		_, err := ps.Enqueue(testChat, testChannel, entry(fmt.Sprintf("track-%d", i), requesterA, false))
		require.NoError(t, err)
	}

	_, err := ps.Enqueue(testChat, testChannel, entry("overflow", requesterA, false))
	assert.ErrorIs(t, err, ErrQueueLimit)

	// Premium requesters are exempt from the cap.
	pos, err := ps.Enqueue(testChat, testChannel, entry("premium-track", requesterB, true))
	require.NoError(t, err)
	assert.Equal(t, 11, pos)
}

func TestPlayThroughAndReap(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	for i := 1; i <= 3; i++ {
		_, err := ps.Enqueue(testChat, testChannel, entry(fmt.Sprintf("track-%d", i), requesterA, false))
		require.NoError(t, err)
	}
	ps.StartIfIdle(testChat)

	require.Eventually(t, func() bool {
		return len(ft.streamedTitles()) == 3 && ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"track-1", "track-2", "track-3"}, ft.streamedTitles())
}

func TestStartIfIdleIsIdempotent(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	release := make(chan struct{})
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := ps.Enqueue(testChat, testChannel, entry("track-1", requesterA, false))
	require.NoError(t, err)
	_, err = ps.Enqueue(testChat, testChannel, entry("track-2", requesterA, false))
	require.NoError(t, err)

	ps.StartIfIdle(testChat)
	ps.StartIfIdle(testChat)
	ps.StartIfIdle(testChat)

	require.Eventually(t, func() bool {
		return len(ft.streamedTitles()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Only one play loop may exist; a second start must not steal track-2.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"track-1"}, ft.streamedTitles())

	close(release)
	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"track-1", "track-2"}, ft.streamedTitles())
}

func TestIdleInvariant(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		started <- struct{}{}
		<-release
		return nil
	}

	_, err := ps.Enqueue(testChat, testChannel, entry("track-1", requesterA, false))
	require.NoError(t, err)
	ps.StartIfIdle(testChat)

	<-started
	snap := ps.Snapshot(testChat)
	assert.Equal(t, StatePlaying, snap.State)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "track-1", snap.NowPlaying.Title)

	close(release)
	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// A drained chat reads as idle with an empty now-playing slot.
	snap = ps.Snapshot(testChat)
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.NowPlaying)
}

func TestAdvanceOnFailure(t *testing.T) {
	ps, ft, sink := newTestPlayer(t)

	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		if e.Title == "broken" {
			return fmt.Errorf("%w: corrupt media", ErrStreamFailure)
		}
		return nil
	}

	_, err := ps.Enqueue(testChat, testChannel, entry("broken", requesterA, false))
	require.NoError(t, err)
	_, err = ps.Enqueue(testChat, testChannel, entry("good", requesterA, false))
	require.NoError(t, err)
	ps.StartIfIdle(testChat)

	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"broken", "good"}, ft.streamedTitles())

	// Individual failures stay in the log; a recovered sweep posts nothing.
	assert.Empty(t, sink.all())
}

func TestQueueExhaustedOnFullDrain(t *testing.T) {
	ps, ft, sink := newTestPlayer(t)

	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		return errors.New("transport down")
	}

	for i := 1; i <= 3; i++ {
		_, err := ps.Enqueue(testChat, testChannel, entry(fmt.Sprintf("track-%d", i), requesterA, false))
		require.NoError(t, err)
	}
	ps.StartIfIdle(testChat)

	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Every entry was attempted exactly once before giving up, and the
	// chat hears a single exhaustion report rather than one per failure.
	assert.Len(t, ft.streamedTitles(), 3)
	assert.Equal(t, []string{MsgPlayerQueueExhausted}, sink.all())
}

func TestSkipAdvancesWithoutDoubleAdvance(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	started := make(chan string, 4)
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		started <- e.Title
		if e.Title == "skippable" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	_, err := ps.Enqueue(testChat, testChannel, entry("skippable", requesterA, false))
	require.NoError(t, err)
	_, err = ps.Enqueue(testChat, testChannel, entry("next", requesterA, false))
	require.NoError(t, err)
	ps.StartIfIdle(testChat)

	require.Equal(t, "skippable", <-started)

	title, err := ps.Skip(testChat)
	require.NoError(t, err)
	assert.Equal(t, "skippable", title)

	require.Equal(t, "next", <-started)
	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"skippable", "next"}, ft.streamedTitles())
}

func TestSkipNothingPlaying(t *testing.T) {
	ps, _, _ := newTestPlayer(t)

	_, err := ps.Skip(testChat)
	assert.Error(t, err)
}

func TestSkipAccessPolicy(t *testing.T) {
	GlobalConfig = &Config{AdminIDs: []snowflake.ID{snowflake.ID(999)}}

	tests := []struct {
		name      string
		userID    snowflake.ID
		requester snowflake.ID
		premium   bool
		want      bool
	}{
		{"requester can skip", requesterA, requesterA, false, true},
		{"stranger cannot skip", requesterB, requesterA, false, false},
		{"premium stranger can skip", requesterB, requesterA, true, true},
		{"admin can skip", snowflake.ID(999), requesterA, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanSkip(tt.userID, tt.requester, tt.premium))
		})
	}
}

func TestPauseResume(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Pausing an idle chat is an error.
	require.Error(t, ps.Pause(testChat))

	_, err := ps.Enqueue(testChat, testChannel, entry("track", requesterA, false))
	require.NoError(t, err)
	ps.StartIfIdle(testChat)
	<-started

	require.NoError(t, ps.Pause(testChat))
	assert.Equal(t, StatePaused, ps.Snapshot(testChat).State)

	// Double pause is rejected; the transport saw exactly one.
	require.Error(t, ps.Pause(testChat))
	assert.Equal(t, 1, ft.paused)

	require.NoError(t, ps.Resume(testChat))
	assert.Equal(t, StatePlaying, ps.Snapshot(testChat).State)
	require.Error(t, ps.Resume(testChat))

	close(release)
	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetVolumeValidation(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	assert.Error(t, ps.SetVolume(testChat, 0))
	assert.Error(t, ps.SetVolume(testChat, 201))
	require.NoError(t, ps.SetVolume(testChat, 150))
	assert.Equal(t, 150, ft.volume)
}

func TestStopClearsAndLeaves(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	started := make(chan struct{}, 1)
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := ps.Enqueue(testChat, testChannel, entry("track-1", requesterA, false))
	require.NoError(t, err)
	_, err = ps.Enqueue(testChat, testChannel, entry("track-2", requesterA, false))
	require.NoError(t, err)
	ps.StartIfIdle(testChat)
	<-started

	ps.Stop(context.Background(), testChat)

	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Only the first entry ever reached the transport.
	assert.Equal(t, []string{"track-1"}, ft.streamedTitles())
	assert.True(t, ft.left)
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	ps, _, _ := newTestPlayer(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ps.Enqueue(testChat, testChannel, entry(fmt.Sprintf("track-%d", i), requesterA, true))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, ps.PendingCount(testChat))
}

func TestPerChatIsolation(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	otherChat := snowflake.ID(101)

	blocked := make(chan struct{}, 1)
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		if strings.HasPrefix(e.Title, "slow") {
			blocked <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	_, err := ps.Enqueue(testChat, testChannel, entry("slow-track", requesterA, false))
	require.NoError(t, err)
	ps.StartIfIdle(testChat)
	<-blocked

	// A busy chat must not block another chat's playback.
	_, err = ps.Enqueue(otherChat, testChannel, entry("fast-track", requesterB, false))
	require.NoError(t, err)
	ps.StartIfIdle(otherChat)

	require.Eventually(t, func() bool {
		return ps.PeekSession(otherChat) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, ps.PeekSession(testChat))

	ps.Stop(context.Background(), testChat)
}

func TestEnqueueDuringDrainNotLost(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	// Instant streams make every Enqueue race the previous entry's drain
	// and session reap. Nothing may strand and no handle may leak.
	const n = 200
	for i := 0; i < n; i++ {
		_, err := ps.Enqueue(testChat, testChannel, entry(fmt.Sprintf("track-%d", i), requesterA, true))
		require.NoError(t, err)
		ps.StartIfIdle(testChat)
	}

	require.Eventually(t, func() bool {
		return len(ft.streamedTitles()) == n && ps.PeekSession(testChat) == nil
	}, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < n; i++ {
		assert.False(t, ps.HandleInUse(entry(fmt.Sprintf("track-%d", i), requesterA, true).Handle))
	}
}

func TestConsecutiveSkips(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	started := make(chan string, 4)
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		started <- e.Title
		<-ctx.Done()
		return ctx.Err()
	}

	for _, title := range []string{"one", "two", "three"} {
		_, err := ps.Enqueue(testChat, testChannel, entry(title, requesterA, false))
		require.NoError(t, err)
	}
	ps.StartIfIdle(testChat)

	// Each skip must cancel the entry it was issued against, even when the
	// loop just advanced; a stale cancel would let the track play on.
	for _, want := range []string{"one", "two", "three"} {
		require.Equal(t, want, <-started)
		title, err := ps.Skip(testChat)
		require.NoError(t, err)
		assert.Equal(t, want, title)
	}

	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, ft.streamedTitles())
}

func TestTwoRequesterScenario(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	started := make(chan string, 4)
	step := make(chan struct{})
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		started <- e.Title
		select {
		case <-step:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// A starts playback; B's request lands at queue position 1.
	_, err := ps.Enqueue(testChat, testChannel, entry("alpha", requesterA, false))
	require.NoError(t, err)
	ps.StartIfIdle(testChat)
	require.Equal(t, "alpha", <-started)

	posB, err := ps.Enqueue(testChat, testChannel, entry("beta", requesterB, false))
	require.NoError(t, err)
	assert.Equal(t, 1, posB)

	snap := ps.Snapshot(testChat)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "alpha", snap.NowPlaying.Title)
	assert.False(t, CanSkip(requesterB, snap.NowPlaying.RequesterID, false))

	// Natural stream end advances to B's entry.
	step <- struct{}{}
	require.Equal(t, "beta", <-started)
	snap = ps.Snapshot(testChat)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "beta", snap.NowPlaying.Title)

	// A may not skip B's track; B, as its requester, may.
	assert.False(t, CanSkip(requesterA, snap.NowPlaying.RequesterID, false))
	require.True(t, CanSkip(requesterB, snap.NowPlaying.RequesterID, false))

	title, err := ps.Skip(testChat)
	require.NoError(t, err)
	assert.Equal(t, "beta", title)

	require.Eventually(t, func() bool {
		return ps.PeekSession(testChat) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleTracking(t *testing.T) {
	ps, ft, _ := newTestPlayer(t)

	release := make(chan struct{})
	ft.streamFn = func(ctx context.Context, e *QueueEntry) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e := entry("track", requesterA, false)
	_, err := ps.Enqueue(testChat, testChannel, e)
	require.NoError(t, err)
	assert.True(t, ps.HandleInUse(e.Handle))

	ps.StartIfIdle(testChat)
	assert.True(t, ps.HandleInUse(e.Handle))

	close(release)
	require.Eventually(t, func() bool {
		return !ps.HandleInUse(e.Handle)
	}, 2*time.Second, 10*time.Millisecond)
}
