package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Constants & Variables
// ===========================

const (
	MsgPlayerNothingPlaying = "Nothing is playing."
	MsgPlayerQueueExhausted = "❌ Queue exhausted: no remaining track could be played."
	MsgPlayerStopped        = "🛑 Stopped and cleared the queue."
)

var (
	Player     *PlayerSystem
	OncePlayer sync.Once
)

// GetPlayer returns the singleton PlayerSystem instance
func GetPlayer() *PlayerSystem {
	OncePlayer.Do(func() {
		Player = NewPlayerSystem(GetTransport())
	})
	return Player
}

// ===========================
// Structs
// ===========================

type PlayState int

const (
	StateIdle PlayState = iota
	StatePlaying
	StatePaused
)

func (s PlayState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// QueueEntry is one requested track, carrying the requester's identity and
// the entitlement tier captured at request time.
type QueueEntry struct {
	Title         string
	SourceURL     string
	Uploader      string
	Handle        string
	Duration      time.Duration
	ViewCount     int64
	Kind          MediaKind
	RequesterID   snowflake.ID
	RequesterName string
	Premium       bool
}

// ChatSession holds one chat's pending queue and now-playing slot.
// nowPlaying is nil exactly when state is StateIdle.
type ChatSession struct {
	ChatID            snowflake.ID
	AnnounceChannelID snowflake.ID

	mu           sync.Mutex
	pending      []*QueueEntry
	nowPlaying   *QueueEntry
	state        PlayState
	streamCancel context.CancelFunc
	stopped      bool
}

// PlayerSystem manages all chat sessions. Sessions are serialized per chat;
// there is no lock spanning more than one chat.
type PlayerSystem struct {
	mu        sync.Mutex
	sessions  map[snowflake.ID]*ChatSession
	transport Transport

	handleMu sync.Mutex
	handles  map[string]int

	// Notify posts a user-facing message to a chat's announce channel.
	// OnPlay fires when an entry starts streaming. Both may be nil.
	Notify func(channelID snowflake.ID, content string)
	OnPlay func(chatID snowflake.ID, e *QueueEntry)
}

func NewPlayerSystem(t Transport) *PlayerSystem {
	return &PlayerSystem{
		sessions:  make(map[snowflake.ID]*ChatSession),
		transport: t,
		handles:   make(map[string]int),
	}
}

// ===========================
// Sessions
// ===========================

// PeekSession returns the chat's session without creating one.
func (ps *PlayerSystem) PeekSession(chatID snowflake.ID) *ChatSession {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sessions[chatID]
}

func (ps *PlayerSystem) SessionCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.sessions)
}

// QueuedTotal sums the pending entries across every chat.
func (ps *PlayerSystem) QueuedTotal() int {
	ps.mu.Lock()
	sessions := make([]*ChatSession, 0, len(ps.sessions))
	for _, s := range ps.sessions {
		sessions = append(sessions, s)
	}
	ps.mu.Unlock()

	total := 0
	for _, s := range sessions {
		s.mu.Lock()
		total += len(s.pending)
		s.mu.Unlock()
	}
	return total
}

// reap drops the session once it is fully drained. A session that picked up
// new work between the caller's check and here is left alone.
func (ps *PlayerSystem) reap(s *ChatSession) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s.mu.Lock()
	drained := len(s.pending) == 0 && s.nowPlaying == nil
	s.mu.Unlock()
	if drained {
		delete(ps.sessions, s.ChatID)
	}
}

// ===========================
// Handle Tracking
// ===========================

// retainHandle pins a media handle while any queue entry references it.
func (ps *PlayerSystem) retainHandle(handle string) {
	if handle == "" {
		return
	}
	ps.handleMu.Lock()
	ps.handles[handle]++
	ps.handleMu.Unlock()
}

func (ps *PlayerSystem) releaseHandle(handle string) {
	if handle == "" {
		return
	}
	ps.handleMu.Lock()
	if ps.handles[handle] <= 1 {
		delete(ps.handles, handle)
	} else {
		ps.handles[handle]--
	}
	ps.handleMu.Unlock()
}

// HandleInUse reports whether any queued or playing entry still references
// the handle. The cache janitor must not reclaim such files.
func (ps *PlayerSystem) HandleInUse(handle string) bool {
	ps.handleMu.Lock()
	defer ps.handleMu.Unlock()
	return ps.handles[handle] > 0
}

// ===========================
// Queue Store
// ===========================

// Enqueue appends an entry to the chat's pending queue and returns its
// 1-based position. The cap only applies to non-premium requesters.
// ps.mu is held until s.mu is acquired so a concurrent reap cannot drop
// the session between the lookup and the append.
func (ps *PlayerSystem) Enqueue(chatID, announceChannelID snowflake.ID, e *QueueEntry) (int, error) {
	ps.mu.Lock()
	s, ok := ps.sessions[chatID]
	if !ok {
		s = &ChatSession{ChatID: chatID}
		ps.sessions[chatID] = s
	}
	s.mu.Lock()
	ps.mu.Unlock()
	defer s.mu.Unlock()
	if err := CheckQueueLimit(len(s.pending), e.Premium); err != nil {
		return 0, err
	}
	s.AnnounceChannelID = announceChannelID
	s.stopped = false
	s.pending = append(s.pending, e)
	ps.retainHandle(e.Handle)
	return len(s.pending), nil
}

// QueueSnapshot is a point-in-time copy of a chat's queue state.
type QueueSnapshot struct {
	NowPlaying *QueueEntry
	Pending    []QueueEntry
	State      PlayState
}

// Snapshot copies the queue state without exposing live pointers.
func (ps *PlayerSystem) Snapshot(chatID snowflake.ID) QueueSnapshot {
	s := ps.PeekSession(chatID)
	if s == nil {
		return QueueSnapshot{State: StateIdle}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := QueueSnapshot{State: s.state}
	if s.nowPlaying != nil {
		c := *s.nowPlaying
		snap.NowPlaying = &c
	}
	snap.Pending = make([]QueueEntry, 0, len(s.pending))
	for _, e := range s.pending {
		snap.Pending = append(snap.Pending, *e)
	}
	return snap
}

// PendingCount returns the number of queued entries (excluding now-playing).
func (ps *PlayerSystem) PendingCount(chatID snowflake.ID) int {
	s := ps.PeekSession(chatID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// clearLocked empties the pending queue, releasing every handle.
// Callers hold s.mu.
func (ps *PlayerSystem) clearLocked(s *ChatSession) {
	for _, e := range s.pending {
		ps.releaseHandle(e.Handle)
	}
	s.pending = nil
}

// ===========================
// Playback Controller
// ===========================

// StartIfIdle kicks off playback if the chat is idle and has pending work.
// A session already playing or paused is left untouched.
func (ps *PlayerSystem) StartIfIdle(chatID snowflake.ID) {
	s := ps.PeekSession(chatID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.state != StateIdle || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	entry := s.pending[0]
	s.pending = s.pending[1:]
	s.nowPlaying = entry
	s.state = StatePlaying
	s.stopped = false
	ctx, cancel := context.WithCancel(context.Background())
	s.streamCancel = cancel
	s.mu.Unlock()

	safeGo(func() { ps.playLoop(s, entry, ctx, cancel) })
}

// playLoop streams entries back to back until the queue drains or the
// session is stopped. On a transport failure it advances to the next entry,
// bounded by the queue length at the start of the failing sweep, so a
// persistently broken transport cannot spin forever. The stream cancel is
// always committed together with nowPlaying, so a Skip observed against an
// entry cancels that entry and never a stale context.
func (ps *PlayerSystem) playLoop(s *ChatSession, entry *QueueEntry, ctx context.Context, cancel context.CancelFunc) {
	budget := 1 + ps.pendingLen(s)
	failures := 0

	for {
		if ps.OnPlay != nil {
			ps.OnPlay(s.ChatID, entry)
		}
		LogPlayer("Chat %s: streaming %s (requested by %s)", s.ChatID, entry.Title, entry.RequesterName)

		err := ps.transport.Stream(ctx, s.ChatID, entry)
		interrupted := ctx.Err() != nil
		cancel()
		ps.releaseHandle(entry.Handle)

		failed := err != nil && !interrupted
		if failed {
			// Per-entry failures stay in the log; the chat only hears
			// about a fully exhausted queue.
			failures++
			LogPlayer("Chat %s: stream failed for %s: %v (attempt %d/%d)", s.ChatID, entry.Title, err, failures, budget)
		} else {
			failures = 0
			budget = 1 + ps.pendingLen(s)
		}

		s.mu.Lock()
		if s.stopped {
			s.nowPlaying = nil
			s.state = StateIdle
			s.mu.Unlock()
			ps.reap(s)
			return
		}
		if len(s.pending) == 0 || (failed && failures >= budget) {
			s.nowPlaying = nil
			s.state = StateIdle
			exhausted := failed
			s.mu.Unlock()
			if exhausted {
				ps.post(s, MsgPlayerQueueExhausted)
			}
			ps.reap(s)
			return
		}
		entry = s.pending[0]
		s.pending = s.pending[1:]
		s.nowPlaying = entry
		s.state = StatePlaying
		ctx, cancel = context.WithCancel(context.Background())
		s.streamCancel = cancel
		s.mu.Unlock()
	}
}

func (ps *PlayerSystem) pendingLen(s *ChatSession) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (ps *PlayerSystem) post(s *ChatSession, content string) {
	if ps.Notify == nil || s.AnnounceChannelID == 0 {
		return
	}
	ps.Notify(s.AnnounceChannelID, content)
}

// Skip cancels the current stream; the play loop advances on its own.
// Transport teardown hiccups are deliberately swallowed.
func (ps *PlayerSystem) Skip(chatID snowflake.ID) (string, error) {
	s := ps.PeekSession(chatID)
	if s == nil {
		return "", fmt.Errorf(MsgPlayerNothingPlaying)
	}
	s.mu.Lock()
	if s.nowPlaying == nil {
		s.mu.Unlock()
		return "", fmt.Errorf(MsgPlayerNothingPlaying)
	}
	title := s.nowPlaying.Title
	cancel := s.streamCancel
	if s.state == StatePaused {
		// A paused stream still blocks in the transport; unpause so the
		// cancel takes effect immediately.
		_ = ps.transport.Resume(chatID)
		s.state = StatePlaying
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	LogPlayer("Chat %s: skipped %s", chatID, title)
	return title, nil
}

// Pause suspends the current stream. Transport errors are surfaced to the
// caller; the state only flips once the transport accepted the pause.
func (ps *PlayerSystem) Pause(chatID snowflake.ID) error {
	s := ps.PeekSession(chatID)
	if s == nil {
		return fmt.Errorf(MsgPlayerNothingPlaying)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return fmt.Errorf("not playing (state: %s)", s.state)
	}
	if err := ps.transport.Pause(chatID); err != nil {
		return err
	}
	s.state = StatePaused
	return nil
}

// Resume continues a paused stream.
func (ps *PlayerSystem) Resume(chatID snowflake.ID) error {
	s := ps.PeekSession(chatID)
	if s == nil {
		return fmt.Errorf(MsgPlayerNothingPlaying)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("not paused (state: %s)", s.state)
	}
	if err := ps.transport.Resume(chatID); err != nil {
		return err
	}
	s.state = StatePlaying
	return nil
}

// SetVolume adjusts the chat's stream volume (1-200 percent).
func (ps *PlayerSystem) SetVolume(chatID snowflake.ID, percent int) error {
	if percent < 1 || percent > 200 {
		return fmt.Errorf("volume must be between 1 and 200")
	}
	return ps.transport.SetVolume(chatID, percent)
}

// Stop cancels playback, clears the queue, and drops the session.
func (ps *PlayerSystem) Stop(ctx context.Context, chatID snowflake.ID) {
	s := ps.PeekSession(chatID)
	if s == nil {
		ps.transport.Leave(ctx, chatID)
		return
	}
	s.mu.Lock()
	s.stopped = true
	ps.clearLocked(s)
	cancel := s.streamCancel
	paused := s.state == StatePaused
	s.mu.Unlock()

	if paused {
		_ = ps.transport.Resume(chatID)
	}
	if cancel != nil {
		cancel()
	}
	ps.transport.Leave(ctx, chatID)
	ps.reap(s)
	LogPlayer("Chat %s: stopped", chatID)
}

// Shutdown stops every session. Used on process exit.
func (ps *PlayerSystem) Shutdown(ctx context.Context) {
	ps.mu.Lock()
	ids := make([]snowflake.ID, 0, len(ps.sessions))
	for id := range ps.sessions {
		ids = append(ids, id)
	}
	ps.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(chatID snowflake.ID) {
			defer wg.Done()
			ps.Stop(ctx, chatID)
		}(id)
	}
	wg.Wait()
}
