package main

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Constants & Variables
// ===========================

var (
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

var (
	Transporter   *DiscordTransport
	OnceTransport sync.Once
)

// GetTransport returns the singleton DiscordTransport instance
func GetTransport() *DiscordTransport {
	OnceTransport.Do(func() {
		Transporter = &DiscordTransport{
			links: make(map[snowflake.ID]*voiceLink),
		}
	})
	return Transporter
}

// ===========================
// Structs
// ===========================

// Transport carries media to a chat's voice channel. Stream blocks until
// the media finishes naturally (nil), the context is canceled, or the
// transport fails (ErrStreamFailure).
type Transport interface {
	Join(ctx context.Context, chatID, channelID snowflake.ID) error
	Stream(ctx context.Context, chatID snowflake.ID, e *QueueEntry) error
	Pause(chatID snowflake.ID) error
	Resume(chatID snowflake.ID) error
	SetVolume(chatID snowflake.ID, percent int) error
	Leave(ctx context.Context, chatID snowflake.ID)
	Shutdown(ctx context.Context)
}

// DiscordTransport streams opus audio over disgo voice connections.
type DiscordTransport struct {
	mu     sync.Mutex
	links  map[snowflake.ID]*voiceLink
	client *bot.Client
}

type voiceLink struct {
	ChatID    snowflake.ID
	ChannelID snowflake.ID
	Conn      voice.Conn
	Volume    atomic.Int32

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	// pauseChan is closed while playing; a fresh open channel means paused.
	pauseMu   sync.RWMutex
	pauseChan chan struct{}
}

// SetClient wires the gateway client. Called once the gateway is ready.
func (dt *DiscordTransport) SetClient(client *bot.Client) {
	dt.mu.Lock()
	dt.client = client
	dt.mu.Unlock()
}

// ===========================
// Connection Lifecycle
// ===========================

func (dt *DiscordTransport) link(chatID snowflake.ID) *voiceLink {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return dt.links[chatID]
}

func (dt *DiscordTransport) prepare(chatID, channelID snowflake.ID) (*voiceLink, error) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if l, ok := dt.links[chatID]; ok {
		l.ChannelID = channelID
		return l, nil
	}
	if dt.client == nil {
		return nil, fmt.Errorf("gateway client not ready")
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &voiceLink{
		ChatID:     chatID,
		ChannelID:  channelID,
		Conn:       dt.client.VoiceManager.CreateConn(chatID),
		cancelCtx:  ctx,
		cancelFunc: cancel,
		pauseChan:  make(chan struct{}),
	}
	l.Volume.Store(100)
	close(l.pauseChan)
	dt.links[chatID] = l
	return l, nil
}

// Join connects the bot to a voice channel, retrying with backoff.
func (dt *DiscordTransport) Join(ctx context.Context, chatID, channelID snowflake.ID) error {
	l, err := dt.prepare(chatID, channelID)
	if err != nil {
		return err
	}

	LogVoice("Joining channel %s in chat %s", channelID, chatID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := l.Conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice("Failed to connect to voice in chat %s after 5 attempts: %v", chatID, lastErr)
		l.Conn.Close(ctx)
		dt.drop(chatID)
		return fmt.Errorf("%w: %v", ErrNetwork, lastErr)
	}
	return nil
}

func (dt *DiscordTransport) drop(chatID snowflake.ID) {
	dt.mu.Lock()
	l, ok := dt.links[chatID]
	if ok {
		delete(dt.links, chatID)
	}
	dt.mu.Unlock()
	if ok {
		l.cancelFunc()
	}
}

// Leave disconnects from the chat's voice channel and forgets the link.
func (dt *DiscordTransport) Leave(ctx context.Context, chatID snowflake.ID) {
	l := dt.link(chatID)
	if l == nil {
		return
	}
	dt.drop(chatID)
	l.closeConnSafe(ctx)
	LogVoice("Left voice in chat %s", chatID)
}

// Connected reports whether the chat has an open voice link.
func (dt *DiscordTransport) Connected(chatID snowflake.ID) bool {
	return dt.link(chatID) != nil
}

// Shutdown tears down every voice link.
func (dt *DiscordTransport) Shutdown(ctx context.Context) {
	dt.mu.Lock()
	ids := make([]snowflake.ID, 0, len(dt.links))
	for id := range dt.links {
		ids = append(ids, id)
	}
	dt.mu.Unlock()
	for _, id := range ids {
		dt.Leave(ctx, id)
	}
}

// ===========================
// Streaming
// ===========================

// Stream transcodes the entry's media file to opus and feeds it to the
// voice connection. Blocks until natural end, context cancel, or failure.
func (dt *DiscordTransport) Stream(ctx context.Context, chatID snowflake.ID, e *QueueEntry) error {
	l := dt.link(chatID)
	if l == nil {
		return ErrNoActiveSession
	}

	p := newStreamProvider(l)
	done := make(chan struct{})
	p.OnFinish = func() { close(done) }
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.SetContext(streamCtx)

	errCh := make(chan error, 1)
	go func() {
		defer p.PushFrame(nil)
		t := NewOpusTranscoder()
		t.volume = &l.Volume
		defer t.Close()
		if err := t.OpenInput(e.Handle); err != nil {
			errCh <- fmt.Errorf("%w: open input: %v", ErrStreamFailure, err)
			return
		}
		if err := t.SetupDecoder(); err != nil {
			errCh <- fmt.Errorf("%w: setup decoder: %v", ErrStreamFailure, err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			errCh <- fmt.Errorf("%w: setup encoder: %v", ErrStreamFailure, err)
			return
		}
		if err := t.Transcode(streamCtx, p.PushFrame); err != nil && streamCtx.Err() == nil {
			LogVoice("Transcoder finished for %s (Err: %v)", e.Title, err)
		}
		errCh <- nil
	}()

	l.setOpusFrameProviderSafe(p)
	l.setSpeakingSafe(voice.SpeakingFlagMicrophone)

	var streamErr error
	select {
	case <-done:
		LogVoice("Playback finished: %s", e.Title)
	case streamErr = <-errCh:
		if streamErr != nil {
			LogVoice("Playback failed: %s (%v)", e.Title, streamErr)
		} else {
			// Transcoder done; wait for the provider to drain buffered frames.
			select {
			case <-done:
			case <-streamCtx.Done():
			case <-l.cancelCtx.Done():
			}
		}
	case <-streamCtx.Done():
		LogVoice("Playback stopped: %s", e.Title)
	case <-l.cancelCtx.Done():
		LogVoice("Voice link closed during: %s", e.Title)
	}

	cancel()
	l.setOpusFrameProviderSafe(nil)
	l.setSpeakingSafe(0)
	select {
	case <-time.After(200 * time.Millisecond):
	case <-l.cancelCtx.Done():
	}
	return streamErr
}

// Pause suspends frame delivery until Resume.
func (dt *DiscordTransport) Pause(chatID snowflake.ID) error {
	l := dt.link(chatID)
	if l == nil {
		return ErrNoActiveSession
	}
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	select {
	case <-l.pauseChan:
		l.pauseChan = make(chan struct{})
	default:
	}
	return nil
}

// Resume continues frame delivery.
func (dt *DiscordTransport) Resume(chatID snowflake.ID) error {
	l := dt.link(chatID)
	if l == nil {
		return ErrNoActiveSession
	}
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	select {
	case <-l.pauseChan:
	default:
		close(l.pauseChan)
	}
	return nil
}

// SetVolume adjusts the stream volume percentage.
func (dt *DiscordTransport) SetVolume(chatID snowflake.ID, percent int) error {
	l := dt.link(chatID)
	if l == nil {
		return ErrNoActiveSession
	}
	l.Volume.Store(int32(percent))
	return nil
}

// ===========================
// Voice Link Safety
// ===========================

func (l *voiceLink) closeConnSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("Recovered closing voice conn for chat %s: %v", l.ChatID, r)
		}
	}()
	if l.Conn != nil {
		l.Conn.Close(ctx)
	}
}

// setOpusFrameProviderSafe sets the opus frame provider safely, recovering from any potential panics
func (l *voiceLink) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if l.cancelCtx.Err() != nil {
		return
	}
	if l.Conn == nil || (reflect.ValueOf(l.Conn).Kind() == reflect.Ptr && reflect.ValueOf(l.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if l.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-l.cancelCtx.Done():
				return
			}
		}
		if l.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetOpusFrameProvider in chat %s", l.ChatID)
}

func (l *voiceLink) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	l.Conn.SetOpusFrameProvider(provider)
	return true
}

// setSpeakingSafe sets the speaking state safely
func (l *voiceLink) setSpeakingSafe(flags voice.SpeakingFlags) {
	if l.cancelCtx.Err() != nil {
		return
	}
	if l.Conn == nil || (reflect.ValueOf(l.Conn).Kind() == reflect.Ptr && reflect.ValueOf(l.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if l.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-l.cancelCtx.Done():
				return
			}
		}
		if l.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetSpeaking in chat %s", l.ChatID)
}

func (l *voiceLink) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	l.Conn.SetSpeaking(l.cancelCtx, flags)
	return true
}

// ===========================
// Stream Provider
// ===========================

// StreamProvider feeds opus frames to the voice connection. A nil frame
// marks end of stream; a short silence tail follows before EOF.
type StreamProvider struct {
	frames        chan []byte
	link          *voiceLink
	ctx           context.Context
	draining      bool
	silenceFrames int
	once          sync.Once
	OnFinish      func()
}

func newStreamProvider(l *voiceLink) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		link:   l,
	}
}

func (p *StreamProvider) SetContext(ctx context.Context) {
	p.ctx = ctx
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.link.cancelCtx.Done():
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.link.pauseMu.RLock()
	pauseChan := p.link.pauseChan
	p.link.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.link.cancelCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.link.cancelCtx.Done():
		p.Close()
		return nil, io.EOF
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}
