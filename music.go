package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Command Registration
// ===========================

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		transport := GetTransport()
		transport.SetClient(client)

		player := GetPlayer()
		player.Notify = func(channelID snowflake.ID, content string) {
			_, err := client.Rest.CreateMessage(channelID, discord.MessageCreate{Content: content}, rest.WithCtx(ctx))
			if err != nil {
				LogPlayer("Failed to post to channel %s: %v", channelID, err)
			}
		}
		player.OnPlay = func(chatID snowflake.ID, e *QueueEntry) {
			if err := RecordPlayback(ctx, chatID, e.RequesterID, e.Title, e.SourceURL, e.Duration); err != nil {
				LogDatabase("Failed to record playback: %v", err)
			}
		}

		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				LogVoice("Shutting down voice transport...")
				transport.Shutdown(context.Background())
			}
		})

		RegisterVoiceStateUpdateHandler(onBotVoiceDisconnect)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music Playback",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song from a URL or search query",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "video",
				Description: "Play a video (premium)",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or video name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "current",
				Description: "Show the currently playing track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (1-200)",
						Required:    true,
						MinValue:    intPtr(1),
						MaxValue:    intPtr(200),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Disconnect from the voice channel",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

// ===========================
// Constants & Variables
// ===========================

const (
	MsgMusicGuildOnly     = "This command only works in a server."
	MsgMusicBanned        = "🚫 You are banned from using this bot. Reason: %s"
	MsgMusicNoVoice       = "Join a voice channel first."
	MsgMusicNotFound      = "❌ No results found for your query."
	MsgMusicNetwork       = "⚠️ Network error while fetching the track. Try again later."
	MsgMusicPremiumOnly   = "⭐ Video playback is a premium feature."
	MsgMusicQueueFull     = "📦 The queue is full (limit: %d). Upgrade to premium for an unlimited queue."
	MsgMusicNowPlaying    = "▶️ Now playing: **%s** (%s)"
	MsgMusicQueued        = "➕ Queued at position **%d**: **%s** (%s)"
	MsgMusicSkipped       = "⏭️ Skipped: **%s**"
	MsgMusicPaused        = "⏸️ Paused."
	MsgMusicResumed       = "▶️ Resumed."
	MsgMusicVolumeSet     = "🔊 Volume set to **%d%%**."
	MsgMusicSkipDenied    = "🚫 Only the requester, a premium user, or an admin can skip this track."
	MsgMusicAdminOnly     = "🚫 Only admins can do that."
	MsgMusicLeft          = "👋 Disconnected."
	MsgMusicNothingQueued = "The queue is empty."
)

func intPtr(i int) *int {
	return &i
}

func strPtr(s string) *string {
	return &s
}

// ===========================
// Routing & Guards
// ===========================

// handleMusic routes music subcommands to their respective handlers
func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if event.GuildID() == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicGuildOnly})
		return
	}

	ctx := context.Background()
	user := event.User()

	// Bans gate everything, before any other check.
	if reason, banned, err := GetBanReason(ctx, user.ID); err == nil && banned {
		_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgMusicBanned, reason)})
		return
	}

	if err := UpsertUser(ctx, user.ID, user.Username, user.EffectiveName()); err != nil {
		LogDatabase("Failed to upsert user %s: %v", user.ID, err)
	}

	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data, MediaAudio)
	case "video":
		handleMusicPlay(event, data, MediaVideo)
	case "queue":
		handleMusicQueue(event)
	case "current":
		handleMusicCurrent(event)
	case "skip":
		handleMusicSkip(event)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "volume":
		handleMusicVolume(event, data)
	case "stop":
		handleMusicStop(event)
	case "leave":
		handleMusicLeave(event)
	}
}

func editResponse(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.MessageUpdate{Content: strPtr(content)})
}

// ===========================
// Playback Handlers
// ===========================

// handleMusicPlay resolves a query and enqueues it for the chat. All slow
// work (search, download) happens before the queue is touched.
func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData, kind MediaKind) {
	ctx := context.Background()
	user := event.User()
	chatID := *event.GuildID()
	query := data.String("query")

	premium, err := IsPremiumUser(ctx, user.ID)
	if err != nil {
		LogDatabase("Premium check failed for %s: %v", user.ID, err)
	}

	if kind == MediaVideo {
		if err := CanRequestVideo(premium); err != nil {
			_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicPremiumOnly})
			return
		}
	}

	vs, ok := event.Client().Caches.VoiceState(chatID, user.ID)
	if !ok || vs.ChannelID == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicNoVoice})
		return
	}
	voiceChannelID := *vs.ChannelID

	_ = event.DeferCreateMessage(false)

	LogPlayer("User %s (%s) requested %s: %s", user.Username, user.ID, kind, query)

	resolveCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()
	media, err := GetResolver().Resolve(resolveCtx, query, kind, premium)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			editResponse(event, MsgMusicNotFound)
		case errors.Is(err, ErrNetwork):
			editResponse(event, MsgMusicNetwork)
		default:
			editResponse(event, "Failed: "+err.Error())
		}
		return
	}

	if err := GetTransport().Join(ctx, chatID, voiceChannelID); err != nil {
		editResponse(event, "Failed to join voice: "+err.Error())
		return
	}

	player := GetPlayer()
	entry := &QueueEntry{
		Title:         media.Title,
		SourceURL:     media.SourceURL,
		Uploader:      media.Uploader,
		Handle:        media.Handle,
		Duration:      media.Duration,
		ViewCount:     media.ViewCount,
		Kind:          kind,
		RequesterID:   user.ID,
		RequesterName: user.Username,
		Premium:       premium,
	}
	pos, err := player.Enqueue(chatID, event.Channel().ID(), entry)
	if err != nil {
		if errors.Is(err, ErrQueueLimit) {
			editResponse(event, fmt.Sprintf(MsgMusicQueueFull, queueLimit()))
		} else {
			editResponse(event, "Failed: "+err.Error())
		}
		return
	}

	snap := player.Snapshot(chatID)
	if snap.State == StateIdle {
		player.StartIfIdle(chatID)
		editResponse(event, fmt.Sprintf(MsgMusicNowPlaying, media.Title, FormatDuration(media.Duration)))
	} else {
		editResponse(event, fmt.Sprintf(MsgMusicQueued, pos, media.Title, FormatDuration(media.Duration)))
	}
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	ctx := context.Background()
	user := event.User()
	chatID := *event.GuildID()

	player := GetPlayer()
	snap := player.Snapshot(chatID)
	if snap.NowPlaying == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgPlayerNothingPlaying})
		return
	}

	// Entitlements are checked live; a lapsed subscription does not keep
	// its skip rights from enqueue time.
	premium, _ := IsPremiumUser(ctx, user.ID)
	if !CanSkip(user.ID, snap.NowPlaying.RequesterID, premium) {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicSkipDenied})
		return
	}

	_ = event.DeferCreateMessage(false)
	title, err := player.Skip(chatID)
	if err != nil {
		editResponse(event, "Failed to skip: "+err.Error())
		return
	}
	editResponse(event, fmt.Sprintf(MsgMusicSkipped, title))
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	if err := GetPlayer().Pause(*event.GuildID()); err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed to pause: " + err.Error()})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicPaused})
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	if err := GetPlayer().Resume(*event.GuildID()); err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed to resume: " + err.Error()})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicResumed})
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	vol := data.Int("set")
	if err := GetPlayer().SetVolume(*event.GuildID(), vol); err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed: " + err.Error()})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgMusicVolumeSet, vol)})
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	user := event.User()
	if !IsAdmin(user.ID) {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicAdminOnly})
		return
	}
	LogPlayer("User %s (%s) stopped playback in chat %s", user.Username, user.ID, *event.GuildID())
	GetPlayer().Stop(context.Background(), *event.GuildID())
	_ = event.CreateMessage(discord.MessageCreate{Content: MsgPlayerStopped})
}

func handleMusicLeave(event *events.ApplicationCommandInteractionCreate) {
	user := event.User()
	if !IsAdmin(user.ID) {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicAdminOnly})
		return
	}
	GetPlayer().Stop(context.Background(), *event.GuildID())
	_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicLeft})
}

// ===========================
// Queue Display
// ===========================

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	snap := GetPlayer().Snapshot(*event.GuildID())

	var sb strings.Builder
	if snap.NowPlaying != nil {
		sb.WriteString(fmt.Sprintf("**Now Playing:** [%s](%s)", snap.NowPlaying.Title, snap.NowPlaying.SourceURL))
		if snap.State == StatePaused {
			sb.WriteString(" (paused)")
		}
		sb.WriteString(fmt.Sprintf("\nRequested by **%s**\n\n", snap.NowPlaying.RequesterName))
	}

	sb.WriteString("**Queue:**\n")
	if len(snap.Pending) == 0 {
		sb.WriteString("_Empty_")
	} else {
		for i, e := range snap.Pending {
			if i >= 10 {
				sb.WriteString(fmt.Sprintf("*...and %d more*\n", len(snap.Pending)-10))
				break
			}
			sb.WriteString(fmt.Sprintf("`%d.` [%s](%s) · %s\n", i+1, e.Title, e.SourceURL, e.RequesterName))
		}
	}

	_ = event.CreateMessage(discord.MessageCreate{Content: sb.String()})
}

func handleMusicCurrent(event *events.ApplicationCommandInteractionCreate) {
	snap := GetPlayer().Snapshot(*event.GuildID())
	if snap.NowPlaying == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgPlayerNothingPlaying})
		return
	}
	e := snap.NowPlaying
	state := "▶️"
	if snap.State == StatePaused {
		state = "⏸️"
	}
	content := fmt.Sprintf("%s [%s](%s)\nUploader: **%s** · Length: **%s** · Requested by **%s**",
		state, e.Title, e.SourceURL, e.Uploader, FormatDuration(e.Duration), e.RequesterName)
	_ = event.CreateMessage(discord.MessageCreate{Content: content})
}

// ===========================
// Autocomplete
// ===========================

// handleMusicAutocomplete suggests search results while the user types.
func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	rs, err := GetResolver().Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if r.Uploader != "" {
			n = TruncateWithPreserve(r.Title, 100, "", " · "+r.Uploader)
		} else if len(n) > 100 {
			n = TruncateCenter(n, 100)
		}
		v := r.URL
		if len(v) > 100 {
			v = TruncateCenter(r.Title, 100)
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// ===========================
// Voice State Cleanup
// ===========================

// onBotVoiceDisconnect tears down a chat's session when the bot is moved
// out of the voice channel externally (kicked or channel deleted).
func onBotVoiceDisconnect(event *events.GuildVoiceStateUpdate) {
	client := event.Client()
	if event.VoiceState.UserID != client.ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	chatID := event.VoiceState.GuildID
	if !GetTransport().Connected(chatID) {
		return
	}
	LogVoice("Bot disconnected from voice in chat %s, cleaning up", chatID)
	GetPlayer().Stop(context.Background(), chatID)
}

func queueLimit() int {
	if GlobalConfig != nil && GlobalConfig.QueueLimit > 0 {
		return GlobalConfig.QueueLimit
	}
	return 10
}
