package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/omit"
	"golang.org/x/time/rate"
)

// ===========================
// Command Registration
// ===========================

func init() {
	adminPerm := discord.PermissionAdministrator

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "admin",
		Description:              "Bot administration (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "ban",
				Description: "Ban a user from using the bot",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "User to ban",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why the user is banned",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "unban",
				Description: "Lift a user's bot ban",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "User to unban",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "premium",
				Description: "Grant premium access to a user",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "User to grant premium to",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "days",
						Description: "Subscription length in days",
						Required:    true,
						MinValue:    intPtr(1),
						MaxValue:    intPtr(3650),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Show bot statistics",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "broadcast",
				Description: "DM a message to every known user",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "message",
						Description: "The message to send",
						Required:    true,
					},
				},
			},
		},
	}, handleAdmin)
}

// ===========================
// Constants & Variables
// ===========================

const (
	MsgAdminBanned        = "🔨 Banned **%s**. Reason: %s"
	MsgAdminUnbanned      = "✅ Unbanned **%s**."
	MsgAdminNotBanned     = "**%s** is not banned."
	MsgAdminPremiumSet    = "⭐ **%s** is premium until **%s**."
	MsgAdminBroadcastDone = "📣 Broadcast delivered to %d/%d users."
	MsgAdminNoReason      = "No reason given"
)

// ===========================
// Handlers
// ===========================

// handleAdmin routes admin subcommands. Discord's permission gate keeps
// non-admins out of the menu, but the configured admin list is the source
// of truth.
func handleAdmin(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if !IsAdmin(event.User().ID) {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgMusicAdminOnly})
		return
	}

	switch *data.SubCommandName {
	case "ban":
		handleAdminBan(event, data)
	case "unban":
		handleAdminUnban(event, data)
	case "premium":
		handleAdminPremium(event, data)
	case "stats":
		handleAdminStats(event)
	case "broadcast":
		handleAdminBroadcast(event, data)
	}
}

func handleAdminBan(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target := data.User("user")
	reason, _ := data.OptString("reason")
	if reason == "" {
		reason = MsgAdminNoReason
	}

	if err := BanUser(context.Background(), target.ID, event.User().ID, reason); err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed: " + err.Error()})
		return
	}
	LogEntitlement("Admin %s banned %s: %s", event.User().ID, target.ID, reason)
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgAdminBanned, target.Username, reason)})
}

func handleAdminUnban(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target := data.User("user")

	removed, err := UnbanUser(context.Background(), target.ID)
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed: " + err.Error()})
		return
	}
	if !removed {
		_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgAdminNotBanned, target.Username)})
		return
	}
	LogEntitlement("Admin %s unbanned %s", event.User().ID, target.ID)
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgAdminUnbanned, target.Username)})
}

func handleAdminPremium(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target := data.User("user")
	days := data.Int("days")

	until, err := GrantPremium(context.Background(), target.ID, days)
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed: " + err.Error()})
		return
	}
	LogEntitlement("Admin %s granted premium to %s for %d days (until %s)", event.User().ID, target.ID, days, until.Format(time.RFC3339))
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgAdminPremiumSet, target.Username, until.Format("2006-01-02 15:04 MST"))})
}

func handleAdminStats(event *events.ApplicationCommandInteractionCreate) {
	stats, err := GetBotStats(context.Background())
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed: " + err.Error()})
		return
	}

	var sb strings.Builder
	sb.WriteString("**Bot Statistics**\n")
	sb.WriteString(fmt.Sprintf("Users: **%d** (premium: **%d**, banned: **%d**)\n", stats.TotalUsers, stats.PremiumUsers, stats.BannedUsers))
	sb.WriteString(fmt.Sprintf("Songs played: **%d**\n", stats.SongsPlayed))
	sb.WriteString(fmt.Sprintf("Active sessions: **%d** (queued: **%d**)\n", GetPlayer().SessionCount(), GetPlayer().QueuedTotal()))
	sb.WriteString(fmt.Sprintf("Uptime: **%s**", FormatDuration(time.Since(StartupTime))))

	_ = event.CreateMessage(discord.MessageCreate{Content: sb.String()})
}

// handleAdminBroadcast DMs every known user, throttled so a large user
// table does not trip the REST rate limiter.
func handleAdminBroadcast(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	message := data.String("message")
	client := event.Client()

	_ = event.DeferCreateMessage(true)

	userIDs, err := GetAllUserIDs(context.Background())
	if err != nil {
		editResponse(event, "Failed: "+err.Error())
		return
	}

	ctx := AppContext
	if ctx == nil {
		ctx = context.Background()
	}

	limiter := rate.NewLimiter(rate.Limit(4), 10)
	delivered := 0
	for _, userID := range userIDs {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		dmChannel, err := client.Rest.CreateDMChannel(userID, rest.WithCtx(ctx))
		if err != nil {
			LogBroadcast("Failed to open DM with %s: %v", userID, err)
			continue
		}
		if _, err := client.Rest.CreateMessage(dmChannel.ID(), discord.MessageCreate{Content: message}, rest.WithCtx(ctx)); err != nil {
			LogBroadcast("Failed to DM %s: %v", userID, err)
			continue
		}
		delivered++
	}

	LogBroadcast("Broadcast by %s delivered to %d/%d users", event.User().ID, delivered, len(userIDs))
	editResponse(event, fmt.Sprintf(MsgAdminBroadcastDone, delivered, len(userIDs)))
}
