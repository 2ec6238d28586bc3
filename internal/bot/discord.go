package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	appLog "calbot/internal/log"
	"calbot/internal/loop"
	"calbot/internal/notify"
)

var minCount = float64(minClear)

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        "next",
		Description: "Show upcoming calendar events",
	},
	{
		Name:        "clear",
		Description: "Delete recent messages in this channel (administrators only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "count",
				Description: "How many messages to delete",
				Required:    true,
				MinValue:    &minCount,
				MaxValue:    maxClear,
			},
		},
	},
	{
		Name:        "token",
		Description: "Issue a runner registration token",
	},
}

// Config wires a Discord bot.
type Config struct {
	Token   string
	AppID   string
	GuildID string

	Loop      *loop.Loop
	Events    Upcoming
	Formatter notify.Formatter
	Limit     int
	TokenAPI  TokenAPI
	Now       func() time.Time
}

// Discord serves slash commands over a discordgo session.
type Discord struct {
	session *discordgo.Session
	cfg     Config
}

func NewDiscord(cfg Config) (*Discord, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	d := &Discord{session: s, cfg: cfg}
	s.AddHandler(d.onInteraction)
	return d, nil
}

// Session exposes the underlying session for the notification sink.
func (d *Discord) Session() *discordgo.Session { return d.session }

// Open connects the gateway and registers the slash commands.
func (d *Discord) Open() error {
	if err := d.session.Open(); err != nil {
		return err
	}
	appID := d.cfg.AppID
	if appID == "" && d.session.State != nil && d.session.State.User != nil {
		appID = d.session.State.User.ID
	}
	for _, cmd := range commands {
		if _, err := d.session.ApplicationCommandCreate(appID, d.cfg.GuildID, cmd); err != nil {
			return err
		}
	}
	appLog.Info("discord: connected, slash commands registered", "commands", len(commands))
	return nil
}

func (d *Discord) Close() error { return d.session.Close() }

func (d *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	appLog.Debug("discord: command received", "name", data.Name, "channel", i.ChannelID)

	switch data.Name {
	case "next":
		d.reply(s, i, d.next(), false)
	case "clear":
		d.clear(s, i, data)
	case "token":
		d.token(s, i)
	}
}

func (d *Discord) next() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text := NoUpcoming
	err := d.cfg.Loop.Do(ctx, func(context.Context) {
		text = Next(d.cfg.Events, d.cfg.Formatter, d.cfg.Now(), d.cfg.Limit)
	})
	if err != nil {
		appLog.Error("discord: next command failed", err)
		return "Could not read the calendar right now, try again later."
	}
	return text
}

func (d *Discord) clear(s *discordgo.Session, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	isAdmin := i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0
	var requested int64
	for _, opt := range data.Options {
		if opt.Name == "count" {
			requested = opt.IntValue()
		}
	}
	n, err := ClearCount(isAdmin, requested)
	if err != nil {
		d.reply(s, i, err.Error(), true)
		return
	}

	msgs, err := s.ChannelMessages(i.ChannelID, n, "", "", "")
	if err != nil {
		appLog.Error("discord: list messages failed", err, "channel", i.ChannelID)
		d.reply(s, i, "Could not read channel messages.", true)
		return
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	switch len(ids) {
	case 0:
	case 1:
		err = s.ChannelMessageDelete(i.ChannelID, ids[0])
	default:
		err = s.ChannelMessagesBulkDelete(i.ChannelID, ids)
	}
	if err != nil {
		appLog.Error("discord: delete messages failed", err, "channel", i.ChannelID, "count", len(ids))
		d.reply(s, i, "Could not delete messages (messages older than 14 days cannot be bulk-deleted).", true)
		return
	}
	d.reply(s, i, fmt.Sprintf("Deleted %d messages.", len(ids)), true)
}

func (d *Discord) token(s *discordgo.Session, i *discordgo.InteractionCreate) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		appLog.Error("discord: deferring token response failed", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	text, err := d.cfg.TokenAPI.Fetch(ctx)
	if err != nil {
		appLog.Error("discord: token request failed", err)
		text = "Token request failed: " + err.Error()
	}
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text}); err != nil {
		appLog.Error("discord: token response failed", err)
	}
}

func (d *Discord) reply(s *discordgo.Session, i *discordgo.InteractionCreate, text string, ephemeral bool) {
	data := &discordgo.InteractionResponseData{Content: text}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		appLog.Error("discord: reply failed", err, "channel", i.ChannelID)
	}
}
