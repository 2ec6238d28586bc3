package notify

import (
	"context"
	"errors"

	"github.com/McKael/madon"
	"github.com/bwmarrin/discordgo"

	appLog "calbot/internal/log"
)

// channelSender is the subset of *discordgo.Session used by Discord.
type channelSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts to one text channel.
type Discord struct {
	session   channelSender
	channelID string
}

func NewDiscord(session *discordgo.Session, channelID string) *Discord {
	return &Discord{session: session, channelID: channelID}
}

func (d *Discord) Name() string { return "discord:" + d.channelID }

func (d *Discord) Send(ctx context.Context, text string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, text, discordgo.WithContext(ctx))
	return err
}

const maxPostSize = 500

// statusPoster is the subset of *madon.Client used by Mastodon.
type statusPoster interface {
	PostStatus(text string, inReplyTo int64, mediaIDs []int64, sensitive bool, spoilerText string, visibility string) (*madon.Status, error)
}

// Mastodon posts statuses to one account.
type Mastodon struct {
	client     statusPoster
	instance   string
	visibility string
}

// MastodonConfig carries pre-registered application credentials and a user
// access token.
type MastodonConfig struct {
	Instance     string
	ClientID     string
	ClientSecret string
	AccessToken  string
	Visibility   string
}

func NewMastodon(cfg MastodonConfig) (*Mastodon, error) {
	if cfg.Instance == "" || cfg.AccessToken == "" {
		return nil, errors.New("mastodon: instance and access token are required")
	}
	c := &madon.Client{
		Name:        "calbot",
		ID:          cfg.ClientID,
		Secret:      cfg.ClientSecret,
		InstanceURL: "https://" + cfg.Instance,
		UserToken:   &madon.UserToken{AccessToken: cfg.AccessToken},
	}
	c.APIBase = c.InstanceURL + "/api/v1"
	return newMastodon(c, cfg.Instance, cfg.Visibility), nil
}

func newMastodon(c statusPoster, instance, visibility string) *Mastodon {
	if visibility == "" {
		visibility = "unlisted"
	}
	return &Mastodon{client: c, instance: instance, visibility: visibility}
}

func (m *Mastodon) Name() string { return "mastodon:" + m.instance }

func (m *Mastodon) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = plainText(text)
	if r := []rune(text); len(r) > maxPostSize {
		text = string(r[:maxPostSize-1]) + "…"
	}
	_, err := m.client.PostStatus(text, 0, nil, false, "", m.visibility)
	return err
}

// Log writes messages to the process log. It stands in for a chat sink in
// one-shot runs and when no chat is configured.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Send(_ context.Context, text string) error {
	appLog.Info("notify", "text", text)
	return nil
}
