package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/McKael/madon"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

var warsaw = time.FixedZone("CEST", 2*3600)

func event() model.Event {
	start := time.Date(2024, 5, 2, 16, 30, 0, 0, time.UTC)
	return model.Event{UID: "e1", Summary: "Dentist", Start: start, End: start.Add(time.Hour), Alarms: []model.Alarm{}}
}

func TestFormat(t *testing.T) {
	f := NewFormatter(warsaw, "@everyone")
	ev := event()

	assert.Equal(t, "📅 Reminder 📅\nTomorrow Thu, 02 May 2024 18:30 event: **Dentist**", f.Format(Message{Kind: KindTomorrow, Event: ev}))
	assert.Equal(t, "📅 Reminder 📅\nToday Thu, 02 May 2024 18:30 event: **Dentist**", f.Format(Message{Kind: KindToday, Event: ev}))
	assert.Equal(t, "⏰ Event reminder ⏰ - **Dentist** is about to start\n@everyone", f.Format(Message{Kind: KindAlarm, Event: ev}))
	assert.Equal(t, "🆕 New event: **Dentist** - Thu, 02 May 2024 18:30", f.Format(Message{Kind: KindAdded, Event: ev}))

	ev.AllDay = true
	assert.Equal(t, "Thu, 02 May 2024", f.When(ev))

	noMention := NewFormatter(warsaw, "")
	assert.Equal(t, "⏰ Event reminder ⏰ - **Dentist** is about to start", noMention.Format(Message{Kind: KindAlarm, Event: ev}))
}

type recordingSink struct {
	mu    sync.Mutex
	name  string
	texts []string
	err   error
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func inline(fn func(context.Context)) { fn(context.Background()) }

func TestDispatcherFansOutAndLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf)

	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("503")}
	d := NewDispatcher(inline, NewFormatter(time.UTC, ""), ok, bad)

	d.Notify(context.Background(), Message{Kind: KindToday, Event: event()})

	require.Len(t, ok.texts, 1)
	require.Len(t, bad.texts, 1)
	assert.Contains(t, ok.texts[0], "Today")
	assert.Contains(t, buf.String(), "notify: delivery failed")
	assert.Contains(t, buf.String(), "deliver via bad: 503")
	assert.Contains(t, buf.String(), "uid=e1")
}

type fakeDiscord struct {
	channel, content string
}

func (f *fakeDiscord) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel, f.content = channelID, content
	return &discordgo.Message{}, nil
}

func TestDiscordSink(t *testing.T) {
	fake := &fakeDiscord{}
	d := &Discord{session: fake, channelID: "123"}
	require.NoError(t, d.Send(context.Background(), "hello"))
	assert.Equal(t, "123", fake.channel)
	assert.Equal(t, "hello", fake.content)
	assert.Equal(t, "discord:123", d.Name())
}

type fakePoster struct {
	text, visibility string
}

func (f *fakePoster) PostStatus(text string, _ int64, _ []int64, _ bool, _ string, visibility string) (*madon.Status, error) {
	f.text, f.visibility = text, visibility
	return &madon.Status{}, nil
}

func TestMastodonSink(t *testing.T) {
	fake := &fakePoster{}
	m := newMastodon(fake, "mastodon.social", "")
	require.NoError(t, m.Send(context.Background(), "**Dentist** "+strings.Repeat("x", 600)))
	assert.Equal(t, "unlisted", fake.visibility)
	assert.True(t, strings.HasPrefix(fake.text, "Dentist "))
	assert.Len(t, []rune(fake.text), maxPostSize)

	_, err := NewMastodon(MastodonConfig{Instance: "mastodon.social"})
	assert.Error(t, err)
}
