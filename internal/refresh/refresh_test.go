package refresh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbot/internal/ics"
	"calbot/internal/loop"
	"calbot/internal/notify"
	"calbot/internal/source"
	"calbot/internal/store"
)

var now = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func vcal(events ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calbot//test//EN\r\n")
	for _, e := range events {
		b.WriteString(e)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func vevent(uid, start, summary string) string {
	return "BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTART:" + start + "\r\nDTEND:" + start + "\r\nSUMMARY:" + summary + "\r\nEND:VEVENT\r\n"
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Notify(_ context.Context, m notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type failingSource struct{ listErr, fetchErr error }

func (f failingSource) Name() string { return "failing" }

func (f failingSource) List(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, &source.FetchError{Source: "failing", Err: f.listErr}
	}
	return []string{"x.ics"}, nil
}

func (f failingSource) Fetch(context.Context, string) ([]byte, error) {
	return nil, &source.FetchError{Source: "failing", File: "x.ics", Err: f.fetchErr}
}

func setup(t *testing.T, files map[string]string) (afero.Fs, *store.Store, *recorder, *Refresher) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/cal", 0o755))
	for name, body := range files {
		require.NoError(t, afero.WriteFile(fs, "/cal/"+name, []byte(body), 0o644))
	}
	st := store.New()
	rec := &recorder{}
	r := New([]source.Source{source.NewDirFS(fs, "/cal")}, st, rec, Options{
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
	return fs, st, rec, r
}

func TestRefreshAnnouncesOnlyNewEventsAfterFirstLoad(t *testing.T) {
	fs, st, rec, r := setup(t, map[string]string{
		"a.ics": vcal(vevent("one", "20240502T100000Z", "One")),
		"b.ics": vcal(vevent("two", "20240503T100000Z", "Two")),
	})

	require.NoError(t, r.Refresh(context.Background()))
	assert.Len(t, st.Events(), 2)
	assert.Zero(t, rec.count())

	require.NoError(t, afero.WriteFile(fs, "/cal/c.ics", []byte(vcal(vevent("three", "20240501T120000Z", "Three"))), 0o644))
	require.NoError(t, r.Refresh(context.Background()))

	events := st.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "three", events[0].UID)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, notify.KindAdded, rec.msgs[0].Kind)
	assert.Equal(t, "three", rec.msgs[0].Event.UID)
}

func TestFailedRefreshKeepsPreviousEvents(t *testing.T) {
	fs, st, _, r := setup(t, map[string]string{
		"a.ics": vcal(vevent("one", "20240502T100000Z", "One")),
	})
	require.NoError(t, r.Refresh(context.Background()))

	require.NoError(t, afero.WriteFile(fs, "/cal/bad.ics", []byte("BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nSUMMARY:no uid\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"), 0o644))
	err := r.Refresh(context.Background())
	var perr *ics.ParseError
	require.True(t, errors.As(err, &perr))
	require.Len(t, st.Events(), 1)
	assert.Equal(t, "one", st.Events()[0].UID)
}

func TestFetchErrorAbortsPass(t *testing.T) {
	st := store.New()
	r := New([]source.Source{failingSource{fetchErr: errors.New("timeout")}}, st, &recorder{}, Options{Now: func() time.Time { return now }})

	err := r.Refresh(context.Background())
	var ferr *source.FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "x.ics", ferr.File)
	loaded, _, _ := st.Status()
	assert.False(t, loaded)

	r = New([]source.Source{failingSource{listErr: errors.New("401")}}, st, &recorder{}, Options{})
	assert.Error(t, r.Refresh(context.Background()))
}

func TestStartAppliesOnLoop(t *testing.T) {
	_, st, _, r := setup(t, map[string]string{
		"a.ics": vcal(vevent("one", "20240502T100000Z", "One")),
	})
	l := loop.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.True(t, r.Start(l))
	require.Eventually(t, func() bool {
		loaded, _, _ := st.Status()
		return loaded
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.running.Load() }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Start(l))
}

func TestConcurrentRefreshIsRejected(t *testing.T) {
	_, _, _, r := setup(t, nil)
	r.running.Store(true)
	assert.ErrorIs(t, r.Refresh(context.Background()), ErrInProgress)
	assert.False(t, r.Start(loop.New(1)))
}
