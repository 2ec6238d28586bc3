// Package refresh rebuilds the event store from the calendar sources.
package refresh

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"calbot/internal/ics"
	appLog "calbot/internal/log"
	"calbot/internal/loop"
	"calbot/internal/model"
	"calbot/internal/notify"
	"calbot/internal/source"
	"calbot/internal/store"
)

// ErrInProgress is returned when a refresh is requested while one runs.
var ErrInProgress = errors.New("refresh already in progress")

// Options tunes normalization and fetching.
type Options struct {
	Location      *time.Location
	Horizon       time.Duration
	SkipMalformed bool
	// Workers bounds concurrent file downloads; 4 when zero.
	Workers int
	// Now defaults to time.Now.
	Now func() time.Time
}

type Refresher struct {
	sources  []source.Source
	store    *store.Store
	notifier notify.Notifier
	opts     Options

	running atomic.Bool
}

func New(sources []source.Source, st *store.Store, notifier notify.Notifier, opts Options) *Refresher {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Horizon <= 0 {
		opts.Horizon = ics.DefaultHorizon
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Refresher{sources: sources, store: st, notifier: notifier, opts: opts}
}

// Load fetches every calendar file and normalizes the lot. It touches no
// shared state. Any fetch error, or a parse error unless SkipMalformed is
// set, fails the whole pass.
func (r *Refresher) Load(ctx context.Context) ([]model.Event, error) {
	files, err := r.fetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return ics.Normalize(files, ics.ExpandConfig{
		DisplayLocation: r.opts.Location,
		Now:             r.opts.Now(),
		Horizon:         r.opts.Horizon,
		SkipMalformed:   r.opts.SkipMalformed,
	})
}

// Apply installs events as the canonical set and announces additions.
func (r *Refresher) Apply(ctx context.Context, events []model.Event) []model.Event {
	added := r.store.Replace(events, r.opts.Now())
	for _, ev := range added {
		r.notifier.Notify(ctx, notify.Message{Kind: notify.KindAdded, Event: ev})
	}
	appLog.Info("refresh: store replaced", "events", len(events), "added", len(added))
	return added
}

// Refresh runs Load and Apply back to back. On failure the store keeps its
// previous contents.
func (r *Refresher) Refresh(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	defer r.running.Store(false)

	events, err := r.Load(ctx)
	if err != nil {
		appLog.Error("refresh: pass aborted, keeping previous events", err)
		return err
	}
	r.Apply(ctx, events)
	return nil
}

// Start runs Load off the loop and Apply on it. It reports false when a
// refresh is already running.
func (r *Refresher) Start(l *loop.Loop) bool {
	if !r.running.CompareAndSwap(false, true) {
		appLog.Warn("refresh: skipped, previous pass still running")
		return false
	}
	l.Go(func(ctx context.Context) {
		events, err := r.Load(ctx)
		if err != nil {
			r.running.Store(false)
			appLog.Error("refresh: pass aborted, keeping previous events", err)
			return
		}
		if !l.Submit(func(ctx context.Context) {
			defer r.running.Store(false)
			r.Apply(ctx, events)
		}) {
			r.running.Store(false)
		}
	})
	return true
}

type fetched struct {
	idx  int
	file ics.File
}

func (r *Refresher) fetchAll(ctx context.Context) ([]ics.File, error) {
	type job struct {
		src  source.Source
		name string
	}
	var jobs []job
	for _, src := range r.sources {
		names, err := src.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			jobs = append(jobs, job{src: src, name: n})
		}
	}

	p := pool.NewWithResults[fetched]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(r.opts.Workers)
	for i, j := range jobs {
		i, j := i, j
		p.Go(func(ctx context.Context) (fetched, error) {
			body, err := j.src.Fetch(ctx, j.name)
			if err != nil {
				return fetched{}, err
			}
			return fetched{idx: i, file: ics.File{Name: j.src.Name() + "/" + j.name, Body: body}}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(a, b int) bool { return results[a].idx < results[b].idx })
	files := make([]ics.File, len(results))
	for i, res := range results {
		files[i] = res.file
	}
	appLog.Info("refresh: calendars fetched", "sources", len(r.sources), "files", len(files))
	return files, nil
}
