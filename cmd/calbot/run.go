package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"calbot/internal/bot"
	"calbot/internal/config"
	appLog "calbot/internal/log"
	"calbot/internal/loop"
	"calbot/internal/notify"
	"calbot/internal/refresh"
	"calbot/internal/reminder"
	"calbot/internal/source"
	"calbot/internal/store"
	"calbot/internal/web"
)

func run(c *cli.Context) error {
	conf, err := loadConfig(c.String("config"), c.String("listen"), c.Bool("debug"))
	if err != nil {
		return err
	}
	if conf.Log.File != "" {
		closer := appLog.SetFile(appLog.FileConfig{
			Path:       conf.Log.File,
			MaxSizeMB:  conf.Log.MaxSizeMB,
			MaxBackups: conf.Log.MaxBackups,
			MaxAgeDays: conf.Log.MaxAgeDays,
		})
		defer closer.Close()
	}

	loc := conf.Location()
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"alarm_scan", conf.AlarmScanCron,
		"horizon_days", conf.HorizonDays,
		"morning_hour", conf.MorningHour,
		"evening_hour", conf.EveningHour,
		"alarm_window", conf.AlarmWindow,
		"once", c.Bool("once"),
	)

	sources := buildSources(conf)
	st := store.New()
	formatter := notify.NewFormatter(loc, discordMention(conf))
	refreshOpts := refresh.Options{
		Location:      loc,
		Horizon:       conf.Horizon(),
		SkipMalformed: conf.SkipMalformed,
	}

	if c.Bool("once") {
		notifier := notify.NewDispatcher(inline, formatter, notify.Log{})
		if err := refresh.New(sources, st, notifier, refreshOpts).Refresh(context.Background()); err != nil {
			return err
		}
		fmt.Print(bot.Next(st, formatter, time.Now(), conf.NextLimit))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := loop.New(64)

	var discord *bot.Discord
	if conf.Discord != nil {
		discord, err = bot.NewDiscord(bot.Config{
			Token:     conf.Discord.Token,
			AppID:     conf.Discord.AppID,
			GuildID:   conf.Discord.GuildID,
			Loop:      l,
			Events:    st,
			Formatter: formatter,
			Limit:     conf.NextLimit,
			TokenAPI:  tokenAPI(conf),
		})
		if err != nil {
			return err
		}
	}
	sinks, err := buildSinks(conf, discord)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(l.Go, formatter, sinks...)
	refresher := refresh.New(sources, st, dispatcher, refreshOpts)
	scheduler := reminder.New(st, dispatcher, afterOnLoop(l), reminder.Config{
		Location:    loc,
		MorningHour: conf.MorningHour,
		EveningHour: conf.EveningHour,
		Window:      conf.AlarmWindow,
	})

	// The first pass runs before the loop starts; nothing else touches the
	// store or the scheduler yet.
	if err := refresher.Refresh(ctx); err != nil {
		appLog.Warn("initial refresh failed, starting with an empty calendar", "err", err)
	}
	scheduler.ScanAlarms(ctx, time.Now())

	sched, err := buildCron(conf, loc, l, refresher, scheduler)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Run(gctx) })
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	if discord != nil {
		if err := discord.Open(); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("discord: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return discord.Close()
		})
	}
	if conf.Listen != "" {
		srv := web.NewServer(st, web.Options{
			Listen:    conf.Listen,
			BasicAuth: conf.BasicAuth,
			Location:  loc,
			Refresh:   func() bool { return refresher.Start(l) },
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	appLog.Info("calbot running", "sinks", len(sinks), "sources", len(sources))
	err = g.Wait()
	appLog.Info("calbot exiting")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadConfig(path, listen string, debug bool) (*config.Config, error) {
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if listen != "" {
		conf.Listen = listen
	}
	level := appLog.ParseLevel(conf.Log.Level)
	if debug {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return conf, nil
}

func buildSources(conf *config.Config) []source.Source {
	var out []source.Source
	if conf.WebDAV != nil {
		out = append(out, source.NewWebDAV(conf.WebDAV.URL, conf.WebDAV.Username, conf.WebDAV.Password, conf.WebDAV.Path, source.DefaultRetry))
	}
	if len(conf.ICS) > 0 {
		subs := make([]source.Subscription, 0, len(conf.ICS))
		for _, s := range conf.ICS {
			subs = append(subs, source.Subscription{ID: s.ID + ".ics", URL: s.URL})
		}
		out = append(out, source.NewHTTP(&http.Client{Timeout: 30 * time.Second}, subs, source.DefaultRetry))
	}
	if conf.Dir != "" {
		out = append(out, source.NewDir(conf.Dir))
	}
	return out
}

// buildSinks returns the configured delivery targets, or a log sink when none
// is configured.
func buildSinks(conf *config.Config, discord *bot.Discord) ([]notify.Sink, error) {
	var sinks []notify.Sink
	if discord != nil {
		sinks = append(sinks, notify.NewDiscord(discord.Session(), conf.Discord.ChannelID))
	}
	if m := conf.Mastodon; m != nil {
		sink, err := notify.NewMastodon(notify.MastodonConfig{
			Instance:     m.Instance,
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret,
			AccessToken:  m.AccessToken,
			Visibility:   m.Visibility,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		appLog.Warn("no notification sink configured, reminders go to the log")
		sinks = append(sinks, notify.Log{})
	}
	return sinks, nil
}

// buildCron registers the periodic jobs. Each job only submits work to the
// loop, so every state change happens on one goroutine.
func buildCron(conf *config.Config, loc *time.Location, l *loop.Loop, r *refresh.Refresher, s *reminder.Scheduler) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(loc))

	jobs := []struct {
		spec string
		fn   func(now time.Time)
	}{
		{conf.RefreshCron, func(time.Time) { r.Start(l) }},
		{conf.AlarmScanCron, func(now time.Time) {
			l.Submit(func(ctx context.Context) { s.ScanAlarms(ctx, now) })
		}},
		{fmt.Sprintf("0 %d * * *", conf.MorningHour), fixedClock(l, s)},
		{fmt.Sprintf("0 %d * * *", conf.EveningHour), fixedClock(l, s)},
	}
	for _, j := range jobs {
		fn := j.fn
		if _, err := c.AddFunc(j.spec, func() { fn(time.Now()) }); err != nil {
			return nil, fmt.Errorf("cron %q: %w", j.spec, err)
		}
	}
	return c, nil
}

func fixedClock(l *loop.Loop, s *reminder.Scheduler) func(time.Time) {
	return func(now time.Time) {
		l.Submit(func(ctx context.Context) { s.FixedClock(ctx, now) })
	}
}

// afterOnLoop fires alarm reminders as loop tasks.
func afterOnLoop(l *loop.Loop) reminder.AfterFunc {
	return func(d time.Duration, f func()) {
		time.AfterFunc(d, func() {
			l.Submit(func(context.Context) { f() })
		})
	}
}

func tokenAPI(conf *config.Config) bot.TokenAPI {
	if conf.TokenAPI == nil {
		return bot.TokenAPI{}
	}
	return bot.TokenAPI{
		URL:        conf.TokenAPI.URL,
		Header:     conf.TokenAPI.Header,
		Credential: conf.TokenAPI.Credential,
	}
}

func discordMention(conf *config.Config) string {
	if conf.Discord == nil {
		return ""
	}
	return conf.Discord.Mention
}

func inline(fn func(ctx context.Context)) { fn(context.Background()) }
