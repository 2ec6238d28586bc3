package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config file handling: first-run creation, atomic save, 0600 permissions.

// ICSConfig describes a single HTTP ICS subscription.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for logging and cache keys.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// WebDAVConfig points at a WebDAV directory holding *.ics files.
type WebDAVConfig struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	// Path is the calendar directory relative to URL, e.g. "/calendars/team/".
	Path string `yaml:"path" json:"path"`
}

type DiscordConfig struct {
	Token   string `yaml:"token" json:"-"`
	AppID   string `yaml:"app_id" json:"app_id"`
	GuildID string `yaml:"guild_id" json:"guild_id"`
	// ChannelID receives reminder messages.
	ChannelID string `yaml:"channel_id" json:"channel_id"`
	// Mention is appended to alarm reminders, e.g. "@everyone".
	Mention string `yaml:"mention" json:"mention"`
}

type MastodonConfig struct {
	// Instance is the host name, e.g. "mastodon.social".
	Instance     string `yaml:"instance" json:"instance"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	AccessToken  string `yaml:"access_token" json:"-"`
	// Visibility of posted statuses: public, unlisted, private, direct.
	Visibility string `yaml:"visibility" json:"visibility"`
}

// TokenAPIConfig configures the third-party endpoint behind the token command.
type TokenAPIConfig struct {
	URL        string `yaml:"url" json:"url"`
	Header     string `yaml:"header" json:"header"`
	Credential string `yaml:"credential" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// File, if set, receives a rotated copy of the log stream.
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA display zone; floating calendar times are read in it.
	Timezone string `yaml:"timezone" json:"timezone"`

	// HorizonDays bounds recurrence expansion to [now, now+HorizonDays].
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// RefreshCron is a cron spec (e.g. "@every 12h" or "0 */6 * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// AlarmScanCron is the cron spec of the VALARM scan.
	AlarmScanCron string `yaml:"alarm_scan" json:"alarm_scan"`

	MorningHour int `yaml:"morning_hour" json:"morning_hour"`
	EveningHour int `yaml:"evening_hour" json:"evening_hour"`

	// AlarmWindow is how far ahead the scan schedules alarm reminders.
	AlarmWindow time.Duration `yaml:"alarm_window" json:"alarm_window"`

	NextLimit int `yaml:"next_limit" json:"next_limit"`

	// SkipMalformed skips unparseable files instead of failing the pass.
	SkipMalformed bool `yaml:"skip_malformed" json:"skip_malformed"`

	WebDAV *WebDAVConfig `yaml:"webdav,omitempty" json:"webdav,omitempty"`
	ICS    []ICSConfig   `yaml:"ics" json:"ics"`
	Dir    string        `yaml:"dir,omitempty" json:"dir,omitempty"`

	Discord  *DiscordConfig  `yaml:"discord,omitempty" json:"discord,omitempty"`
	Mastodon *MastodonConfig `yaml:"mastodon,omitempty" json:"mastodon,omitempty"`
	TokenAPI *TokenAPIConfig `yaml:"token_api,omitempty" json:"token_api,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Log LogConfig `yaml:"log" json:"log"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Europe/Warsaw"
	defaultHorizonDays = 21
	defaultRefresh     = "@every 12h"
	defaultAlarmScan   = "@every 5m"
	defaultMorning     = 8
	defaultEvening     = 20
	defaultAlarmWindow = time.Hour
	defaultNextLimit   = 3
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Timezone:      defaultTimezone,
		HorizonDays:   defaultHorizonDays,
		RefreshCron:   defaultRefresh,
		AlarmScanCron: defaultAlarmScan,
		MorningHour:   defaultMorning,
		EveningHour:   defaultEvening,
		AlarmWindow:   defaultAlarmWindow,
		NextLimit:     defaultNextLimit,
		ICS:           []ICSConfig{},
		Log:           LogConfig{Level: "info"},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.AlarmScanCron == "" {
		c.AlarmScanCron = defaultAlarmScan
	}
	// Both zero means the keys were left out; a single zero is midnight.
	if c.MorningHour == 0 && c.EveningHour == 0 {
		c.MorningHour = defaultMorning
		c.EveningHour = defaultEvening
	}
	if c.AlarmWindow <= 0 {
		c.AlarmWindow = defaultAlarmWindow
	}
	if c.NextLimit <= 0 {
		c.NextLimit = defaultNextLimit
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		if c.ICS[i].ID == "" {
			c.ICS[i].ID = fmt.Sprintf("ics%d", i+1)
		}
	}
	if c.Mastodon != nil && c.Mastodon.Visibility == "" {
		c.Mastodon.Visibility = "unlisted"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first configuration problem that would keep the bot
// from running. Call after Normalize.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("refresh %q: %w", c.RefreshCron, err)
	}
	if _, err := cron.ParseStandard(c.AlarmScanCron); err != nil {
		return fmt.Errorf("alarm_scan %q: %w", c.AlarmScanCron, err)
	}
	if c.MorningHour < 0 || c.MorningHour > 23 {
		return fmt.Errorf("morning_hour %d: must be 0..23", c.MorningHour)
	}
	if c.EveningHour < 0 || c.EveningHour > 23 {
		return fmt.Errorf("evening_hour %d: must be 0..23", c.EveningHour)
	}
	if c.MorningHour == c.EveningHour {
		return errors.New("morning_hour and evening_hour must differ")
	}
	if c.WebDAV != nil && c.WebDAV.URL == "" {
		return errors.New("webdav: url is required")
	}
	for i, s := range c.ICS {
		if s.URL == "" {
			return fmt.Errorf("ics[%d] (%s): url is required", i, s.ID)
		}
	}
	if c.WebDAV == nil && len(c.ICS) == 0 && c.Dir == "" {
		return errors.New("no calendar source configured (webdav, ics or dir)")
	}
	if c.Discord != nil && (c.Discord.Token == "" || c.Discord.ChannelID == "") {
		return errors.New("discord: token and channel_id are required")
	}
	if c.Mastodon != nil && (c.Mastodon.Instance == "" || c.Mastodon.AccessToken == "") {
		return errors.New("mastodon: instance and access_token are required")
	}
	return nil
}

// Location returns the display zone. It falls back to UTC for a config that
// was not validated.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Horizon returns the expansion window length.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename in the same
// directory, with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calbot-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
