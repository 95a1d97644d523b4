package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ModePush = "push"
	ModePoll = "poll"
	ModeBoth = "both"
)

// Config is read once at startup and never reloaded.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`

	Lang     string `json:"lang" validate:"required"`
	I18nDir  string `json:"i18n_dir,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig `json:"logging"`

	MaxDistanceKm float64 `json:"max_distance_km" validate:"gt=0"`
	Mode          string  `json:"mode" validate:"oneof=push poll both"`

	Push     PushConfig     `json:"push"`
	Poll     PollConfig     `json:"poll"`
	Dedup    DedupConfig    `json:"dedup"`
	Notifier NotifierConfig `json:"notifier"`
	Ops      OpsConfig      `json:"ops"`

	Spots []SpotConfig `json:"spots" validate:"required,min=1,dive"`
}

type TelegramConfig struct {
	Token       string `json:"token" validate:"required"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string             `json:"level"`
	Console  *bool              `json:"console,omitempty"`
	File     LoggingFileConfig  `json:"file"`
	Telegram LoggingTelegramCfg `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path,omitempty"`
	Truncate *bool  `json:"truncate,omitempty"`
}

type LoggingTelegramCfg struct {
	Enabled    bool   `json:"enabled"`
	ChatID     ChatID `json:"chat_id,omitempty" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type PushConfig struct {
	Address      string `json:"address"`
	Port         int    `json:"port" validate:"gte=1,lte=65535"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty" validate:"gte=0"`
}

type PollConfig struct {
	Dir         string            `json:"dir"`
	Pattern     string            `json:"pattern"`
	Debounce    string            `json:"debounce,omitempty"`
	Rescan      string            `json:"rescan,omitempty"`
	ScanOnStart bool              `json:"scan_on_start,omitempty"`
	Columns     map[string]string `json:"columns,omitempty"`
}

type DedupConfig struct {
	// Retention > 0 evicts ids whose encounter expired longer ago than this.
	Retention string `json:"retention,omitempty"`
	Sweep     string `json:"sweep,omitempty"`
}

type NotifierConfig struct {
	Workers    int `json:"workers" validate:"gte=0"`
	QueueSize  int `json:"queue_size" validate:"gte=0"`
	RatePerSec int `json:"rate_per_sec" validate:"gte=0"`
}

type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

type SpotConfig struct {
	Name      string   `json:"name" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	ChatID    ChatID   `json:"chat_id" validate:"required"`
}

// ChatID is an opaque chat identifier. Numeric YAML/JSON values are accepted
// and kept in their decimal form.
type ChatID string

func (c *ChatID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ChatID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat_id: want string or integer, got %s", string(b))
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("chat_id: %s is not an integer", n.String())
	}
	*c = ChatID(n.String())
	return nil
}

func (c ChatID) String() string { return string(c) }

// ConfigError is a fatal configuration problem.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ---- resolved values (valid after Load) ----

func (c *Config) PushEnabled() bool { return c.Mode == ModePush || c.Mode == ModeBoth }
func (c *Config) PollEnabled() bool { return c.Mode == ModePoll || c.Mode == ModeBoth }

func (c *Config) SendTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.send_timeout", c.Telegram.SendTimeout, 10*time.Second)
	return d
}

func (c *Config) PollDebounce() time.Duration {
	d, _ := ParseDurationOrDefault("poll.debounce", c.Poll.Debounce, 250*time.Millisecond)
	return d
}

func (c *Config) DedupRetention() time.Duration {
	d, _ := ParseDurationField("dedup.retention", c.Dedup.Retention)
	return d
}

// Location returns the configured zone, or time.Local.
func (c *Config) Location() *time.Location {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c LoggingConfig) ConsoleEnabled() bool { return boolOr(c.Console, true) }
func (c LoggingFileConfig) TruncateOnStart() bool { return boolOr(c.Truncate, true) }
