package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"pgonotify/internal/observability/ops"
	"pgonotify/internal/scheduler"
	logx "pgonotify/pkg/logx"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "PGONOTIFY_TELEGRAM_TOKEN"

// Load reads, defaults and validates the config at path. A .env file in the
// working directory or next to the config file is loaded first; variables
// already present in the environment win. Every failure is a *ConfigError.
func Load(path string) (*Config, error) {
	loadEnvFiles(path)

	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes path strictly: unknown fields and trailing data are errors.
// Defaults are not applied.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Field: decodeField(err), Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, &ConfigError{Err: err}
	}
	return &cfg, nil
}

func loadEnvFiles(cfgPath string) {
	candidates := []string{".env"}
	if dir := filepath.Dir(cfgPath); dir != "." && dir != "" {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, f := range candidates {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

func decodeField(err error) string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return te.Field
	}
	return ""
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Lang) == "" {
		c.Lang = "en"
	}
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = ModePush
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.MaxDistanceKm == 0 {
		c.MaxDistanceKm = 2.5
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "WARNING"
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		c.Logging.File.Path = "pgo-notify.log"
	}
	if strings.TrimSpace(c.Push.Address) == "" {
		c.Push.Address = "localhost"
	}
	if c.Push.Port == 0 {
		c.Push.Port = 4000
	}
	if c.Push.MaxBodyBytes == 0 {
		c.Push.MaxBodyBytes = 1 << 20
	}
	if strings.TrimSpace(c.Poll.Dir) == "" {
		c.Poll.Dir = "."
	}
	if strings.TrimSpace(c.Poll.Pattern) == "" {
		c.Poll.Pattern = "*.txt"
	}
	if strings.TrimSpace(c.Dedup.Sweep) == "" {
		c.Dedup.Sweep = "@every 10m"
	}
	if c.Notifier.Workers == 0 {
		c.Notifier.Workers = 2
	}
	if c.Notifier.QueueSize == 0 {
		c.Notifier.QueueSize = 512
	}
	if c.Notifier.RatePerSec == 0 {
		c.Notifier.RatePerSec = 20
	}
	if strings.TrimSpace(c.Ops.Addr) == "" {
		c.Ops.Addr = "127.0.0.1:9090"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var pollColumnKeys = map[string]bool{
	"time": true, "time_until_hidden": true, "latitude": true,
	"longitude": true, "encounter_id": true, "name": true,
}

// Validate checks struct constraints and the values that need parsing
// (durations, cron specs, time zone, log levels, file pattern).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			fe := ves[0]
			return &ConfigError{Field: fieldPath(fe.Namespace()), Err: fmt.Errorf("failed %q check (value %v)", tagWithParam(fe), safeValue(fe))}
		}
		return &ConfigError{Err: err}
	}

	durations := map[string]string{
		"telegram.send_timeout": c.Telegram.SendTimeout,
		"poll.debounce":         c.Poll.Debounce,
		"dedup.retention":       c.Dedup.Retention,
	}
	for field, raw := range durations {
		if _, err := ParseDurationField(field, raw); err != nil {
			return &ConfigError{Field: field, Err: errors.Unwrap(err)}
		}
	}
	crons := map[string]string{"poll.rescan": c.Poll.Rescan, "dedup.sweep": c.Dedup.Sweep}
	for field, spec := range crons {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if err := scheduler.ParseSpec(spec); err != nil {
			return &ConfigError{Field: field, Err: err}
		}
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return &ConfigError{Field: "timezone", Err: err}
		}
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return &ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}
	if lvl := c.Logging.Telegram.MinLevel; lvl != "" && !logx.ValidLevel(lvl) {
		return &ConfigError{Field: "logging.telegram.min_level", Err: fmt.Errorf("unknown level %q", lvl)}
	}
	if _, err := filepath.Match(c.Poll.Pattern, ""); err != nil {
		return &ConfigError{Field: "poll.pattern", Err: err}
	}
	for k := range c.Poll.Columns {
		if !pollColumnKeys[k] {
			return &ConfigError{Field: "poll.columns." + k, Err: errors.New("unknown column key")}
		}
	}
	if c.Ops.Enabled && !ops.IsLoopbackAddr(c.Ops.Addr) && strings.TrimSpace(c.Ops.Token) == "" {
		return &ConfigError{Field: "ops.token", Err: errors.New("required when ops.addr is not loopback")}
	}
	return nil
}

func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func safeValue(fe validator.FieldError) any {
	if strings.Contains(strings.ToLower(fe.Field()), "token") {
		return "<redacted>"
	}
	v := reflect.ValueOf(fe.Value())
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "<missing>"
		}
		return v.Elem().Interface()
	}
	return fe.Value()
}
