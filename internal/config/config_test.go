package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const minimal = `
telegram:
  token: "123:abc"
spots:
  - name: Park
    latitude: 52.0
    longitude: 13.0
    chat_id: 42
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(EnvToken, "")
	cfg, err := Load(writeFile(t, "config.yaml", minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModePush || cfg.Lang != "en" || cfg.MaxDistanceKm != 2.5 {
		t.Fatalf("unexpected defaults: mode=%s lang=%s dist=%v", cfg.Mode, cfg.Lang, cfg.MaxDistanceKm)
	}
	if cfg.Push.Address != "localhost" || cfg.Push.Port != 4000 || cfg.Push.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected push defaults: %+v", cfg.Push)
	}
	if cfg.Logging.Level != "WARNING" || !cfg.Logging.ConsoleEnabled() || !cfg.Logging.File.TruncateOnStart() {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.SendTimeout() != 10*time.Second || cfg.PollDebounce() != 250*time.Millisecond || cfg.DedupRetention() != 0 {
		t.Fatalf("unexpected durations")
	}
	if got := cfg.Spots[0].ChatID; got != "42" {
		t.Fatalf("numeric chat id = %q", got)
	}
	if !cfg.PushEnabled() || cfg.PollEnabled() {
		t.Fatalf("push mode flags wrong")
	}
}

func TestLoadJSONAndStringChatID(t *testing.T) {
	t.Setenv(EnvToken, "")
	body := `{"telegram":{"token":"t"},"mode":"both","max_distance_km":1,
"spots":[{"name":"Club","latitude":-33.9,"longitude":151.2,"chat_id":"@club"},
{"name":"Group","latitude":0,"longitude":0,"chat_id":-1001234567890}]}`
	cfg, err := Load(writeFile(t, "config.json", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spots[0].ChatID != "@club" || cfg.Spots[1].ChatID != "-1001234567890" {
		t.Fatalf("chat ids: %q %q", cfg.Spots[0].ChatID, cfg.Spots[1].ChatID)
	}
	if !cfg.PushEnabled() || !cfg.PollEnabled() {
		t.Fatalf("both mode flags wrong")
	}
}

func TestLoadLegacyKeys(t *testing.T) {
	t.Setenv(EnvToken, "")
	body := `
api_token: "legacy"
loglevel: INFO
max_distance: 1.5
server_address: 0.0.0.0
server_port: 4100
spots:
  - {name: Park, latitude: 52, longitude: 13, chat_id: 42}
`
	cfg, err := Load(writeFile(t, "config.yaml", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "legacy" || cfg.Logging.Level != "INFO" || cfg.MaxDistanceKm != 1.5 ||
		cfg.Push.Address != "0.0.0.0" || cfg.Push.Port != 4100 {
		t.Fatalf("legacy keys not migrated: %+v", cfg)
	}
}

func TestEnvTokenOverrides(t *testing.T) {
	t.Setenv(EnvToken, "from-env")
	cfg, err := Load(writeFile(t, "config.yaml", minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Setenv(EnvToken, "")
	cases := []struct {
		name, body, field string
	}{
		{"unknown field", minimal + "bogus: 1\n", ""},
		{"missing token", strings.Replace(minimal, `token: "123:abc"`, `token: ""`, 1), "telegram.token"},
		{"no spots", "telegram: {token: t}\n", "spots"},
		{"latitude out of range", strings.Replace(minimal, "latitude: 52.0", "latitude: 95", 1), "spots[0].latitude"},
		{"missing longitude", strings.Replace(minimal, "    longitude: 13.0\n", "", 1), "spots[0].longitude"},
		{"missing chat id", strings.Replace(minimal, "    chat_id: 42\n", "", 1), "spots[0].chat_id"},
		{"negative distance", minimal + "max_distance_km: -1\n", "max_distance_km"},
		{"bad mode", minimal + "mode: carrier-pigeon\n", "mode"},
		{"bad debounce", minimal + "poll: {debounce: soon}\n", "poll.debounce"},
		{"bad cron", minimal + "poll: {rescan: whenever}\n", "poll.rescan"},
		{"bad timezone", minimal + "timezone: Mars/Olympus\n", "timezone"},
		{"bad level", minimal + "logging: {level: LOUD}\n", "logging.level"},
		{"bad column key", minimal + "poll: {columns: {colour: c}}\n", "poll.columns.colour"},
		{"ops without token", minimal + "ops: {enabled: true, addr: '0.0.0.0:9090'}\n", "ops.token"},
		{"log chat missing", minimal + "logging: {telegram: {enabled: true}}\n", "logging.telegram.chat_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tc.body))
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if tc.field != "" && ce.Field != tc.field {
				t.Fatalf("field = %q, want %q (err: %v)", ce.Field, tc.field, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var ce *ConfigError
	if !errors.As(err, &ce) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ConfigError wrapping ErrNotExist, got %v", err)
	}
}

func TestDotEnvSuppliesToken(t *testing.T) {
	t.Setenv(EnvToken, "")
	os.Unsetenv(EnvToken)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvToken+"=dotenv-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(strings.Replace(minimal, `token: "123:abc"`, `token: ""`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "dotenv-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestSummaryNeverLeaksToken(t *testing.T) {
	t.Setenv(EnvToken, "")
	cfg, err := Load(writeFile(t, "config.yaml", minimal))
	if err != nil {
		t.Fatal(err)
	}
	if len(Summary(cfg)) == 0 {
		t.Fatalf("empty summary")
	}
	ce := &ConfigError{Field: "telegram.token", Err: errors.New("x")}
	if !strings.Contains(ce.Error(), "telegram.token") {
		t.Fatalf("error text: %s", ce.Error())
	}
}
