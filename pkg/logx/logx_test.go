package logx

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "pgonotify/internal/transport"
)

func TestParseLevelAcceptsPythonNames(t *testing.T) {
	if got := ParseLevel("WARNING", zerolog.InfoLevel); got != zerolog.WarnLevel {
		t.Fatalf("WARNING -> %v", got)
	}
	if got := ParseLevel(" debug ", zerolog.InfoLevel); got != zerolog.DebugLevel {
		t.Fatalf("debug -> %v", got)
	}
	if got := ParseLevel("nope", zerolog.ErrorLevel); got != zerolog.ErrorLevel {
		t.Fatalf("unknown level should fall back, got %v", got)
	}
	if ValidLevel("verbose") || !ValidLevel("info") {
		t.Fatalf("ValidLevel mismatch")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("ignored")
	if Nop().IsZero() {
		t.Fatalf("Nop logger is not the zero value")
	}
}

func TestServiceFileTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgo-notify.log")
	if err := os.WriteFile(path, []byte("previous run\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	svc, log, err := New(Config{Level: "INFO", File: FileConfig{Enabled: true, Path: path, Truncate: true}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("fresh start")
	log.Debug("filtered out")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	s := string(b)
	if strings.Contains(s, "previous run") {
		t.Fatalf("log file was not truncated: %q", s)
	}
	if !strings.Contains(s, "fresh start") || strings.Contains(s, "filtered out") {
		t.Fatalf("unexpected log contents: %q", s)
	}
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
	to    []kit.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.to = append(c.to, to)
	c.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) SendLocation(context.Context, kit.ChatTarget, kit.Location, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func TestServiceMirrorsWarningsToTelegram(t *testing.T) {
	sender := &captureSender{}
	svc, log, err := New(Config{
		Level:    "DEBUG",
		File:     FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")},
		Telegram: TelegramConfig{Enabled: true, ChatID: "-100", MinLevel: "WARN", RatePerSec: 10},
	}, sender)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	log.Info("not mirrored")
	log.Warn("delivery failed", String("spot", "Park"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one mirrored message, got %d", sender.count())
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if !strings.Contains(sender.texts[0], "[WARN] delivery failed") || !strings.Contains(sender.texts[0], "spot=Park") {
		t.Fatalf("unexpected mirrored text %q", sender.texts[0])
	}
	if sender.to[0].ChatID != "-100" {
		t.Fatalf("mirrored to %q", sender.to[0].ChatID)
	}
}

func TestMirrorLineSortedAndRedacted(t *testing.T) {
	line := `{"level":"error","time":"x","caller":"a.go:1","message":"send failed","spot":"Park","bot_token":"123:abc","chat_id":"42"}`
	got := formatMirrorLine([]byte(line))
	want := "[ERROR] send failed\n- bot_token=<redacted>\n- chat_id=42\n- spot=Park"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestMirrorRateLimitCountsDrops(t *testing.T) {
	sender := &captureSender{}
	svc, log, err := New(Config{
		Level:    "WARN",
		Telegram: TelegramConfig{Enabled: true, ChatID: "7", RatePerSec: 1},
	}, sender)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		log.Error("burst", Int("i", i))
	}
	if d := svc.MirrorDropped(); d != 4 {
		t.Fatalf("dropped = %d, want 4", d)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
}
