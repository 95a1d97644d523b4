package adapter

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pgonotify/internal/transport"
	logx "pgonotify/pkg/logx"
)

func TestToRecipient(t *testing.T) {
	if r := toRecipient(kit.ChatTarget{ChatID: " -100123 "}); r.Recipient() != "-100123" {
		t.Fatalf("numeric recipient = %q", r.Recipient())
	}
	if _, ok := toRecipient(kit.ChatTarget{ChatID: "42"}).(tele.ChatID); !ok {
		t.Fatalf("numeric chat id should map to tele.ChatID")
	}
	r := toRecipient(kit.ChatTarget{ChatID: "@pokewatch"})
	if _, ok := r.(recipient); !ok || r.Recipient() != "@pokewatch" {
		t.Fatalf("username recipient = %#v", r)
	}
}

func TestSendOptionsSilentFlag(t *testing.T) {
	so := sendOptions(kit.ChatTarget{ChatID: "1", ThreadID: 5}, &kit.SendOptions{ParseMode: kit.ParseModeMarkdown, Silent: true})
	if !so.DisableNotification || so.ParseMode != tele.ModeMarkdown || so.ThreadID != 5 {
		t.Fatalf("unexpected send options: %+v", so)
	}
	if so := sendOptions(kit.ChatTarget{ChatID: "1"}, nil); so.DisableNotification {
		t.Fatalf("nil options must be alerting")
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestCallHonorsContextDeadline(t *testing.T) {
	a := &Adapter{log: logx.Nop()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	_, err := a.call(ctx, func() (*tele.Message, error) {
		<-release
		return &tele.Message{}, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("call did not return promptly")
	}
}

func TestToPinStaysWithinAMetre(t *testing.T) {
	for _, loc := range []kit.Location{
		{Latitude: 52.0012345, Longitude: 13.4056789},
		{Latitude: -33.8688197, Longitude: 151.2092955},
		{Latitude: 89.9999, Longitude: -179.9999},
	} {
		pin := toPin(loc)
		// 1e-5 degrees is about 1.1 m of latitude.
		if math.Abs(float64(pin.Lat)-loc.Latitude) > 1e-5 || math.Abs(float64(pin.Lng)-loc.Longitude) > 1e-5 {
			t.Fatalf("toPin(%+v) = %+v", loc, pin)
		}
	}
}
