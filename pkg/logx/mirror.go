package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "pgonotify/internal/transport"
)

// Telegram rejects messages over 4096 characters.
const mirrorMaxLen = 3500

// mirror is a zerolog sink that forwards events at or above minLevel to an
// operator chat. Writes never block: lines beyond the rate limit or queue
// capacity are counted and dropped.
type mirror struct {
	to       kit.ChatTarget
	sender   kit.Sender
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue   chan string
	dropped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMirror(cfg TelegramConfig, sender kit.Sender) *mirror {
	rps := max(1, cfg.RatePerSec)
	ctx, cancel := context.WithCancel(context.Background())
	m := &mirror{
		to:       kit.ChatTarget{ChatID: strings.TrimSpace(cfg.ChatID)},
		sender:   sender,
		minLevel: ParseLevel(cfg.MinLevel, zerolog.WarnLevel),
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		queue:    make(chan string, 256),
		cancel:   cancel,
	}
	m.wg.Add(1)
	go m.run(ctx)
	return m
}

func (m *mirror) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-m.queue:
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = m.sender.SendText(cctx, m.to, text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

// close sends whatever is already queued, bounded by a short deadline.
func (m *mirror) close() {
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case text := <-m.queue:
			cctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, _ = m.sender.SendText(cctx, m.to, text, &kit.SendOptions{DisablePreview: true})
			cancel()
		case <-deadline:
			break drain
		default:
			break drain
		}
	}
	m.cancel()
	m.wg.Wait()
}

func (m *mirror) Write(p []byte) (int, error) { return m.WriteLevel(zerolog.NoLevel, p) }

func (m *mirror) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level == zerolog.NoLevel || level < m.minLevel {
		return len(p), nil
	}
	if !m.limiter.Allow() {
		m.dropped.Add(1)
		return len(p), nil
	}
	text := formatMirrorLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case m.queue <- text:
	default:
		m.dropped.Add(1)
	}
	return len(p), nil
}

// formatMirrorLine renders one JSON log line as "[LEVEL] message" followed
// by "- key=value" lines in key order. Keys naming a token are redacted.
func formatMirrorLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, mirrorMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if strings.Contains(strings.ToLower(k), "token") {
			v = "<redacted>"
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(v, 600))
	}
	return clip(b.String(), mirrorMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
