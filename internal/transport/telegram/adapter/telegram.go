package adapter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pgonotify/internal/transport"
	logx "pgonotify/pkg/logx"
)

type Config struct {
	Token string
	// SendTimeout bounds every Bot API call. Zero means 10s.
	SendTimeout time.Duration
	// Offline skips the getMe handshake (tests and dry runs).
	Offline bool
	// URL overrides the Bot API endpoint.
	URL string
}

// Adapter is a send-only Telegram client. pgonotify never consumes updates,
// so no poller is started.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ kit.Sender = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Client:  &http.Client{Timeout: cfg.SendTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Offline && b.Me != nil {
		log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// recipient lets string chat ids (numeric or @username) reach telebot.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func toRecipient(to kit.ChatTarget) tele.Recipient {
	id := strings.TrimSpace(to.ChatID)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return tele.ChatID(n)
	}
	return recipient(id)
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              to.ThreadID,
	}
}

// call runs fn but returns as soon as ctx is done. telebot has no context
// support; the HTTP client timeout eventually releases the goroutine.
func (a *Adapter) call(ctx context.Context, fn func() (*tele.Message, error)) (*tele.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := fn()
		done <- result{msg: m, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.msg, r.err
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	rcpt := toRecipient(to)
	so := sendOptions(to, opt)
	msg, err := a.call(ctx, func() (*tele.Message, error) {
		return a.bot.Send(rcpt, text, so)
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return messageRef(to, msg), nil
}

func (a *Adapter) SendLocation(ctx context.Context, to kit.ChatTarget, loc kit.Location, opt *kit.SendOptions) (kit.MessageRef, error) {
	rcpt := toRecipient(to)
	so := sendOptions(to, opt)
	pin := toPin(loc)
	msg, err := a.call(ctx, func() (*tele.Message, error) {
		return a.bot.Send(rcpt, pin, so)
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return messageRef(to, msg), nil
}

// toPin converts to telebot's float32 location; the pin lands within about a
// metre of the encounter.
func toPin(loc kit.Location) *tele.Location {
	return &tele.Location{Lat: float32(loc.Latitude), Lng: float32(loc.Longitude)}
}

func messageRef(to kit.ChatTarget, msg *tele.Message) kit.MessageRef {
	ref := kit.MessageRef{ChatID: to.ChatID}
	if msg != nil {
		ref.MessageID = msg.ID
	}
	return ref
}
