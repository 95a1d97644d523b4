package transport

import "context"

// ChatTarget addresses a chat. ChatID is opaque: a numeric id ("42",
// "-1001234") or a public @username.
type ChatTarget struct {
	ChatID   string
	ThreadID int
}

type MessageRef struct {
	ChatID    string
	MessageID int
}

const (
	ParseModeMarkdown = "Markdown"
	ParseModeHTML     = "HTML"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent delivers without an audible alert on the recipient side.
	Silent bool
}

// Location is a map pin.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Sender is the outbound half of a messaging backend.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendLocation(ctx context.Context, to ChatTarget, loc Location, opt *SendOptions) (MessageRef, error)
}
