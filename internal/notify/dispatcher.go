package notify

import (
	"context"
	"fmt"
	"time"

	"pgonotify/internal/encounter"
	kit "pgonotify/internal/transport"
)

const (
	StepText     = "text"
	StepLocation = "location"
)

// DeliveryError reports a failed send for one (encounter, spot) match.
type DeliveryError struct {
	ChatID      string
	Step        string
	EncounterID string
	Spot        string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to chat %s (encounter %s, spot %q): %v", e.Step, e.ChatID, e.EncounterID, e.Spot, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dispatcher sends one notification: an alerting text message followed by a
// silent location pin.
type Dispatcher struct {
	sender  kit.Sender
	loc     *time.Location
	timeout time.Duration
}

// NewDispatcher returns a Dispatcher. timeout bounds each send call
// (default 10s); loc is the zone used for the disappearance time.
func NewDispatcher(sender kit.Sender, loc *time.Location, timeout time.Duration) *Dispatcher {
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{sender: sender, loc: loc, timeout: timeout}
}

// Notify delivers e to chatID. When the text fails the location is not sent.
func (d *Dispatcher) Notify(ctx context.Context, chatID string, e encounter.Encounter, spot encounter.Spot) error {
	to := kit.ChatTarget{ChatID: chatID}
	fail := func(step string, err error) error {
		return &DeliveryError{ChatID: chatID, Step: step, EncounterID: e.ID, Spot: spot.Name, Err: err}
	}

	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	_, err := d.sender.SendText(tctx, to, FormatText(e, d.loc), &kit.SendOptions{ParseMode: kit.ParseModeMarkdown})
	cancel()
	if err != nil {
		return fail(StepText, err)
	}

	lctx, cancel := context.WithTimeout(ctx, d.timeout)
	_, err = d.sender.SendLocation(lctx, to, kit.Location{Latitude: e.Latitude, Longitude: e.Longitude}, &kit.SendOptions{Silent: true})
	cancel()
	if err != nil {
		return fail(StepLocation, err)
	}
	return nil
}
