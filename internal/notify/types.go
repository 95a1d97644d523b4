package notify

import (
	"context"
	"time"

	"pgonotify/internal/encounter"
)

// Config controls the delivery queue.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

// Deliverer sends one notification for a match. *Dispatcher implements it.
type Deliverer interface {
	Notify(ctx context.Context, chatID string, e encounter.Encounter, spot encounter.Spot) error
}

// Job is one (encounter, spot) match waiting for delivery.
type Job struct {
	BatchID   string
	Encounter encounter.Encounter
	Spot      encounter.Spot
}

type HistoryItem struct {
	At          time.Time
	EncounterID string
	Spot        string
	ChatID      string
	Error       string
}

// DeliveryEvent is published on the event bus for queue lifecycle events.
type DeliveryEvent struct {
	BatchID     string    `json:"batch_id"`
	EncounterID string    `json:"encounter_id"`
	Spot        string    `json:"spot"`
	ChatID      string    `json:"chat_id"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}
