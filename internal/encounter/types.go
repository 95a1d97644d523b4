package encounter

import (
	"context"
	"time"
)

// Source identifies the ingestion path an encounter came from.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Spot is a configured watch location.
type Spot struct {
	Name      string
	Latitude  float64
	Longitude float64
	ChatID    string
}

// Encounter is a canonical sighting record. It is created once per ingestion
// event and never mutated afterwards.
type Encounter struct {
	ID           string
	SpeciesLabel string
	Latitude     float64
	Longitude    float64
	ExpiresAt    time.Time
	ExtraNote    string
	Source       Source
}

// Expired reports whether the encounter is already gone at now.
func (e Encounter) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Batch is one unit of incoming work: a single push request or a single
// snapshot scan.
type Batch struct {
	ID         string
	Source     Source
	Origin     string // request remote addr or snapshot file path
	Encounters []Encounter
	// Dedup enables the seen-set and expiry filter (poll path).
	Dedup bool
}

// Sink consumes batches produced by an ingestor.
type Sink interface {
	Process(ctx context.Context, b Batch)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, b Batch)

func (f SinkFunc) Process(ctx context.Context, b Batch) { f(ctx, b) }

// Ingestor is a front-end that turns external signals into batches.
// Run blocks until ctx is canceled or the ingestor fails.
type Ingestor interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}
