// Package pipeline drives each ingested batch through the dedup/expiry filter
// (poll batches only), the geofence matcher and the delivery queue.
package pipeline

import (
	"context"
	"errors"
	"time"

	"pgonotify/internal/dedup"
	"pgonotify/internal/encounter"
	"pgonotify/internal/eventbus"
	"pgonotify/internal/geo"
	"pgonotify/internal/notify"
	"pgonotify/internal/observability/metrics"
	logx "pgonotify/pkg/logx"
)

const (
	SkipDuplicate = "duplicate"
	SkipExpired   = "expired"
	SkipInvalid   = "invalid"
	SkipNoMatch   = "no_match"
)

// SkipEvent is the payload of eventbus.TypeEncounterSkipped.
type SkipEvent struct {
	BatchID     string `json:"batch_id"`
	EncounterID string `json:"encounter_id"`
	Reason      string `json:"reason"`
}

// Submitter accepts delivery jobs without blocking. *notify.Service
// implements it.
type Submitter interface {
	Submit(ctx context.Context, j notify.Job) error
}

type Config struct {
	Spots         []encounter.Spot
	MaxDistanceKm float64
}

// BatchResult summarizes one Process call.
type BatchResult struct {
	BatchID   string `json:"batch_id"`
	Source    string `json:"source"`
	Total     int    `json:"total"`
	Skipped   int    `json:"skipped"`
	Matches   int    `json:"matches"`
	Submitted int    `json:"submitted"`
	Dropped   int    `json:"dropped"`
}

// Orchestrator implements encounter.Sink.
type Orchestrator struct {
	cfg     Config
	seen    *dedup.Tracker
	out     Submitter
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ encounter.Sink = (*Orchestrator)(nil)

type Option func(*Orchestrator)

// WithClock overrides the time source used by the expiry filter.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithBus(b eventbus.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func New(cfg Config, seen *dedup.Tracker, out Submitter, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if seen == nil {
		seen = dedup.New(0)
	}
	o := &Orchestrator{
		cfg:  cfg,
		seen: seen,
		out:  out,
		log:  log.With(logx.String("comp", "pipeline")),
		now:  time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Process handles one batch. Encounters are handled in order; matches are
// handed to the delivery queue without waiting for them to be sent.
func (o *Orchestrator) Process(ctx context.Context, b encounter.Batch) {
	o.Run(ctx, b)
}

// Run is Process with a summary of what happened.
func (o *Orchestrator) Run(ctx context.Context, b encounter.Batch) BatchResult {
	res := BatchResult{BatchID: b.ID, Source: string(b.Source), Total: len(b.Encounters)}
	log := o.log.With(logx.String("batch", b.ID), logx.String("source", string(b.Source)))

	for _, e := range b.Encounters {
		if b.Dedup {
			if reason, skip := o.admit(e); skip {
				res.Skipped++
				o.skipped(b.ID, e.ID, reason)
				log.Debug("encounter skipped", logx.String("encounter_id", e.ID), logx.String("reason", reason))
				continue
			}
		}

		matches, err := geo.Matches(e, o.cfg.Spots, o.cfg.MaxDistanceKm)
		if err != nil {
			res.Skipped++
			o.skipped(b.ID, e.ID, SkipInvalid)
			log.Warn("encounter dropped", logx.String("encounter_id", e.ID), logx.Err(err))
			continue
		}
		if len(matches) == 0 {
			log.Trace("no spot in range", logx.String("encounter_id", e.ID))
			continue
		}

		for _, m := range matches {
			res.Matches++
			o.metrics.IncMatch(m.Spot.Name)
			err := o.out.Submit(ctx, notify.Job{BatchID: b.ID, Encounter: e, Spot: m.Spot})
			if err != nil {
				res.Dropped++
				lvl := log.Warn
				if errors.Is(err, notify.ErrStopped) {
					lvl = log.Debug
				}
				lvl("match dropped",
					logx.String("encounter_id", e.ID),
					logx.String("spot", m.Spot.Name),
					logx.String("chat_id", m.Spot.ChatID),
					logx.Err(err),
				)
				continue
			}
			res.Submitted++
			log.Info("match queued",
				logx.String("encounter_id", e.ID),
				logx.String("label", e.SpeciesLabel),
				logx.String("spot", m.Spot.Name),
				logx.Float64("distance_km", m.DistanceKm),
			)
		}
	}

	if b.Dedup {
		o.metrics.SetSeen(o.seen.Len())
	}
	eventbus.Publish(o.bus, eventbus.TypeBatchProcessed, res)
	return res
}

func (o *Orchestrator) skipped(batchID, encounterID, reason string) {
	o.metrics.IncSkipped(reason)
	eventbus.Publish(o.bus, eventbus.TypeEncounterSkipped, SkipEvent{BatchID: batchID, EncounterID: encounterID, Reason: reason})
}

// admit applies the poll-path filter. Expired encounters that were never seen
// are skipped without being marked, so they are skipped again on every later
// scan. A lost MarkSeen race counts as a duplicate.
func (o *Orchestrator) admit(e encounter.Encounter) (reason string, skip bool) {
	if !o.seen.IsNew(e.ID) {
		return SkipDuplicate, true
	}
	if e.Expired(o.now()) {
		return SkipExpired, true
	}
	if !o.seen.MarkSeen(e.ID, e.ExpiresAt) {
		return SkipDuplicate, true
	}
	return "", false
}
