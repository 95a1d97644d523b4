package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pgonotify/internal/eventbus"
	"pgonotify/internal/observability/metrics"
	rtsup "pgonotify/internal/runtime/supervisor"
	logx "pgonotify/pkg/logx"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery queue stopped")
)

// Service is the async delivery queue: a bounded queue drained by a worker
// pool under a shared token-bucket rate limit. Each job is attempted exactly
// once; failures are logged and counted, never retried.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	d       Deliverer
	bus     eventbus.Bus
	metrics *metrics.Metrics
	limiter *rate.Limiter

	accepting bool
	submitWG  sync.WaitGroup

	queue    chan Job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func NewService(cfg Config, d Deliverer, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		d:       d,
		bus:     bus,
		metrics: m,
		// burst = rate so short spikes of matches go out without waiting.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "delivery"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("delivery worker exited unexpectedly")
		})
	}
	s.log.Debug("delivery queue started", logx.Int("workers", workers), logx.Int("queue", s.cfg.QueueSize), logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Stop stops intake and lets workers drain the queue until ctx expires, at
// which point pending jobs are abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.submitWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Submit enqueues j without blocking. It fails with ErrQueueFull when the
// queue is at capacity and ErrStopped when the service is not running.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	select {
	case q <- j:
		eventbus.Publish(s.bus, eventbus.TypeDeliveryQueued, s.event(j, nil))
		return nil
	default:
		s.metrics.ObserveDelivery("dropped", 0)
		eventbus.Publish(s.bus, eventbus.TypeDeliveryDropped, s.event(j, ErrQueueFull))
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j Job) {
	if err := s.limiter.Wait(ctx); err != nil {
		s.appendHistory(j, err)
		s.metrics.ObserveDelivery("dropped", 0)
		s.log.Debug("delivery abandoned",
			logx.String("batch", j.BatchID),
			logx.String("encounter_id", j.Encounter.ID),
			logx.String("spot", j.Spot.Name),
			logx.Err(err),
		)
		eventbus.Publish(s.bus, eventbus.TypeDeliveryDropped, s.event(j, err))
		return
	}
	start := time.Now()
	err := s.d.Notify(ctx, j.Spot.ChatID, j.Encounter, j.Spot)
	elapsed := time.Since(start)

	s.appendHistory(j, err)
	if err != nil {
		s.metrics.ObserveDelivery("failed", elapsed.Seconds())
		fields := []logx.Field{
			logx.String("batch", j.BatchID),
			logx.String("encounter_id", j.Encounter.ID),
			logx.String("spot", j.Spot.Name),
			logx.String("chat_id", j.Spot.ChatID),
			logx.Err(err),
		}
		var de *DeliveryError
		if errors.As(err, &de) {
			fields = append(fields, logx.String("step", de.Step))
		}
		s.log.Error("delivery failed", fields...)
		eventbus.Publish(s.bus, eventbus.TypeDeliveryFailed, s.event(j, err))
		return
	}
	s.metrics.ObserveDelivery("sent", elapsed.Seconds())
	s.log.Info("notification sent",
		logx.String("batch", j.BatchID),
		logx.String("encounter_id", j.Encounter.ID),
		logx.String("spot", j.Spot.Name),
		logx.Duration("took", elapsed),
	)
	eventbus.Publish(s.bus, eventbus.TypeDeliverySent, s.event(j, nil))
}

func (s *Service) event(j Job, err error) DeliveryEvent {
	ev := DeliveryEvent{
		BatchID:     j.BatchID,
		EncounterID: j.Encounter.ID,
		Spot:        j.Spot.Name,
		ChatID:      j.Spot.ChatID,
		At:          time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Service) appendHistory(j Job, err error) {
	it := HistoryItem{At: time.Now(), EncounterID: j.Encounter.ID, Spot: j.Spot.Name, ChatID: j.Spot.ChatID}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}
