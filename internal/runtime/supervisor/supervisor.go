// Package supervisor runs the process's long-lived goroutines: ingestors, the
// ops server, delivery workers. Each goroutine is named, recovered from
// panics and, when started with GoRestart, restarted with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "pgonotify/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64
	wg      sync.WaitGroup

	errMu    sync.Mutex
	firstErr error

	taskMu sync.Mutex
	tasks  map[string]*TaskState

	doneOnce sync.Once
	doneCh   chan struct{}
}

type SupervisorOption func(*Supervisor)

// Counters are best-effort goroutine counters, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskState describes one GoRestart loop for health reporting.
type TaskState struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	LastStart time.Time `json:"last_start"`
	GaveUp    bool      `json:"gave_up,omitempty"`
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first recorded error.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*TaskState{},
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error recorded, if any.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Tasks returns the state of every GoRestart loop, sorted by name.
func (s *Supervisor) Tasks() []TaskState {
	if s == nil {
		return nil
	}
	s.taskMu.Lock()
	out := make([]TaskState, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.taskMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Go runs fn once. A non-nil error other than context.Canceled, or a panic,
// is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.call(s.ctx, name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// call runs fn and converts a panic into an error.
func (s *Supervisor) call(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn(ctx)
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	fatalOnFinalErr bool
	// A run lasting at least this long resets the backoff.
	stableAfter time.Duration
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts; the initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithFatalOnFinalError records the last error (which cancels, with
// WithCancelOnError) once restarts are exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnFinalErr = enabled }
}

type backoff struct {
	cur, min, max time.Duration
}

// next returns the current wait with up to 20% jitter and doubles the base.
func (b *backoff) next() time.Duration {
	wait := b.cur
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	b.cur = min(b.cur*2, b.max)
	return wait
}

func (b *backoff) reset() { b.cur = b.min }

// GoRestart runs fn and restarts it after an error or panic until the
// context ends. A nil or context.Canceled return ends the loop quietly.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:  250 * time.Millisecond,
		maxBackoff:  30 * time.Second,
		stableAfter: 30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	state := &TaskState{Name: name}
	s.taskMu.Lock()
	s.tasks[name] = state
	s.taskMu.Unlock()

	s.Go0(name+".restart", func(ctx context.Context) {
		bo := backoff{cur: cfg.minBackoff, min: cfg.minBackoff, max: cfg.maxBackoff}
		failures := 0
		for ctx.Err() == nil {
			startedAt := time.Now()
			s.updateTask(state, func(t *TaskState) { t.Running, t.LastStart = true, startedAt })
			err := s.call(ctx, name, fn)
			s.updateTask(state, func(t *TaskState) { t.Running = false })

			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			if time.Since(startedAt) >= cfg.stableAfter {
				bo.reset()
			}

			failures++
			s.updateTask(state, func(t *TaskState) { t.LastError = err.Error() })
			if cfg.maxRestarts > 0 && failures > cfg.maxRestarts {
				s.updateTask(state, func(t *TaskState) { t.GaveUp = true })
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", failures-1), logx.Err(err))
				if cfg.fatalOnFinalErr {
					s.fail(fmt.Errorf("%s: %w", name, err))
				}
				return
			}
			s.updateTask(state, func(t *TaskState) { t.Restarts++ })

			wait := bo.next()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

func (s *Supervisor) updateTask(t *TaskState, fn func(*TaskState)) {
	s.taskMu.Lock()
	fn(t)
	s.taskMu.Unlock()
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}
