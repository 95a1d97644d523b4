// Package scheduler runs named cron jobs (snapshot rescans, dedup sweeps) on
// top of robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "pgonotify/pkg/logx"
)

var ErrNotStarted = errors.New("scheduler not started")

// Specs accept an optional seconds field and descriptors such as
// "@every 30s" or "@hourly".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a cron spec without scheduling anything.
func ParseSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("empty cron spec")
	}
	_, err := parser.Parse(spec)
	return err
}

type Config struct {
	// Timezone is an IANA zone name; empty means local time.
	Timezone string
	// HistorySize bounds the run history (default 50).
	HistorySize int
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	loc *time.Location

	c   *cron.Cron
	ctx context.Context

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

// Start begins firing jobs. Jobs run with ctx as their parent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s.c.Start()
	s.log.Debug("scheduler started", logx.String("tz", s.loc.String()))
}

// Stop halts the cron loop and waits for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Debug("scheduler stopped")
}

// AddCron registers job under spec. A timeout <= 0 means the job runs until
// the scheduler context ends. Overlapping runs of the same job are skipped.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if job == nil {
		return errors.New("nil job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return ErrNotStarted
	}
	_, err := s.c.AddFunc(spec, func() { s.exec(name, timeout, job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.log.Debug("job scheduled", logx.String("job", name), logx.String("spec", spec))
	return nil
}

// History returns the most recent job runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) exec(name string, timeout time.Duration, job func(ctx context.Context) error) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return
	}
	ctx := parent
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job(ctx)
	}()
	item := HistoryItem{Name: name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("scheduled job failed", logx.String("job", name), logx.Err(err))
	}
	s.appendHistory(item)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
