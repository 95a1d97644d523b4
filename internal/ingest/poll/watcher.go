package poll

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"pgonotify/internal/encounter"
	"pgonotify/internal/observability/metrics"
	"pgonotify/internal/scheduler"
	logx "pgonotify/pkg/logx"
)

const (
	TriggerEvent  = "fsnotify"
	TriggerRescan = "rescan"
	TriggerStart  = "start"
)

type Config struct {
	Dir      string
	Pattern  string
	Debounce time.Duration
	// Rescan is an optional cron spec for periodic full rescans.
	Rescan      string
	ScanOnStart bool
	Columns     Columns
	Timezone    string
}

// Watcher is the poll ingestor. It watches Dir for changes to files matching
// Pattern and re-reads the whole file on every (debounced) change. Scans are
// serialized.
type Watcher struct {
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics

	scanMu sync.Mutex

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

var _ encounter.Ingestor = (*Watcher)(nil)

func NewWatcher(cfg Config, log logx.Logger, m *metrics.Metrics) (*Watcher, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = "."
	}
	if strings.TrimSpace(cfg.Pattern) == "" {
		cfg.Pattern = "*.txt"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("poll pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.Rescan != "" {
		if err := scheduler.ParseSpec(cfg.Rescan); err != nil {
			return nil, fmt.Errorf("poll rescan %q: %w", cfg.Rescan, err)
		}
	}
	cfg.Columns = cfg.Columns.WithDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{cfg: cfg, log: log, metrics: m, timers: map[string]*time.Timer{}}, nil
}

func (w *Watcher) Name() string { return string(encounter.SourcePoll) }

// Matches reports whether name (a path or basename) is a snapshot file.
func (w *Watcher) Matches(name string) bool {
	ok, _ := filepath.Match(w.cfg.Pattern, filepath.Base(name))
	return ok
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context, sink encounter.Sink) error {
	if _, err := os.Stat(w.cfg.Dir); err != nil {
		return fmt.Errorf("poll dir: %w", err)
	}
	defer w.stopTimers()

	if w.cfg.Rescan != "" {
		sched := scheduler.New(scheduler.Config{Timezone: w.cfg.Timezone}, w.log)
		sched.Start(ctx)
		defer sched.Stop()
		err := sched.AddCron("poll.rescan", w.cfg.Rescan, 0, func(c context.Context) error {
			return w.ScanAll(c, TriggerRescan, sink)
		})
		if err != nil {
			return err
		}
	}
	if w.cfg.ScanOnStart {
		if err := w.ScanAll(ctx, TriggerStart, sink); err != nil {
			w.log.Warn("initial scan failed", logx.String("dir", w.cfg.Dir), logx.Err(err))
		}
	}
	return w.watch(ctx, sink)
}

// ScanAll scans every matching file in Dir in name order.
func (w *Watcher) ScanAll(ctx context.Context, trigger string, sink encounter.Sink) error {
	files, err := filepath.Glob(filepath.Join(w.cfg.Dir, w.cfg.Pattern))
	if err != nil {
		return err
	}
	sort.Strings(files)
	var errs []error
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.ScanFile(ctx, f, trigger, sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScanFile reads path in full and hands the parsed rows to sink as one batch.
// Bad rows are logged and counted; the remaining rows are still processed.
func (w *Watcher) ScanFile(ctx context.Context, path, trigger string, sink encounter.Sink) error {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Removed or renamed away between the event and the read.
			w.log.Debug("snapshot vanished before scan", logx.String("file", path))
			return nil
		}
		return fmt.Errorf("read snapshot %s: %w", path, err)
	}
	w.metrics.IncScan(trigger)

	batchID := uuid.NewString()
	log := w.log.With(logx.String("batch", batchID), logx.String("file", path))

	rows, rowErrs := ParseSnapshot(b, w.cfg.Columns)
	for _, rerr := range rowErrs {
		w.metrics.IncMalformed(w.Name())
		log.Warn("snapshot row dropped", logx.Err(rerr))
	}
	log.Debug("snapshot parsed",
		logx.String("trigger", trigger),
		logx.Int("bytes", len(b)),
		logx.Int("rows", len(rows)),
		logx.Int("bad_rows", len(rowErrs)),
	)
	if len(rows) == 0 {
		return nil
	}
	for range rows {
		w.metrics.IncIngested(w.Name())
	}
	if sink != nil {
		sink.Process(ctx, encounter.Batch{
			ID:         batchID,
			Source:     encounter.SourcePoll,
			Origin:     path,
			Encounters: rows,
			Dedup:      true,
		})
	}
	return nil
}

// schedule coalesces bursts of events for one file into a single scan.
func (w *Watcher) schedule(ctx context.Context, path string, sink encounter.Sink) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.timerMu.Lock()
		delete(w.timers, path)
		w.timerMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.ScanFile(ctx, path, TriggerEvent, sink); err != nil && ctx.Err() == nil {
			w.log.Warn("snapshot scan failed", logx.String("file", path), logx.Err(err))
		}
	})
}

func (w *Watcher) stopTimers() {
	w.timerMu.Lock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.timerMu.Unlock()
}

func (w *Watcher) watch(ctx context.Context, sink encounter.Sink) error {
	dir := w.cfg.Dir

	// fsnotify watchers occasionally stop delivering or close their channels
	// (editors replacing files, network filesystems). Recreate them with a
	// small jittered backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return context.Canceled
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("snapshot watch init failed", logx.String("dir", dir), logx.Err(err))
			if !sleep(nextWait()) {
				return context.Canceled
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("snapshot watch add failed", logx.String("dir", dir), logx.Err(err))
			if !sleep(nextWait()) {
				return context.Canceled
			}
			continue
		}

		backoff = restartBackoffBase
		w.log.Info("snapshot watcher started", logx.String("dir", dir), logx.String("pattern", w.cfg.Pattern))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return context.Canceled
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if !w.Matches(ev.Name) {
					continue
				}
				// Remove/rename leave nothing to read; the follow-up create
				// (atomic replace) triggers the scan.
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.schedule(ctx, ev.Name, sink)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.log.Warn("snapshot watch overflow; rescanning", logx.String("dir", dir))
					go func() {
						if err := w.ScanAll(ctx, TriggerRescan, sink); err != nil && ctx.Err() == nil {
							w.log.Warn("overflow rescan failed", logx.Err(err))
						}
					}()
					continue
				}
				w.log.Warn("snapshot watch error", logx.String("dir", dir), logx.Err(err))
			}
		}

		_ = fw.Close()
		wait := nextWait()
		w.log.Warn("snapshot watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return context.Canceled
		}
	}
}
