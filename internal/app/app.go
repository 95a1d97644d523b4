package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pgonotify/internal/config"
	"pgonotify/internal/dedup"
	"pgonotify/internal/encounter"
	"pgonotify/internal/eventbus"
	"pgonotify/internal/i18n"
	"pgonotify/internal/ingest/poll"
	"pgonotify/internal/ingest/push"
	"pgonotify/internal/notify"
	"pgonotify/internal/observability/metrics"
	"pgonotify/internal/observability/ops"
	"pgonotify/internal/pipeline"
	rtsup "pgonotify/internal/runtime/supervisor"
	"pgonotify/internal/scheduler"
	kit "pgonotify/internal/transport"
	"pgonotify/internal/transport/telegram/adapter"
	logx "pgonotify/pkg/logx"
)

// App owns every long-lived component. There is no package-level state:
// everything a component needs is handed to it here.
type App struct {
	cfg *config.Config

	log  logx.Logger
	logs *logx.Service

	sender  kit.Sender
	labels  *i18n.Table
	metrics *metrics.Metrics
	bus     *eventbus.MemBus
	seen    *dedup.Tracker

	notif     *notify.Service
	pipe      *pipeline.Orchestrator
	ingestors []encounter.Ingestor
	ops       *ops.Server
	sched     *scheduler.Service

	sdNotify func(state string) (bool, error)

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	started  time.Time
	stopOnce sync.Once
}

type Option func(*options)

type options struct {
	sender kit.Sender
	notify func(state string) (bool, error)
}

// WithSender replaces the Telegram Bot API client.
func WithSender(s kit.Sender) Option { return func(o *options) { o.sender = s } }

// WithNotifier replaces the sd_notify call (tests).
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(o *options) { o.notify = fn }
}

// NewApp loads the config at cfgPath and builds the application.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// New wires the components for a validated cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	sender := o.sender
	if sender == nil {
		tg, err := adapter.New(adapter.Config{
			Token:       cfg.Telegram.Token,
			SendTimeout: cfg.SendTimeout(),
		}, logx.Nop())
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}

	logs, log, err := logx.New(mapLoggingConfig(cfg), sender)
	if err != nil {
		return nil, &config.ConfigError{Field: "logging.file.path", Err: err}
	}

	labels, err := i18n.Load(cfg.Lang, cfg.I18nDir)
	if err != nil {
		_ = logs.Close()
		return nil, &config.ConfigError{Field: "lang", Err: err}
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		logs:    logs,
		sender:  sender,
		labels:  labels,
		metrics: metrics.New(),
		bus:     eventbus.New(),
		seen:    dedup.New(cfg.DedupRetention()),
	}
	a.sdNotify = o.notify
	if a.sdNotify == nil {
		a.sdNotify = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}

	a.notif = notify.NewService(
		notify.Config{
			Workers:    cfg.Notifier.Workers,
			QueueSize:  cfg.Notifier.QueueSize,
			RatePerSec: cfg.Notifier.RatePerSec,
		},
		notify.NewDispatcher(sender, cfg.Location(), cfg.SendTimeout()),
		log.With(logx.String("comp", "notify")),
		a.bus,
		a.metrics,
	)

	a.pipe = pipeline.New(
		pipeline.Config{Spots: mapSpots(cfg.Spots), MaxDistanceKm: cfg.MaxDistanceKm},
		a.seen,
		a.notif,
		log,
		pipeline.WithBus(a.bus),
		pipeline.WithMetrics(a.metrics),
	)

	if cfg.PushEnabled() {
		a.ingestors = append(a.ingestors, push.NewServer(
			push.Config{Address: cfg.Push.Address, Port: cfg.Push.Port, MaxBodyBytes: cfg.Push.MaxBodyBytes},
			push.NewParser(labels, log.With(logx.String("comp", "push"))),
			log.With(logx.String("comp", "push")),
			a.metrics,
		))
	}
	if cfg.PollEnabled() {
		w, err := poll.NewWatcher(poll.Config{
			Dir:         cfg.Poll.Dir,
			Pattern:     cfg.Poll.Pattern,
			Debounce:    cfg.PollDebounce(),
			Rescan:      cfg.Poll.Rescan,
			ScanOnStart: cfg.Poll.ScanOnStart,
			Columns:     mapColumns(cfg.Poll.Columns),
			Timezone:    cfg.Timezone,
		}, log.With(logx.String("comp", "poll")), a.metrics)
		if err != nil {
			_ = logs.Close()
			return nil, &config.ConfigError{Field: "poll", Err: err}
		}
		a.ingestors = append(a.ingestors, w)
	}

	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{Addr: cfg.Ops.Addr, Token: cfg.Ops.Token}, a.metrics.Registry, a.health, log.With(logx.String("comp", "ops")))
	}
	if a.seen.Windowed() {
		a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, log.With(logx.String("comp", "scheduler")))
	}

	log.Info("config loaded", config.Summary(cfg)...)
	log.Info("species table loaded", logx.String("lang", labels.Lang()), logx.Int("names", labels.Len()))
	return a, nil
}

// Sink returns the batch sink the ingestors feed.
func (a *App) Sink() encounter.Sink { return a.pipe }

// Done is closed when the app context ends (stop or fatal error).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Start launches the delivery workers, the ingestors for the configured
// mode, the ops server and the dedup sweep, then reports readiness to
// systemd.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	sup := a.sup
	a.mu.Unlock()

	// Detached so queued deliveries can drain in Stop after intake is canceled.
	a.notif.Start(context.WithoutCancel(ctx))

	for _, in := range a.ingestors {
		in := in
		sup.GoRestart("ingest."+in.Name(), func(c context.Context) error {
			return in.Run(c, a.pipe)
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second), rtsup.WithMaxRestarts(10), rtsup.WithFatalOnFinalError(true))
	}

	if a.ops != nil {
		sup.GoRestart("ops", a.ops.Run, rtsup.WithRestartBackoff(time.Second, time.Minute))
	}

	if a.sched != nil {
		a.sched.Start(sup.Context())
		if err := a.sched.AddCron("dedup.sweep", a.cfg.Dedup.Sweep, 30*time.Second, a.sweep); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if sk, ok := e.Data.(pipeline.SkipEvent); ok {
					a.log.Trace("event", logx.String("type", e.Type), logx.String("encounter_id", sk.EncounterID), logx.String("reason", sk.Reason))
					continue
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if ok, err := a.sdNotify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started", logx.String("mode", a.cfg.Mode), logx.Int("spots", len(a.cfg.Spots)), logx.Int("ingestors", len(a.ingestors)))
	return nil
}

func (a *App) sweep(_ context.Context) error {
	n := a.seen.Sweep(time.Now())
	a.metrics.SetSeen(a.seen.Len())
	if n > 0 {
		a.log.Debug("dedup sweep", logx.Int("evicted", n), logx.Int("remaining", a.seen.Len()))
	}
	return nil
}

func (a *App) health() (map[string]any, error) {
	a.mu.Lock()
	sup, started := a.sup, a.started
	a.mu.Unlock()

	body := map[string]any{
		"mode":           a.cfg.Mode,
		"spots":          len(a.cfg.Spots),
		"seen_ids":       a.seen.Len(),
		"events_dropped": a.bus.Dropped(),
	}
	if sup == nil {
		return body, errors.New("not started")
	}
	body["uptime"] = time.Since(started).Round(time.Second).String()
	body["goroutines"] = sup.Counters()
	body["tasks"] = sup.Tasks()
	body["delivery_workers"] = a.notif.Supervisor().Tasks()
	body["log_mirror_dropped"] = a.logs.MirrorDropped()
	if n := len(a.notif.Snapshot()); n > 0 {
		body["deliveries_recent"] = n
	}
	if a.ops != nil {
		body["ops_addr"] = a.ops.Addr()
	}
	if a.sched != nil {
		if h := a.sched.History(); len(h) > 0 {
			body["last_job"] = h[len(h)-1]
		}
	}
	if err := sup.Err(); err != nil {
		return body, err
	}
	for _, t := range sup.Tasks() {
		if t.GaveUp {
			return body, fmt.Errorf("%s stopped after %d restarts: %s", t.Name, t.Restarts, t.LastError)
		}
	}
	if sup.Context().Err() != nil {
		return body, errors.New("stopping")
	}
	return body, nil
}

// Stop shuts components down in reverse dependency order: intake first, then
// the delivery queue (which drains until ctx or its step budget expires), then
// the logger. It is safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return a.logs.Close()
	}

	var err error
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		if _, e := a.sdNotify(daemon.SdNotifyStopping); e != nil {
			a.log.Debug("sd_notify stopping failed", logx.Err(e))
		}

		// Cancel first so ingestors stop accepting work.
		sup.Cancel()

		a.step(ctx, "scheduler", 2*time.Second, func(context.Context) error {
			if a.sched != nil {
				a.sched.Stop()
			}
			return nil
		})
		a.step(ctx, "notify", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
		a.step(ctx, "supervisor", 3*time.Second, sup.Wait)

		if fe := sup.Err(); fe != nil && !errors.Is(fe, context.Canceled) {
			err = fe
		}
		a.log.Info("stopped", logx.Int("seen_ids", a.seen.Len()))
		if cerr := a.logs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// step runs fn with an upper bound so one component can't stall the whole
// stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled:  l.File.Enabled,
			Path:     l.File.Path,
			Truncate: l.File.TruncateOnStart(),
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID.String(),
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapSpots(in []config.SpotConfig) []encounter.Spot {
	out := make([]encounter.Spot, 0, len(in))
	for _, s := range in {
		sp := encounter.Spot{Name: strings.TrimSpace(s.Name), ChatID: s.ChatID.String()}
		if s.Latitude != nil {
			sp.Latitude = *s.Latitude
		}
		if s.Longitude != nil {
			sp.Longitude = *s.Longitude
		}
		out = append(out, sp)
	}
	return out
}

// mapColumns turns the poll.columns map into header names. Keys were
// checked by config validation.
func mapColumns(m map[string]string) poll.Columns {
	var c poll.Columns
	for k, v := range m {
		switch k {
		case "time":
			c.Time = v
		case "time_until_hidden":
			c.TimeUntilHidden = v
		case "latitude":
			c.Latitude = v
		case "longitude":
			c.Longitude = v
		case "encounter_id":
			c.ID = v
		case "name":
			c.Name = v
		}
	}
	return c.WithDefaults()
}
