package config

import (
	"strings"

	logx "pgonotify/pkg/logx"
)

// Summary returns structured attrs describing cfg for the startup log. Secrets
// (bot token, ops token) are never included.
func Summary(cfg *Config) []logx.Field {
	if cfg == nil {
		return nil
	}
	spots := make([]string, 0, len(cfg.Spots))
	for _, s := range cfg.Spots {
		spots = append(spots, s.Name)
	}
	attrs := []logx.Field{
		logx.String("mode", cfg.Mode),
		logx.String("lang", cfg.Lang),
		logx.Float64("max_distance_km", cfg.MaxDistanceKm),
		logx.Int("spot_count", len(cfg.Spots)),
		logx.String("spots", strings.Join(spots, ",")),
		logx.String("log_level", cfg.Logging.Level),
		logx.Bool("log_file", cfg.Logging.File.Enabled),
		logx.Bool("log_telegram", cfg.Logging.Telegram.Enabled),
		logx.Int("notifier.workers", cfg.Notifier.Workers),
		logx.Int("notifier.rate_per_sec", cfg.Notifier.RatePerSec),
		logx.Bool("ops.enabled", cfg.Ops.Enabled),
	}
	if cfg.PushEnabled() {
		attrs = append(attrs,
			logx.String("push.address", cfg.Push.Address),
			logx.Int("push.port", cfg.Push.Port),
		)
	}
	if cfg.PollEnabled() {
		attrs = append(attrs,
			logx.String("poll.dir", cfg.Poll.Dir),
			logx.String("poll.pattern", cfg.Poll.Pattern),
			logx.String("poll.rescan", cfg.Poll.Rescan),
		)
	}
	if r := cfg.DedupRetention(); r > 0 {
		attrs = append(attrs, logx.Duration("dedup.retention", r))
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		attrs = append(attrs, logx.String("timezone", tz))
	}
	return attrs
}
