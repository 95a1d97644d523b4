package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "pgonotify/internal/transport"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "pgo-notify.log"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
	// Truncate starts a fresh file on every process start instead of appending.
	Truncate bool
}

// TelegramConfig mirrors warnings and errors into an operator chat.
type TelegramConfig struct {
	Enabled    bool
	ChatID     string
	MinLevel   string
	RatePerSec int
}

// Service owns the configured sinks. Loggers derived from it stay valid
// after Close; they just stop writing to the file and the mirror.
type Service struct {
	mu     sync.Mutex
	file   *os.File
	mirror *mirror

	root atomic.Pointer[zerolog.Logger]
}

// New opens the sinks described by cfg and returns the service with its
// root Logger. sender may be nil when mirroring is disabled. With every sink
// disabled, output falls back to the console.
func New(cfg Config, sender kit.Sender) (*Service, Logger, error) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File)
		if err != nil {
			return nil, Logger{}, err
		}
		s.file = f
		sinks = append(sinks, zerolog.SyncWriter(f))
	}
	if tc := cfg.Telegram; tc.Enabled && sender != nil && strings.TrimSpace(tc.ChatID) != "" {
		s.mirror = newMirror(tc, sender)
		sinks = append(sinks, s.mirror)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, zerolog.WarnLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	return s, Logger{svc: s}, nil
}

func openLogFile(fc FileConfig) (*os.File, error) {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultFilePath
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if fc.Truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return nopLogger
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// MirrorDropped reports how many mirrored lines were dropped by the rate
// limit or a full queue.
func (s *Service) MirrorDropped() uint64 {
	s.mu.Lock()
	m := s.mirror
	s.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.dropped.Load()
}

// Close flushes the mirror and closes the log file. Later log calls only
// reach the console.
func (s *Service) Close() error {
	s.mu.Lock()
	f, m := s.file, s.mirror
	s.file, s.mirror = nil, nil
	s.mu.Unlock()

	if f != nil || m != nil {
		zl := zerolog.New(consoleWriter(os.Stderr)).Level(s.current().GetLevel()).With().Timestamp().Logger()
		s.root.Store(&zl)
	}
	if m != nil {
		m.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}
