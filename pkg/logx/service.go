package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

var stdout io.Writer = os.Stdout

type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to stdout instead of the console format.
	JSON bool
	File FileConfig
	// Instance is stamped on every line so a fleet's logs can be merged.
	Instance string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Apply and Reopen swap them while Loggers derived
// from the Service keep working.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the Service with its root Logger. A sink that
// cannot be opened falls back to the console and is reported on stderr.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps level and sinks. The previous file is closed only after the
// new logger is in place.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(cfg)
}

// Reopen closes and reopens the log file, for logrotate's copy-less mode.
func (s *Service) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.applyLocked(s.cfg)
}

func (s *Service) applyLocked(cfg Config) error {
	var (
		writers []io.Writer
		file    *os.File
		err     error
	)
	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, stdout)
		} else {
			writers = append(writers, consoleWriter(stdout))
		}
	}
	if cfg.File.Enabled {
		file, err = openLogFile(cfg.File.Path)
		if err == nil {
			writers = append(writers, zerolog.SyncWriter(file))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(stdout))
	}

	zc := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp()
	if cfg.Instance != "" {
		zc = zc.Str("instance", cfg.Instance)
	}
	zl := zc.Logger()
	s.root.Store(&zl)

	old := s.file
	s.file, s.cfg = file, cfg
	if old != nil {
		err = errors.Join(err, old.Close())
	}
	return err
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./chatty.log"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file: %w", err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// ParseLevel maps a config string to a Level; unknown strings mean info.
func ParseLevel(s string) Level { return parseLevel(s, zerolog.InfoLevel) }

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
