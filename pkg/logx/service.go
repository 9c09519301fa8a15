package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./bouncelink.log"

// Counts is how many warnings and errors were written since start. The
// inspect health report carries it.
type Counts struct {
	Warn  uint64 `json:"warn"`
	Error uint64 `json:"error"`
}

type counter struct {
	warn, err atomic.Uint64
}

func (c *counter) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	switch {
	case level >= zerolog.ErrorLevel:
		c.err.Add(1)
	case level == zerolog.WarnLevel:
		c.warn.Add(1)
	}
}

// Service owns the sinks. Apply swaps them at runtime; loggers handed out
// earlier pick up the change on their next event.
type Service struct {
	mu   sync.Mutex
	file *os.File

	root   atomic.Pointer[zerolog.Logger]
	counts counter

	stdout io.Writer
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
	s := &Service{stdout: os.Stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Counts() Counts {
	return Counts{Warn: s.counts.warn.Load(), Error: s.counts.err.Load()}
}

// Apply rebuilds the sinks for cfg. A file that cannot be opened is
// reported on stderr and skipped; with no sink left the console is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(s.stdout))
	}

	var f *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		var err error
		if dir := filepath.Dir(path); dir != "." {
			err = os.MkdirAll(dir, 0o755)
		}
		if err == nil {
			f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: log file %q: %v\n", path, err)
		} else {
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger().
		Hook(&s.counts)
	s.root.Store(&zl)

	// close the previous file only after the new root is live
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = f
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

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}

// ValidLevel reports whether s is empty or a level name Apply understands.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
