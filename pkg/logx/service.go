package logx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Entry is one buffered log line.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // stores zerolog.Logger

	file *os.File

	// ring buffer sink
	buf      []Entry
	bufNext  int
	bufFull  bool
	limiter  *rate.Limiter
	minLevel zerolog.Level
	dropped  uint64
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	boot := zerolog.New(newConsoleWriter(os.Stdout)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(boot)

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	v := s.root.Load()
	if v == nil {
		return zerolog.Nop()
	}
	zl, ok := v.(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime.
// It is safe to call concurrently. Buffered entries survive unless the
// buffer size changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevSize := s.cfg.Buffer.Size
	s.cfg = cfg

	s.minLevel = parseLevel(cfg.Buffer.MinLevel, zerolog.InfoLevel)
	if cfg.Buffer.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Buffer.RatePerSec), cfg.Buffer.RatePerSec)
	} else {
		s.limiter = nil
	}
	if cfg.Buffer.Size != prevSize || s.buf == nil {
		s.resizeLocked(cfg.Buffer.Size)
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./courier.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Buffer.Size > 0 {
		writers = append(writers, &bufferWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) resizeLocked(size int) {
	if size <= 0 {
		s.buf = nil
		s.bufNext = 0
		s.bufFull = false
		return
	}
	prev := s.recentLocked(size)
	s.buf = make([]Entry, size)
	s.bufNext = 0
	s.bufFull = false
	for _, e := range prev {
		s.pushLocked(e)
	}
}

func (s *Service) pushLocked(e Entry) {
	if len(s.buf) == 0 {
		return
	}
	s.buf[s.bufNext] = e
	s.bufNext++
	if s.bufNext == len(s.buf) {
		s.bufNext = 0
		s.bufFull = true
	}
}

// Recent returns up to n buffered entries, oldest first. n <= 0 returns all.
func (s *Service) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked(n)
}

func (s *Service) recentLocked(n int) []Entry {
	if len(s.buf) == 0 {
		return nil
	}
	var all []Entry
	if s.bufFull {
		all = make([]Entry, 0, len(s.buf))
		all = append(all, s.buf[s.bufNext:]...)
		all = append(all, s.buf[:s.bufNext]...)
	} else {
		all = append([]Entry(nil), s.buf[:s.bufNext]...)
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Dropped reports how many entries the buffer rate limit discarded.
func (s *Service) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// ---- buffer writer (zerolog sink) ----

type bufferWriter struct{ svc *Service }

func (w *bufferWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *bufferWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 || level < s.minLevel {
		return len(p), nil
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.dropped++
		return len(p), nil
	}
	s.pushLocked(decodeEntry(level, p))
	return len(p), nil
}

func decodeEntry(level zerolog.Level, p []byte) Entry {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return Entry{Time: time.Now(), Level: level.String(), Message: strings.TrimSpace(string(p))}
	}
	e := Entry{Time: time.Now(), Level: level.String()}
	if msg, ok := m[zerolog.MessageFieldName].(string); ok {
		e.Message = msg
	}
	if ts, ok := m[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(zerolog.TimeFieldFormat, ts); err == nil {
			e.Time = t
		}
	}
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.LevelFieldName:
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any, len(m))
		}
		e.Fields[k] = v
	}
	return e
}
