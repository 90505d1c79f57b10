package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Remote  RemoteConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// RemoteConfig controls forwarding of log lines to a Sender.
type RemoteConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sender delivers a rendered log line to an operator channel.
type Sender interface {
	SendLog(ctx context.Context, text string) error
}

// Service owns the log sinks and swaps them on Apply.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender      Sender
	queue       chan string
	workerOnce  sync.Once
	workerStop  context.CancelFunc
	workerGroup sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New creates the logging service, applies cfg and returns the root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:   cfg,
		queue: make(chan string, 256),
	}
	s.root.Store(zerolog.New(newConsoleWriter(os.Stdout)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender attaches the remote sink target. A nil sender disables delivery.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.workerStop
	s.workerStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.workerGroup.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Remote.MinLevel, zerolog.WarnLevel)
	rps := cfg.Remote.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./geopub.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Remote.Enabled {
		s.workerOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.workerStop = cancel
			s.workerGroup.Add(1)
			go func() {
				defer s.workerGroup.Done()
				s.remoteWorker(ctx)
			}()
		})
		writers = append(writers, &remoteWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) remoteWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			_ = sender.SendLog(ctx, msg)
		}
	}
}

type remoteWriter struct{ svc *Service }

func (w *remoteWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *remoteWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	sender := s.sender
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if sender == nil || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatRemote(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatRemote renders a zerolog JSON line as "[LEVEL] msg" followed by
// sorted key=value lines.
func formatRemote(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
