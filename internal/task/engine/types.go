package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool. The app layer maps config.task_engine
// into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks queued longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Consecutive-failure circuit breaker. CircuitTripFailures < 0
	// disables it and 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy

	// RetryMax is the number of retries after the first attempt.
	// 0 uses Config.RetryMax and a negative value disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ConcurrencyLimit bounds concurrent runs sharing ConcurrencyKey.
	// 0 disables group limiting.
	ConcurrencyLimit int

	// CircuitTripFailures overrides the engine threshold for this task.
	// < 0 disables the breaker for this task and 0 keeps the default.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	if o.ConcurrencyLimit < 0 {
		o.ConcurrencyLimit = 0
	}
	return o
}

// RunState gates OverlapSkipIfRunning. A task counts as running from the
// moment it is queued.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	ConcurrencyKey string
	State          *RunState

	// Abort, when closed, skips the task if still queued, cancels the
	// running attempt and ends any retry wait.
	Abort <-chan struct{}

	// OnRetry runs on the worker before the wait preceding attempt
	// number next.
	OnRetry func(next int, err error, delay time.Duration)

	// OnDone receives the final result once the task leaves the engine,
	// including drops after it was accepted.
	OnDone func(err error, attempts int)
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Panics           uint64 `json:"panics"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history"`
}

// DefaultTaskOptions returns the options a task gets without overrides.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return (TaskOptions{}).withDefaults(cfg)
}
