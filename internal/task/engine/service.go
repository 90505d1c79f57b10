// Package engine is the bounded worker pool that executes publish attempts
// and scheduled jobs with retry, backoff and a circuit breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"geopub/internal/eventbus"
	rtsup "geopub/internal/runtime/supervisor"
	logx "geopub/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedTask

	inFlight int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	groups   groupLimiterStore
	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64
	panics           uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func (qt queuedTask) releaseState() {
	if qt.track && qt.state != nil {
		qt.state.release()
	}
}

func (qt queuedTask) done(err error, attempts int) {
	if qt.task.OnDone != nil {
		qt.task.OnDone(err, attempts)
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    normalize(cfg),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.CircuitTripFailures == 0 {
		cfg.CircuitTripFailures = 5
	}
	if cfg.CircuitBaseDelay <= 0 {
		cfg.CircuitBaseDelay = 5 * time.Second
	}
	if cfg.CircuitMaxDelay <= 0 {
		cfg.CircuitMaxDelay = 2 * time.Minute
	}
	if cfg.CircuitResetAfter <= 0 {
		cfg.CircuitResetAfter = 5 * time.Minute
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config and restarts workers when pool settings change.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop halts the workers and fails still-queued tasks with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			qt.releaseState()
			qt.done(ErrStopped, 0)
		default:
			return
		}
	}
}

// Enqueue adds a task without blocking and fails with ErrQueueFull when the
// queue is at capacity.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil || stopCh == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	if open, until := s.circuitIsOpen(now, t.Name, cfg, opt); open {
		s.publish(eventbus.TaskLifecycle{Phase: eventbus.PhaseSkipped, ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.String("id", t.ID), logx.Time("until", until))
		s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"}, cfg.HistorySize)
		return ErrCircuitOpen
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.ConcurrencyKey, t.Name)
	}
	track := opt.Overlap == OverlapSkipIfRunning
	if track && !st.tryAcquire() {
		s.publish(eventbus.TaskLifecycle{Phase: eventbus.PhaseSkipped, ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseState()
			s.onQueueFullDropped(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseState()
		return ctx.Err()
	case <-stopCh:
		qt.releaseState()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		Panics:           atomic.LoadUint64(&s.panics),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap.CircuitTotal, snap.CircuitOpen = s.circuitSnapshot(time.Now(), cfg)
	return snap
}

func (s *Service) record(item HistoryItem, size int) {
	if size <= 0 {
		size = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(ev eventbus.TaskLifecycle) {
	if s.bus != nil {
		s.bus.Publish(eventbus.NewEvent(ev))
	}
}

func (s *Service) stateFor(concurrencyKey, name string) *RunState {
	key := groupKey(concurrencyKey, name)
	if key == "" {
		key = "default"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	n := atomic.AddUint64(&s.droppedQueueFull, 1)
	s.publish(eventbus.TaskLifecycle{Phase: eventbus.PhaseDropped, ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	n := atomic.AddUint64(&s.droppedStale, 1)
	s.publish(eventbus.TaskLifecycle{Phase: eventbus.PhaseDropped, ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	}
}
