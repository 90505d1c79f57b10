package engine

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"geopub/internal/eventbus"
	logx "geopub/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG keeps jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt = <-queue:
		}

		var releaseGroup func()
		if qt.opt.ConcurrencyLimit > 0 {
			gs := s.groups.get(groupKey(qt.task.ConcurrencyKey, qt.task.Name), qt.opt.ConcurrencyLimit)
			if gs != nil && !gs.tryAcquire() {
				// Group at capacity: requeue and look for other work.
				select {
				case queue <- qt:
				default:
					qt.releaseState()
					s.onQueueFullDropped(time.Now(), qt.task, queue)
					qt.done(ErrQueueFull, 0)
				}
				runtime.Gosched()
				continue
			}
			if gs != nil {
				releaseGroup = gs.release
			}
		}

		atomic.AddInt32(&s.inFlight, 1)
		s.execOne(ctx, stopCh, qt, rng)
		atomic.AddInt32(&s.inFlight, -1)
		if releaseGroup != nil {
			releaseGroup()
		}
	}
}

// withAbort derives a context that also ends when abort closes.
func withAbort(ctx context.Context, abort <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	if abort != nil {
		go func() {
			select {
			case <-abort:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

func aborted(abort <-chan struct{}) bool {
	if abort == nil {
		return false
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.releaseState()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		qt.done(ErrStale, 0)
		return
	}
	if aborted(qt.task.Abort) {
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "aborted"}, cfg.HistorySize)
		qt.done(ErrAborted, 0)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskLifecycle{Phase: eventbus.PhaseStarted, ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	taskCtx, cancelTask := withAbort(ctx, qt.task.Abort)
	defer cancelTask()

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(taskCtx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		var pe *PanicError
		if errors.As(err, &pe) || attempt >= maxAttempts {
			break
		}
		if taskCtx.Err() != nil {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if qt.task.OnRetry != nil {
			qt.task.OnRetry(attempt+1, err, delay)
		}
		s.publish(eventbus.TaskLifecycle{Phase: eventbus.PhaseRetry, ID: qt.task.ID, Name: qt.task.Name, Started: start, Attempts: attempt, Error: err.Error()})
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-taskCtx.Done():
			tmr.Stop()
			err = taskCtx.Err()
			if aborted(qt.task.Abort) {
				err = ErrAborted
			}
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := eventbus.TaskLifecycle{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Phase, ev.Error = eventbus.PhaseFailed, item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		ev.Phase = eventbus.PhaseFinished
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
	}
	s.publish(ev)
	s.circuitRecordResult(time.Now(), qt.task.Name, cfg, qt.opt, err)
	s.record(item, cfg.HistorySize)
	qt.done(err, attempts)
}

// runAttempt runs one attempt under the task timeout and turns a panic into
// a *PanicError so one bad task cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.panics, 1)
			stack := string(debug.Stack())
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(stack))
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := min(max(ra.RetryAfter(), 0), maxD)
	return min(jitter(d, opt.RetryJitter, rng), maxD)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry && d < maxD; i++ {
		d *= 2
	}
	return min(jitter(min(d, maxD), opt.RetryJitter, rng), maxD)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = 0.2
	}
	if d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
