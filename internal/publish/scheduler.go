// Package publish fans one article out to many accounts.
//
// Every (article, account) pair becomes a PublishTask executed on the task
// engine's worker pool. A task moves pending -> publishing -> success | failed;
// a transient failure sends it back to pending until the retry budget is
// spent. Every transition is persisted and broadcast as PublishProgress.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"geopub/internal/driver"
	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/platform"
	"geopub/internal/storage"
	"geopub/internal/task/engine"
	logx "geopub/pkg/logx"
)

const (
	taskName     = "publish"
	storeTimeout = 5 * time.Second
)

var ErrClosed = errors.New("publish: scheduler closed")

// Engine accepts publish tasks. *engine.Service implements it.
type Engine interface {
	Submit(ctx context.Context, t engine.Task) error
}

type Platforms interface {
	Lookup(id string) (platform.Config, error)
}

// Sessions gates dispatch on a valid login session.
type Sessions interface {
	IsActive(ctx context.Context, accountID int64) (bool, error)
}

// Guard rejects duplicate (account, article) submissions. A key acquired for
// a task that ends failed is released so the pair can be sent again.
type Guard interface {
	Acquire(ctx context.Context, accountID int64, a model.Article) (bool, error)
	Release(ctx context.Context, accountID int64, a model.Article) error
}

// ArticleSource resolves articles submitted by id only.
type ArticleSource interface {
	Article(ctx context.Context, id int64) (model.Article, error)
}

type Config struct {
	// RetryMax is the number of retries after the first attempt. 0 or a
	// negative value disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
	// StepTimeout is the floor of every driver call budget.
	StepTimeout time.Duration
	// Retention keeps complete requests in memory for status queries.
	Retention time.Duration
	// PerPlatformLimit bounds concurrent tasks on one platform. 0 disables.
	PerPlatformLimit int
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PerPlatformLimit < 0 {
		c.PerPlatformLimit = 0
	}
	return c
}

// SubmitRequest selects accounts either by id or by platform and name.
type SubmitRequest struct {
	Article      model.Article
	AccountIDs   []int64
	Platform     string
	AccountNames []string
}

type Option func(*Scheduler)

func WithGuard(g Guard) Option { return func(s *Scheduler) { s.guard = g } }

func WithArticleSource(src ArticleSource) Option { return func(s *Scheduler) { s.articles = src } }

type Scheduler struct {
	cfg       atomic.Pointer[Config]
	eng       Engine
	platforms Platforms
	drv       driver.Driver
	store     storage.Store
	sessions  Sessions
	bus       eventbus.Bus
	log       logx.Logger
	guard     Guard
	articles  ArticleSource

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	requests map[string]*request
	owners   map[string]*request

	faults atomic.Uint64
}

// request is the in-memory state of one submission. mu serializes task
// transitions together with their persistence and broadcast.
type request struct {
	mu        sync.Mutex
	req       model.PublishRequest
	article   model.Article
	order     []string
	tasks     map[string]*model.PublishTask
	guarded   map[string]bool
	abort     chan struct{}
	abortOnce sync.Once
	gate      sync.RWMutex
	cancelled atomic.Bool
}

func New(parent context.Context, cfg Config, eng Engine, platforms Platforms, drv driver.Driver, store storage.Store, sessions Sessions, bus eventbus.Bus, log logx.Logger, opts ...Option) *Scheduler {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		eng:       eng,
		platforms: platforms,
		drv:       drv,
		store:     store,
		sessions:  sessions,
		bus:       bus,
		log:       log.With(logx.String("comp", "publish")),
		ctx:       ctx,
		cancel:    cancel,
		requests:  map[string]*request{},
		owners:    map[string]*request{},
	}
	s.Apply(cfg)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the retry and timeout settings. Tasks already queued keep the
// options they were enqueued with.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
}

func (s *Scheduler) config() Config { return *s.cfg.Load() }

// Faults counts internal failures that are not the task's fault: panics and
// platforms that disappeared after submit.
func (s *Scheduler) Faults() uint64 { return s.faults.Load() }

func (s *Scheduler) fault(reason, taskID string, err error) {
	n := s.faults.Add(1)
	s.log.Error("publish fault", logx.String("reason", reason), logx.TaskID(taskID), logx.Uint64("faults", n), logx.Err(err))
}

// Submit creates one task per selected account and dispatches those that pass
// admission. Tasks failing admission are stored as failed and never reach a
// worker.
func (s *Scheduler) Submit(ctx context.Context, in SubmitRequest) (string, []model.PublishTask, error) {
	const op = "publish.submit"

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", nil, model.Wrap(model.KindCancelled, op, ErrClosed)
	}

	article, err := s.resolveArticle(ctx, in.Article)
	if err != nil {
		return "", nil, err
	}
	ids, err := s.resolveAccounts(ctx, in)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	r := &request{
		req: model.PublishRequest{
			ID:           uuid.NewString(),
			ArticleID:    article.ID,
			ArticleTitle: article.Title,
			SubmittedAt:  now,
		},
		article: article,
		tasks:   make(map[string]*model.PublishTask, len(ids)),
		guarded: map[string]bool{},
		abort:   make(chan struct{}),
	}

	var dispatch []string
	for _, id := range ids {
		t := &model.PublishTask{
			ID:           uuid.NewString(),
			RequestID:    r.req.ID,
			ArticleID:    article.ID,
			ArticleTitle: article.Title,
			AccountID:    id,
			Status:       model.TaskPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		held, cause := s.admit(ctx, t, article)
		if held {
			r.guarded[t.ID] = true
		}
		if cause != nil {
			t.Status = model.TaskFailed
			t.Error = model.Message(cause)
			t.ErrorKind = string(model.KindOf(cause))
			s.log.Info("publish task rejected", logx.TaskID(t.ID), logx.AccountID(id), logx.String("kind", t.ErrorKind), logx.String("reason", t.Error))
		} else {
			dispatch = append(dispatch, t.ID)
		}
		r.order = append(r.order, t.ID)
		r.tasks[t.ID] = t
	}
	if r.completeLocked() {
		r.req.CompletedAt = &now
	}

	snap := r.snapshotLocked()
	if err := s.store.Publish().CreateRequest(ctx, r.req, snap); err != nil {
		for _, id := range dispatch {
			s.release(r, id)
		}
		return "", nil, model.Wrap(model.KindInternal, op, err)
	}

	s.mu.Lock()
	s.requests[r.req.ID] = r
	for _, id := range r.order {
		s.owners[id] = r
	}
	s.mu.Unlock()

	complete := r.req.CompletedAt != nil
	for i, t := range snap {
		s.broadcast(r.req.ID, t, complete && i == len(snap)-1)
	}
	s.log.Info("publish request accepted", logx.RequestID(r.req.ID), logx.Int("tasks", len(snap)), logx.Int("dispatched", len(dispatch)))

	for _, id := range dispatch {
		s.dispatch(r, id, article)
	}
	return r.req.ID, r.snapshot(), nil
}

func (s *Scheduler) resolveArticle(ctx context.Context, a model.Article) (model.Article, error) {
	if a.Title != "" || a.Content != "" || a.ID == 0 {
		return a, nil
	}
	if s.articles == nil {
		return a, model.Errorf(model.KindValidation, "publish.submit", "article %d has no content and no article source is configured", a.ID)
	}
	full, err := s.articles.Article(ctx, a.ID)
	if err != nil {
		return a, model.Wrap(model.KindValidation, "publish.submit", fmt.Errorf("load article %d: %w", a.ID, err))
	}
	return full, nil
}

func (s *Scheduler) resolveAccounts(ctx context.Context, in SubmitRequest) ([]int64, error) {
	const op = "publish.submit"
	ids := append([]int64(nil), in.AccountIDs...)
	for _, name := range in.AccountNames {
		acc, err := s.store.Accounts().FindByName(ctx, in.Platform, name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.Errorf(model.KindValidation, op, "account %q not found on %s", name, in.Platform)
		}
		if err != nil {
			return nil, model.Wrap(model.KindInternal, op, err)
		}
		ids = append(ids, acc.ID)
	}

	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, model.Errorf(model.KindValidation, op, "no accounts selected")
	}
	return out, nil
}

// admit fills the account and platform fields of t and returns why the task
// must not be dispatched. The bool reports whether a guard key was taken.
func (s *Scheduler) admit(ctx context.Context, t *model.PublishTask, a model.Article) (bool, error) {
	const op = "publish.admit"
	acc, err := s.store.Accounts().Get(ctx, t.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, model.Errorf(model.KindValidation, op, "account %d not found", t.AccountID)
	}
	if err != nil {
		return false, model.Wrap(model.KindInternal, op, err)
	}
	t.AccountName = acc.Name
	t.Platform = acc.Platform

	pc, err := s.platforms.Lookup(acc.Platform)
	if err != nil {
		return false, err
	}
	t.PlatformName = pc.Name

	active, err := s.sessions.IsActive(ctx, acc.ID)
	if err != nil {
		return false, model.Wrap(model.KindInternal, op, err)
	}
	if !active {
		return false, model.ErrNotAuthenticated
	}

	if s.guard == nil {
		return false, nil
	}
	ok, err := s.guard.Acquire(ctx, acc.ID, a)
	switch {
	case err != nil:
		s.log.Warn("submission guard unavailable, allowing", logx.AccountID(acc.ID), logx.Err(err))
		return false, nil
	case !ok:
		return false, model.Errorf(model.KindValidation, op, "duplicate submission")
	}
	return true, nil
}

func (s *Scheduler) taskOptions() engine.TaskOptions {
	cfg := s.config()
	retry := cfg.RetryMax
	if retry == 0 {
		retry = -1
	}
	return engine.TaskOptions{
		Overlap:             engine.OverlapAllow,
		RetryMax:            retry,
		RetryBase:           cfg.RetryBase,
		RetryMaxDelay:       cfg.RetryMaxDelay,
		RetryJitter:         cfg.RetryJitter,
		ConcurrencyLimit:    cfg.PerPlatformLimit,
		CircuitTripFailures: -1,
	}
}

func (s *Scheduler) dispatch(r *request, taskID string, a model.Article) {
	r.mu.Lock()
	platformID := r.tasks[taskID].Platform
	r.mu.Unlock()

	err := s.eng.Submit(s.ctx, engine.Task{
		ID:             taskID,
		Name:           taskName,
		ConcurrencyKey: platformID,
		Opt:            s.taskOptions(),
		Abort:          r.abort,
		Run:            func(ctx context.Context) error { return s.run(ctx, r, taskID, a) },
		OnRetry: func(next int, err error, delay time.Duration) {
			s.retryPending(r, taskID, next-1, err, delay)
		},
		OnDone: func(err error, attempts int) { s.finish(r, taskID, err, attempts) },
	})
	if err == nil {
		return
	}
	var cause error
	switch {
	case errors.Is(err, engine.ErrDisabled):
		cause = model.Errorf(model.KindConfiguration, "publish.dispatch", "task engine is disabled")
	case errors.Is(err, context.Canceled), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		cause = model.Errorf(model.KindCancelled, "publish.dispatch", "scheduler stopped")
	default:
		cause = model.Wrap(model.KindInternal, "publish.dispatch", err)
	}
	s.log.Warn("publish task not dispatched", logx.TaskID(taskID), logx.Err(err))
	s.fail(r, taskID, cause)
}

// run is one attempt. It owns the task from the publishing transition until
// it returns.
func (s *Scheduler) run(ctx context.Context, r *request, taskID string, a model.Article) (err error) {
	const op = "publish.run"
	defer func() {
		if err != nil && !engine.IsNoRetry(err) && !model.IsRetryable(err) {
			err = engine.NoRetry(err)
		}
	}()

	cur, ok := s.transition(r, taskID, model.TaskPublishing, nil)
	if !ok {
		return model.ErrCancelled
	}

	pc, err := s.platforms.Lookup(cur.Platform)
	if err != nil {
		s.fault("platform lookup", taskID, err)
		return model.Wrap(model.KindInternal, op, err)
	}
	if err := pc.CheckArticle(a); err != nil {
		return err
	}
	sel := pc.Publish.Selectors
	if sel.Title == "" || sel.Content == "" || sel.Submit == "" {
		return model.Errorf(model.KindConfiguration, op, "platform %s has incomplete publish selectors", pc.ID)
	}

	acc, err := s.store.Accounts().Get(ctx, cur.AccountID)
	if err != nil {
		return model.Wrap(model.KindInternal, op, err)
	}
	if acc.Status != model.AccountActive {
		return model.ErrNotAuthenticated
	}

	at := &attempt{
		s:       s,
		r:       r,
		pc:      pc,
		step:    s.config().StepTimeout,
		session: driver.Session{ID: "publish:" + taskID, AccountID: acc.ID, Platform: acc.Platform, State: acc.SessionState},
	}
	defer at.close(ctx)

	url, err := at.publish(ctx, a)
	if err != nil {
		return err
	}
	now := time.Now()
	if _, ok := s.transition(r, taskID, model.TaskSuccess, func(t *model.PublishTask) {
		t.PlatformURL = url
		t.PublishedAt = &now
		t.Error, t.ErrorKind = "", ""
	}); !ok {
		s.log.Warn("publish confirmed after cancel", logx.TaskID(taskID), logx.String("url", url))
	}
	return nil
}

func (s *Scheduler) retryPending(r *request, taskID string, retries int, err error, delay time.Duration) {
	s.log.Info("publish attempt failed, retrying", logx.TaskID(taskID), logx.Int("retry", retries), logx.Duration("delay", delay), logx.Err(err))
	s.transition(r, taskID, model.TaskPending, func(t *model.PublishTask) {
		t.RetryCount = retries
		t.Error = model.Message(err)
		t.ErrorKind = string(model.KindOf(err))
	})
}

// finish closes a task the engine is done with. A task that already reached
// a terminal state is left alone.
func (s *Scheduler) finish(r *request, taskID string, err error, attempts int) {
	if err == nil {
		return
	}
	var pe *engine.PanicError
	var cause error
	switch {
	case errors.As(err, &pe):
		s.fault("panic", taskID, err)
		s.log.Debug("publish panic stack", logx.TaskID(taskID), logx.String("stack", pe.Stack))
		cause = model.Errorf(model.KindInternal, "publish.run", "internal error: %v", pe.Value)
	case errors.Is(err, engine.ErrAborted), r.cancelled.Load():
		cause = model.ErrCancelled
	case errors.Is(err, engine.ErrStopped):
		cause = model.Errorf(model.KindCancelled, "publish.run", "scheduler stopped")
	case errors.Is(err, engine.ErrStale), errors.Is(err, engine.ErrQueueFull):
		cause = model.Wrap(model.KindInternal, "publish.run", err)
	default:
		cause = err
	}
	if t, ok := s.fail(r, taskID, cause); ok {
		s.log.Warn("publish task failed", logx.TaskID(taskID), logx.Platform(t.Platform), logx.Int("attempts", attempts), logx.String("kind", t.ErrorKind), logx.String("error", t.Error))
	}
}

func (s *Scheduler) fail(r *request, taskID string, cause error) (model.PublishTask, bool) {
	t, ok := s.transition(r, taskID, model.TaskFailed, func(t *model.PublishTask) {
		t.Error = model.Message(cause)
		t.ErrorKind = string(model.KindOf(cause))
	})
	if ok {
		s.release(r, taskID)
	}
	return t, ok
}

// release drops the guard key held by a task, at most once.
func (s *Scheduler) release(r *request, taskID string) {
	r.mu.Lock()
	held := r.guarded[taskID]
	delete(r.guarded, taskID)
	accountID := r.tasks[taskID].AccountID
	a := r.article
	r.mu.Unlock()
	if !held || s.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.guard.Release(ctx, accountID, a); err != nil {
		s.log.Warn("release submission guard failed", logx.TaskID(taskID), logx.AccountID(accountID), logx.Err(err))
	}
}

// transition moves a task to next if the state machine allows it, then
// persists and broadcasts the new state.
func (s *Scheduler) transition(r *request, taskID string, next model.TaskStatus, mutate func(*model.PublishTask)) (model.PublishTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[taskID]
	if t == nil || !t.Status.CanTransition(next) {
		if t == nil {
			return model.PublishTask{}, false
		}
		return *t, false
	}
	t.Status = next
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = time.Now()
	s.commitLocked(r, *t)
	return *t, true
}

func (s *Scheduler) commitLocked(r *request, t model.PublishTask) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Publish().SaveTask(ctx, t); err != nil {
		s.log.Error("persist publish task failed", logx.TaskID(t.ID), logx.Err(err))
	}
	complete := r.completeLocked()
	if complete && r.req.CompletedAt == nil {
		now := time.Now()
		r.req.CompletedAt = &now
		if err := s.store.Publish().UpdateRequest(ctx, r.req); err != nil {
			s.log.Error("persist publish request failed", logx.RequestID(r.req.ID), logx.Err(err))
		}
		s.log.Info("publish request complete", logx.RequestID(r.req.ID), logx.Bool("cancelled", r.req.Cancelled))
	}
	s.broadcast(r.req.ID, t, complete)
}

func (s *Scheduler) broadcast(requestID string, t model.PublishTask, complete bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.NewEvent(eventbus.PublishProgress{RequestID: requestID, Task: t, Complete: complete}))
}

func (r *request) completeLocked() bool {
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *request) snapshotLocked() []model.PublishTask {
	out := make([]model.PublishTask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}

func (r *request) snapshot() []model.PublishTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *request) record() model.PublishRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.NewPublishRecord(r.req, r.snapshotLocked())
}
