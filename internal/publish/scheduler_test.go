package publish

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"geopub/internal/driver"
	"geopub/internal/driver/drivertest"
	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/platform"
	"geopub/internal/publish/guard"
	"geopub/internal/storage"
	"geopub/internal/task/engine"
	logx "geopub/pkg/logx"
)

const testCatalogue = `
platforms:
  - id: "alpha"
    name: "Alpha"
    auth: {type: qrcode, login_url: "https://alpha.test/login", check_interval: 1s, max_wait: 1m}
    publish:
      entry_url: "https://alpha.test/write"
      selectors: {title: "#title", content: "#body", submit: "#go"}
      waits: {after_load: 1ms, after_fill: 1ms, after_submit: 1ms}
    limits: {title_length: [1, 100], content_length: [0, 10000], image_count: 5}
  - id: "beta"
    name: "Beta"
    allow_blank_urls: true
    auth: {type: password, login_url: "", check_interval: 1s, max_wait: 1m}
    publish:
      entry_url: ""
      selectors: {title: "#t", content: "#c", submit: "#s"}
    limits: {title_length: [1, 100], content_length: [0, 10000], image_count: 5}
`

// storeSessions treats an account as logged in when its stored status is
// active.
type storeSessions struct{ store storage.Store }

func (s storeSessions) IsActive(ctx context.Context, id int64) (bool, error) {
	a, err := s.store.Accounts().Get(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Status == model.AccountActive, nil
}

type harness struct {
	t     *testing.T
	s     *Scheduler
	drv   *drivertest.Fake
	store storage.Store
	bus   eventbus.Bus

	mu     sync.Mutex
	events []eventbus.PublishProgress
}

type harnessOpts struct {
	workers  int
	disabled bool
	registry *platform.Registry
	cfg      Config
	opts     []Option
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.registry == nil {
		reg, err := platform.Load(strings.NewReader(testCatalogue))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		o.registry = reg
	}
	if o.workers == 0 {
		o.workers = 3
	}
	if o.cfg.RetryBase == 0 {
		o.cfg.RetryBase = time.Millisecond
		o.cfg.RetryMaxDelay = 2 * time.Millisecond
	}
	if o.cfg.StepTimeout == 0 {
		o.cfg.StepTimeout = time.Second
	}
	if o.cfg.RetryMax == 0 {
		o.cfg.RetryMax = 2
	}

	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: !o.disabled, Workers: o.workers, QueueSize: 64}, logx.Nop(), bus)
	eng.Start(context.Background())

	store := storage.NewMemory()
	drv := drivertest.New()
	h := &harness{t: t, drv: drv, store: store, bus: bus}
	h.s = New(context.Background(), o.cfg, eng, o.registry, drv, store, storeSessions{store}, bus, logx.Nop(), o.opts...)

	ch, unsub := bus.Subscribe(1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if p, ok := ev.Payload.(eventbus.PublishProgress); ok {
				h.mu.Lock()
				h.events = append(h.events, p)
				h.mu.Unlock()
			}
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.s.Close(ctx)
		eng.Stop(ctx)
		unsub()
		<-done
	})
	return h
}

func (h *harness) account(platformID, name string, status model.AccountStatus) int64 {
	h.t.Helper()
	a := &model.Account{Platform: platformID, Name: name, Status: status}
	if err := h.store.Accounts().Create(context.Background(), a); err != nil {
		h.t.Fatalf("Create account: %v", err)
	}
	return a.ID
}

func (h *harness) submit(a model.Article, ids ...int64) (string, []model.PublishTask) {
	h.t.Helper()
	id, tasks, err := h.s.Submit(context.Background(), SubmitRequest{Article: a, AccountIDs: ids})
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	return id, tasks
}

func (h *harness) waitComplete(requestID string) model.PublishRecord {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := h.s.Status(context.Background(), requestID)
		if err != nil {
			h.t.Fatalf("Status: %v", err)
		}
		if rec.Complete {
			return rec
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("request %s did not complete: %+v", requestID, rec)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// history returns the statuses broadcast for one task, in order.
func (h *harness) history(taskID string) []model.TaskStatus {
	// Let the subscriber drain.
	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.TaskStatus
	for _, e := range h.events {
		if e.Task.ID == taskID {
			out = append(out, e.Task.Status)
		}
	}
	return out
}

func assertMonotone(t *testing.T, hist []model.TaskStatus) {
	t.Helper()
	for i := 1; i < len(hist); i++ {
		if !hist[i-1].CanTransition(hist[i]) {
			t.Fatalf("illegal transition %s -> %s in %v", hist[i-1], hist[i], hist)
		}
	}
}

var article = model.Article{ID: 1, Title: "Hello world", Content: "body"}

func TestPublishSuccess(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	a := h.account("alpha", "a1", model.AccountActive)
	b := h.account("beta", "b1", model.AccountActive)

	reqID, tasks := h.submit(article, a, b)
	if len(tasks) != 2 {
		t.Fatalf("tasks=%d", len(tasks))
	}
	rec := h.waitComplete(reqID)
	if rec.Success != 2 || rec.Failed != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	for _, task := range rec.Tasks {
		if task.PlatformURL != h.drv.URL || task.PublishedAt == nil || task.Error != "" {
			t.Fatalf("unexpected task %+v", task)
		}
		hist := h.history(task.ID)
		assertMonotone(t, hist)
		if hist[len(hist)-1] != model.TaskSuccess {
			t.Fatalf("history %v", hist)
		}
	}

	// beta has no entry URL, so the session page is used as is.
	for _, c := range h.drv.Calls() {
		if c.AccountID == b && c.Method == drivertest.Navigate {
			t.Fatalf("navigate called for blank entry url")
		}
	}
	if h.drv.Count(drivertest.Navigate) != 1 || h.drv.Count(drivertest.Confirm) != 2 {
		t.Fatalf("calls %+v", h.drv.Calls())
	}

	stored, err := h.store.Publish().GetRequest(context.Background(), reqID)
	if err != nil || !stored.Complete || stored.CompletedAt == nil {
		t.Fatalf("stored record %+v err=%v", stored, err)
	}
}

func TestNotAuthenticatedIsNeverDispatched(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	expired := h.account("alpha", "old", model.AccountExpired)
	unknown := h.account("myspace", "tom", model.AccountActive)

	reqID, tasks := h.submit(article, expired, unknown)
	for _, task := range tasks {
		if task.Status != model.TaskFailed {
			t.Fatalf("task not failed at submit: %+v", task)
		}
	}
	rec := h.waitComplete(reqID)
	byAccount := map[int64]model.PublishTask{}
	for _, task := range rec.Tasks {
		byAccount[task.AccountID] = task
	}
	if got := byAccount[expired]; got.ErrorKind != string(model.KindAuth) || got.Error != "not authenticated" {
		t.Fatalf("expired account task %+v", got)
	}
	if got := byAccount[unknown]; got.ErrorKind != string(model.KindConfiguration) {
		t.Fatalf("unknown platform task %+v", got)
	}
	if n := h.drv.Count(""); n != 0 {
		t.Fatalf("driver called %d times", n)
	}
}

func TestTitleOutsideLimitsFailsWithoutDriverCalls(t *testing.T) {
	reg, err := platform.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	h := newHarness(t, harnessOpts{registry: reg})
	id := h.account("baijiahao", "bjh", model.AccountActive)

	reqID, _ := h.submit(model.Article{Title: "abc", Content: "body"}, id)
	rec := h.waitComplete(reqID)
	task := rec.Tasks[0]
	if task.Status != model.TaskFailed || task.ErrorKind != string(model.KindValidation) {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.RetryCount != 0 {
		t.Fatalf("validation failure retried: %+v", task)
	}
	if n := h.drv.Count(""); n != 0 {
		t.Fatalf("driver called %d times", n)
	}
}

func TestTransientFailureReturnsToPending(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.FailNext(drivertest.Navigate, driver.ErrBrowserLost)

	reqID, _ := h.submit(article, id)
	rec := h.waitComplete(reqID)
	task := rec.Tasks[0]
	if task.Status != model.TaskSuccess || task.RetryCount != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
	hist := h.history(task.ID)
	assertMonotone(t, hist)
	want := []model.TaskStatus{model.TaskPending, model.TaskPublishing, model.TaskPending, model.TaskPublishing, model.TaskSuccess}
	if len(hist) != len(want) {
		t.Fatalf("history %v", hist)
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Fatalf("history %v", hist)
		}
	}
}

func TestRetryCapIsHonoured(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{RetryMax: 2}})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.FailNext(drivertest.Navigate, driver.ErrBrowserLost, driver.ErrBrowserLost, driver.ErrBrowserLost, driver.ErrBrowserLost)

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.RetryCount != 2 {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.ErrorKind != string(model.KindTransientDriver) || task.Error == "" {
		t.Fatalf("error not recorded: %+v", task)
	}
	if n := h.drv.Count(drivertest.Navigate); n != 3 {
		t.Fatalf("navigate called %d times", n)
	}
	hist := h.history(task.ID)
	assertMonotone(t, hist)
	for _, st := range hist[:len(hist)-1] {
		if st == model.TaskFailed {
			t.Fatalf("failed visible before retries were exhausted: %v", hist)
		}
	}
}

func TestHungNavigateHitsStepBudget(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{RetryMax: 2, StepTimeout: 20 * time.Millisecond}})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.Hook = func(ctx context.Context, method string, s driver.Session) error {
		if method != drivertest.Navigate {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.RetryCount != 2 {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.ErrorKind != string(model.KindTransientDriver) {
		t.Fatalf("kind=%s error=%s", task.ErrorKind, task.Error)
	}
	if n := h.drv.Count(drivertest.Navigate); n != 3 {
		t.Fatalf("navigate called %d times", n)
	}
	if h.drv.Count(drivertest.Fill) != 0 {
		t.Fatal("attempt continued past a hung navigation")
	}
}

func TestRetriesDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{RetryMax: -1}})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.FailNext(drivertest.Navigate, driver.ErrBrowserLost)

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.RetryCount != 0 || h.drv.Count(drivertest.Navigate) != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestZeroRetryMaxDisablesRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.s.Apply(Config{RetryMax: 0, RetryBase: time.Millisecond, StepTimeout: time.Second})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.FailNext(drivertest.Navigate, driver.ErrBrowserLost)

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.RetryCount != 0 || h.drv.Count(drivertest.Navigate) != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestApplySwapsRetryPolicy(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{RetryMax: 2}})
	h.s.Apply(Config{RetryMax: -1, RetryBase: time.Millisecond, StepTimeout: time.Second})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.FailNext(drivertest.Navigate, driver.ErrBrowserLost)

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.RetryCount != 0 {
		t.Fatalf("new policy not applied: %+v", task)
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.FailNext(drivertest.Submit, driver.ErrRejected)

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.ErrorKind != string(model.KindPlatformRejection) || task.RetryCount != 0 {
		t.Fatalf("unexpected task %+v", task)
	}
	if h.drv.Count(drivertest.Navigate) != 1 {
		t.Fatalf("rejected publish was retried")
	}
}

func TestConcurrencyNeverExceedsWorkers(t *testing.T) {
	h := newHarness(t, harnessOpts{workers: 3})
	h.drv.Delay = 15 * time.Millisecond
	var ids []int64
	for _, name := range []string{"a1", "a2", "a3", "a4", "a5"} {
		ids = append(ids, h.account("alpha", name, model.AccountActive))
	}

	reqID, _ := h.submit(article, ids...)
	rec := h.waitComplete(reqID)
	if rec.Success != 5 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if n := h.drv.MaxInFlight(); n > 3 {
		t.Fatalf("max in-flight driver calls %d", n)
	}

	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	status := map[string]model.TaskStatus{}
	peak := 0
	for _, e := range h.events {
		status[e.Task.ID] = e.Task.Status
		n := 0
		for _, st := range status {
			if st == model.TaskPublishing {
				n++
			}
		}
		peak = max(peak, n)
	}
	if peak > 3 || peak == 0 {
		t.Fatalf("peak publishing tasks %d", peak)
	}
}

func TestCancelStopsDriverCalls(t *testing.T) {
	h := newHarness(t, harnessOpts{workers: 1})
	h.drv.Delay = 50 * time.Millisecond
	started := make(chan struct{}, 1)
	h.drv.Hook = func(ctx context.Context, method string, s driver.Session) error {
		if method == drivertest.Navigate {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		return nil
	}
	a := h.account("alpha", "a1", model.AccountActive)
	b := h.account("alpha", "a2", model.AccountActive)
	c := h.account("alpha", "a3", model.AccountActive)

	reqID, _ := h.submit(article, a, b, c)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("no task started")
	}

	rec, err := h.s.Cancel(context.Background(), reqID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !rec.Complete || !rec.Cancelled || rec.Failed != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
	for _, task := range rec.Tasks {
		if task.Error != "cancelled" || task.ErrorKind != string(model.KindCancelled) {
			t.Fatalf("task %+v", task)
		}
	}

	calls := h.drv.Count("")
	time.Sleep(200 * time.Millisecond)
	if after := h.drv.Count(""); after != calls {
		t.Fatalf("driver calls after cancel: %d -> %d", calls, after)
	}
	// Workers=1, so b and c were still queued.
	if h.drv.CountFor(b) != 0 || h.drv.CountFor(c) != 0 {
		t.Fatalf("queued tasks reached the driver: %+v", h.drv.Calls())
	}

	again, err := h.s.Cancel(context.Background(), reqID)
	if err != nil || again.Failed != 3 {
		t.Fatalf("second cancel: %+v err=%v", again, err)
	}
	for _, task := range again.Tasks {
		assertMonotone(t, h.history(task.ID))
	}
}

func TestPanicIsCountedAsFault(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.drv.Hook = func(ctx context.Context, method string, s driver.Session) error {
		if method == drivertest.Fill {
			panic("selector engine exploded")
		}
		return nil
	}
	id := h.account("alpha", "a1", model.AccountActive)

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.ErrorKind != string(model.KindInternal) {
		t.Fatalf("unexpected task %+v", task)
	}
	if h.s.Faults() != 1 {
		t.Fatalf("faults=%d", h.s.Faults())
	}
}

func TestDuplicateSubmissionGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, harnessOpts{opts: []Option{WithGuard(guard.NewWithClient(rdb, time.Minute))}})
	id := h.account("alpha", "a1", model.AccountActive)

	first, _ := h.submit(article, id)
	h.waitComplete(first)
	second, tasks := h.submit(article, id)
	if tasks[0].Status != model.TaskFailed || tasks[0].Error != "duplicate submission" {
		t.Fatalf("duplicate accepted: %+v", tasks[0])
	}
	h.waitComplete(second)
	if n := h.drv.Count(drivertest.Confirm); n != 1 {
		t.Fatalf("confirm called %d times", n)
	}
}

func TestFailedTaskReleasesGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, harnessOpts{opts: []Option{WithGuard(guard.NewWithClient(rdb, time.Minute))}})
	id := h.account("alpha", "a1", model.AccountActive)
	h.drv.FailNext(drivertest.Submit, driver.ErrRejected)

	first, _ := h.submit(article, id)
	if task := h.waitComplete(first).Tasks[0]; task.Status != model.TaskFailed {
		t.Fatalf("first attempt %+v", task)
	}
	waitReleased(t, mr, guard.Key(id, article))

	second, tasks := h.submit(article, id)
	if tasks[0].Status == model.TaskFailed {
		t.Fatalf("resubmit rejected: %+v", tasks[0])
	}
	if task := h.waitComplete(second).Tasks[0]; task.Status != model.TaskSuccess {
		t.Fatalf("resubmit %+v", task)
	}
	if !mr.Exists(guard.Key(id, article)) {
		t.Fatal("guard key released after success")
	}
}

func waitReleased(t *testing.T, mr *miniredis.Miniredis, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for mr.Exists(key) {
		if time.Now().After(deadline) {
			t.Fatalf("guard key %s still held", key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUndispatchedTaskReleasesGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, harnessOpts{disabled: true, opts: []Option{WithGuard(guard.NewWithClient(rdb, time.Minute))}})
	id := h.account("alpha", "a1", model.AccountActive)

	reqID, _ := h.submit(article, id)
	if task := h.waitComplete(reqID).Tasks[0]; task.ErrorKind != string(model.KindConfiguration) {
		t.Fatalf("undispatched task %+v", task)
	}
	waitReleased(t, mr, guard.Key(id, article))
}

func TestSubmitErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, _, err := h.s.Submit(context.Background(), SubmitRequest{Article: article})
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("no accounts: %v", err)
	}
	_, _, err = h.s.Submit(context.Background(), SubmitRequest{Article: article, Platform: "alpha", AccountNames: []string{"ghost"}})
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("unknown name: %v", err)
	}
	_, _, err = h.s.Submit(context.Background(), SubmitRequest{Article: model.Article{ID: 9}, AccountIDs: []int64{1}})
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("article without content or source: %v", err)
	}
	if _, err := h.s.Status(context.Background(), "missing"); model.KindOf(err) != model.KindValidation {
		t.Fatalf("Status missing: %v", err)
	}
}

type articleMap map[int64]model.Article

func (m articleMap) Article(_ context.Context, id int64) (model.Article, error) {
	a, ok := m[id]
	if !ok {
		return a, errors.New("no such article")
	}
	return a, nil
}

func TestSubmitByNameWithArticleSource(t *testing.T) {
	h := newHarness(t, harnessOpts{opts: []Option{WithArticleSource(articleMap{42: {ID: 42, Title: "From source", Content: "x"}})}})
	id := h.account("alpha", "writer", model.AccountActive)

	reqID, tasks, err := h.s.Submit(context.Background(), SubmitRequest{
		Article:      model.Article{ID: 42},
		Platform:     "alpha",
		AccountNames: []string{"writer", "writer"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(tasks) != 1 || tasks[0].AccountID != id || tasks[0].ArticleTitle != "From source" {
		t.Fatalf("tasks %+v", tasks)
	}
	if rec := h.waitComplete(reqID); rec.Success != 1 {
		t.Fatalf("record %+v", rec)
	}
	got, err := h.s.Task(context.Background(), tasks[0].ID)
	if err != nil || got.Status != model.TaskSuccess {
		t.Fatalf("Task: %+v err=%v", got, err)
	}
}

func TestEngineDisabledFailsTasks(t *testing.T) {
	h := newHarness(t, harnessOpts{disabled: true})
	id := h.account("alpha", "a1", model.AccountActive)

	reqID, _ := h.submit(article, id)
	task := h.waitComplete(reqID).Tasks[0]
	if task.Status != model.TaskFailed || task.ErrorKind != string(model.KindConfiguration) {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestPruneKeepsStoredHistory(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.account("alpha", "a1", model.AccountActive)
	reqID, _ := h.submit(article, id)
	h.waitComplete(reqID)

	if n := h.s.Prune(time.Now()); n != 0 {
		t.Fatalf("pruned fresh request")
	}
	if n := h.s.Prune(time.Now().Add(25 * time.Hour)); n != 1 {
		t.Fatalf("pruned %d", n)
	}
	rec, err := h.s.Status(context.Background(), reqID)
	if err != nil || !rec.Complete || rec.Success != 1 {
		t.Fatalf("stored status %+v err=%v", rec, err)
	}
	reqs, err := h.s.Requests(context.Background(), 10)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("Requests: %+v err=%v", reqs, err)
	}
}

func TestRecoverClosesInterruptedRequests(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.account("alpha", "a1", model.AccountActive)

	now := time.Now()
	req := model.PublishRequest{ID: "left-over", ArticleTitle: "x", SubmittedAt: now}
	task := model.PublishTask{ID: "t1", RequestID: req.ID, AccountID: id, Platform: "alpha", Status: model.TaskPublishing, CreatedAt: now, UpdatedAt: now}
	if err := h.store.Publish().CreateRequest(context.Background(), req, []model.PublishTask{task}); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	n, err := h.s.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover n=%d err=%v", n, err)
	}
	rec, err := h.s.Status(context.Background(), req.ID)
	if err != nil || !rec.Complete || rec.Cancelled || rec.Tasks[0].Error != "interrupted by restart" {
		t.Fatalf("record %+v err=%v", rec, err)
	}
}

func TestClosedSchedulerRejectsSubmit(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.account("alpha", "a1", model.AccountActive)
	if err := h.s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, _, err := h.s.Submit(context.Background(), SubmitRequest{Article: article, AccountIDs: []int64{id}})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after close: %v", err)
	}
}
