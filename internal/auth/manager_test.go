package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geopub/internal/driver"
	"geopub/internal/driver/drivertest"
	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/platform"
	"geopub/internal/storage"
	logx "geopub/pkg/logx"
)

type harness struct {
	m     *Manager
	drv   *drivertest.Fake
	store storage.Store
	clock *ManualClock
	bus   eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := platform.Default()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{
		drv:   drivertest.New(),
		store: storage.NewMemory(),
		clock: NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		bus:   eventbus.New(),
	}
	h.m = New(context.Background(), reg, h.drv, h.store, h.bus, logx.Nop(), Config{}, WithClock(h.clock))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Close(ctx)
	})
	return h
}

func (h *harness) account(t *testing.T, platformID, name string, status model.AccountStatus) model.Account {
	t.Helper()
	a := model.Account{Platform: platformID, Name: name, Status: status}
	if status == model.AccountActive {
		now := h.clock.Now()
		a.LastAuthAt = &now
		a.SessionState = []byte(`[]`)
	}
	if err := h.store.Accounts().Create(context.Background(), &a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestLoginSuccessActivatesAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "alice", model.AccountDisabled)

	events, unsub := h.bus.Subscribe(8)
	defer unsub()

	id, err := h.m.StartLogin(ctx, acc.ID)
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })

	s, err := h.m.Poll(ctx, id)
	if err != nil || s.State != model.AuthPending {
		t.Fatalf("expected pending, got %+v, %v", s, err)
	}
	if s.QRCode == "" {
		t.Fatalf("expected qr code on pending session")
	}

	h.drv.SetLoggedIn(acc.ID, true)
	s, err = h.m.Poll(ctx, id)
	if err != nil || s.State != model.AuthSuccess || !s.IsLoggedIn() {
		t.Fatalf("expected success, got %+v, %v", s, err)
	}

	got, _ := h.store.Accounts().Get(ctx, acc.ID)
	if got.Status != model.AccountActive || got.LastAuthAt == nil || len(got.SessionState) == 0 {
		t.Fatalf("account not activated: %+v", got)
	}

	select {
	case ev := <-events:
		p, ok := ev.Payload.(eventbus.AuthComplete)
		if !ok || p.Session.TaskID != id || p.Session.State != model.AuthSuccess {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no auth_complete event")
	}

	arch, err := h.store.AuthSessions().Get(ctx, id)
	if err != nil || arch.State != model.AuthSuccess {
		t.Fatalf("session not archived: %+v, %v", arch, err)
	}
}

func TestManualConfirmChecksAtOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "carol", model.AccountDisabled)

	id, err := h.m.StartLogin(ctx, acc.ID)
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })

	s, err := h.m.Confirm(ctx, id)
	if err != nil || s.State != model.AuthPending {
		t.Fatalf("confirm before login: %+v, %v", s, err)
	}
	if n := h.drv.Count(drivertest.CheckLogin); n != 1 {
		t.Fatalf("check login called %d times", n)
	}

	h.drv.SetLoggedIn(acc.ID, true)
	s, err = h.m.Confirm(ctx, id)
	if err != nil || s.State != model.AuthSuccess {
		t.Fatalf("confirm after login: %+v, %v", s, err)
	}
	if got, _ := h.store.Accounts().Get(ctx, acc.ID); got.Status != model.AccountActive {
		t.Fatalf("account not activated: %+v", got)
	}

	s, err = h.m.Confirm(ctx, id)
	if err != nil || s.State != model.AuthSuccess || h.drv.Count(drivertest.CheckLogin) != 2 {
		t.Fatalf("confirm of finished session: %+v, %v", s, err)
	}
	if _, err := h.m.Confirm(ctx, "missing"); !model.IsNotFound(err) {
		t.Fatalf("unknown task: %v", err)
	}
}

func TestTimeoutAtMaxWaitMakesNoDriverCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "bob", model.AccountDisabled)

	id, err := h.m.StartLogin(ctx, acc.ID)
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })

	h.clock.Advance(2 * time.Minute)
	s, err := h.m.Poll(ctx, id)
	if err != nil || s.State != model.AuthTimeout {
		t.Fatalf("expected timeout at max wait, got %+v, %v", s, err)
	}
	if n := h.drv.Count(drivertest.CheckLogin); n != 0 {
		t.Fatalf("timeout must be decided before the driver, saw %d checks", n)
	}

	before := h.drv.Count("")
	for i := 0; i < 3; i++ {
		s, _ = h.m.Poll(ctx, id)
		if s.State != model.AuthTimeout {
			t.Fatalf("terminal state changed: %s", s.State)
		}
	}
	if after := h.drv.Count(""); after != before {
		t.Fatalf("terminal polls called the driver: %d -> %d", before, after)
	}

	got, _ := h.store.Accounts().Get(ctx, acc.ID)
	if got.Status != model.AccountDisabled {
		t.Fatalf("never-authorized account should stay disabled, got %v", got.Status)
	}
}

func TestPollBeforeMaxWaitChecksDriver(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "carol", model.AccountDisabled)

	id, _ := h.m.StartLogin(ctx, acc.ID)
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })

	h.clock.Advance(2*time.Minute - time.Second)
	s, err := h.m.Poll(ctx, id)
	if err != nil || s.State != model.AuthPending {
		t.Fatalf("expected pending, got %+v, %v", s, err)
	}
	if h.drv.Count(drivertest.CheckLogin) == 0 {
		t.Fatalf("expected a login check before max wait")
	}
}

func TestStartLoginIsSingleFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "dave", model.AccountDisabled)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.m.StartLogin(ctx, acc.ID)
			if err != nil {
				t.Errorf("StartLogin: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one task id, got %v", ids)
		}
	}
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })
	if got := h.drv.Count(drivertest.OpenLogin); got != 1 {
		t.Fatalf("OpenLogin called %d times", got)
	}
}

func TestCancelStopsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "erin", model.AccountDisabled)

	id, _ := h.m.StartLogin(ctx, acc.ID)
	s, err := h.m.Cancel(ctx, id)
	if err != nil || s.State != model.AuthFailed || s.Message != "cancelled" {
		t.Fatalf("expected failed/cancelled, got %+v, %v", s, err)
	}

	before := h.drv.Count("")
	h.clock.Advance(5 * time.Second)
	if _, err := h.m.Poll(ctx, id); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if after := h.drv.Count(""); after != before {
		t.Fatalf("driver called after cancel: %d -> %d", before, after)
	}

	next, err := h.m.StartLogin(ctx, acc.ID)
	if err != nil || next == id {
		t.Fatalf("expected a fresh session after cancel, got %q, %v", next, err)
	}
}

func TestHardFailureExpiresPreviouslyActiveAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "frank", model.AccountActive)

	id, _ := h.m.StartLogin(ctx, acc.ID)
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })

	h.drv.FailNext(drivertest.CheckLogin, driver.ErrSelectorNotFound)
	s, _ := h.m.Poll(ctx, id)
	if s.State != model.AuthPending {
		t.Fatalf("transient failure should stay pending, got %s", s.State)
	}

	h.drv.FailNext(drivertest.CheckLogin, driver.ErrCaptcha)
	s, _ = h.m.Poll(ctx, id)
	if s.State != model.AuthFailed {
		t.Fatalf("hard failure should fail the session, got %s", s.State)
	}
	got, _ := h.store.Accounts().Get(ctx, acc.ID)
	if got.Status != model.AccountExpired {
		t.Fatalf("previously active account should expire, got %v", got.Status)
	}
}

func TestStartLoginErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.m.StartLogin(ctx, 42); model.KindOf(err) != model.KindValidation {
		t.Fatalf("missing account: kind = %q (%v)", model.KindOf(err), err)
	}
	acc := h.account(t, "no-such-platform", "x", model.AccountDisabled)
	if _, err := h.m.StartLogin(ctx, acc.ID); model.KindOf(err) != model.KindConfiguration {
		t.Fatalf("unknown platform: kind = %q (%v)", model.KindOf(err), err)
	}
	if _, err := h.m.Status(ctx, "nope"); model.KindOf(err) != model.KindValidation {
		t.Fatalf("unknown task: %v", err)
	}
}

func TestStartLoginByNameCreatesDisabledAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, accountID, err := h.m.StartLoginByName(ctx, "juejin", "grace")
	if err != nil || id == "" || accountID == 0 {
		t.Fatalf("StartLoginByName: %q %d %v", id, accountID, err)
	}
	acc, err := h.store.Accounts().Get(ctx, accountID)
	if err != nil || acc.Status != model.AccountDisabled || acc.Name != "grace" {
		t.Fatalf("unexpected account: %+v, %v", acc, err)
	}
	again, sameAcc, err := h.m.StartLoginByName(ctx, "juejin", "grace")
	if err != nil || again != id || sameAcc != accountID {
		t.Fatalf("second start should reuse the pending session: %q %d %v", again, sameAcc, err)
	}
}

func TestProbeAppliesStatusRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	valid := h.account(t, "zhihu", "valid", model.AccountActive)
	h.drv.SetLoggedIn(valid.ID, true)
	res, err := h.m.Probe(ctx, valid.ID)
	if err != nil || !res.Valid || res.Account.Status != model.AccountActive {
		t.Fatalf("valid probe: %+v, %v", res, err)
	}

	stale := h.account(t, "zhihu", "stale", model.AccountActive)
	res, err = h.m.Probe(ctx, stale.ID)
	if err != nil || res.Valid || res.Account.Status != model.AccountExpired || res.Before != model.AccountActive {
		t.Fatalf("stale probe: %+v, %v", res, err)
	}

	fresh := h.account(t, "zhihu", "fresh", model.AccountDisabled)
	before := h.drv.Count(drivertest.CheckLogin)
	res, err = h.m.Probe(ctx, fresh.ID)
	if err != nil || res.Valid || res.Account.Status != model.AccountDisabled {
		t.Fatalf("never-authorized probe: %+v, %v", res, err)
	}
	if h.drv.Count(drivertest.CheckLogin) != before {
		t.Fatalf("never-authorized account should not reach the driver")
	}

	flaky := h.account(t, "zhihu", "flaky", model.AccountActive)
	h.drv.FailNext(drivertest.CheckLogin, errors.New("net::ERR_CONNECTION_RESET"))
	res, err = h.m.Probe(ctx, flaky.ID)
	if err != nil || res.Valid || res.Account.Status != model.AccountActive {
		t.Fatalf("transient probe should leave status alone: %+v, %v", res, err)
	}

	ok, err := h.m.IsActive(ctx, valid.ID)
	if err != nil || !ok {
		t.Fatalf("IsActive(valid) = %v, %v", ok, err)
	}
	ok, _ = h.m.IsActive(ctx, stale.ID)
	if ok {
		t.Fatalf("IsActive(stale) = true")
	}
}

func TestSweepDropsOldFinishedSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "henry", model.AccountDisabled)

	id, _ := h.m.StartLogin(ctx, acc.ID)
	if _, err := h.m.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n := h.m.Sweep(ctx); n != 0 {
		t.Fatalf("swept %d sessions inside retention", n)
	}
	h.clock.Advance(2 * time.Hour)
	if n := h.m.Sweep(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	s, err := h.m.Status(ctx, id)
	if err != nil || s.State != model.AuthFailed {
		t.Fatalf("archived status: %+v, %v", s, err)
	}
}

func TestProfileEditsAndDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "alice", model.AccountActive)
	h.account(t, "zhihu", "bob", model.AccountDisabled)

	name, remark := "  alice2 ", "main account"
	got, err := h.m.UpdateProfile(ctx, acc.ID, model.AccountPatch{Name: &name, Remark: &remark})
	if err != nil || got.Name != "alice2" || got.Remark != remark || got.Status != model.AccountActive {
		t.Fatalf("UpdateProfile: %+v, %v", got, err)
	}
	taken := "bob"
	if _, err := h.m.UpdateProfile(ctx, acc.ID, model.AccountPatch{Name: &taken}); model.KindOf(err) != model.KindValidation {
		t.Fatalf("duplicate name: %v", err)
	}
	if _, err := h.m.UpdateProfile(ctx, 999, model.AccountPatch{Remark: &remark}); !model.IsNotFound(err) {
		t.Fatalf("missing account: %v", err)
	}

	if _, err := h.m.StartLogin(ctx, acc.ID); err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if err := h.m.DeleteAccount(ctx, acc.ID); !errors.Is(err, ErrLoginInProgress) {
		t.Fatalf("delete during login: %v", err)
	}
	bob, _ := h.store.Accounts().FindByName(ctx, "zhihu", "bob")
	if err := h.m.DeleteAccount(ctx, bob.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if err := h.m.DeleteAccount(ctx, bob.ID); !model.IsNotFound(err) {
		t.Fatalf("second delete: %v", err)
	}
}

// blockCheckLogin makes CheckLogin hang. With honourCtx it returns when its
// context ends; otherwise only when release closes.
func blockCheckLogin(h *harness, honourCtx bool, release <-chan struct{}) <-chan struct{} {
	entered := make(chan struct{}, 1)
	h.drv.Hook = func(ctx context.Context, method string, _ driver.Session) error {
		if method != drivertest.CheckLogin {
			return nil
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		if honourCtx {
			<-ctx.Done()
			return ctx.Err()
		}
		<-release
		return nil
	}
	return entered
}

func TestHungLoginCheckTimesOutAtMaxWait(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "ivy", model.AccountDisabled)
	entered := blockCheckLogin(h, true, nil)

	id, err := h.m.StartLogin(ctx, acc.ID)
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })

	stuck := make(chan model.AuthSession, 1)
	go func() {
		s, _ := h.m.Poll(ctx, id)
		stuck <- s
	}()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("login check never started")
	}

	// A second poll gives up with its own context instead of queueing forever.
	pctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	s, err := h.m.Poll(pctx, id)
	if !errors.Is(err, context.DeadlineExceeded) || s.State != model.AuthPending {
		t.Fatalf("busy poll: %+v, %v", s, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("busy poll ignored its context")
	}

	h.clock.Advance(2 * time.Minute)
	select {
	case s := <-stuck:
		if s.State != model.AuthTimeout {
			t.Fatalf("hung check should end as timeout, got %s", s.State)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("hung check was not cut off at max wait")
	}
	got, _ := h.store.Accounts().Get(ctx, acc.ID)
	if got.Status != model.AccountDisabled {
		t.Fatalf("status=%v", got.Status)
	}
}

func TestPollTimesOutWhileDriverIgnoresContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "zhihu", "jack", model.AccountDisabled)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := blockCheckLogin(h, false, release)

	id, _ := h.m.StartLogin(ctx, acc.ID)
	waitFor(t, "open login", func() bool { return h.drv.Count(drivertest.OpenLogin) == 1 })
	go func() { _, _ = h.m.Poll(ctx, id) }()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("login check never started")
	}

	h.clock.Advance(2*time.Minute + time.Second)
	done := make(chan model.AuthSession, 1)
	go func() {
		s, _ := h.m.Poll(ctx, id)
		done <- s
	}()
	select {
	case s := <-done:
		if s.State != model.AuthTimeout {
			t.Fatalf("expected timeout, got %s", s.State)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Poll waited on a driver call past max wait")
	}
	s, err := h.m.Status(ctx, id)
	if err != nil || s.State != model.AuthTimeout {
		t.Fatalf("Status: %+v, %v", s, err)
	}
}
