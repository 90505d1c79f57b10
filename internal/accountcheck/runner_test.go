package accountcheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"geopub/internal/auth"
	"geopub/internal/driver/drivertest"
	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/platform"
	"geopub/internal/storage"
	logx "geopub/pkg/logx"
)

type harness struct {
	r     *Runner
	drv   *drivertest.Fake
	store storage.Store
	bus   eventbus.Bus
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	reg, err := platform.Default()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{drv: drivertest.New(), store: storage.NewMemory(), bus: eventbus.New()}
	m := auth.New(context.Background(), reg, h.drv, h.store, h.bus, logx.Nop(), auth.Config{ProbeTimeout: time.Second})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	h.r = New(h.store, m, h.bus, logx.Nop(), Config{Concurrency: concurrency})
	return h
}

func (h *harness) account(t *testing.T, name string, status model.AccountStatus, loggedIn bool) int64 {
	t.Helper()
	a := model.Account{Platform: "zhihu", Name: name, Status: status}
	if status == model.AccountActive {
		now := time.Now()
		a.LastAuthAt = &now
		a.SessionState = []byte(`[]`)
	}
	if err := h.store.Accounts().Create(context.Background(), &a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	h.drv.SetLoggedIn(a.ID, loggedIn)
	return a.ID
}

func TestRunProbesEveryAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	h.drv.Delay = 5 * time.Millisecond
	valid1 := h.account(t, "v1", model.AccountActive, true)
	lapsed := h.account(t, "lapsed", model.AccountActive, false)
	valid2 := h.account(t, "v2", model.AccountActive, true)
	never := h.account(t, "never", model.AccountDisabled, false)

	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	sum, err := h.r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Total != 4 || sum.Success != 2 || sum.Failed != 2 || len(sum.Results) != 4 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	wantOrder := []int64{valid1, lapsed, valid2, never}
	for i, res := range sum.Results {
		if res.AccountID != wantOrder[i] {
			t.Fatalf("result %d is account %d, want %d", i, res.AccountID, wantOrder[i])
		}
	}
	if got := sum.Results[1]; got.IsValid || got.StatusBefore != model.AccountActive || got.StatusAfter != model.AccountExpired {
		t.Fatalf("lapsed result %+v", got)
	}
	if got := sum.Results[3]; got.IsValid || got.StatusAfter != model.AccountDisabled {
		t.Fatalf("never authorized result %+v", got)
	}
	if h.drv.CountFor(never) != 0 {
		t.Fatalf("never authorized account reached the driver")
	}
	if n := h.drv.MaxInFlight(); n > 2 {
		t.Fatalf("max in flight %d", n)
	}

	prev := 0
	var complete *eventbus.AccountCheckComplete
	for complete == nil {
		select {
		case ev := <-events:
			switch p := ev.Payload.(type) {
			case eventbus.AccountCheckProgress:
				if p.Current != prev+1 || p.Total != 4 || p.Progress != p.Current*100/4 {
					t.Fatalf("progress %+v after %d", p, prev)
				}
				prev = p.Current
			case eventbus.AccountCheckComplete:
				complete = &p
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events, last progress %d", prev)
		}
	}
	if prev != 4 || complete.Summary.Success != 2 {
		t.Fatalf("progress=%d complete=%+v", prev, complete.Summary)
	}

	last, ok := h.r.Last()
	if !ok || last.Total != 4 {
		t.Fatalf("Last=%+v ok=%v", last, ok)
	}
}

func TestRunIsSingleFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.drv.Delay = 100 * time.Millisecond
	h.account(t, "a", model.AccountActive, true)

	errc := make(chan error, 1)
	go func() {
		_, err := h.r.Run(context.Background())
		errc <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !h.r.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("first run never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := h.r.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := h.r.Run(context.Background()); err != nil {
		t.Fatalf("run after finish: %v", err)
	}
}

func TestRunStopsLaunchingOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.drv.Delay = 30 * time.Millisecond
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		h.account(t, name, model.AccountActive, true)
	}

	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ev := range events {
			if _, ok := ev.Payload.(eventbus.AccountCheckProgress); ok {
				cancel()
				return
			}
		}
	}()

	sum, err := h.r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v", err)
	}
	if sum.Total != 5 || len(sum.Results) == 0 || len(sum.Results) >= 5 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Success+sum.Failed != len(sum.Results) {
		t.Fatalf("counts do not match results: %+v", sum)
	}
}

func TestRunWithNoAccounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	sum, err := h.r.Run(context.Background())
	if err != nil || sum.Total != 0 || len(sum.Results) != 0 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
}
