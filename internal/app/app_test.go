package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"geopub/internal/config"
	"geopub/internal/driver"
	"geopub/internal/task/engine"
	"geopub/internal/task/scheduler"
)

const testConfig = `
logging: {level: error, console: true}
http: {addr: "127.0.0.1:0", mode: test}
storage: {driver: memory}
browser: {enabled: false}
task_engine: {workers: 2, queue_size: 16}
publish: {retry_max: 0}
account_check: {schedule: "0 */6 * * *"}
scheduler: {enabled: false}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geopub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.drv.(driver.Disabled); !ok {
		t.Fatalf("expected disabled driver, got %T", a.drv)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	jobs := a.sched.Jobs()
	if len(jobs) != 3 || jobs[0].ID != jobAccountCheck {
		t.Fatalf("jobs=%+v", jobs)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := a.health(); ok {
			break
		}
		if time.Now().After(deadline) {
			detail, _ := a.health()
			t.Fatalf("not healthy: %+v", detail)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
}

func TestApplyReloadsLiveSections(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopSignal)
	})

	prev := a.cfgm.Get()
	next := *prev
	next.TaskEngine.Workers = 4
	next.AccountCheck.Schedule = "30m"
	next.Scheduler.Enabled = true
	a.apply(ctx, prev, &next)

	if got := a.engine.Snapshot().Workers; got != 4 {
		t.Fatalf("workers=%d", got)
	}
	if !a.sched.Running() {
		t.Fatal("scheduler not started by reload")
	}
	var spec string
	for _, j := range a.sched.Jobs() {
		if j.ID == jobAccountCheck {
			spec = j.Spec
		}
	}
	if spec == "" || spec == defaultCheckSchedule {
		t.Fatalf("account check schedule not replaced: %q", spec)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"bad schedule":    "account_check: {schedule: \"every now and then\"}\n",
		"unknown field":   "nope: 1\n",
		"bad driver":      "storage: {driver: postgres}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMappersApplyDefaults(t *testing.T) {
	cfg := &config.Config{}
	if got := mapPublish(cfg); got.RetryMax != 2 || got.RetryBase != 2*time.Second || got.RetryMaxDelay != 10*time.Second {
		t.Fatalf("publish=%+v", got)
	}
	if got := mapHTTP(cfg); got.Mode != "release" || got.ShutdownTimeout != 5*time.Second {
		t.Fatalf("http=%+v", got)
	}
	if got := mapBrowser(cfg); !got.Headless {
		t.Fatalf("browser=%+v", got)
	}
	if _, on := mapGuard(cfg); on {
		t.Fatal("guard enabled without redis addr")
	}
	if got := mapStorage(cfg); got.Driver != "memory" {
		t.Fatalf("storage=%+v", got)
	}
	if !mapTaskEngine(cfg).Enabled {
		t.Fatal("engine should default to enabled")
	}
	if checkSchedule(cfg) != defaultCheckSchedule {
		t.Fatal("default check schedule")
	}

	cfg.Logging.Remote.Enabled = true
	if mapLogging(cfg).Remote.Enabled {
		t.Fatal("remote logging needs telegram")
	}
}

func TestScheduledJobsLeavePublishWorkersFree(t *testing.T) {
	ctx := context.Background()
	body := strings.Replace(testConfig, "workers: 2", "workers: 1", 1)
	a, err := New(ctx, writeConfig(t, body))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopSignal)
	})

	started, release := make(chan struct{}), make(chan struct{})
	defer close(release)
	err = a.sched.Add(scheduler.Job{
		ID:       "slow_check",
		Schedule: "at:" + time.Now().Add(2*time.Second).Format(time.RFC3339),
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	a.sched.StartManual(ctx)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled job never ran")
	}

	ran := make(chan struct{})
	err = a.engine.Submit(ctx, engine.Task{Name: "publish.attempt", Run: func(context.Context) error {
		close(ran)
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("publish task waited behind a scheduled job")
	}
}
