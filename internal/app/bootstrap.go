package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"geopub/internal/accountcheck"
	"geopub/internal/api"
	"geopub/internal/auth"
	"geopub/internal/config"
	"geopub/internal/driver/roddriver"
	"geopub/internal/notify/telegram"
	"geopub/internal/platform"
	"geopub/internal/publish"
	"geopub/internal/publish/guard"
	"geopub/internal/task/engine"
	"geopub/internal/task/scheduler"
	logx "geopub/pkg/logx"
)

// Mappers from the on-disk config to component configs. Durations were
// checked by config.Validate, so the defaults below only cover unset
// fields.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled && cfg.Telegram.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

func mapTaskEngine(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	return engine.Config{
		Enabled:        te.EngineEnabled(),
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: config.MustDuration(te.DefaultTimeout, 0),
		MaxQueueDelay:  config.MustDuration(te.MaxQueueDelay, 0),
		HistorySize:    te.HistorySize,
	}
}

// mapJobPool sizes the pool that runs scheduled jobs: one worker per
// registered job, so a slow account check delays neither housekeeping nor
// publishing.
func mapJobPool(cfg *config.Config) engine.Config {
	return engine.Config{
		Enabled:             true,
		Workers:             len(jobIDs),
		QueueSize:           2 * len(jobIDs),
		HistorySize:         cfg.TaskEngine.HistorySize,
		CircuitTripFailures: -1,
	}
}

func mapPublish(cfg *config.Config) publish.Config {
	p := cfg.Publish
	return publish.Config{
		RetryMax:         p.EffectiveRetryMax(),
		RetryBase:        config.MustDuration(p.RetryBase, 2*time.Second),
		RetryMaxDelay:    config.MustDuration(p.RetryMaxDelay, 10*time.Second),
		StepTimeout:      config.MustDuration(p.StepTimeout, 30*time.Second),
		Retention:        config.MustDuration(p.Retention, 24*time.Hour),
		PerPlatformLimit: p.PerPlatformLimit,
	}
}

func mapAuth(cfg *config.Config) auth.Config {
	return auth.Config{
		Retention:    config.MustDuration(cfg.Auth.Retention, time.Hour),
		ProbeTimeout: config.MustDuration(cfg.AccountCheck.ProbeTimeout, 30*time.Second),
	}
}

func mapAccountCheck(cfg *config.Config) accountcheck.Config {
	return accountcheck.Config{Concurrency: cfg.AccountCheck.Concurrency}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapHTTP(cfg *config.Config) api.Config {
	h := cfg.HTTP
	mode := h.Mode
	if mode == "" {
		mode = "release"
	}
	return api.Config{
		Addr:            h.Addr,
		ReadTimeout:     config.MustDuration(h.ReadTimeout, 15*time.Second),
		WriteTimeout:    config.MustDuration(h.WriteTimeout, 30*time.Second),
		ShutdownTimeout: config.MustDuration(h.ShutdownTimeout, 5*time.Second),
		WSBuffer:        h.WSBuffer,
		Mode:            mode,
		Pprof:           h.Pprof,
		PprofToken:      h.PprofToken,
	}
}

func mapBrowser(cfg *config.Config) roddriver.Config {
	b := cfg.Browser
	headless := true
	if b.Headless != nil {
		headless = *b.Headless
	}
	return roddriver.Config{
		Bin:           b.Bin,
		ControlURL:    b.ControlURL,
		Headless:      headless,
		NoSandbox:     b.NoSandbox,
		NavRatePerSec: b.NavRatePerSec,
	}
}

// mapGuard returns ok=false when redis is not configured.
func mapGuard(cfg *config.Config) (guard.Config, bool) {
	r := cfg.Redis
	if strings.TrimSpace(r.Addr) == "" {
		return guard.Config{}, false
	}
	return guard.Config{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Window:   config.MustDuration(r.GuardWindow, 10*time.Minute),
	}, true
}

func mapTelegram(cfg *config.Config) telegram.Config {
	t := cfg.Telegram
	return telegram.Config{
		Token:          t.Token,
		ChatID:         t.ChatID,
		ThreadID:       t.ThreadID,
		NotifyFailures: t.NotifyFailures,
		RatePerSec:     t.RatePerSec,
	}
}

func loadPlatforms(cfg *config.Config) (*platform.Registry, error) {
	if f := strings.TrimSpace(cfg.Platforms.File); f != "" {
		reg, err := platform.LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("platforms.file: %w", err)
		}
		return reg, nil
	}
	return platform.Default()
}

// validate runs on every reload before the new config is committed. It
// covers what config.Validate cannot see: the account check schedule.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := scheduler.ParseSchedule(checkSchedule(cfg)); err != nil {
		return fmt.Errorf("account_check.schedule: %w", err)
	}
	return nil
}
