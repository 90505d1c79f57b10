package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that cannot be expressed by the JSON schema.
// Cron specs are checked by the scheduler.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := map[string]string{
		"http.read_timeout":           cfg.HTTP.ReadTimeout,
		"http.write_timeout":          cfg.HTTP.WriteTimeout,
		"http.shutdown_timeout":       cfg.HTTP.ShutdownTimeout,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"redis.guard_window":          cfg.Redis.GuardWindow,
		"task_engine.default_timeout": cfg.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay": cfg.TaskEngine.MaxQueueDelay,
		"publish.retry_base":          cfg.Publish.RetryBase,
		"publish.retry_max_delay":     cfg.Publish.RetryMaxDelay,
		"publish.step_timeout":        cfg.Publish.StepTimeout,
		"publish.retention":           cfg.Publish.Retention,
		"auth.retention":              cfg.Auth.Retention,
		"account_check.probe_timeout": cfg.AccountCheck.ProbeTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite", cfg.Storage.Driver))
	}

	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 {
		errs = append(errs, errors.New("task_engine.workers and task_engine.queue_size must be >= 0"))
	}
	if cfg.AccountCheck.Concurrency < 0 {
		errs = append(errs, errors.New("account_check.concurrency must be >= 0"))
	}
	if cfg.Publish.PerPlatformLimit < 0 {
		errs = append(errs, errors.New("publish.per_platform_limit must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram.token and telegram.chat_id are required when telegram is enabled"))
	}
	return errors.Join(errs...)
}

// EffectiveRetryMax resolves publish.retry_max: nil means 2.
func (c PublishConfig) EffectiveRetryMax() int {
	if c.RetryMax == nil {
		return 2
	}
	return *c.RetryMax
}

// EngineEnabled resolves task_engine.enabled: nil means true.
func (c TaskEngineConfig) EngineEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
