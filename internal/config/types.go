// Package config loads geopub's JSON or YAML configuration, applies
// environment overrides and hot-reloads it from disk.
package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "2m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	HTTP         HTTPConfig         `json:"http"`
	Storage      StorageConfig      `json:"storage"`
	Redis        RedisConfig        `json:"redis"`
	Browser      BrowserConfig      `json:"browser"`
	Platforms    PlatformsConfig    `json:"platforms"`
	TaskEngine   TaskEngineConfig   `json:"task_engine"`
	Publish      PublishConfig      `json:"publish"`
	Auth         AuthConfig         `json:"auth"`
	AccountCheck AccountCheckConfig `json:"account_check"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Telegram     TelegramConfig     `json:"telegram"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote forwards log lines to the telegram operator chat.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the REST API and live channel.
//
// Defaults: addr ":8080", read_timeout "15s", write_timeout "30s",
// shutdown_timeout "5s", ws_buffer 64, mode "release".
type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	WSBuffer        int    `json:"ws_buffer,omitempty"`
	Mode            string `json:"mode,omitempty"`
	// Pprof mounts /debug/pprof on the API listener. Set PprofToken when
	// the address is reachable from outside.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/geopub.db" }
//
// driver is "memory" or "sqlite"; empty means memory. A secret encrypts
// stored login cookies; without it they are written in plain text.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Secret      string `json:"secret,omitempty"`
}

// RedisConfig enables the duplicate-submission guard. An empty addr
// disables it.
type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	GuardWindow string `json:"guard_window,omitempty"`
}

// BrowserConfig controls the automation driver. With enabled=false every
// login and publish attempt fails with a configuration error.
type BrowserConfig struct {
	Enabled       bool    `json:"enabled"`
	Bin           string  `json:"bin,omitempty"`
	ControlURL    string  `json:"control_url,omitempty"`
	Headless      *bool   `json:"headless,omitempty"`
	NoSandbox     bool    `json:"no_sandbox,omitempty"`
	NavRatePerSec float64 `json:"nav_rate_per_sec,omitempty"`
}

// PlatformsConfig overrides the built-in platform catalogue.
type PlatformsConfig struct {
	File string `json:"file,omitempty"`
}

// TaskEngineConfig controls the publish worker pool.
//
// Defaults: enabled true, workers 3, queue_size 256, history_size 200,
// default_timeout and max_queue_delay disabled.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// PublishConfig controls publish attempts.
//
// Defaults: retry_max 2, retry_base "2s", retry_max_delay "10s",
// step_timeout "30s", retention "24h". A negative retry_max disables
// retries.
type PublishConfig struct {
	RetryMax         *int   `json:"retry_max,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
	StepTimeout      string `json:"step_timeout,omitempty"`
	Retention        string `json:"retention,omitempty"`
	PerPlatformLimit int    `json:"per_platform_limit,omitempty"`
}

type AuthConfig struct {
	Retention string `json:"retention,omitempty"`
}

type AccountCheckConfig struct {
	Concurrency  int    `json:"concurrency,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TelegramConfig enables operator notifications.
type TelegramConfig struct {
	Enabled        bool    `json:"enabled"`
	Token          string  `json:"token,omitempty"`
	ChatID         int64   `json:"chat_id,omitempty"`
	ThreadID       int     `json:"thread_id,omitempty"`
	NotifyFailures bool    `json:"notify_failures,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
}
