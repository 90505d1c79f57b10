package config

import (
	"reflect"
	"sort"
	"strings"

	logx "geopub/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and safe
// log fields describing the new values. Secrets are reported only as
// set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	ov := reflect.ValueOf(*oldCfg)
	nv := reflect.ValueOf(*newCfg)
	t := ov.Type()

	changed := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			changed = append(changed, sectionName(t.Field(i)))
		}
	}
	sort.Strings(changed)

	attrs := make([]logx.Field, 0, 12)
	for _, name := range changed {
		switch name {
		case "logging":
			attrs = append(attrs,
				logx.String("logging.level", newCfg.Logging.Level),
				logx.Bool("logging.file", newCfg.Logging.File.Enabled),
				logx.Bool("logging.remote", newCfg.Logging.Remote.Enabled),
			)
		case "task_engine":
			attrs = append(attrs,
				logx.Bool("task_engine.enabled", newCfg.TaskEngine.EngineEnabled()),
				logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			)
		case "publish":
			attrs = append(attrs,
				logx.Int("publish.retry_max", newCfg.Publish.EffectiveRetryMax()),
				logx.String("publish.step_timeout", newCfg.Publish.StepTimeout),
			)
		case "scheduler":
			attrs = append(attrs,
				logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
				logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			)
		case "account_check":
			attrs = append(attrs, logx.String("account_check.schedule", newCfg.AccountCheck.Schedule))
		case "redis":
			attrs = append(attrs,
				logx.Bool("redis.enabled", strings.TrimSpace(newCfg.Redis.Addr) != ""),
				logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
			)
		case "telegram":
			attrs = append(attrs,
				logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
				logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			)
		}
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, name := range changed {
		switch name {
		case "http", "storage", "redis", "browser", "platforms", "telegram":
			out = append(out, name)
		}
	}
	return out
}

func sectionName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if i := strings.IndexByte(tag, ','); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	return tag
}
