package config

import (
	"strings"

	"github.com/spf13/viper"
)

// envKeys maps viper keys to the environment variables that override them.
var envKeys = map[string]string{
	"http_addr":      "GEOPUB_HTTP_ADDR",
	"storage_driver": "GEOPUB_STORAGE_DRIVER",
	"storage_path":   "GEOPUB_STORAGE_PATH",
	"storage_secret": "GEOPUB_STORAGE_SECRET",
	"redis_addr":     "GEOPUB_REDIS_ADDR",
	"redis_password": "GEOPUB_REDIS_PASSWORD",
	"browser_bin":    "GEOPUB_BROWSER_BIN",
	"browser_url":    "GEOPUB_BROWSER_CONTROL_URL",
	"telegram_token": "GEOPUB_TELEGRAM_TOKEN",
	"telegram_chat":  "GEOPUB_TELEGRAM_CHAT_ID",
	"log_level":      "GEOPUB_LOG_LEVEL",
}

// ApplyEnv overlays environment variables onto cfg. Secrets are usually
// supplied this way rather than in the file.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()
	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}

	set := func(dst *string, key string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	set(&cfg.HTTP.Addr, "http_addr")
	set(&cfg.Storage.Driver, "storage_driver")
	set(&cfg.Storage.Path, "storage_path")
	set(&cfg.Storage.Secret, "storage_secret")
	set(&cfg.Redis.Addr, "redis_addr")
	set(&cfg.Redis.Password, "redis_password")
	set(&cfg.Browser.Bin, "browser_bin")
	set(&cfg.Browser.ControlURL, "browser_url")
	set(&cfg.Telegram.Token, "telegram_token")
	set(&cfg.Logging.Level, "log_level")
	if id := v.GetInt64("telegram_chat"); id != 0 {
		cfg.Telegram.ChatID = id
	}
}
