package app

import (
	"strings"
	"time"

	"geopub/internal/config"
	"geopub/internal/storage"
)

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: config.MustDuration(sc.BusyTimeout, 2*time.Second),
		Secret:      sc.Secret,
	}
}
