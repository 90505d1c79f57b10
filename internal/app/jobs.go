package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"geopub/internal/accountcheck"
	"geopub/internal/config"
	"geopub/internal/task/scheduler"
	logx "geopub/pkg/logx"
)

const (
	jobAccountCheck = "account_check"
	jobAuthSweep    = "auth_sweep"
	jobPublishPrune = "publish_prune"

	defaultCheckSchedule = "0 */6 * * *"
)

var jobIDs = []string{jobAccountCheck, jobAuthSweep, jobPublishPrune}

func checkSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.AccountCheck.Schedule); s != "" {
		return s
	}
	return defaultCheckSchedule
}

// jobs lists the periodic work. account_check follows config; the
// housekeeping intervals are fixed.
func (a *App) jobs(cfg *config.Config) []scheduler.Job {
	return []scheduler.Job{
		{
			ID:       jobAccountCheck,
			Name:     "check all accounts",
			Schedule: checkSchedule(cfg),
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.checker.Run(ctx)
				if errors.Is(err, accountcheck.ErrAlreadyRunning) {
					// A manual check is in progress; it covers this slot.
					return nil
				}
				return err
			},
		},
		{
			ID:       jobAuthSweep,
			Name:     "expire stale login sessions",
			Schedule: "1m",
			Timeout:  30 * time.Second,
			Run: func(ctx context.Context) error {
				if n := a.auth.Sweep(ctx); n > 0 {
					a.log.Debug("auth sessions swept", logx.Int("count", n))
				}
				return nil
			},
		},
		{
			ID:       jobPublishPrune,
			Name:     "evict finished publish requests",
			Schedule: "10m",
			Timeout:  30 * time.Second,
			Run: func(context.Context) error {
				if n := a.publish.Prune(time.Now()); n > 0 {
					a.log.Debug("publish requests pruned", logx.Int("count", n))
				}
				return nil
			},
		},
	}
}

func (a *App) registerJobs(cfg *config.Config) error {
	for _, j := range a.jobs(cfg) {
		if err := a.sched.Add(j); err != nil {
			return err
		}
	}
	return nil
}
