// Package accountcheck probes every stored account for a valid login session
// and reports progress as it goes.
package accountcheck

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"geopub/internal/auth"
	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/storage"
	logx "geopub/pkg/logx"
)

var ErrAlreadyRunning = errors.New("accountcheck: a check is already running")

// Prober checks one account. *auth.Manager implements it.
type Prober interface {
	Probe(ctx context.Context, accountID int64) (auth.ProbeResult, error)
}

type Config struct {
	// Concurrency bounds the probes running at once.
	Concurrency int
}

type Runner struct {
	store  storage.Store
	prober Prober
	bus    eventbus.Bus
	log    logx.Logger
	conc   atomic.Int32

	running atomic.Bool

	mu   sync.Mutex
	last *model.AccountCheckSummary
}

func New(store storage.Store, prober Prober, bus eventbus.Bus, log logx.Logger, cfg Config) *Runner {
	r := &Runner{
		store:  store,
		prober: prober,
		bus:    bus,
		log:    log.With(logx.String("comp", "accountcheck")),
	}
	r.Apply(cfg)
	return r
}

// Apply takes effect from the next run.
func (r *Runner) Apply(cfg Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	r.conc.Store(int32(cfg.Concurrency))
}

func (r *Runner) Running() bool { return r.running.Load() }

// Last returns the summary of the previous run.
func (r *Runner) Last() (model.AccountCheckSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return model.AccountCheckSummary{}, false
	}
	return *r.last, true
}

// Run probes every account. Progress events carry a strictly increasing
// Current even though probes finish out of order. When ctx ends no further
// probes start; the summary covers those that completed and ctx.Err() is
// returned with it.
func (r *Runner) Run(ctx context.Context) (model.AccountCheckSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return model.AccountCheckSummary{}, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	start := time.Now()
	accounts, err := r.store.Accounts().List(ctx)
	if err != nil {
		return model.AccountCheckSummary{}, err
	}
	total := len(accounts)
	conc := int(r.conc.Load())
	r.log.Info("account check started", logx.Int("accounts", total), logx.Int("concurrency", conc))

	type indexed struct {
		i   int
		res model.AccountCheckResult
	}
	var (
		mu      sync.Mutex
		current int
		done    []indexed
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, conc)

launch:
	for i, acc := range accounts {
		select {
		case <-ctx.Done():
			break launch
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			break launch
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res := r.probe(ctx, acc)

			mu.Lock()
			defer mu.Unlock()
			current++
			done = append(done, indexed{i: i, res: res})
			r.publish(eventbus.AccountCheckProgress{
				Current:  current,
				Total:    total,
				Progress: current * 100 / total,
				Result:   res,
			})
		}()
	}
	wg.Wait()

	sort.Slice(done, func(a, b int) bool { return done[a].i < done[b].i })
	sum := model.AccountCheckSummary{Total: total, CheckTime: start, Results: make([]model.AccountCheckResult, 0, len(done))}
	for _, d := range done {
		sum.Results = append(sum.Results, d.res)
		if d.res.IsValid {
			sum.Success++
		} else {
			sum.Failed++
		}
	}

	r.mu.Lock()
	r.last = &sum
	r.mu.Unlock()
	r.publish(eventbus.AccountCheckComplete{Summary: sum})

	fields := []logx.Field{logx.Int("total", total), logx.Int("checked", len(done)), logx.Int("valid", sum.Success), logx.Int("invalid", sum.Failed), logx.Duration("dur", time.Since(start))}
	if err := ctx.Err(); err != nil {
		r.log.Warn("account check interrupted", append(fields, logx.Err(err))...)
		return sum, err
	}
	r.log.Info("account check finished", fields...)
	return sum, nil
}

func (r *Runner) probe(ctx context.Context, acc model.Account) model.AccountCheckResult {
	res := model.AccountCheckResult{
		AccountID:    acc.ID,
		Platform:     acc.Platform,
		AccountName:  acc.Name,
		StatusBefore: acc.Status,
		StatusAfter:  acc.Status,
		CheckTime:    time.Now(),
	}
	pr, err := r.prober.Probe(ctx, acc.ID)
	if err != nil {
		res.Message = model.Message(err)
		r.log.Warn("account probe failed", logx.AccountID(acc.ID), logx.Err(err))
		return res
	}
	res.StatusBefore = pr.Before
	res.StatusAfter = pr.Account.Status
	res.IsValid = pr.Valid
	res.Message = pr.Message
	return res
}

func (r *Runner) publish(p eventbus.Payload) {
	if r.bus != nil {
		r.bus.Publish(eventbus.NewEvent(p))
	}
}
