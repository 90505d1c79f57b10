package publish

import (
	"context"
	"errors"
	"time"

	"geopub/internal/driver"
	"geopub/internal/model"
	"geopub/internal/platform"
	logx "geopub/pkg/logx"
)

// attempt drives one publish attempt through the browser. Every driver call
// and every wait is preceded by a cancellation checkpoint.
type attempt struct {
	s       *Scheduler
	r       *request
	pc      platform.Config
	step    time.Duration
	session driver.Session
}

func (at *attempt) publish(ctx context.Context, a model.Article) (string, error) {
	drv := at.s.drv
	sel := at.pc.Publish.Selectors
	waits := at.pc.Publish.Waits

	// A blank entry URL publishes on the page the session is already on.
	if url := at.pc.Publish.EntryURL; url != "" {
		if err := at.call(ctx, "navigate", at.step+waits.AfterLoad, func(ctx context.Context) error {
			return drv.Navigate(ctx, at.session, url)
		}); err != nil {
			return "", err
		}
	}
	if err := at.wait(ctx, waits.AfterLoad); err != nil {
		return "", err
	}
	if err := at.call(ctx, "fill_title", at.step, func(ctx context.Context) error {
		return drv.Fill(ctx, at.session, sel.Title, a.Title)
	}); err != nil {
		return "", err
	}
	if err := at.call(ctx, "fill_content", at.step, func(ctx context.Context) error {
		return drv.Fill(ctx, at.session, sel.Content, a.Content)
	}); err != nil {
		return "", err
	}
	if err := at.wait(ctx, waits.AfterFill); err != nil {
		return "", err
	}
	if err := at.call(ctx, "submit", at.step, func(ctx context.Context) error {
		return drv.Submit(ctx, at.session, sel.Submit)
	}); err != nil {
		return "", err
	}
	if err := at.wait(ctx, waits.AfterSubmit); err != nil {
		return "", err
	}

	var conf driver.Confirmation
	if err := at.call(ctx, "confirm", at.step, func(ctx context.Context) error {
		var err error
		conf, err = drv.Confirm(ctx, at.session, at.pc)
		return err
	}); err != nil {
		return "", err
	}
	return conf.URL, nil
}

// checkpoint fails once the request was cancelled or the attempt's context
// ended.
func (at *attempt) checkpoint(ctx context.Context) error {
	if at.r.cancelled.Load() {
		return model.ErrCancelled
	}
	select {
	case <-at.r.abort:
		return model.ErrCancelled
	default:
	}
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return model.Wrap(model.KindTransientDriver, "publish.attempt", err)
	default:
		return model.ErrCancelled
	}
}

func (at *attempt) call(ctx context.Context, step string, budget time.Duration, fn func(context.Context) error) error {
	// Cancel waits on the write side, so no call starts once it returns.
	at.r.gate.RLock()
	defer at.r.gate.RUnlock()
	if err := at.checkpoint(ctx); err != nil {
		return err
	}
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	err := fn(stepCtx)
	if err == nil {
		at.s.log.Debug("publish step done", logx.String("step", step), logx.String("session", at.session.ID), logx.Duration("dur", time.Since(start)))
		return nil
	}
	if cerr := at.checkpoint(ctx); cerr != nil {
		return cerr
	}
	return driver.Wrap("publish."+step, err)
}

func (at *attempt) wait(ctx context.Context, d time.Duration) error {
	if err := at.checkpoint(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return at.checkpoint(ctx)
}

func (at *attempt) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := at.s.drv.Close(ctx, at.session); err != nil {
		at.s.log.Debug("close publish session failed", logx.String("session", at.session.ID), logx.Err(err))
	}
}
