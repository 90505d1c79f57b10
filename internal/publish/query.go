package publish

import (
	"context"
	"errors"
	"time"

	"geopub/internal/model"
	"geopub/internal/storage"
	logx "geopub/pkg/logx"
)

func (s *Scheduler) lookup(requestID string) *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[requestID]
}

func notFound(op, what, id string) error {
	return model.NotFound(op, "%s %s not found", what, id)
}

// Status returns the aggregate of a request. Requests evicted from memory are
// read from storage.
func (s *Scheduler) Status(ctx context.Context, requestID string) (model.PublishRecord, error) {
	if r := s.lookup(requestID); r != nil {
		return r.record(), nil
	}
	rec, err := s.store.Publish().GetRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return rec, notFound("publish.status", "request", requestID)
	}
	return rec, err
}

func (s *Scheduler) Task(ctx context.Context, taskID string) (model.PublishTask, error) {
	s.mu.Lock()
	r := s.owners[taskID]
	s.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		t := *r.tasks[taskID]
		r.mu.Unlock()
		return t, nil
	}
	t, err := s.store.Publish().GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return t, notFound("publish.task", "task", taskID)
	}
	return t, err
}

// Requests lists stored requests, newest first.
func (s *Scheduler) Requests(ctx context.Context, limit int) ([]model.PublishRequest, error) {
	return s.store.Publish().ListRequests(ctx, limit)
}

// Cancel fails every non-terminal task of the request with "cancelled".
// Workers stop at their next checkpoint and queued tasks never start.
// Cancelling a complete request is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, requestID string) (model.PublishRecord, error) {
	r := s.lookup(requestID)
	if r == nil {
		return s.cancelStored(ctx, requestID, model.ErrCancelled)
	}
	s.cancelRequest(r, model.ErrCancelled)
	return r.record(), nil
}

func (s *Scheduler) cancelRequest(r *request, cause error) int {
	r.mu.Lock()
	already := r.req.CompletedAt != nil
	if !already {
		r.cancelled.Store(true)
		r.req.Cancelled = errors.Is(cause, model.ErrCancelled)
	}
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()
	if already {
		return 0
	}
	r.abortOnce.Do(func() { close(r.abort) })
	// Aborting cancels the running driver calls; wait for them to return.
	r.gate.Lock()
	r.gate.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := s.fail(r, id, cause); ok {
			n++
		}
	}
	s.log.Info("publish request cancelled", logx.RequestID(r.req.ID), logx.Int("tasks", n), logx.String("reason", model.Message(cause)))
	return n
}

// cancelStored closes a request this process no longer tracks, typically one
// interrupted by a restart.
func (s *Scheduler) cancelStored(ctx context.Context, requestID string, cause error) (model.PublishRecord, error) {
	repo := s.store.Publish()
	rec, err := repo.GetRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return rec, notFound("publish.cancel", "request", requestID)
	}
	if err != nil || rec.Complete {
		return rec, err
	}

	now := time.Now()
	for i := range rec.Tasks {
		t := &rec.Tasks[i]
		if t.Status.Terminal() {
			continue
		}
		t.Status = model.TaskFailed
		t.Error = model.Message(cause)
		t.ErrorKind = string(model.KindOf(cause))
		t.UpdatedAt = now
		if err := repo.SaveTask(ctx, *t); err != nil {
			return rec, err
		}
		s.broadcast(requestID, *t, false)
	}
	req := rec.PublishRequest
	req.Cancelled = errors.Is(cause, model.ErrCancelled)
	req.CompletedAt = &now
	if err := repo.UpdateRequest(ctx, req); err != nil {
		return rec, err
	}
	out := model.NewPublishRecord(req, rec.Tasks)
	if len(out.Tasks) > 0 {
		s.broadcast(requestID, out.Tasks[len(out.Tasks)-1], true)
	}
	return out, nil
}

// Recover fails the tasks of stored requests left incomplete by a previous
// process. It returns the number of requests closed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	reqs, err := s.store.Publish().ListRequests(ctx, 0)
	if err != nil {
		return 0, err
	}
	interrupted := model.Errorf(model.KindCancelled, "publish.recover", "interrupted by restart")
	n := 0
	for _, req := range reqs {
		if req.CompletedAt != nil || s.lookup(req.ID) != nil {
			continue
		}
		if _, err := s.cancelStored(ctx, req.ID, interrupted); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.Warn("closed interrupted publish requests", logx.Int("requests", n))
	}
	return n, nil
}

// Prune evicts complete requests older than the retention from memory. They
// remain readable from storage.
func (s *Scheduler) Prune(now time.Time) int {
	cutoff := now.Add(-s.config().Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.requests {
		r.mu.Lock()
		done := r.req.CompletedAt
		r.mu.Unlock()
		if done == nil || done.After(cutoff) {
			continue
		}
		delete(s.requests, id)
		for _, tid := range r.order {
			delete(s.owners, tid)
		}
		n++
	}
	if n > 0 {
		s.log.Debug("pruned publish requests", logx.Int("count", n))
	}
	return n
}

// Close rejects new submissions and fails all outstanding tasks with
// "scheduler stopped".
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*request, 0, len(s.requests))
	for _, r := range s.requests {
		open = append(open, r)
	}
	s.mu.Unlock()

	stopped := model.Errorf(model.KindCancelled, "publish.close", "scheduler stopped")
	for _, r := range open {
		if ctx.Err() != nil {
			break
		}
		s.cancelRequest(r, stopped)
	}
	s.cancel()
	return ctx.Err()
}
