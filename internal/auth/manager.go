// Package auth runs login sessions for publishing accounts.
//
// A session moves pending -> success | failed | timeout and never leaves a
// terminal state. Each pending session is polled by its own goroutine on the
// platform's check interval; terminal sessions are archived to storage,
// update the account status and are broadcast as AuthComplete events.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"geopub/internal/driver"
	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/platform"
	rtsup "geopub/internal/runtime/supervisor"
	"geopub/internal/storage"
	logx "geopub/pkg/logx"
)

// Platforms resolves platform descriptors.
type Platforms interface {
	Lookup(id string) (platform.Config, error)
}

// Config tunes session bookkeeping. Zero fields take the defaults applied
// by New.
type Config struct {
	// Retention keeps finished sessions in memory for status queries.
	Retention time.Duration
	// ArchiveRetention bounds the archived history in storage.
	ArchiveRetention time.Duration
	// ProbeTimeout bounds the single driver check made by Probe.
	ProbeTimeout time.Duration
}

// ProbeResult is the outcome of a session validity check.
type ProbeResult struct {
	Before  model.AccountStatus
	Account model.Account
	Valid   bool
	Message string
}

// Manager owns every login session and is the only writer of account
// status. It is safe for concurrent use.
type Manager struct {
	platforms Platforms
	drv       driver.Driver
	store     storage.Store
	bus       eventbus.Bus
	log       logx.Logger
	clock     Clock
	cfg       Config
	sup       *rtsup.Supervisor

	mu        sync.Mutex
	sessions  map[string]*session
	pending   map[int64]string
	acctLocks map[int64]*sync.Mutex
}

type session struct {
	// turn holds one token while a driver call for the session runs.
	turn chan struct{}

	snap   model.AuthSession
	pc     platform.Config
	drv    driver.Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

// New builds a Manager. Poll loops run under parent until Close.
func New(parent context.Context, platforms Platforms, drv driver.Driver, store storage.Store, bus eventbus.Bus, log logx.Logger, cfg Config, opts ...Option) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = 30 * 24 * time.Hour
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	log = log.With(logx.String("comp", "auth"))
	m := &Manager{
		platforms: platforms,
		drv:       drv,
		store:     store,
		bus:       bus,
		log:       log,
		clock:     SystemClock{},
		cfg:       cfg,
		sup:       rtsup.New(parent, rtsup.WithLogger(log)),
		sessions:  map[string]*session{},
		pending:   map[int64]string{},
		acctLocks: map[int64]*sync.Mutex{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ErrLoginInProgress is returned when an account with a pending login is
// deleted.
var ErrLoginInProgress = errors.New("auth: login in progress for account")

// errMaxWait is the cancellation cause of driver calls cut off at the
// session's max wait.
var errMaxWait = errors.New("auth: max wait reached")

func notFound(op string, format string, args ...any) error {
	return model.NotFound(op, format, args...)
}

// StartLogin opens a login session for an existing account and returns its
// task id. While a session for the account is pending the same id is
// returned.
func (m *Manager) StartLogin(ctx context.Context, accountID int64) (string, error) {
	const op = "auth.start"
	if err := m.sup.Context().Err(); err != nil {
		return "", model.Errorf(model.KindInternal, op, "auth manager is closed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.pending[accountID]; ok {
		return id, nil
	}

	acc, err := m.store.Accounts().Get(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", notFound(op, "account %d not found", accountID)
	}
	if err != nil {
		return "", model.Wrap(model.KindInternal, op, err)
	}
	pc, err := m.platforms.Lookup(acc.Platform)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	loopCtx, cancel := context.WithCancel(m.sup.Context())
	s := &session{
		snap: model.AuthSession{
			TaskID:    id,
			AccountID: acc.ID,
			Platform:  acc.Platform,
			State:     model.AuthPending,
			StartedAt: m.clock.Now(),
		},
		pc:     pc,
		drv:    driver.Session{ID: "auth-" + id, AccountID: acc.ID, Platform: acc.Platform, State: acc.SessionState},
		turn:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.sessions[id] = s
	m.pending[accountID] = id
	m.archive(ctx, s.snap)

	m.log.Info("login started", logx.TaskID(id), logx.AccountID(acc.ID), logx.Platform(acc.Platform))
	m.sup.Go0("auth.poll", func(context.Context) { m.run(loopCtx, s) })
	return id, nil
}

// StartLoginByName finds the account by platform and name, creating it in
// the disabled state on first use, then starts a login for it.
func (m *Manager) StartLoginByName(ctx context.Context, platformID, name string) (string, int64, error) {
	const op = "auth.start"
	if name == "" {
		return "", 0, model.Errorf(model.KindValidation, op, "account_name is required")
	}
	if _, err := m.platforms.Lookup(platformID); err != nil {
		return "", 0, err
	}
	acc, err := m.store.Accounts().FindByName(ctx, platformID, name)
	if errors.Is(err, storage.ErrNotFound) {
		acc = model.Account{Platform: platformID, Name: name, Status: model.AccountDisabled}
		err = m.store.Accounts().Create(ctx, &acc)
		if errors.Is(err, storage.ErrDuplicate) {
			acc, err = m.store.Accounts().FindByName(ctx, platformID, name)
		}
	}
	if err != nil {
		return "", 0, model.Wrap(model.KindInternal, op, err)
	}
	id, err := m.StartLogin(ctx, acc.ID)
	return id, acc.ID, err
}

func (m *Manager) run(ctx context.Context, s *session) {
	defer close(s.done)

	s.turn <- struct{}{}
	cctx, cancel := m.bounded(ctx, s)
	ticket, err := m.drv.OpenLogin(cctx, s.drv, s.pc)
	cancel()
	switch {
	case err == nil:
		m.mu.Lock()
		s.snap.QRCode = ticket.QRCode
		m.mu.Unlock()
	case errors.Is(context.Cause(cctx), errMaxWait):
		m.finish(s, model.AuthTimeout, "login timed out", nil, true)
	case ctx.Err() == nil:
		err = driver.WrapLogin("auth.open_login", err)
		m.log.Warn("open login failed", logx.TaskID(s.snap.TaskID), logx.Err(err))
		m.finish(s, model.AuthFailed, model.Message(err), nil, true)
	}
	<-s.turn
	if err != nil {
		return
	}

	for {
		// Wake no later than the max wait so an idle session still times out.
		if wait := min(s.pc.Auth.CheckInterval, m.remaining(s)); wait > 0 {
			t := m.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C():
			}
		}
		snap, _ := m.poll(ctx, s)
		if snap.State.Terminal() || ctx.Err() != nil {
			return
		}
	}
}

// remaining is the time left before s reaches its max wait.
func (m *Manager) remaining(s *session) time.Duration {
	return s.snap.StartedAt.Add(s.pc.Auth.MaxWait).Sub(m.clock.Now())
}

// bounded derives the context of one driver call for s. The session clock
// cancels it with errMaxWait at the max wait, so a driver that never
// returns on its own cannot keep the session pending.
func (m *Manager) bounded(parent context.Context, s *session) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	left := m.remaining(s)
	if left <= 0 {
		cancel(errMaxWait)
		return ctx, func() {}
	}
	t := m.clock.NewTimer(left)
	go func() {
		defer t.Stop()
		select {
		case <-t.C():
			cancel(errMaxWait)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

// acquire takes the session's driver turn. It gives up with errMaxWait once
// the max wait passes, or with ctx's error.
func (m *Manager) acquire(ctx context.Context, s *session) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	default:
	}
	left := m.remaining(s)
	if left <= 0 {
		return errMaxWait
	}
	t := m.clock.NewTimer(left)
	defer t.Stop()
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-t.C():
		return errMaxWait
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) snapshot(s *session) model.AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.snap
}

// Status returns the session without touching the driver.
func (m *Manager) Status(ctx context.Context, taskID string) (model.AuthSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	var snap model.AuthSession
	if ok {
		snap = s.snap
	}
	m.mu.Unlock()
	if ok {
		if !snap.State.Terminal() && m.remaining(s) <= 0 {
			return m.finish(s, model.AuthTimeout, "login timed out", nil, true), nil
		}
		return snap, nil
	}
	arch, err := m.store.AuthSessions().Get(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.AuthSession{}, notFound("auth.status", "auth task %s not found", taskID)
	}
	return arch, err
}

// Poll advances a pending session by one check. Terminal sessions are
// returned as stored with no driver call.
func (m *Manager) Poll(ctx context.Context, taskID string) (model.AuthSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	m.mu.Unlock()
	if !ok {
		return m.Status(ctx, taskID)
	}
	return m.poll(ctx, s)
}

func (m *Manager) poll(ctx context.Context, s *session) (model.AuthSession, error) {
	if snap := m.snapshot(s); snap.State.Terminal() {
		return snap, nil
	}
	switch err := m.acquire(ctx, s); {
	case errors.Is(err, errMaxWait):
		return m.finish(s, model.AuthTimeout, "login timed out", nil, true), nil
	case err != nil:
		return m.snapshot(s), err
	}
	defer func() { <-s.turn }()

	snap := m.snapshot(s)
	if snap.State.Terminal() {
		return snap, nil
	}
	now := m.clock.Now()
	if now.Sub(snap.StartedAt) >= s.pc.Auth.MaxWait {
		return m.finish(s, model.AuthTimeout, "login timed out", nil, true), nil
	}

	cctx, cancel := m.bounded(ctx, s)
	st, err := m.drv.CheckLogin(cctx, s.drv, s.pc)
	cancel()
	m.mu.Lock()
	s.snap.LastPollAt = &now
	snap = s.snap
	m.mu.Unlock()

	switch {
	case err != nil && errors.Is(context.Cause(cctx), errMaxWait):
		return m.finish(s, model.AuthTimeout, "login timed out", nil, true), nil
	case err != nil:
		err = driver.WrapLogin("auth.check_login", err)
		if model.IsRetryable(err) || model.KindOf(err) == model.KindCancelled {
			m.log.Debug("login check failed, will retry", logx.TaskID(snap.TaskID), logx.Err(err))
			return snap, nil
		}
		return m.finish(s, model.AuthFailed, model.Message(err), nil, true), nil
	case st.LoggedIn:
		return m.finish(s, model.AuthSuccess, "login succeeded", st.State, true), nil
	default:
		return snap, nil
	}
}

// Confirm is the operator saying the login was completed by hand. It checks
// the browser at once instead of waiting for the next tick; a session the
// driver still sees as logged out stays pending.
func (m *Manager) Confirm(ctx context.Context, taskID string) (model.AuthSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	m.mu.Unlock()
	if !ok {
		return m.Status(ctx, taskID)
	}
	snap, err := m.poll(ctx, s)
	m.log.Info("manual login confirm", logx.TaskID(taskID), logx.AccountID(snap.AccountID), logx.String("state", string(snap.State)))
	return snap, err
}

// Cancel stops a pending session and marks it failed. Cancelling a finished
// session returns it unchanged.
func (m *Manager) Cancel(ctx context.Context, taskID string) (model.AuthSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	m.mu.Unlock()
	if !ok {
		return m.Status(ctx, taskID)
	}

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		// The loop is stuck in a driver call; finish wins regardless.
	}
	return m.finish(s, model.AuthFailed, "cancelled", nil, true), nil
}

// finish moves s to a terminal state. The first call wins; later calls
// return the stored terminal session.
func (m *Manager) finish(s *session, state model.AuthState, msg string, cookies []byte, touchAccount bool) model.AuthSession {
	now := m.clock.Now()
	m.mu.Lock()
	if s.snap.State.Terminal() {
		snap := s.snap
		m.mu.Unlock()
		return snap
	}
	s.snap.State = state
	s.snap.Message = msg
	s.snap.FinishedAt = &now
	if m.pending[s.snap.AccountID] == s.snap.TaskID {
		delete(m.pending, s.snap.AccountID)
	}
	snap := s.snap
	m.mu.Unlock()
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var acc model.Account
	if touchAccount {
		var err error
		acc, err = m.updateAccount(ctx, snap.AccountID, func(a *model.Account) {
			if state == model.AuthSuccess {
				a.Status = model.AccountActive
				a.LastAuthAt = &now
				if len(cookies) > 0 {
					a.SessionState = cookies
				}
				return
			}
			a.Status = lapsedStatus(*a)
		})
		if err != nil {
			m.log.Error("account status update failed", logx.AccountID(snap.AccountID), logx.Err(err))
		}
	}
	m.archive(ctx, snap)
	if err := m.drv.Close(ctx, s.drv); err != nil {
		m.log.Debug("close login page failed", logx.TaskID(snap.TaskID), logx.Err(err))
	}

	m.log.Info("login finished", logx.TaskID(snap.TaskID), logx.AccountID(snap.AccountID), logx.String("state", string(state)), logx.String("message", msg))
	if m.bus != nil {
		m.bus.Publish(eventbus.NewEvent(eventbus.AuthComplete{Session: snap, Account: acc}))
	}
	return snap
}

// lapsedStatus is the status of an account whose login failed or whose
// session no longer validates.
func lapsedStatus(a model.Account) model.AccountStatus {
	if a.WasAuthenticated() {
		return model.AccountExpired
	}
	return model.AccountDisabled
}

func (m *Manager) accountLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.acctLocks[id]
	if l == nil {
		l = &sync.Mutex{}
		m.acctLocks[id] = l
	}
	return l
}

// updateAccount is the only writer of account status.
func (m *Manager) updateAccount(ctx context.Context, id int64, fn func(a *model.Account)) (model.Account, error) {
	l := m.accountLock(id)
	l.Lock()
	defer l.Unlock()
	acc, err := m.store.Accounts().Get(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	fn(&acc)
	if err := m.store.Accounts().Update(ctx, acc); err != nil {
		return model.Account{}, err
	}
	return acc, nil
}

// UpdateProfile applies user edits to an account. Status is never touched
// here; holding the account lock keeps a concurrent login from being lost.
func (m *Manager) UpdateProfile(ctx context.Context, id int64, p model.AccountPatch) (model.Account, error) {
	const op = "auth.update_profile"
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return model.Account{}, model.Errorf(model.KindValidation, op, "account name must not be empty")
	}
	acc, err := m.updateAccount(ctx, id, func(a *model.Account) {
		if p.Name != nil {
			a.Name = strings.TrimSpace(*p.Name)
		}
		if p.Remark != nil {
			a.Remark = *p.Remark
		}
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Account{}, notFound(op, "account %d not found", id)
	case errors.Is(err, storage.ErrDuplicate):
		return model.Account{}, model.Errorf(model.KindValidation, op, "account name already used on this platform")
	}
	return acc, err
}

// DeleteAccount removes an account that has no pending login. Storage
// refuses accounts referenced by publish history.
func (m *Manager) DeleteAccount(ctx context.Context, id int64) error {
	l := m.accountLock(id)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	_, busy := m.pending[id]
	m.mu.Unlock()
	if busy {
		return ErrLoginInProgress
	}
	err := m.store.Accounts().Delete(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return notFound("auth.delete_account", "account %d not found", id)
	}
	if err == nil {
		m.log.Info("account deleted", logx.AccountID(id))
	}
	return err
}

func (m *Manager) archive(ctx context.Context, snap model.AuthSession) {
	if err := m.store.AuthSessions().Save(ctx, snap); err != nil {
		m.log.Warn("archive auth session failed", logx.TaskID(snap.TaskID), logx.Err(err))
	}
}

// IsActive reports whether the account currently holds a valid session.
func (m *Manager) IsActive(ctx context.Context, accountID int64) (bool, error) {
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, notFound("auth.is_active", "account %d not found", accountID)
	}
	if err != nil {
		return false, err
	}
	return acc.Status == model.AccountActive, nil
}

// Probe checks an account's stored session without a login flow and applies
// the account status rules. A transient driver failure leaves the status
// unchanged and reports the account invalid.
func (m *Manager) Probe(ctx context.Context, accountID int64) (ProbeResult, error) {
	const op = "auth.probe"
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return ProbeResult{}, notFound(op, "account %d not found", accountID)
	}
	if err != nil {
		return ProbeResult{}, err
	}
	res := ProbeResult{Before: acc.Status, Account: acc}
	pc, err := m.platforms.Lookup(acc.Platform)
	if err != nil {
		res.Message = model.Message(err)
		return res, nil
	}
	if len(acc.SessionState) == 0 && !acc.WasAuthenticated() {
		res.Message = "account has never been authorized"
		return res, nil
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	ds := driver.Session{ID: "probe-" + uuid.NewString(), AccountID: acc.ID, Platform: acc.Platform, State: acc.SessionState}
	st, err := m.drv.CheckLogin(pctx, ds, pc)
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	_ = m.drv.Close(closeCtx, ds)
	closeCancel()

	if err != nil {
		err = driver.WrapLogin("auth.check_login", err)
		res.Message = model.Message(err)
		if model.IsRetryable(err) || model.KindOf(err) == model.KindCancelled {
			return res, nil
		}
	} else if st.LoggedIn {
		res.Valid = true
		res.Message = "session valid"
	} else {
		res.Message = "session expired"
	}

	updated, uerr := m.updateAccount(ctx, acc.ID, func(a *model.Account) {
		if res.Valid {
			a.Status = model.AccountActive
			if len(st.State) > 0 {
				a.SessionState = st.State
			}
			return
		}
		a.Status = lapsedStatus(*a)
	})
	if uerr != nil {
		return res, uerr
	}
	res.Account = updated
	return res, nil
}

// Sweep forgets finished sessions older than the retention and prunes the
// archive. It returns the number of in-memory sessions dropped.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.Retention)
	m.mu.Lock()
	n := 0
	for id, s := range m.sessions {
		if s.snap.State.Terminal() && s.snap.FinishedAt != nil && s.snap.FinishedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	m.mu.Unlock()
	if pruned, err := m.store.AuthSessions().PruneBefore(ctx, now.Add(-m.cfg.ArchiveRetention)); err != nil {
		m.log.Warn("prune auth archive failed", logx.Err(err))
	} else if pruned > 0 {
		m.log.Debug("auth archive pruned", logx.Int64("rows", pruned))
	}
	return n
}

// Sessions lists the sessions held in memory.
func (m *Manager) Sessions() []model.AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuthSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snap)
	}
	return out
}

// Close stops every poll loop. Sessions still pending are archived as
// failed without touching their accounts.
func (m *Manager) Close(ctx context.Context) error {
	m.sup.Cancel()
	err := m.sup.Wait(ctx)

	m.mu.Lock()
	var open []*session
	for _, s := range m.sessions {
		if !s.snap.State.Terminal() {
			open = append(open, s)
		}
	}
	m.mu.Unlock()
	for _, s := range open {
		m.finish(s, model.AuthFailed, "service stopped", nil, false)
	}
	return err
}
