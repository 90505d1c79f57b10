package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"geopub/internal/model"
)

type memStore struct {
	mu sync.RWMutex

	nextAccount int64
	accounts    map[int64]model.Account

	requests   map[string]model.PublishRequest
	requestSeq map[string]uint64
	tasks      map[string]model.PublishTask
	taskOrder  map[string][]string // request id -> task ids in creation order
	seq        uint64
	sessions   map[string]model.AuthSession
	sessionSeq map[string]uint64
	now        func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{
		accounts:   map[int64]model.Account{},
		requests:   map[string]model.PublishRequest{},
		requestSeq: map[string]uint64{},
		tasks:      map[string]model.PublishTask{},
		taskOrder:  map[string][]string{},
		sessions:   map[string]model.AuthSession{},
		sessionSeq: map[string]uint64{},
		now:        time.Now,
	}
}

func (m *memStore) Accounts() AccountRepository         { return memAccounts{m} }
func (m *memStore) Publish() PublishRepository          { return memPublish{m} }
func (m *memStore) AuthSessions() AuthSessionRepository { return memSessions{m} }
func (m *memStore) Close() error                        { return nil }

func cloneAccount(a model.Account) model.Account {
	if a.SessionState != nil {
		a.SessionState = bytes.Clone(a.SessionState)
	}
	if a.LastAuthAt != nil {
		t := *a.LastAuthAt
		a.LastAuthAt = &t
	}
	return a
}

type memAccounts struct{ m *memStore }

func (r memAccounts) Create(ctx context.Context, a *model.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, cur := range r.m.accounts {
		if cur.Platform == a.Platform && cur.Name == a.Name {
			return ErrDuplicate
		}
	}
	r.m.nextAccount++
	now := r.m.now()
	a.ID = r.m.nextAccount
	a.CreatedAt, a.UpdatedAt = now, now
	r.m.accounts[a.ID] = cloneAccount(*a)
	return nil
}

func (r memAccounts) Get(ctx context.Context, id int64) (model.Account, error) {
	if err := ctx.Err(); err != nil {
		return model.Account{}, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (r memAccounts) FindByName(ctx context.Context, platform, name string) (model.Account, error) {
	if err := ctx.Err(); err != nil {
		return model.Account{}, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, a := range r.m.accounts {
		if a.Platform == platform && a.Name == name {
			return cloneAccount(a), nil
		}
	}
	return model.Account{}, ErrNotFound
}

func (r memAccounts) List(ctx context.Context) ([]model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	out := make([]model.Account, 0, len(r.m.accounts))
	for _, a := range r.m.accounts {
		out = append(out, cloneAccount(a))
	}
	r.m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memAccounts) Update(ctx context.Context, a model.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.m.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range r.m.accounts {
		if id != a.ID && other.Platform == a.Platform && other.Name == a.Name {
			return ErrDuplicate
		}
	}
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = r.m.now()
	r.m.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (r memAccounts) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.accounts[id]; !ok {
		return ErrNotFound
	}
	for _, t := range r.m.tasks {
		if t.AccountID == id {
			return ErrAccountInUse
		}
	}
	delete(r.m.accounts, id)
	return nil
}

type memPublish struct{ m *memStore }

func (r memPublish) CreateRequest(ctx context.Context, req model.PublishRequest, tasks []model.PublishTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.requests[req.ID]; ok {
		return ErrDuplicate
	}
	for _, t := range tasks {
		if _, ok := r.m.tasks[t.ID]; ok {
			return ErrDuplicate
		}
	}
	r.m.seq++
	r.m.requests[req.ID] = req
	r.m.requestSeq[req.ID] = r.m.seq
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		r.m.tasks[t.ID] = t
		ids = append(ids, t.ID)
	}
	r.m.taskOrder[req.ID] = ids
	return nil
}

func (r memPublish) UpdateRequest(ctx context.Context, req model.PublishRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.requests[req.ID]; !ok {
		return ErrNotFound
	}
	r.m.requests[req.ID] = req
	return nil
}

func (r memPublish) SaveTask(ctx context.Context, t model.PublishTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	r.m.tasks[t.ID] = t
	return nil
}

func (r memPublish) GetRequest(ctx context.Context, id string) (model.PublishRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.PublishRecord{}, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	req, ok := r.m.requests[id]
	if !ok {
		return model.PublishRecord{}, ErrNotFound
	}
	ids := r.m.taskOrder[id]
	tasks := make([]model.PublishTask, 0, len(ids))
	for _, tid := range ids {
		tasks = append(tasks, r.m.tasks[tid])
	}
	return model.NewPublishRecord(req, tasks), nil
}

func (r memPublish) GetTask(ctx context.Context, id string) (model.PublishTask, error) {
	if err := ctx.Err(); err != nil {
		return model.PublishTask{}, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	t, ok := r.m.tasks[id]
	if !ok {
		return model.PublishTask{}, ErrNotFound
	}
	return t, nil
}

func (r memPublish) ListRequests(ctx context.Context, limit int) ([]model.PublishRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	out := make([]model.PublishRequest, 0, len(r.m.requests))
	for _, req := range r.m.requests {
		out = append(out, req)
	}
	seq := r.m.requestSeq
	sort.Slice(out, func(i, j int) bool { return seq[out[i].ID] > seq[out[j].ID] })
	r.m.mu.RUnlock()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memSessions struct{ m *memStore }

func (r memSessions) Save(ctx context.Context, s model.AuthSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.QRCode = ""
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.sessions[s.TaskID]; !ok {
		r.m.seq++
		r.m.sessionSeq[s.TaskID] = r.m.seq
	}
	r.m.sessions[s.TaskID] = s
	return nil
}

func (r memSessions) Get(ctx context.Context, taskID string) (model.AuthSession, error) {
	if err := ctx.Err(); err != nil {
		return model.AuthSession{}, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.sessions[taskID]
	if !ok {
		return model.AuthSession{}, ErrNotFound
	}
	return s, nil
}

func (r memSessions) ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.AuthSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	var out []model.AuthSession
	for _, s := range r.m.sessions {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	seq := r.m.sessionSeq
	sort.Slice(out, func(i, j int) bool { return seq[out[i].TaskID] > seq[out[j].TaskID] })
	r.m.mu.RUnlock()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memSessions) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, s := range r.m.sessions {
		if s.StartedAt.Before(before) {
			delete(r.m.sessions, id)
			delete(r.m.sessionSeq, id)
			n++
		}
	}
	return n, nil
}
