package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"geopub/internal/model"
)

func eachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	drivers := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data", "geopub.db")})
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		}},
	}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			s := d.open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestAccountsCRUD(t *testing.T) {
	eachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := &model.Account{Platform: "zhihu", Name: "alice", Status: model.AccountDisabled}
		if err := s.Accounts().Create(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
		if a.ID == 0 {
			t.Fatalf("expected id to be assigned")
		}
		dup := &model.Account{Platform: "zhihu", Name: "alice"}
		if err := s.Accounts().Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		got, err := s.Accounts().FindByName(ctx, "zhihu", "alice")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		got.Status = model.AccountActive
		got.LastAuthAt = &now
		got.SessionState = []byte(`[{"name":"z_c0"}]`)
		if err := s.Accounts().Update(ctx, got); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, err = s.Accounts().Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != model.AccountActive || got.LastAuthAt == nil || !got.LastAuthAt.Equal(now) {
			t.Fatalf("unexpected account after update: %+v", got)
		}
		if string(got.SessionState) != `[{"name":"z_c0"}]` {
			t.Fatalf("session state = %q", got.SessionState)
		}

		b := &model.Account{Platform: "juejin", Name: "bob"}
		if err := s.Accounts().Create(ctx, b); err != nil {
			t.Fatalf("create b: %v", err)
		}
		list, err := s.Accounts().List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
			t.Fatalf("unexpected list order: %+v", list)
		}

		if err := s.Accounts().Delete(ctx, b.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Accounts().Get(ctx, b.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Accounts().Update(ctx, model.Account{ID: 999, Platform: "x", Name: "y"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on missing update, got %v", err)
		}
	})
}

func TestPublishHistoryAndAccountInUse(t *testing.T) {
	eachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acc := &model.Account{Platform: "zhihu", Name: "alice", Status: model.AccountActive}
		if err := s.Accounts().Create(ctx, acc); err != nil {
			t.Fatalf("create account: %v", err)
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		req := model.PublishRequest{ID: "req-1", ArticleID: 7, ArticleTitle: "hello", SubmittedAt: now}
		tasks := []model.PublishTask{
			{ID: "t-1", RequestID: "req-1", ArticleID: 7, AccountID: acc.ID, Platform: "zhihu", Status: model.TaskPending, CreatedAt: now, UpdatedAt: now},
			{ID: "t-2", RequestID: "req-1", ArticleID: 7, AccountID: acc.ID, Platform: "zhihu", Status: model.TaskFailed, Error: "not authenticated", ErrorKind: "auth", CreatedAt: now, UpdatedAt: now},
		}
		if err := s.Publish().CreateRequest(ctx, req, tasks); err != nil {
			t.Fatalf("create request: %v", err)
		}

		rec, err := s.Publish().GetRequest(ctx, "req-1")
		if err != nil {
			t.Fatalf("get request: %v", err)
		}
		if rec.Complete || rec.Pending != 1 || rec.Failed != 1 || len(rec.Tasks) != 2 || rec.Tasks[0].ID != "t-1" {
			t.Fatalf("unexpected record: %+v", rec)
		}

		done := tasks[0]
		done.Status = model.TaskSuccess
		done.PlatformURL = "https://zhuanlan.zhihu.com/p/1"
		done.PublishedAt = &now
		if err := s.Publish().SaveTask(ctx, done); err != nil {
			t.Fatalf("save task: %v", err)
		}
		req.CompletedAt = &now
		if err := s.Publish().UpdateRequest(ctx, req); err != nil {
			t.Fatalf("update request: %v", err)
		}

		rec, err = s.Publish().GetRequest(ctx, "req-1")
		if err != nil {
			t.Fatalf("get request: %v", err)
		}
		if !rec.Complete || rec.Success != 1 || rec.CompletedAt == nil {
			t.Fatalf("expected complete record, got %+v", rec)
		}
		task, err := s.Publish().GetTask(ctx, "t-1")
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.PlatformURL != done.PlatformURL || task.PublishedAt == nil {
			t.Fatalf("unexpected task: %+v", task)
		}

		if err := s.Publish().CreateRequest(ctx, model.PublishRequest{ID: "req-2", SubmittedAt: now}, nil); err != nil {
			t.Fatalf("create req-2: %v", err)
		}
		reqs, err := s.Publish().ListRequests(ctx, 1)
		if err != nil {
			t.Fatalf("list requests: %v", err)
		}
		if len(reqs) != 1 || reqs[0].ID != "req-2" {
			t.Fatalf("expected newest request first, got %+v", reqs)
		}

		if err := s.Accounts().Delete(ctx, acc.ID); !errors.Is(err, ErrAccountInUse) {
			t.Fatalf("expected ErrAccountInUse, got %v", err)
		}
		if _, err := s.Publish().GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAuthSessionsArchive(t *testing.T) {
	eachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := time.Now().Add(-2 * time.Hour)
		recent := time.Now()

		for _, sess := range []model.AuthSession{
			{TaskID: "a1", AccountID: 1, Platform: "zhihu", State: model.AuthTimeout, StartedAt: old},
			{TaskID: "a2", AccountID: 1, Platform: "zhihu", State: model.AuthPending, StartedAt: recent, QRCode: "data:image/png;base64,AAAA"},
		} {
			if err := s.AuthSessions().Save(ctx, sess); err != nil {
				t.Fatalf("save %s: %v", sess.TaskID, err)
			}
		}

		fin := recent.Add(time.Second)
		if err := s.AuthSessions().Save(ctx, model.AuthSession{TaskID: "a2", AccountID: 1, Platform: "zhihu", State: model.AuthSuccess, StartedAt: recent, FinishedAt: &fin}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := s.AuthSessions().Get(ctx, "a2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != model.AuthSuccess || got.FinishedAt == nil || got.QRCode != "" {
			t.Fatalf("unexpected session: %+v", got)
		}

		list, err := s.AuthSessions().ListByAccount(ctx, 1, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].TaskID != "a2" {
			t.Fatalf("unexpected list: %+v", list)
		}

		n, err := s.AuthSessions().PruneBefore(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if n != 1 {
			t.Fatalf("pruned %d, want 1", n)
		}
		if _, err := s.AuthSessions().Get(ctx, "a1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected a1 pruned, got %v", err)
		}
	})
}

func TestSessionStateEncryptedAtRest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "geopub.db")
	cookies := []byte(`[{"name":"z_c0","value":"secret-cookie"}]`)

	open := func(secret string) Store {
		t.Helper()
		s, err := Open(ctx, Config{Driver: "sqlite", Path: path, Secret: secret})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return s
	}

	plain := open("")
	legacy := &model.Account{Platform: "zhihu", Name: "legacy", SessionState: cookies}
	if err := plain.Accounts().Create(ctx, legacy); err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	_ = plain.Close()

	s := open("correct horse")
	a := &model.Account{Platform: "zhihu", Name: "alice", SessionState: cookies}
	if err := s.Accounts().Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	var raw []byte
	if err := s.(*sqliteStore).db.GetContext(ctx, &raw, `SELECT session_state FROM accounts WHERE id = ?`, a.ID); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if bytes.Contains(raw, []byte("secret-cookie")) || !bytes.HasPrefix(raw, sealPrefix) {
		t.Fatalf("session state stored in plain text: %q", raw)
	}
	got, err := s.Accounts().Get(ctx, a.ID)
	if err != nil || !bytes.Equal(got.SessionState, cookies) {
		t.Fatalf("get: %q err=%v", got.SessionState, err)
	}
	if got, err := s.Accounts().Get(ctx, legacy.ID); err != nil || !bytes.Equal(got.SessionState, cookies) {
		t.Fatalf("legacy row: %q err=%v", got.SessionState, err)
	}
	_ = s.Close()

	for _, secret := range []string{"", "wrong"} {
		s := open(secret)
		if _, err := s.Accounts().Get(ctx, a.ID); err == nil {
			t.Fatalf("secret %q read an encrypted row", secret)
		}
		_ = s.Close()
	}
}

func TestSealerRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := newSealer("k")
	if err != nil {
		t.Fatalf("newSealer: %v", err)
	}
	a, _ := s.seal([]byte("{}"))
	b, _ := s.seal([]byte("{}"))
	if bytes.Equal(a, b) {
		t.Fatal("nonce reused")
	}
	if out, err := s.open(a); err != nil || string(out) != "{}" {
		t.Fatalf("open: %q err=%v", out, err)
	}
	if out, _ := s.seal(nil); out != nil {
		t.Fatalf("empty state sealed to %q", out)
	}
	var none *sealer
	if _, err := none.open(a); !errors.Is(err, ErrSealed) {
		t.Fatalf("nil sealer: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "bolt"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
