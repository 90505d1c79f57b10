package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"geopub/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sqlx.DB
	seal *sealer
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations. A non-empty secret encrypts account session state.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, secret string) (Store, error) {
	seal, err := newSealer(secret)
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 2 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		path, busyTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the request path.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	if err := migrateUp(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &sqliteStore{db: sqlx.NewDb(sqlDB, "sqlite"), seal: seal}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("storage: migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migrate source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("storage: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	return nil
}

func (s *sqliteStore) Accounts() AccountRepository         { return sqlAccounts{s.db, s.seal} }
func (s *sqliteStore) Publish() PublishRepository          { return sqlPublish{s.db} }
func (s *sqliteStore) AuthSessions() AuthSessionRepository { return sqlSessions{s.db} }
func (s *sqliteStore) Close() error                        { return s.db.Close() }

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const accountColumns = `id, platform, account_name, status, last_auth_at, remark, session_state, created_at, updated_at`

type sqlAccounts struct {
	db   *sqlx.DB
	seal *sealer
}

// sealed returns a copy of a whose session state is encrypted for writing.
func (r sqlAccounts) sealed(a model.Account) (model.Account, error) {
	state, err := r.seal.seal(a.SessionState)
	if err != nil {
		return a, err
	}
	a.SessionState = state
	return a, nil
}

func (r sqlAccounts) opened(a *model.Account) error {
	state, err := r.seal.open(a.SessionState)
	if err != nil {
		return fmt.Errorf("account %d: %w", a.ID, err)
	}
	a.SessionState = state
	return nil
}

func (r sqlAccounts) Create(ctx context.Context, a *model.Account) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	row, err := r.sealed(*a)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO accounts (platform, account_name, status, last_auth_at, remark, session_state, created_at, updated_at)
		VALUES (:platform, :account_name, :status, :last_auth_at, :remark, :session_state, :created_at, :updated_at)`, row)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (r sqlAccounts) Get(ctx context.Context, id int64) (model.Account, error) {
	var a model.Account
	if err := r.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id); err != nil {
		return a, mapErr(err)
	}
	return a, r.opened(&a)
}

func (r sqlAccounts) FindByName(ctx context.Context, platform, name string) (model.Account, error) {
	var a model.Account
	if err := r.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE platform = ? AND account_name = ?`, platform, name); err != nil {
		return a, mapErr(err)
	}
	return a, r.opened(&a)
}

func (r sqlAccounts) List(ctx context.Context) ([]model.Account, error) {
	var out []model.Account
	if err := r.db.SelectContext(ctx, &out, `SELECT `+accountColumns+` FROM accounts ORDER BY id`); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.opened(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r sqlAccounts) Update(ctx context.Context, a model.Account) error {
	a.UpdatedAt = time.Now().UTC()
	a, err := r.sealed(a)
	if err != nil {
		return err
	}
	return mustAffect(r.db.NamedExecContext(ctx, `
		UPDATE accounts SET
			platform = :platform, account_name = :account_name, status = :status,
			last_auth_at = :last_auth_at, remark = :remark, session_state = :session_state,
			updated_at = :updated_at
		WHERE id = :id`, a))
}

func (r sqlAccounts) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var refs int
	if err := tx.GetContext(ctx, &refs, `SELECT COUNT(1) FROM publish_tasks WHERE account_id = ?`, id); err != nil {
		return err
	}
	if refs > 0 {
		return ErrAccountInUse
	}
	if err := mustAffect(tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)); err != nil {
		return err
	}
	return tx.Commit()
}

const (
	requestColumns = `id, article_id, article_title, cancelled, submitted_at, completed_at`
	taskColumns    = `id, request_id, article_id, article_title, account_id, account_name, platform, platform_name,
		status, platform_url, error, error_kind, retry_count, created_at, updated_at, published_at`
)

type sqlPublish struct{ db *sqlx.DB }

func (r sqlPublish) CreateRequest(ctx context.Context, req model.PublishRequest, tasks []model.PublishTask) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO publish_requests (`+requestColumns+`)
		VALUES (:id, :article_id, :article_title, :cancelled, :submitted_at, :completed_at)`, req); err != nil {
		return mapErr(err)
	}
	for _, t := range tasks {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO publish_tasks (`+taskColumns+`)
			VALUES (:id, :request_id, :article_id, :article_title, :account_id, :account_name, :platform, :platform_name,
				:status, :platform_url, :error, :error_kind, :retry_count, :created_at, :updated_at, :published_at)`, t); err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit()
}

func (r sqlPublish) UpdateRequest(ctx context.Context, req model.PublishRequest) error {
	return mustAffect(r.db.NamedExecContext(ctx, `
		UPDATE publish_requests SET
			article_title = :article_title, cancelled = :cancelled, completed_at = :completed_at
		WHERE id = :id`, req))
}

func (r sqlPublish) SaveTask(ctx context.Context, t model.PublishTask) error {
	return mustAffect(r.db.NamedExecContext(ctx, `
		UPDATE publish_tasks SET
			status = :status, platform_url = :platform_url, error = :error, error_kind = :error_kind,
			retry_count = :retry_count, updated_at = :updated_at, published_at = :published_at
		WHERE id = :id`, t))
}

func (r sqlPublish) GetRequest(ctx context.Context, id string) (model.PublishRecord, error) {
	var req model.PublishRequest
	if err := r.db.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM publish_requests WHERE id = ?`, id); err != nil {
		return model.PublishRecord{}, mapErr(err)
	}
	var tasks []model.PublishTask
	if err := r.db.SelectContext(ctx, &tasks, `SELECT `+taskColumns+` FROM publish_tasks WHERE request_id = ? ORDER BY seq`, id); err != nil {
		return model.PublishRecord{}, err
	}
	return model.NewPublishRecord(req, tasks), nil
}

func (r sqlPublish) GetTask(ctx context.Context, id string) (model.PublishTask, error) {
	var t model.PublishTask
	err := r.db.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM publish_tasks WHERE id = ?`, id)
	return t, mapErr(err)
}

func (r sqlPublish) ListRequests(ctx context.Context, limit int) ([]model.PublishRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM publish_requests ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []model.PublishRequest
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

const sessionColumns = `task_id, account_id, platform, state, message, started_at, last_poll_at, finished_at`

type sqlSessions struct{ db *sqlx.DB }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Save upserts s. Times are stored in UTC so PruneBefore can compare the
// stored text directly.
func (r sqlSessions) Save(ctx context.Context, s model.AuthSession) error {
	s.StartedAt = s.StartedAt.UTC()
	s.LastPollAt, s.FinishedAt = utcPtr(s.LastPollAt), utcPtr(s.FinishedAt)
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO auth_sessions (`+sessionColumns+`)
		VALUES (:task_id, :account_id, :platform, :state, :message, :started_at, :last_poll_at, :finished_at)
		ON CONFLICT (task_id) DO UPDATE SET
			state = excluded.state, message = excluded.message,
			last_poll_at = excluded.last_poll_at, finished_at = excluded.finished_at`, s)
	return mapErr(err)
}

func (r sqlSessions) Get(ctx context.Context, taskID string) (model.AuthSession, error) {
	var s model.AuthSession
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM auth_sessions WHERE task_id = ?`, taskID)
	return s, mapErr(err)
}

func (r sqlSessions) ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.AuthSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM auth_sessions WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []model.AuthSession
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (r sqlSessions) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
