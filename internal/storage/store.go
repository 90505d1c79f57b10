// Package storage persists accounts, publish history and archived auth
// sessions.
//
// Two drivers exist:
//   - "memory": process-local maps, the default and the test backend
//   - "sqlite": a single database file migrated on open
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"geopub/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrAccountInUse is returned when deleting an account that publish
	// history still references.
	ErrAccountInUse = errors.New("storage: account is referenced by publish history")
	ErrDuplicate    = errors.New("storage: duplicate key")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	// Secret encrypts account session state in the sqlite driver.
	Secret string
}

type Store interface {
	Accounts() AccountRepository
	Publish() PublishRepository
	AuthSessions() AuthSessionRepository
	Close() error
}

type AccountRepository interface {
	// Create assigns a.ID and the timestamps. (platform, name) is unique.
	Create(ctx context.Context, a *model.Account) error
	Get(ctx context.Context, id int64) (model.Account, error)
	FindByName(ctx context.Context, platform, name string) (model.Account, error)
	// List returns accounts in id order.
	List(ctx context.Context) ([]model.Account, error)
	Update(ctx context.Context, a model.Account) error
	Delete(ctx context.Context, id int64) error
}

type PublishRepository interface {
	CreateRequest(ctx context.Context, req model.PublishRequest, tasks []model.PublishTask) error
	UpdateRequest(ctx context.Context, req model.PublishRequest) error
	// SaveTask overwrites the task row identified by t.ID.
	SaveTask(ctx context.Context, t model.PublishTask) error
	GetRequest(ctx context.Context, id string) (model.PublishRecord, error)
	GetTask(ctx context.Context, id string) (model.PublishTask, error)
	// ListRequests returns the newest requests first. limit <= 0 means all.
	ListRequests(ctx context.Context, limit int) ([]model.PublishRequest, error)
}

type AuthSessionRepository interface {
	Save(ctx context.Context, s model.AuthSession) error
	Get(ctx context.Context, taskID string) (model.AuthSession, error)
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.AuthSession, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, cfg.BusyTimeout, cfg.Secret)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
