// Package guard rejects repeated submissions of the same article to the same
// account within a time window. The window is shared through redis so several
// geopubd processes see each other's submissions.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"geopub/internal/model"
)

const keyPrefix = "geopub:publish:guard:"

type Config struct {
	Addr     string
	Password string
	DB       int
	Window   time.Duration
}

type Redis struct {
	rdb    redis.UniversalClient
	window time.Duration
	owned  bool
}

// New dials redis lazily; the first Acquire reports connection errors.
func New(cfg Config) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	g := NewWithClient(rdb, cfg.Window)
	g.owned = true
	return g
}

// NewWithClient uses an existing client. Close leaves it open.
func NewWithClient(rdb redis.UniversalClient, window time.Duration) *Redis {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Redis{rdb: rdb, window: window}
}

// Key is the redis key for one (account, article) pair. Articles without an
// id are keyed by their title and content.
func Key(accountID int64, a model.Article) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(accountID, 10)))
	h.Write([]byte{0})
	if a.ID != 0 {
		h.Write([]byte("id:" + strconv.FormatInt(a.ID, 10)))
	} else {
		h.Write([]byte(a.Title))
		h.Write([]byte{0})
		h.Write([]byte(a.Content))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Acquire returns false when the pair was already submitted inside the
// window.
func (g *Redis) Acquire(ctx context.Context, accountID int64, a model.Article) (bool, error) {
	return g.rdb.SetNX(ctx, Key(accountID, a), time.Now().Unix(), g.window).Result()
}

// Release forgets a pair so it can be submitted again.
func (g *Redis) Release(ctx context.Context, accountID int64, a model.Article) error {
	return g.rdb.Del(ctx, Key(accountID, a)).Err()
}

func (g *Redis) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

func (g *Redis) Close() error {
	if !g.owned {
		return nil
	}
	return g.rdb.Close()
}
