package gateway

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/omnihub/internal/config"
)

const (
	dedupTTL        = 10 * time.Minute
	dedupMaxEntries = 8192
)

// Deduper drops webhooks the bridge already delivered. Evolution re-posts
// events on reconnect, so the provider message id is the dedup key. Redis
// backs multi-replica deployments; a bounded in-process cache covers
// standalone mode.
type Deduper struct {
	rdb *redis.Client

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List // front = oldest
}

type dedupEntry struct {
	key     string
	expires time.Time
}

// NewDeduper builds a Deduper from the redis config. An empty Addr selects
// the in-process cache.
func NewDeduper(cfg config.RedisConfig) *Deduper {
	d := &Deduper{
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
	if cfg.Addr != "" {
		d.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return d
}

func (d *Deduper) Close() error {
	if d.rdb != nil {
		return d.rdb.Close()
	}
	return nil
}

// Seen records the key and reports whether it was already present. Redis
// errors fail open: a duplicate delivered twice beats a message dropped.
func (d *Deduper) Seen(ctx context.Context, instance, messageID string) bool {
	if messageID == "" {
		return false
	}
	key := fmt.Sprintf("omnihub:webhook:%s:%s", instance, messageID)

	if d.rdb != nil {
		ok, err := d.rdb.SetNX(ctx, key, 1, dedupTTL).Result()
		if err != nil {
			slog.Warn("webhook dedup unavailable", "error", err)
			return false
		}
		return !ok
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.pruneLocked(now)
	if _, ok := d.seen[key]; ok {
		return true
	}
	el := d.order.PushBack(dedupEntry{key: key, expires: now.Add(dedupTTL)})
	d.seen[key] = el
	if d.order.Len() > dedupMaxEntries {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(dedupEntry).key)
	}
	return false
}

func (d *Deduper) pruneLocked(now time.Time) {
	for {
		front := d.order.Front()
		if front == nil || front.Value.(dedupEntry).expires.After(now) {
			return
		}
		d.order.Remove(front)
		delete(d.seen, front.Value.(dedupEntry).key)
	}
}
