package persistence

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore is a read-through, write-through LRU cache in front of another Store.
// Entries expire after ttl so sessions modified by another process are eventually re-read.
type CachedStore struct {
	next  Store
	cache *expirable.LRU[string, *Session]
}

// NewCachedStore caches up to size sessions for ttl.
func NewCachedStore(next Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 256
	}
	return &CachedStore{next: next, cache: expirable.NewLRU[string, *Session](size, nil, ttl)}
}

func (c *CachedStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sess, ok := c.cache.Get(sessionID); ok {
		return sess.Clone()
	}
	sess, err := c.next.Get(ctx, sessionID)
	if err != nil {
		return nil, err //nolint:wrapcheck // passthrough
	}
	if cp, err := sess.Clone(); err == nil {
		c.cache.Add(sessionID, cp)
	}
	return sess, nil
}

func (c *CachedStore) Put(ctx context.Context, sess *Session) error {
	if err := c.next.Put(ctx, sess); err != nil {
		c.cache.Remove(sess.SessionID)
		return err //nolint:wrapcheck // passthrough
	}
	if cp, err := sess.Clone(); err == nil {
		c.cache.Add(sess.SessionID, cp)
	}
	return nil
}

func (c *CachedStore) Update(ctx context.Context, sess *Session) error {
	if err := c.next.Update(ctx, sess); err != nil {
		c.cache.Remove(sess.SessionID)
		return err //nolint:wrapcheck // passthrough
	}
	if cp, err := sess.Clone(); err == nil {
		c.cache.Add(sess.SessionID, cp)
	}
	return nil
}

// Exists always asks the backing store so deletions by other processes are seen.
func (c *CachedStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	ok, err := c.next.Exists(ctx, sessionID)
	if err == nil && !ok {
		c.cache.Remove(sessionID)
	}
	return ok, err //nolint:wrapcheck // passthrough
}

func (c *CachedStore) Delete(ctx context.Context, sessionID string) error {
	c.cache.Remove(sessionID)
	return c.next.Delete(ctx, sessionID) //nolint:wrapcheck // passthrough
}

func (c *CachedStore) List(ctx context.Context) ([]*Session, error) {
	return c.next.List(ctx) //nolint:wrapcheck // passthrough
}

func (c *CachedStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	c.cache.Purge()
	return c.next.Purge(ctx, cutoff) //nolint:wrapcheck // passthrough
}

// Len reports the number of cached sessions.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}
