// Package distlock guarantees that at most one dispatcher process drives a
// given server's expeditions at a time.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Hold when another process owns the lock.
var ErrHeld = errors.New("distlock: held by another dispatcher")

// Lock is a distributed mutex.
type Lock interface {
	// Acquire tries to take the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release drops the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire and must be renewed.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// ServerKey names the lock guarding one server's dispatch loop.
func ServerKey(serverID string) string {
	return "newsletter:dispatch:server:" + serverID
}

// New returns a Redis lock when a client is configured, otherwise a
// PostgreSQL advisory lock on db.
func New(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// Hold acquires l and keeps it alive until ctx is done, renewing every ttl/3
// for expiring locks. It returns ErrHeld if the lock is taken. The returned
// release function stops renewal and releases the lock; lost is closed if a
// renewal fails, after which the caller no longer owns the lock.
func Hold(ctx context.Context, l Lock, ttl time.Duration) (release func(), lost <-chan struct{}, err error) {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrHeld
	}

	lostCh := make(chan struct{})
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ext, ok := l.(Extender)
		if !ok || ttl <= 0 {
			<-renewCtx.Done()
			return
		}
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(renewCtx, ttl); err != nil {
					if renewCtx.Err() != nil {
						return
					}
					log.Printf("[distlock] Renewal failed: %v", err)
					close(lostCh)
					return
				}
			}
		}
	}()

	release = func() {
		cancel()
		<-done
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer relCancel()
		if err := l.Release(relCtx); err != nil {
			log.Printf("[distlock] Release failed: %v", err)
		}
	}
	return release, lostCh, nil
}

// PGAdvisoryLock uses session-scoped pg_try_advisory_lock. The lock goes
// away with the connection, so a crashed dispatcher frees its server.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable advisory lock ID from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire pins a pool connection so that the unlock runs in the same
// session as the lock.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
