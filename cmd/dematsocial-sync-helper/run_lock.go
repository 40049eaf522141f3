// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

// Distributed KV-backed locking so that only one replica imports a given
// démarche at a time.
//
// A lock is acquired by atomically creating a key in the state bucket (Create
// fails when the key already exists). Locks older than the configured timeout
// are considered stale and are forcibly reclaimed, which covers a replica that
// died mid-run. acquire tries up to maxRetries times, sleeping
// retryInterval between attempts. A lock held by another replica is reported
// as not acquired; any other KV failure is returned as an error.

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/akamensky/base58"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	importLockKeyPrefix     = "import_lock."
	importLockTimeout       = 15 * time.Minute
	importLockRetryInterval = 500 * time.Millisecond
	importLockRetryAttempts = 3
)

// runLocker acquires and releases the per-démarche import lock.
// Implementations must be safe for concurrent use.
type runLocker interface {
	// acquire tries to acquire the lock for key. It returns false with a nil
	// error when another holder keeps the lock.
	acquire(ctx context.Context, key string) (bool, error)
	// release frees the lock for key.
	release(ctx context.Context, key string) error
}

// importLockKey returns the KV key of the import lock of a démarche. The
// scope is base58-encoded since it may contain characters that are not valid
// in KV keys.
func importLockKey(scope string) string {
	return importLockKeyPrefix + base58.Encode([]byte(scope))
}

type lockerConfig struct {
	timeout       time.Duration
	retryInterval time.Duration
	maxRetries    int
}

type lockerOption func(*lockerConfig)

// withTimeout sets the duration after which an existing lock is considered
// stale and may be forcibly reclaimed.
func withTimeout(d time.Duration) lockerOption {
	return func(c *lockerConfig) { c.timeout = d }
}

// lockKV is the subset of jetstream.KeyValue used by kvRunLocker.
type lockKV interface {
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// kvRunLocker is the NATS JetStream KV implementation of runLocker.
type kvRunLocker struct {
	cfg lockerConfig
	kv  lockKV
	now func() time.Time
}

// newKVRunLocker creates a kvRunLocker backed by the given KV bucket.
func newKVRunLocker(kv lockKV, opts ...lockerOption) *kvRunLocker {
	cfg := lockerConfig{
		timeout:       importLockTimeout,
		retryInterval: importLockRetryInterval,
		maxRetries:    importLockRetryAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &kvRunLocker{cfg: cfg, kv: kv, now: time.Now}
}

// acquire implements runLocker.
func (l *kvRunLocker) acquire(ctx context.Context, key string) (bool, error) {
	var lastErr error

	for attempt := 1; attempt <= l.cfg.maxRetries; attempt++ {
		now := l.now()
		lockValue := strconv.FormatInt(now.Unix(), 10)

		// Atomic create: succeeds only if the key does not yet exist.
		_, err := l.kv.Create(ctx, key, []byte(lockValue))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, jetstream.ErrKeyExists):
			// The key already exists; reclaim it if it is stale.
			reclaimed, err := l.reclaimStale(ctx, key, lockValue, now)
			if reclaimed {
				return true, nil
			}
			lastErr = err
		default:
			lastErr = err
		}

		if attempt < l.cfg.maxRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(l.cfg.retryInterval):
			}
		}
	}

	if lastErr != nil {
		return false, fmt.Errorf("import lock %s: %w", key, lastErr)
	}
	return false, nil
}

// reclaimStale replaces the lock value when the current holder's lock is
// older than the timeout. Losing the revision race to another replica is not
// an error.
func (l *kvRunLocker) reclaimStale(ctx context.Context, key, lockValue string, now time.Time) (bool, error) {
	entry, err := l.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		// Released in between; the next attempt creates it.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !lockIsStale(entry.Value(), now, l.cfg.timeout) {
		return false, nil
	}

	_, err = l.kv.Update(ctx, key, []byte(lockValue), entry.Revision())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, jetstream.ErrKeyExists):
		return false, nil
	default:
		return false, err
	}
}

// release implements runLocker.
func (l *kvRunLocker) release(ctx context.Context, key string) error {
	return l.kv.Delete(ctx, key)
}

// lockIsStale reports whether a lock value, a Unix timestamp, is older than
// timeout. Unparseable values are left alone.
func lockIsStale(value []byte, now time.Time, timeout time.Duration) bool {
	ts, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return false
	}
	return now.Sub(time.Unix(ts, 0)) > timeout
}
