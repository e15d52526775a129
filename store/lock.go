package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrLockTimeout = errors.New("timed out waiting for lock")

type LockOptions struct {
	// Delay between acquisition attempts while the lock is held elsewhere. Defaults to 50ms.
	RetryInterval time.Duration
	// Give up with ErrLockTimeout after waiting this long. Zero waits until the context is done.
	Timeout time.Duration
	// Lock rows older than this are assumed to belong to a crashed holder and are removed. Zero disables reclaiming.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Lock is a named mutual-exclusion primitive backed by the oauth_lock table.
//
// Holding a lock means owning the row for its name. Since the row lives in the database, this serializes work across every process sharing the database file, not just goroutines in this one.
type Lock struct {
	db     *gorm.DB
	opts   LockOptions
	logger *slog.Logger
}

type lockRow struct {
	Key        string `gorm:"column:key;primaryKey"`
	AcquiredAt int64  `gorm:"column:acquired_at"`
	Owner      string `gorm:"column:owner"`
}

func (lockRow) TableName() string {
	return "oauth_lock"
}

func NewLock(db *gorm.DB, opts LockOptions) *Lock {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		db:     db,
		opts:   opts,
		logger: logger.With("component", "lock"),
	}
}

// Lease is one holder's claim on a named lock, returned by [Lock.Acquire].
type Lease struct {
	lock  *Lock
	name  string
	owner string
}

func (ls *Lease) Name() string {
	return ls.name
}

// Acquire blocks until the named lock is held by the caller, the context is done, or the configured timeout passes.
func (l *Lock) Acquire(ctx context.Context, name string) (*Lease, error) {
	ctx, span := tracer.Start(ctx, "Lock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("name", name))

	start := time.Now()
	var deadline <-chan time.Time
	if l.opts.Timeout > 0 {
		timer := time.NewTimer(l.opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			lockAcquireDuration.WithLabelValues("canceled").Observe(time.Since(start).Seconds())
			return nil, err
		}

		row := lockRow{Key: name, AcquiredAt: time.Now().UnixMilli(), Owner: uuid.NewString()}
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			lockAcquireDuration.WithLabelValues("acquired").Observe(time.Since(start).Seconds())
			return &Lease{lock: l, name: name, owner: row.Owner}, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			if ctx.Err() != nil {
				lockAcquireDuration.WithLabelValues("canceled").Observe(time.Since(start).Seconds())
				return nil, ctx.Err()
			}
			lockAcquireDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("acquiring lock %q: %w", name, err)
		}
		lockConflicts.Inc()

		if l.opts.StaleAfter > 0 {
			reclaimed, err := l.reclaimStale(ctx, name)
			if err != nil {
				return nil, err
			}
			if reclaimed {
				continue
			}
		}

		select {
		case <-ctx.Done():
			lockAcquireDuration.WithLabelValues("canceled").Observe(time.Since(start).Seconds())
			return nil, ctx.Err()
		case <-deadline:
			lockTimeouts.Inc()
			lockAcquireDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, name)
		case <-time.After(l.opts.RetryInterval):
		}
	}
}

func (l *Lock) reclaimStale(ctx context.Context, name string) (bool, error) {
	cutoff := time.Now().Add(-l.opts.StaleAfter).UnixMilli()
	res := l.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: keyColumn}, Value: name}).
		Where("acquired_at < ?", cutoff).
		Delete(&lockRow{})
	if res.Error != nil {
		return false, fmt.Errorf("reclaiming stale lock %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	lockReclaims.Inc()
	l.logger.Warn("reclaimed stale lock", "name", name, "staleAfter", l.opts.StaleAfter)
	return true, nil
}

// ErrLeaseLost is returned by [Lease.Release] when the row no longer belongs to the lease, because it was reclaimed as stale and possibly taken by someone else.
var ErrLeaseLost = errors.New("lock lease lost")

// Release drops the lock if this lease still owns it. A row that was reclaimed and re-acquired by another holder is left alone. It still runs if ctx has already been canceled.
func (ls *Lease) Release(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	res := ls.lock.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: keyColumn}, Value: ls.name}).
		Where(clause.Eq{Column: clause.Column{Name: "owner"}, Value: ls.owner}).
		Delete(&lockRow{})
	if res.Error != nil {
		return fmt.Errorf("releasing lock %q: %w", ls.name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, ls.name)
	}
	return nil
}

// Run holds the named lock for the duration of fn. The lock is released however fn exits, including by panic.
func (l *Lock) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := RunExclusive(ctx, l, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RunExclusive is Run for functions that produce a value.
func RunExclusive[T any](ctx context.Context, l *Lock, name string, fn func(ctx context.Context) (T, error)) (res T, err error) {
	lease, err := l.Acquire(ctx, name)
	if err != nil {
		return res, err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			l.logger.Error("failed to release lock", "name", name, "err", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn(ctx)
}
