package pipeline

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Cerresi/bees-case/pkg/errors"
)

// RunLocker guarantees at most one in-flight invocation per run id.
// Acquire returns ErrorTypeConflict when the run id is busy.
type RunLocker interface {
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

func conflict(runID string) error {
	return errors.New(errors.ErrorTypeConflict, "run is already in progress").WithDetail("run_id", runID)
}

// MemoryLocker locks run ids within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{busy: make(map[string]struct{})}
}

// Acquire implements RunLocker.
func (l *MemoryLocker) Acquire(_ context.Context, runID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.busy[runID]; ok {
		return nil, conflict(runID)
	}
	l.busy[runID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.busy, runID)
			l.mu.Unlock()
		})
	}, nil
}

// Advisory locks take the 64-bit hash of the namespaced run id; the 32-bit
// hashtext collides across a few tens of thousands of keys.
const (
	advisoryLockSQL   = "SELECT pg_try_advisory_lock(hashtextextended($1, 0))"
	advisoryUnlockSQL = "SELECT pg_advisory_unlock(hashtextextended($1, 0))"
)

// advisoryKey namespaces run ids inside the shared advisory lock space.
func advisoryKey(runID string) string {
	return "breweries:" + runID
}

// PostgresLocker locks run ids across processes with session-level
// advisory locks. The lock is held by a dedicated pooled connection until
// release.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresLocker creates a locker on pool.
func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// Acquire implements RunLocker.
func (l *PostgresLocker) Acquire(ctx context.Context, runID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to acquire lock connection")
	}

	var locked bool
	if err := conn.QueryRow(ctx, advisoryLockSQL, advisoryKey(runID)).Scan(&locked); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to take advisory lock")
	}
	if !locked {
		conn.Release()
		return nil, conflict(runID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The unlock must run even when the stage context was cancelled.
			if _, err := conn.Exec(context.Background(), advisoryUnlockSQL, advisoryKey(runID)); err != nil {
				// Closing the session drops its advisory locks.
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}
