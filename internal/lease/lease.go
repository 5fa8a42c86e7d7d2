// Package lease implements the writer lease described in spec §5: "an
// in-process token identifying the current writer." The OS-level advisory
// lock (internal/fsio) already keeps two processes from writing the same
// file concurrently; WriterLease layers a uuid-keyed identity on top of it
// so a single process can tell its own writer handle apart from a stale
// one recovered from a crash. The token is exposed through Token; Stats
// and telemetry do not report it.
package lease

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wax-db/wax/internal/fsio"
)

// WriterLease pairs an exclusive fsio.Lock with a process-local identity
// token minted at acquisition time.
type WriterLease struct {
	lock       *fsio.Lock
	token      uuid.UUID
	acquiredAt time.Time
}

// Acquire takes the exclusive advisory lock on f (opened from path) under
// the given policy and mints a new lease token. timeout is only consulted
// for fsio.PolicyTimeout.
func Acquire(ctx context.Context, f *os.File, path string, policy fsio.Policy, timeout time.Duration) (*WriterLease, error) {
	lock, err := fsio.Acquire(ctx, f, path, fsio.ModeExclusive, policy, timeout)
	if err != nil {
		return nil, err
	}
	return &WriterLease{lock: lock, token: uuid.New(), acquiredAt: time.Now()}, nil
}

// Token returns the lease's process-local identity.
func (l *WriterLease) Token() uuid.UUID { return l.token }

// AcquiredAt returns when the lease was acquired.
func (l *WriterLease) AcquiredAt() time.Time { return l.acquiredAt }

// Release releases the underlying OS lock. The lease must not be used again.
func (l *WriterLease) Release() error { return l.lock.Release() }
