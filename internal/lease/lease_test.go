package lease_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/fsio"
	"github.com/wax-db/wax/internal/lease"
)

func TestAcquireMintsDistinctTokens(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "wax-lease-*.mv2s")
	require.NoError(t, err)
	defer f.Close()

	l1, err := lease.Acquire(context.Background(), f, f.Name(), fsio.PolicyFail, 0)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := lease.Acquire(context.Background(), f, f.Name(), fsio.PolicyFail, 0)
	require.NoError(t, err)
	defer l2.Release()

	require.NotEqual(t, l1.Token(), l2.Token())
	require.WithinDuration(t, time.Now(), l2.AcquiredAt(), time.Second)
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "wax-lease-*.mv2s")
	require.NoError(t, err)
	defer f.Close()

	held, err := lease.Acquire(context.Background(), f, f.Name(), fsio.PolicyFail, 0)
	require.NoError(t, err)
	defer held.Release()

	other, err := os.OpenFile(f.Name(), os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer other.Close()

	_, err = lease.Acquire(context.Background(), other, f.Name(), fsio.PolicyFail, 0)
	require.Error(t, err)
}

// TestAcquireFailsWhenFileReplacedUnderneath covers the inode-verification
// guard: an Acquire call against a handle whose path no longer points
// at that same inode (the file was deleted and recreated) must fail rather
// than silently lock the stale descriptor.
func TestAcquireFailsWhenFileReplacedUnderneath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wax-lease.mv2s")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, os.Remove(path))
	recreated, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer recreated.Close()

	_, err = lease.Acquire(context.Background(), f, path, fsio.PolicyFail, 0)
	require.Error(t, err)
}
