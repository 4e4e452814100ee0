package ports

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSequentialWithoutLockDir(t *testing.T) {
	a := NewAllocator("", 20000)

	first, err := a.Acquire(3)
	require.NoError(t, err)
	assert.Equal(t, []int{20000, 20001, 20002}, first.Ports())

	second, err := a.Acquire(2)
	require.NoError(t, err)
	assert.Equal(t, []int{20003, 20004}, second.Ports())

	assert.NoError(t, first.Release())
	assert.NoError(t, second.Release())
}

func TestAcquireLocksPorts(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator(dir, 0)

	lease, err := a.Acquire(4)
	require.NoError(t, err)
	require.Equal(t, 4, lease.Len())

	unique := make(map[int]bool)
	for _, port := range lease.Ports() {
		unique[port] = true
		assert.FileExists(t, filepath.Join(dir, strconv.Itoa(port)))
	}
	assert.Len(t, unique, 4)

	require.NoError(t, lease.Release())
	for _, port := range lease.Ports() {
		_, err := os.Stat(filepath.Join(dir, strconv.Itoa(port)))
		assert.True(t, os.IsNotExist(err), "lock file for %d should be removed", port)
	}
}

func TestConcurrentAllocatorsNeverShare(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator(dir, 0)
	b := NewAllocator(dir, 0)

	// Both allocators probe the same candidate sequence
	pool := []int{freePortHint(t), freePortHint(t), freePortHint(t)}
	cycle := func() func() (int, error) {
		i := 0
		return func() (int, error) {
			port := pool[i%len(pool)]
			i++
			return port, nil
		}
	}
	a.probe = cycle()
	b.probe = cycle()

	la, err := a.Acquire(2)
	require.NoError(t, err)
	defer la.Release()

	lb, err := b.Acquire(1)
	require.NoError(t, err)
	defer lb.Release()

	for _, pa := range la.Ports() {
		for _, pb := range lb.Ports() {
			assert.NotEqual(t, pa, pb)
		}
	}
}

func TestAcquireExhausted(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator(dir, 0)
	a.ScanFactor = 1

	port := freePortHint(t)
	a.probe = func() (int, error) { return port, nil }

	_, err := a.Acquire(2)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// The single port that was locked must have been released again
	again, err := a.Acquire(1)
	require.NoError(t, err)
	assert.Equal(t, []int{port}, again.Ports())
	assert.NoError(t, again.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := NewAllocator(t.TempDir(), 0)
	lease, err := a.Acquire(1)
	require.NoError(t, err)

	assert.NoError(t, lease.Release())
	assert.NoError(t, lease.Release())
}

func TestAcquireInvalidCount(t *testing.T) {
	_, err := NewAllocator("", 1000).Acquire(-1)
	assert.Error(t, err)
}

// freePortHint returns a port that was free a moment ago
func freePortHint(t *testing.T) int {
	t.Helper()
	a := NewAllocator("", 0)
	port, err := a.candidate()
	require.NoError(t, err)
	return port
}
