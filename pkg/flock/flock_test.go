package flock_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Sideline/pkg/flock"
)

func TestAcquire_CreatesLockFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")
	lock := flock.New(target)

	require.NoError(t, lock.Acquire(time.Second))
	_, err := os.Stat(target + ".lock")
	assert.NoError(t, err, "acquiring must create the sibling .lock file")

	require.NoError(t, lock.Release())
	_, err = os.Stat(target + ".lock")
	assert.True(t, os.IsNotExist(err), "releasing must remove the .lock file")
}

func TestAcquire_ContendedLockTimesOut(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	holder := flock.New(target)
	require.NoError(t, holder.Acquire(time.Second))
	defer holder.Release()

	contender := flock.New(target)
	err := contender.Acquire(time.Millisecond * 200)
	assert.ErrorIs(t, err, flock.ErrTimeout)
}

func TestAcquire_SucceedsAfterRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	holder := flock.New(target)
	require.NoError(t, holder.Acquire(time.Second))
	require.NoError(t, holder.Release())

	next := flock.New(target)
	assert.NoError(t, next.Acquire(time.Second))
	assert.NoError(t, next.Release())
}

func TestRelease_WithoutLockIsNoOp(t *testing.T) {
	lock := flock.New(filepath.Join(t.TempDir(), "state.json"))
	assert.NoError(t, lock.Release())
}
