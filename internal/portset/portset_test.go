package portset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnumeratesRange(t *testing.T) {
	s := New(14550, 14552, 10)

	assert.Equal(t, 3, s.Len())
	for p := 14550; p <= 14552; p++ {
		assert.True(t, s.Contains(p), "port %d", p)
	}
}

func TestAddRejectsOutsideRange(t *testing.T) {
	s := New(14550, 14560, 20)

	assert.Error(t, s.Add(14549))
	assert.Error(t, s.Add(14561))
	assert.NoError(t, s.Add(14555)) // already present, no-op
}

func TestAddRejectsWhenFull(t *testing.T) {
	s := New(14550, 14560, 5)
	s.Remove(14551)

	// 10 ports remain against a cap of 5: re-adding an absent port fails.
	require.Greater(t, s.Len(), 5)
	assert.Error(t, s.Add(14551))
}

func TestAddAfterRemove(t *testing.T) {
	s := New(14550, 14552, 10)
	s.Remove(14551)
	assert.False(t, s.Contains(14551))

	require.NoError(t, s.Add(14551))
	assert.True(t, s.Contains(14551))
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New(14550, 14552, 10)

	snap := s.Snapshot()
	require.Len(t, snap, 3)

	s.Remove(14550)
	assert.Len(t, snap, 3, "snapshot must not observe later mutation")
	assert.Equal(t, 2, s.Len())
}

func TestConcurrentMutationAndIteration(t *testing.T) {
	s := New(10000, 10100, 200)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for p := 10000 + n; p <= 10100; p += 8 {
				s.Remove(p)
				_ = s.Add(p)
				_ = s.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 101, s.Len())
}
