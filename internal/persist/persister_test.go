package persist

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"TelemetryHub/internal/state"
)

// fakeSaver records batches and can be told to fail
type fakeSaver struct {
	mu      sync.Mutex
	fail    bool
	batches [][]state.DroneState
}

func (f *fakeSaver) SaveAll(records []state.DroneState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.batches = append(f.batches, records)
	return nil
}

// fakeEngine hands back one record per requested port
type fakeEngine struct{}

func (fakeEngine) Snapshot(ports []int) []state.DroneState {
	out := make([]state.DroneState, 0, len(ports))
	for _, p := range ports {
		out = append(out, state.DroneState{Port: p})
	}
	return out
}

func savedPorts(f *fakeSaver) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, batch := range f.batches {
		for _, r := range batch {
			out = append(out, r.Port)
		}
	}
	sort.Ints(out)
	return out
}

func TestFlushWritesDirtyPortsOnce(t *testing.T) {
	saver := &fakeSaver{}
	p := New(saver, fakeEngine{})

	p.MarkDirty(14551)
	p.MarkDirty(14552)
	p.MarkDirty(14551) // duplicate collapses

	p.Flush()
	assert.Equal(t, []int{14551, 14552}, savedPorts(saver))

	// Nothing dirty: no further batches.
	p.Flush()
	saver.mu.Lock()
	defer saver.mu.Unlock()
	assert.Len(t, saver.batches, 1)
}

func TestFlushFailureRetainsBatch(t *testing.T) {
	saver := &fakeSaver{fail: true}
	p := New(saver, fakeEngine{})

	p.MarkDirty(14551)
	p.Flush()

	saver.mu.Lock()
	assert.Empty(t, saver.batches)
	saver.mu.Unlock()

	// Store recovers; the retained port flushes on the next tick.
	saver.mu.Lock()
	saver.fail = false
	saver.mu.Unlock()

	p.Flush()
	assert.Equal(t, []int{14551}, savedPorts(saver))
}

func TestUpdatesDuringFailedFlushSurvive(t *testing.T) {
	saver := &fakeSaver{fail: true}
	p := New(saver, fakeEngine{})

	p.MarkDirty(14551)
	p.Flush()
	p.MarkDirty(14552)

	saver.mu.Lock()
	saver.fail = false
	saver.mu.Unlock()

	p.Flush()
	assert.Equal(t, []int{14551, 14552}, savedPorts(saver))
}
