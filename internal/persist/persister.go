// Package persist batches dirty drone records and flushes them to the
// snapshot store on a fixed cadence.
package persist

import (
	"context"
	"sync"
	"time"

	"TelemetryHub/internal/state"
	"TelemetryHub/logger"
	"TelemetryHub/metrics"
)

const flushInterval = 5 * time.Second

// Saver is the slice of the store the persister needs
type Saver interface {
	SaveAll(records []state.DroneState) error
}

// Snapshotter provides current records for a set of ports
type Snapshotter interface {
	Snapshot(ports []int) []state.DroneState
}

// Persister accumulates dirty ports and writes their current state in
// batches. Store failures keep the batch dirty for the next flush.
type Persister struct {
	store  Saver
	engine Snapshotter

	mu    sync.Mutex
	dirty map[int]struct{}
}

// New creates a persister flushing engine records into store
func New(store Saver, engine Snapshotter) *Persister {
	return &Persister{
		store:  store,
		engine: engine,
		dirty:  make(map[int]struct{}),
	}
}

// MarkDirty queues a port for the next flush. Never blocks.
func (p *Persister) MarkDirty(port int) {
	p.mu.Lock()
	p.dirty[port] = struct{}{}
	p.mu.Unlock()
}

// Run flushes every flushInterval until the context is cancelled, then
// performs a final flush.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Flush()
			return
		case <-ticker.C:
			p.Flush()
		}
	}
}

// Flush pops the dirty set and writes those records in one batch.
// On failure the batch is merged back for retry.
func (p *Persister) Flush() {
	p.mu.Lock()
	if len(p.dirty) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.dirty
	p.dirty = make(map[int]struct{})
	p.mu.Unlock()

	ports := make([]int, 0, len(batch))
	for port := range batch {
		ports = append(ports, port)
	}

	records := p.engine.Snapshot(ports)
	metrics.Global.PersistBatches.Inc()

	if err := p.store.SaveAll(records); err != nil {
		metrics.Global.PersistErrors.Inc()
		logger.Error("[PERSIST] Failed to flush %d records: %v", len(records), err)

		// Keep the batch dirty; updates that arrived meanwhile win.
		p.mu.Lock()
		for port := range batch {
			p.dirty[port] = struct{}{}
		}
		p.mu.Unlock()
		return
	}

	metrics.Global.PersistedRecords.Add(float64(len(records)))
	logger.Debug("[PERSIST] Flushed %d records", len(records))
}
