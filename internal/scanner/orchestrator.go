package scanner

import (
	"context"
	"time"

	"TelemetryHub/internal/portset"
	"TelemetryHub/logger"
)

const scanInterval = 5 * time.Second

// ListenerPool is the slice of the listener registry the orchestrator
// drives: idempotent promotion plus the live-port view.
type ListenerPool interface {
	Start(port int) bool
	Active() []int
}

// Orchestrator periodically probes every eligible port that has no
// listener yet and promotes detected ones.
type Orchestrator struct {
	ports    *portset.Set
	probe    *Probe
	registry ListenerPool
}

// NewOrchestrator wires the scan loop
func NewOrchestrator(ports *portset.Set, probe *Probe, registry ListenerPool) *Orchestrator {
	return &Orchestrator{
		ports:    ports,
		probe:    probe,
		registry: registry,
	}
}

// Run executes scan ticks with fixed-delay semantics until the context
// is cancelled: the next tick is armed only after the current one
// finishes, so overruns delay rather than pile up.
func (o *Orchestrator) Run(ctx context.Context) {
	logger.Info("[SCAN] Orchestrator started (interval %s)", scanInterval)
	timer := time.NewTimer(scanInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[SCAN] Orchestrator stopped")
			return
		case <-timer.C:
			o.scanOnce(ctx)
			timer.Reset(scanInterval)
		}
	}
}

// scanOnce probes (eligible ports) minus (active listeners) and starts
// listeners for every hit.
func (o *Orchestrator) scanOnce(ctx context.Context) {
	active := make(map[int]struct{})
	for _, port := range o.registry.Active() {
		active[port] = struct{}{}
	}

	var candidates []int
	for _, port := range o.ports.Snapshot() {
		if _, ok := active[port]; !ok {
			candidates = append(candidates, port)
		}
	}
	if len(candidates) == 0 {
		return
	}

	hits := o.probe.ProbeMany(ctx, candidates)
	for _, hit := range hits {
		if o.registry.Start(hit.Port) {
			logger.Info("[SCAN] Promoted port %d (sender %s)", hit.Port, hit.Sender)
		}
	}
}

// ScanPort probes a single port on demand and promotes it on a hit.
// A port already served by a listener returns ErrPortInUse.
func (o *Orchestrator) ScanPort(ctx context.Context, port int) (Outcome, error) {
	for _, active := range o.registry.Active() {
		if active == port {
			return Outcome{Port: port, Result: InUse}, ErrPortInUse
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.probe.timeout+time.Second)
	defer cancel()

	out := o.probe.ProbePort(probeCtx, port)
	switch out.Result {
	case Detected:
		o.registry.Start(out.Port)
		return out, nil
	case InUse:
		return out, ErrPortInUse
	case ProbeError:
		return out, out.Err
	default:
		return out, nil
	}
}
