package listener

import (
	"context"
	"sort"
	"sync"
	"time"

	"TelemetryHub/logger"
	"TelemetryHub/metrics"
)

const (
	healthInterval  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Handle tracks one running listener
type Handle struct {
	Port      int
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) terminated() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Registry owns every active per-port listener: at most one per port,
// reaped on a health tick when their task has terminated.
type Registry struct {
	idleThreshold time.Duration
	dispatcher    Dispatcher

	mu      sync.Mutex
	handles map[int]*Handle
}

// NewRegistry creates an empty registry
func NewRegistry(idleThreshold time.Duration, dispatcher Dispatcher) *Registry {
	return &Registry{
		idleThreshold: idleThreshold,
		dispatcher:    dispatcher,
		handles:       make(map[int]*Handle),
	}
}

// Start launches a listener for port if none is active. It returns true
// when a new listener was started.
func (r *Registry) Start(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[port]; ok {
		if !h.terminated() {
			return false
		}
		// Dead handle not yet reaped; replace it.
		delete(r.handles, port)
	}

	lis, err := New(port, r.idleThreshold, r.dispatcher)
	if err != nil {
		logger.Warn("[REGISTRY] Failed to start listener on port %d: %v", port, err)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		Port:      port,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.handles[port] = h

	metrics.Global.ActiveListeners.Inc()
	go func() {
		defer close(h.done)
		defer metrics.Global.ActiveListeners.Dec()
		lis.Run(ctx)
	}()

	logger.Info("[REGISTRY] Listener started on port %d", port)
	return true
}

// Stop cancels the listener for port and removes its handle. It returns
// true when a listener existed.
func (r *Registry) Stop(port int) bool {
	r.mu.Lock()
	h, ok := r.handles[port]
	if ok {
		delete(r.handles, port)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(shutdownTimeout):
		logger.Warn("[REGISTRY] Listener on port %d did not stop within %s", port, shutdownTimeout)
	}
	logger.Info("[REGISTRY] Listener stopped on port %d", port)
	return true
}

// Active returns the ports with a live listener, sorted
func (r *Registry) Active() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.handles))
	for port, h := range r.handles {
		if !h.terminated() {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}

// RunHealth reaps terminated handles every health tick until the
// context is cancelled.
func (r *Registry) RunHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port, h := range r.handles {
		if h.terminated() {
			logger.Info("[REGISTRY] Reaped terminated listener on port %d", port)
			delete(r.handles, port)
		}
	}
}

// Shutdown cancels every listener and waits up to the shutdown timeout
// for them to terminate.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for port, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, port)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	deadline := time.After(shutdownTimeout)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			logger.Warn("[REGISTRY] Forcing shutdown with listeners still terminating")
			return
		}
	}
	logger.Info("[REGISTRY] All listeners stopped")
}
