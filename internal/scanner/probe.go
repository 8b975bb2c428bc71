// Package scanner discovers transmitting GCS ports: it probes candidate
// UDP ports for traffic and promotes hits to long-lived listeners.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"TelemetryHub/logger"
	"TelemetryHub/metrics"
)

// ErrPortInUse reports a probe target whose port is already bound, by one
// of our own listeners or by any other socket
var ErrPortInUse = errors.New("port already in use")

const (
	// maxConcurrentProbes caps a single ProbeMany batch
	maxConcurrentProbes = 10

	// After backoffFailures consecutive silent probes a port is skipped
	// for backoffWindow without touching the network.
	backoffFailures = 5
	backoffWindow   = 60 * time.Second
)

// Result classifies a single probe
type Result int

const (
	NoData Result = iota
	Detected
	InUse
	ProbeError
)

func (r Result) String() string {
	switch r {
	case Detected:
		return "detected"
	case NoData:
		return "no_data"
	case InUse:
		return "in_use"
	case ProbeError:
		return "error"
	}
	return "unknown"
}

// Outcome is the result of probing one port
type Outcome struct {
	Port   int
	Result Result
	Sender string // source IP of the detected datagram
	Err    error
}

type probeRecord struct {
	failureCount int
	lastScanAt   time.Time
}

// Probe is a stateless single-port UDP probe with per-port failure
// backoff. It owns no long-lived sockets.
type Probe struct {
	timeout     time.Duration
	bufferSize  int
	concurrency int

	mu      sync.Mutex
	records map[int]*probeRecord

	now func() time.Time
}

// NewProbe creates a probe. concurrency bounds ProbeMany batches and is
// capped at 10.
func NewProbe(timeout time.Duration, bufferSize, concurrency int) *Probe {
	if concurrency <= 0 || concurrency > maxConcurrentProbes {
		concurrency = maxConcurrentProbes
	}
	return &Probe{
		timeout:     timeout,
		bufferSize:  bufferSize,
		concurrency: concurrency,
		records:     make(map[int]*probeRecord),
		now:         time.Now,
	}
}

// reuseAddr lets the probe rebind ports it released moments ago. A port
// bound by one of our own listeners (no reuse flag) still refuses the bind.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

// ProbePort binds the port, waits up to the scanner timeout for one
// datagram, and releases the socket before returning.
func (p *Probe) ProbePort(ctx context.Context, port int) Outcome {
	// Quiet period: report silence without refreshing the record, so the
	// port becomes probeable again once the window elapses.
	if p.skipForBackoff(port) {
		metrics.Global.ProbesTotal.WithLabelValues("backoff").Inc()
		return Outcome{Port: port, Result: NoData}
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return p.record(Outcome{Port: port, Result: InUse, Err: ErrPortInUse})
		}
		return p.record(Outcome{Port: port, Result: ProbeError, Err: fmt.Errorf("failed to bind probe socket: %w", err)})
	}
	defer conn.Close()

	deadline := p.now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return p.record(Outcome{Port: port, Result: ProbeError, Err: fmt.Errorf("failed to arm probe deadline: %w", err)})
	}

	buf := make([]byte, p.bufferSize)
	_, addr, err := conn.ReadFrom(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return p.record(Outcome{Port: port, Result: NoData})
		}
		return p.record(Outcome{Port: port, Result: ProbeError, Err: fmt.Errorf("probe read failed: %w", err)})
	}

	sender := ""
	if udp, ok := addr.(*net.UDPAddr); ok {
		sender = udp.IP.String()
	}
	return p.record(Outcome{Port: port, Result: Detected, Sender: sender})
}

// ProbeMany probes the given ports with bounded concurrency and returns
// only the Detected outcomes. Each probe gets the scanner timeout plus
// one second before it is cancelled.
func (p *Probe) ProbeMany(ctx context.Context, ports []int) []Outcome {
	var (
		mu   sync.Mutex
		hits []Outcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, port := range ports {
		port := port
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, p.timeout+time.Second)
			defer cancel()

			out := p.ProbePort(probeCtx, port)
			if out.Result == Detected {
				mu.Lock()
				hits = append(hits, out)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return hits
}

// skipForBackoff reports whether the port is in its quiet period
func (p *Probe) skipForBackoff(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[port]
	if !ok {
		return false
	}
	return r.failureCount >= backoffFailures && p.now().Sub(r.lastScanAt) < backoffWindow
}

// record updates the per-port backoff bookkeeping and probe metrics
func (p *Probe) record(out Outcome) Outcome {
	metrics.Global.ProbesTotal.WithLabelValues(out.Result.String()).Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch out.Result {
	case Detected:
		delete(p.records, out.Port)
	case InUse:
		// A port held by our own listener is not a failure.
		r := p.ensureRecord(out.Port)
		r.failureCount = 0
		r.lastScanAt = p.now()
	default:
		r := p.ensureRecord(out.Port)
		r.failureCount++
		r.lastScanAt = p.now()
		if out.Err != nil {
			logger.Debug("[PROBE] Port %d: %v", out.Port, out.Err)
		}
	}
	return out
}

func (p *Probe) ensureRecord(port int) *probeRecord {
	r, ok := p.records[port]
	if !ok {
		r = &probeRecord{}
		p.records[port] = r
	}
	return r
}
