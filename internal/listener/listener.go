// Package listener runs one MAVLink UDP reader per promoted port and
// tracks their lifecycles.
package listener

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"TelemetryHub/logger"
	"TelemetryHub/metrics"
)

// idlePollInterval is how often an otherwise blocked listener checks
// its idle budget.
const idlePollInterval = time.Second

// Dispatcher receives every decoded message with its origin
type Dispatcher interface {
	Apply(port int, senderIP string, systemID uint8, msg message.Message)
}

// Listener owns the UDP socket and MAVLink decode for a single port and
// dispatches decoded messages until cancelled or idle too long.
type Listener struct {
	port          int
	idleThreshold time.Duration
	dispatcher    Dispatcher
	node          *gomavlib.Node
}

// New binds the port. The returned listener must be driven with Run,
// which releases the socket on every exit path.
func New(port int, idleThreshold time.Duration, dispatcher Dispatcher) (*Listener, error) {
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointUDPServer{Address: fmt.Sprintf("0.0.0.0:%d", port)},
		},
		Dialect:     ardupilotmega.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: 255, // Ground station ID
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener on port %d: %w", port, err)
	}

	return &Listener{
		port:          port,
		idleThreshold: idleThreshold,
		dispatcher:    dispatcher,
		node:          node,
	}, nil
}

// Run pumps decoded messages into the dispatcher. It returns when the
// context is cancelled, the port has been idle past the threshold, or
// the event stream ends.
func (l *Listener) Run(ctx context.Context) {
	defer l.node.Close()

	idleTicker := time.NewTicker(idlePollInterval)
	defer idleTicker.Stop()

	events := l.node.Events()
	lastMessage := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("[LISTENER:%d] Cancelled", l.port)
			return

		case <-idleTicker.C:
			if idle := time.Since(lastMessage); idle > l.idleThreshold {
				logger.Info("[LISTENER:%d] Idle for %s, releasing port", l.port, idle.Truncate(time.Second))
				return
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			switch e := event.(type) {
			case *gomavlib.EventFrame:
				lastMessage = time.Now()
				msg := e.Message()
				metrics.Global.MessagesDecoded.WithLabelValues(messageTypeName(msg)).Inc()
				l.dispatcher.Apply(l.port, channelIP(e.Channel), e.SystemID(), msg)
			case *gomavlib.EventParseError:
				metrics.Global.DecodeErrors.Inc()
				logger.Debug("[LISTENER:%d] Parse error: %v", l.port, e.Error)
			case *gomavlib.EventChannelOpen:
				logger.Debug("[LISTENER:%d] Channel opened: %v", l.port, e.Channel)
			case *gomavlib.EventChannelClose:
				logger.Debug("[LISTENER:%d] Channel closed: %v", l.port, e.Channel)
			}
		}
	}
}

// channelIP extracts the sender IP from a channel description of the
// form "udp:1.2.3.4:14550". Unparseable descriptions yield "".
func channelIP(ch *gomavlib.Channel) string {
	if ch == nil {
		return ""
	}
	s := fmt.Sprintf("%v", ch)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return ""
	}
	return host
}

// messageTypeName extracts a clean message type name,
// e.g. *ardupilotmega.MessageGlobalPositionInt -> GlobalPositionInt
func messageTypeName(msg message.Message) string {
	full := fmt.Sprintf("%T", msg)
	if i := strings.Index(full, ".Message"); i >= 0 {
		return full[i+len(".Message"):]
	}
	return strings.TrimPrefix(full, "*")
}
