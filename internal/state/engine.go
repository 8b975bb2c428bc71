// Package state applies decoded MAVLink messages to per-port drone records
// and derives airtime, travelled distance and throttle counters from them.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"TelemetryHub/logger"
	"TelemetryHub/metrics"
)

const (
	// airborneAltitude is the relative altitude above which a drone counts as in the air
	airborneAltitude = 0.5 // metres

	// throttleThreshold is the ch3 PWM value separating idle from powered flight
	throttleThreshold = 1050

	evictorInterval = 60 * time.Second
)

// Engine owns every per-port DroneState. All mutation goes through Apply;
// snapshots are deep copies.
type Engine struct {
	mu           sync.RWMutex
	drones       map[int]*DroneState
	lastActivity map[int]time.Time
	lastPosition map[int]Location

	staleThreshold time.Duration

	// onDirty is invoked (outside message handling decisions, inside the
	// engine lock) for every applied message so the persister can batch.
	onDirty func(port int)

	now func() time.Time
}

// NewEngine creates a state engine. staleThreshold controls broadcast
// visibility; records idle for twice that long are evicted entirely.
func NewEngine(staleThreshold time.Duration) *Engine {
	return &Engine{
		drones:         make(map[int]*DroneState),
		lastActivity:   make(map[int]time.Time),
		lastPosition:   make(map[int]Location),
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// OnDirty registers the callback fired after every applied message
func (e *Engine) OnDirty(fn func(port int)) {
	e.onDirty = fn
}

// Apply updates the state record for port with one decoded message.
// Unknown message types derive no fields; like every message they still
// create the record, refresh its identity and activity time, and fire the
// dirty callback.
func (e *Engine) Apply(port int, senderIP string, systemID uint8, msg message.Message) {
	now := e.now()
	nowMs := now.UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.drones[port]
	if !ok {
		s = &DroneState{Port: port}
		e.drones[port] = s
		logger.Info("[STATE] New drone record for port %d (gcs %s)", port, senderIP)
	}

	if senderIP != "" {
		s.GcsIP = senderIP
	}
	s.SystemID = int(systemID)
	s.Timestamp = Timestamp(now)
	e.lastActivity[port] = now

	switch m := msg.(type) {
	case *ardupilotmega.MessageGlobalPositionInt:
		e.applyGlobalPosition(s, m, nowMs)
	case *ardupilotmega.MessageSysStatus:
		s.BatteryVoltage = float64(m.VoltageBattery) / 1000
		s.BatteryCurrent = float64(m.CurrentBattery) / 100
	case *ardupilotmega.MessageVfrHud:
		e.applyVfrHud(s, m)
	case *ardupilotmega.MessageWind:
		s.WindVel = float64(m.Speed)
	case *ardupilotmega.MessageGpsRawInt:
		s.GpsHdop = float64(m.Eph)
	case *ardupilotmega.MessageAttitude:
		s.Roll = round2(degrees(float64(m.Roll)))
		s.Pitch = round2(degrees(float64(m.Pitch)))
		s.Yaw = round2(degrees(float64(m.Yaw)))
	case *ardupilotmega.MessageNavControllerOutput:
		s.WpDist = float64(m.WpDist)
		s.TargetHeading = float64(m.TargetBearing)
	case *ardupilotmega.MessageServoOutputRaw:
		e.applyServoOutput(s, m, nowMs)
	case *ardupilotmega.MessageMissionCount:
		s.Waypoints = nil
		s.WaypointsCount = int(m.Count)
	case *ardupilotmega.MessageMissionItemInt:
		e.applyMissionItem(s, m)
	default:
		// Message type carries nothing we derive state from.
	}

	if e.onDirty != nil {
		e.onDirty(port)
	}
}

func (e *Engine) applyGlobalPosition(s *DroneState, m *ardupilotmega.MessageGlobalPositionInt, nowMs int64) {
	lat := float64(m.Lat) / 1e7
	lon := float64(m.Lon) / 1e7

	s.Lat = lat
	s.Lon = lon
	s.Alt = float64(m.RelativeAlt) / 1000
	s.PreviousHeading = s.Heading
	s.Heading = float64(m.Hdg) / 100
	s.GroundSpeed = float64(m.Vx) / 100
	s.VerticalSpeed = float64(m.Vz) / 100

	// Integrated distance over consecutive fixes
	if last, ok := e.lastPosition[s.Port]; ok {
		s.DistTraveled += haversineKm(last.Lat, last.Lon, lat, lon) * 1000
	}
	e.lastPosition[s.Port] = Location{Lat: lat, Lon: lon}

	if s.HomeLocation != nil {
		s.DistToHome = haversineKm(lat, lon, s.HomeLocation.Lat, s.HomeLocation.Lon) * 1000
	}

	// Time in air, driven by relative altitude
	if s.Alt > airborneAltitude {
		if !s.Airborne {
			s.Airborne = true
			s.StartTime = nowMs
		}
		s.TimeInAir = float64(nowMs-s.StartTime) / 1000
	} else if s.Airborne {
		s.TimeInAir = float64(nowMs-s.StartTime) / 1000
		s.Airborne = false
	}
}

func (e *Engine) applyVfrHud(s *DroneState, m *ardupilotmega.MessageVfrHud) {
	s.Airspeed = float64(m.Airspeed)
	s.GroundSpeed = float64(m.Groundspeed)
	s.VerticalSpeed = float64(m.Climb)
	s.PreviousHeading = s.Heading
	s.Heading = float64(m.Heading)

	// ETA to next waypoint / home at current ground speed
	if s.GroundSpeed > 0 {
		s.Tot = round2(s.WpDist / s.GroundSpeed)
		s.Toh = round2(s.DistToHome / s.GroundSpeed)
	} else {
		s.Tot = 0
		s.Toh = 0
	}
}

func (e *Engine) applyServoOutput(s *DroneState, m *ardupilotmega.MessageServoOutputRaw, nowMs int64) {
	s.Ch3Out = int(m.Servo3Raw)
	s.Ch9Out = int(m.Servo9Raw)
	s.Ch10Out = int(m.Servo10Raw)
	s.Ch11Out = int(m.Servo11Raw)
	s.Ch12Out = int(m.Servo12Raw)
	s.Ch3Percent = round2(float64(s.Ch3Out-1000) / 1000 * 100)

	if s.Ch3Out > throttleThreshold {
		s.FlightStatus = 1
	} else {
		s.FlightStatus = 0
	}

	// Powered-flight timer on ch3
	if s.Ch3Out > throttleThreshold {
		if !s.Flying {
			s.Flying = true
			s.FlightStartTime = nowMs
		}
		s.AutoTime = float64(nowMs-s.FlightStartTime) / 1000
	} else if s.Flying {
		s.AutoTime = float64(nowMs-s.FlightStartTime) / 1000
		s.Flying = false
	}

	// Throttle-in-air accumulator. While active the anchor advances on every
	// sample; the interval since the previous sample is committed each time.
	throttling := s.Ch9Out > 1000 && s.Ch10Out > 1000 && s.Ch11Out > 1000 &&
		s.Ch12Out > 1000 && s.Ch3Out < throttleThreshold
	if throttling {
		if !s.ThrottleActive {
			s.ThrottleActive = true
			s.ThrottleStartTime = nowMs
		} else {
			s.TotalThrottleTime += nowMs - s.ThrottleStartTime
			s.ThrottleStartTime = nowMs
		}
	} else if s.ThrottleActive {
		s.TotalThrottleTime += nowMs - s.ThrottleStartTime
		s.ThrottleActive = false
	}
}

func (e *Engine) applyMissionItem(s *DroneState, m *ardupilotmega.MessageMissionItemInt) {
	lat := float64(m.X) / 1e7
	lon := float64(m.Y) / 1e7
	alt := float64(m.Z)

	// Items with no position are padding; drop them
	if (lat == 0 && lon == 0) || alt == 0 {
		return
	}

	s.Waypoints = append(s.Waypoints, Waypoint{
		Seq: int(m.Seq),
		Lat: lat,
		Lon: lon,
		Alt: alt,
	})
	if m.Seq == 0 {
		s.HomeLocation = &Location{Lat: lat, Lon: lon}
	}
}

// Get returns a copy of the record for port
func (e *Engine) Get(port int) (DroneState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.drones[port]
	if !ok {
		return DroneState{}, false
	}
	return s.clone(), true
}

// ActiveSnapshot returns copies of every record with activity inside the
// stale threshold, ordered by port.
func (e *Engine) ActiveSnapshot() []DroneState {
	now := e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]DroneState, 0, len(e.drones))
	for port, s := range e.drones {
		if now.Sub(e.lastActivity[port]) <= e.staleThreshold {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	metrics.Global.ActiveDrones.Set(float64(len(out)))
	return out
}

// Snapshot returns copies of the given ports' records, stale or not.
// Ports with no record are skipped.
func (e *Engine) Snapshot(ports []int) []DroneState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]DroneState, 0, len(ports))
	for _, port := range ports {
		if s, ok := e.drones[port]; ok {
			out = append(out, s.clone())
		}
	}
	return out
}

// Evict drops the record and auxiliaries for port
func (e *Engine) Evict(port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictLocked(port)
}

func (e *Engine) evictLocked(port int) {
	delete(e.drones, port)
	delete(e.lastActivity, port)
	delete(e.lastPosition, port)
}

// RunEvictor sweeps records idle longer than twice the stale threshold
// until the context is cancelled.
func (e *Engine) RunEvictor(ctx context.Context) {
	ticker := time.NewTicker(evictorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for port, seen := range e.lastActivity {
		if now.Sub(seen) > 2*e.staleThreshold {
			logger.Info("[STATE] Evicting stale drone record for port %d (idle %s)", port, now.Sub(seen).Truncate(time.Second))
			e.evictLocked(port)
		}
	}
}
