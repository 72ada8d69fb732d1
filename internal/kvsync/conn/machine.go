// Package conn manages the realtime channel to the sync server: an explicit
// connection state machine, reconnect backoff with a dormant mode, endpoint
// discovery and the dial/read loop.
package conn

import (
	"errors"
	"fmt"
	"time"
)

// State is the connection state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Dormant
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Dormant:
		return "dormant"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when an event is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid connection state transition")

// MachineConfig tunes the backoff.
type MachineConfig struct {
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	DormantDelay     time.Duration
	DormantThreshold int
}

// DefaultMachineConfig returns the stock backoff settings.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		InitialDelay:     InitialReconnectDelay,
		MaxDelay:         MaxReconnectDelay,
		DormantDelay:     DormantReconnectDelay,
		DormantThreshold: DormantFailureThreshold,
	}
}

// Machine is the connection state machine. It decides which endpoint to dial
// next and how long to wait after a failure. It is not safe for concurrent
// use.
//
//	Idle ---------> Connecting ---> Open
//	                 ^    |          |
//	                 |    v          v
//	Dormant <---- Reconnecting <-----+
//	   |             ^
//	   +-------------+ (timer or online -> Connecting)
type Machine struct {
	cfg       MachineConfig
	state     State
	delay     time.Duration
	failures  int
	connected bool
	endpoints []string
	endpoint  int
}

// NewMachine returns an Idle machine that dials endpoints in order.
func NewMachine(cfg MachineConfig, endpoints []string) *Machine {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = InitialReconnectDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = MaxReconnectDelay
	}
	if cfg.DormantDelay <= 0 {
		cfg.DormantDelay = DormantReconnectDelay
	}
	if cfg.DormantThreshold <= 0 {
		cfg.DormantThreshold = DormantFailureThreshold
	}
	return &Machine{
		cfg:       cfg,
		delay:     cfg.InitialDelay,
		endpoints: append([]string(nil), endpoints...),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Endpoint returns the endpoint the next or current attempt uses.
func (m *Machine) Endpoint() string {
	if len(m.endpoints) == 0 {
		return ""
	}
	return m.endpoints[m.endpoint%len(m.endpoints)]
}

// Failures returns the number of consecutive failed attempts.
func (m *Machine) Failures() int { return m.failures }

// HasEverConnected reports whether any attempt has reached Open.
func (m *Machine) HasEverConnected() bool { return m.connected }

// Delay returns the wait applied after the next failure.
func (m *Machine) Delay() time.Duration { return m.delay }

// Connect starts an attempt: Idle, Reconnecting or Dormant -> Connecting.
func (m *Machine) Connect() error {
	switch m.state {
	case Idle, Reconnecting, Dormant:
		m.state = Connecting
		return nil
	default:
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, m.state)
	}
}

// Opened records a successful handshake: Connecting -> Open. The backoff
// and failure counters reset.
func (m *Machine) Opened() error {
	if m.state != Connecting {
		return fmt.Errorf("%w: open from %s", ErrInvalidTransition, m.state)
	}
	m.state = Open
	m.connected = true
	m.failures = 0
	m.delay = m.cfg.InitialDelay
	return nil
}

// Closed records a failed attempt or a lost channel: Connecting or Open ->
// Reconnecting, or Dormant once pre-first-success failures reach the
// threshold. It returns how long to wait before the next attempt.
func (m *Machine) Closed() (time.Duration, error) {
	if m.state != Connecting && m.state != Open {
		return 0, fmt.Errorf("%w: close from %s", ErrInvalidTransition, m.state)
	}
	m.failures++
	if !m.connected && len(m.endpoints) > 0 {
		m.endpoint = (m.endpoint + 1) % len(m.endpoints)
	}

	if ShouldEnterDormantReconnect(m.connected, m.failures, m.cfg.DormantThreshold) {
		m.state = Dormant
		return m.cfg.DormantDelay, nil
	}
	m.state = Reconnecting
	wait := m.delay
	m.delay = doubleDelay(m.delay, m.cfg.InitialDelay, m.cfg.MaxDelay)
	return wait, nil
}

// Online records that the network came back. Failure counting and endpoint
// discovery restart, so a Dormant machine stops being dormant. It reports
// whether a pending retry should fire immediately.
func (m *Machine) Online() bool {
	m.failures = 0
	m.endpoint = 0
	m.delay = m.cfg.InitialDelay
	return m.state == Reconnecting || m.state == Dormant
}

// Stop returns the machine to Idle.
func (m *Machine) Stop() {
	m.state = Idle
}
