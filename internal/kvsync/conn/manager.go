package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// ErrNotOpen is returned by Send when the channel is not open.
var ErrNotOpen = errors.New("realtime channel is not open")

// Conn is an established realtime channel carrying text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Handler receives channel events. Callbacks run on the manager's goroutine,
// one at a time, and may call Send.
type Handler interface {
	OnOpen(endpoint string)
	OnMessage(data []byte)
	// OnClose runs after the machine has left Open, with the wait before the
	// next attempt.
	OnClose(err error, state State, retryIn time.Duration)
}

// Config holds manager configuration.
type Config struct {
	Machine MachineConfig

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// WriteTimeout bounds a single Send.
	WriteTimeout time.Duration

	// Logger for connection activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Machine:      DefaultMachineConfig(),
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger:       log.New(os.Stderr, "[conn] ", log.LstdFlags),
	}
}

// Manager owns the realtime channel: it dials, reads, and reconnects with
// backoff until stopped.
type Manager struct {
	config  *Config
	dialer  Dialer
	handler Handler

	mu      sync.Mutex
	machine *Machine
	conn    Conn

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager dialing endpoints in order.
func NewManager(endpoints []string, dialer Dialer, handler Handler, config *Config) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[conn] ", log.LstdFlags)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		dialer:  dialer,
		handler: handler,
		machine: NewMachine(config.Machine, endpoints),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins connecting immediately.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop closes the channel and waits for the loop to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	m.machine.Stop()
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State()
}

// Endpoint returns the endpoint in use or to be tried next.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Endpoint()
}

// Online tells the manager the network is back. A waiting retry, dormant or
// not, fires immediately from the first endpoint.
func (m *Manager) Online() {
	m.mu.Lock()
	retry := m.machine.Online()
	m.mu.Unlock()
	if retry {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Send writes a text frame. It fails with ErrNotOpen unless the channel is
// open.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	c := m.conn
	open := m.machine.State() == Open
	m.mu.Unlock()
	if !open || c == nil {
		return ErrNotOpen
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()
	if err := c.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if err := m.machine.Connect(); err != nil {
			m.mu.Unlock()
			m.config.Logger.Printf("Warning: %v", err)
			return
		}
		endpoint := m.machine.Endpoint()
		m.mu.Unlock()

		err := m.session(endpoint)
		if m.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		wait, _ := m.machine.Closed()
		state := m.machine.State()
		m.mu.Unlock()

		if state == Dormant {
			m.config.Logger.Printf("Server unreachable, retrying in %s", wait)
		} else {
			m.config.Logger.Printf("Connection to %s closed (%v), retrying in %s", endpoint, err, wait)
		}
		m.handler.OnClose(err, state, wait)

		if !m.sleep(wait) {
			return
		}
	}
}

// session dials endpoint and pumps frames until the channel fails.
func (m *Manager) session(endpoint string) error {
	dialCtx, cancel := context.WithTimeout(m.ctx, m.config.DialTimeout)
	c, err := m.dialer.Dial(dialCtx, endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		_ = c.Close()
		return m.ctx.Err()
	}
	_ = m.machine.Opened()
	m.conn = c
	m.mu.Unlock()

	// a wake queued before this connection is stale
	select {
	case <-m.wake:
	default:
	}

	m.config.Logger.Printf("Connected to %s", endpoint)
	m.handler.OnOpen(endpoint)

	for {
		data, err := c.Read(m.ctx)
		if err != nil {
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			_ = c.Close()
			return err
		}
		m.handler.OnMessage(data)
	}
}

// sleep waits d, returning early on Online. It reports false once stopped.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-m.wake:
		return true
	case <-timer.C:
		return true
	}
}
