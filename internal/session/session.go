// Package session owns the Device Client instance, performs discovery,
// registration, liveness probing, and auto-reconnect, and continuously
// enforces the dashcam's file-browsable mode while connected.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/c16/dashcam-manager/internal/deviceclient"
)

// State is one of the five session lifecycle states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateDiscovering  State = "discovering"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateLost         State = "lost"
)

// StatusUpdate is delivered to the status sink on every transition.
type StatusUpdate struct {
	Message   string
	Connected bool
}

// StatusSink receives status notifications. Implementations must be
// non-blocking and safe to call from any goroutine; the core has no
// notion of a UI thread and never marshals onto one itself.
type StatusSink func(StatusUpdate)

// Config configures the Session Manager's timing and target device.
type Config struct {
	DeviceIP          string
	DevicePort        int
	LocalIP           string
	ConnectionTimeout time.Duration
	DiscoverTimeout   time.Duration
	ProbeInterval     time.Duration
	DisconnectWait    time.Duration
	AutoReconnect     bool
}

// Manager owns one device session end to end.
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	sink   StatusSink
	newCli func(cfg deviceclient.Config, log zerolog.Logger) *deviceclient.Client

	mu     sync.RWMutex
	state  State
	client *deviceclient.Client

	proberStop chan struct{}
	proberDone chan struct{}
}

// New builds a Manager in the Disconnected state. sink receives every
// transition notification; it may be nil.
func New(cfg Config, log zerolog.Logger, sink StatusSink) *Manager {
	if sink == nil {
		sink = func(StatusUpdate) {}
	}
	return &Manager{
		cfg:    cfg,
		log:    log.With().Str("component", "session").Logger(),
		sink:   sink,
		newCli: deviceclient.New,
		state:  StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Client returns the live Device Client handle, or nil if not connected.
func (m *Manager) Client() *deviceclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// setDisconnected returns the manager to Disconnected and drops the dead
// client handle, so Client() stops handing out a connection the manager
// itself no longer considers live.
func (m *Manager) setDisconnected() {
	m.mu.Lock()
	m.state = StateDisconnected
	m.client = nil
	m.mu.Unlock()
}

func (m *Manager) notify(message string, connected bool) {
	m.sink(StatusUpdate{Message: message, Connected: connected})
}

// Connect runs the Disconnected -> Discovering -> Connecting -> Connected
// sequence once. On success it starts the background prober.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateDiscovering)
	m.notify("Discovering dashcam...", false)

	hostPort := net.JoinHostPort(m.cfg.DeviceIP, strconv.Itoa(m.cfg.DevicePort))
	if !deviceclient.Probe(ctx, hostPort, m.cfg.DiscoverTimeout) {
		m.setDisconnected()
		m.notify(fmt.Sprintf("Dashcam not found at %s", m.cfg.DeviceIP), false)
		return fmt.Errorf("session: %w: %s", deviceclient.ErrDiscovery, hostPort)
	}

	m.setState(StateConnecting)
	m.notify("Connecting to dashcam...", false)

	cli := m.newCli(deviceclient.Config{
		BaseURL:           fmt.Sprintf("http://%s:%d", m.cfg.DeviceIP, m.cfg.DevicePort),
		ConnectionTimeout: m.cfg.ConnectionTimeout,
		MaxRetries:        2, // three transport-level attempts per call in all
	}, m.log)

	if _, err := cli.GetDeviceAttr(ctx); err != nil {
		m.setDisconnected()
		m.notify("Failed to reach dashcam", false)
		return fmt.Errorf("session: getDeviceAttr: %w", err)
	}

	if body, err := cli.RegisterClient(ctx, m.cfg.LocalIP); err != nil {
		m.setDisconnected()
		m.notify("Failed to register with dashcam", false)
		return fmt.Errorf("session: registerClient: %w", err)
	} else if containsError(body) {
		m.log.Warn().Str("body", body).Msg("registerClient reported an error in its response body")
	}

	if _, err := cli.GetWifi(ctx); err != nil {
		m.log.Debug().Err(err).Msg("getWifi failed, continuing")
	}

	if _, err := cli.WorkModeCmd(ctx, "stop"); err != nil {
		m.log.Warn().Err(err).Msg("initial workModeCmd(stop) failed, continuing best-effort")
	}

	m.mu.Lock()
	m.client = cli
	m.state = StateConnected
	m.mu.Unlock()
	m.notify("Connected", true)

	m.startProber(ctx)
	return nil
}

func containsError(body string) bool {
	return strings.Contains(strings.ToLower(body), "error")
}

// startProber launches the background liveness loop; it is a no-op if
// already running.
func (m *Manager) startProber(ctx context.Context) {
	m.mu.Lock()
	if m.proberStop != nil {
		m.mu.Unlock()
		return
	}
	m.proberStop = make(chan struct{})
	m.proberDone = make(chan struct{})
	stop := m.proberStop
	done := m.proberDone
	m.mu.Unlock()

	go m.proberLoop(ctx, stop, done)
}

func (m *Manager) proberLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.probeTick(ctx) {
				return
			}
		}
	}
}

// probeTick runs one liveness check. It returns false when the prober
// should exit (either terminally disconnected, or handed off to a fresh
// prober started by reconnect).
func (m *Manager) probeTick(ctx context.Context) bool {
	cli := m.Client()
	if cli == nil {
		return false
	}

	if _, err := cli.GetWorkState(ctx); err != nil {
		m.setState(StateLost)
		m.notify("Connection lost", false)

		if !m.cfg.AutoReconnect {
			m.mu.Lock()
			m.client = nil
			m.state = StateDisconnected
			m.proberStop = nil
			m.proberDone = nil
			m.mu.Unlock()
			m.notify("Disconnected", false)
			return false
		}

		// Clear this dying prober's handles before recursing into Connect:
		// startProber no-ops while proberStop is non-nil, so leaving them
		// set here would make a successful reconnect end up Connected with
		// no prober goroutine running.
		m.mu.Lock()
		m.proberStop = nil
		m.proberDone = nil
		m.mu.Unlock()

		if err := m.Connect(ctx); err != nil {
			m.log.Warn().Err(err).Msg("auto-reconnect attempt failed")
		}
		// Connect starts its own prober goroutine on success; either way
		// this prober instance is done.
		return false
	}

	// Liveness probe succeeded: re-issue the stop command to counteract
	// the device's periodic auto-restart of recording.
	if _, err := cli.WorkModeCmd(ctx, "stop"); err != nil {
		m.log.Debug().Err(err).Msg("periodic workModeCmd(stop) failed, continuing")
	}
	return true
}

// Disconnect stops the prober (joining it within DisconnectWait) and
// returns the session to Disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	stop := m.proberStop
	done := m.proberDone
	m.proberStop = nil
	m.proberDone = nil
	m.client = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(m.cfg.DisconnectWait):
		}
	}

	m.setState(StateDisconnected)
	m.notify("Disconnected", false)
}
