// Package link owns the central-role connection lifecycle: scanning for the
// detector, connecting, bounded retries, exponential backoff, hard reset of
// the radio client, and dispatch of decoded traffic to the rest of the
// bridge.
//
// The Manager is driven from the host's cooperative tick: Process drains
// radio events and advances time-based transitions. Nothing here blocks;
// every delay is a stored deadline compared against the tick's clock.
package link

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

// State is the connection lifecycle state. The Manager is its single owner.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateScanStopping
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateScanStopping:
		return "scan_stopping"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Send when no session is established.
var ErrNotConnected = errors.New("link: not connected")

// Config holds the state machine's timing and retry parameters.
type Config struct {
	ScanInterval      time.Duration // delay between scan attempts
	ScanWindow        time.Duration // how long one scan runs before giving up
	ScanSettle        time.Duration // pause between stop-scan and connect
	ConnectAttempts   int           // raw attempts per Connecting episode
	RetryDelay        time.Duration // delay between attempts in one episode
	BusyRetryDelay    time.Duration // longer fixed delay for a busy radio
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HardResetCeiling  int // consecutive failures before client teardown
	HardResetCooldown time.Duration
	ShortWriteLimit   int // frames at or under this go to the short characteristic
}

// DefaultConfig returns the tuning used against real hardware.
func DefaultConfig() Config {
	return Config{
		ScanInterval:      2 * time.Second,
		ScanWindow:        8 * time.Second,
		ScanSettle:        300 * time.Millisecond,
		ConnectAttempts:   3,
		RetryDelay:        500 * time.Millisecond,
		BusyRetryDelay:    3 * time.Second,
		BackoffBase:       1 * time.Second,
		BackoffMax:        30 * time.Second,
		HardResetCeiling:  6,
		HardResetCooldown: 5 * time.Second,
		ShortWriteLimit:   16,
	}
}

// BackoffDelay computes the exponential backoff for a failure count:
// base * 2^min(failures-1, 4), capped at max. Monotonic in failures.
func (c Config) BackoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	exp := failures - 1
	if exp > 4 {
		exp = 4
	}
	d := c.BackoffBase << uint(exp)
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// Sink receives the Manager's decoded output. Implemented by the bridge;
// all calls happen on the tick context.
type Sink interface {
	// HandleRaw is the immediate proxy path: the raw notification bytes,
	// before decode, with their source characteristic.
	HandleRaw(c radio.Characteristic, data []byte)
	// HandleDisplay receives each decoded display snapshot.
	HandleDisplay(ds esp.DisplayState)
	// HandleAlerts receives a complete reassembled alert table.
	HandleAlerts(entries []esp.AlertEntry)
	// HandleFrame receives every structurally valid decoded frame, acks and
	// responses included. The push executor verifies against these.
	HandleFrame(f *esp.Frame)
}

// Manager is the connection state machine.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	factory radio.CentralFactory
	central radio.Central
	sink    Sink

	enc      *esp.Encoder
	reasm    *esp.Reassembler
	registry *Registry

	state      State
	stateSince time.Time

	target            string
	targetChecksummed bool
	attempt           int
	failures          int
	fastAttempt       bool

	// Deadlines, all compared against the tick clock.
	nextScanAt    time.Time
	scanDeadline  time.Time
	settleUntil   time.Time
	retryAt       time.Time
	backoffUntil  time.Time
	cooldownUntil time.Time

	enabled  bool
	priority bool // external radio-priority request suppresses scanning

	firmware *uint32
}

// New builds a Manager and creates its radio client through the factory.
func New(cfg Config, factory radio.CentralFactory, sink Sink, log *zap.Logger) (*Manager, error) {
	central, err := factory()
	if err != nil {
		return nil, fmt.Errorf("link: create radio client: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		factory:  factory,
		central:  central,
		sink:     sink,
		enc:      esp.NewEncoder(),
		reasm:    esp.NewReassembler(),
		registry: NewRegistry(),
		enabled:  true,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.state }

// StateSince returns when the current state was entered.
func (m *Manager) StateSince() time.Time { return m.stateSince }

// Failures returns the consecutive connect-episode failure count.
func (m *Manager) Failures() int { return m.failures }

// Encoder returns the command encoder, tracking the connected detector's
// checksum variant.
func (m *Manager) Encoder() *esp.Encoder { return m.enc }

// Registry returns the known-device registry (remembered addresses).
func (m *Manager) Registry() *Registry { return m.registry }

// FirmwareVersion returns the detector's reported version, if known.
func (m *Manager) FirmwareVersion() *uint32 { return m.firmware }

// SetEnabled starts or stops the subsystem. Disabling stops scanning and
// reconnecting but does not forcibly drop an established session.
func (m *Manager) SetEnabled(on bool) {
	m.enabled = on
	if !on && (m.state == StateScanning || m.state == StateScanStopping) {
		m.central.StopScan()
		m.setState(StateDisconnected, time.Now())
	}
}

// SetRadioPriority suspends scanning and reconnecting while an external
// collaborator holds the radio. An active scan is stopped immediately; an
// existing session is left alone.
func (m *Manager) SetRadioPriority(on bool) {
	m.priority = on
	if on && (m.state == StateScanning || m.state == StateScanStopping) {
		m.central.StopScan()
		m.setState(StateDisconnected, time.Now())
	}
}

// FastReconnect connects directly to a remembered address, bypassing the
// scan. It is a no-op unless the machine is idle; a failed fast attempt
// yields to normal scanning rather than backoff.
func (m *Manager) FastReconnect(addr string, now time.Time) error {
	switch m.state {
	case StateDisconnected, StateBackoff:
	default:
		return fmt.Errorf("link: fast reconnect refused in state %v", m.state)
	}
	dev, ok := m.registry.Get(addr)
	if ok {
		m.targetChecksummed = dev.Checksummed
	}
	m.target = addr
	m.fastAttempt = true
	m.beginConnecting(now)
	return nil
}

// Send writes an encoded frame to the detector, routed to the short or long
// write characteristic by size class.
func (m *Manager) Send(data []byte) error {
	if m.state != StateConnected {
		return ErrNotConnected
	}
	char := radio.CharWriteShort
	if len(data) > m.cfg.ShortWriteLimit {
		char = radio.CharWriteLong
	}
	if err := m.central.Write(char, data); err != nil {
		return fmt.Errorf("link: write %v: %w", char, err)
	}
	return nil
}

// Process is the cooperative tick: drain radio events, then advance any
// transition whose deadline has passed.
func (m *Manager) Process(now time.Time) {
	m.drainEvents(now)
	m.advance(now)
}

func (m *Manager) setState(s State, now time.Time) {
	if s == m.state {
		return
	}
	m.log.Debug("link: state",
		zap.Stringer("from", m.state),
		zap.Stringer("to", s),
		zap.Int("failures", m.failures),
	)
	m.state = s
	m.stateSince = now
}

// ── event handling ────────────────────────────────────────────────────────

func (m *Manager) drainEvents(now time.Time) {
	for {
		select {
		case ev, ok := <-m.central.Events():
			if !ok {
				return
			}
			m.handleEvent(ev, now)
		default:
			return
		}
	}
}

func (m *Manager) handleEvent(ev radio.Event, now time.Time) {
	switch ev.Kind {
	case radio.EventScanResult:
		if m.state != StateScanning {
			return
		}
		m.target = ev.Addr
		m.targetChecksummed = ev.Checksummed
		m.central.StopScan()
		m.settleUntil = now.Add(m.cfg.ScanSettle)
		m.setState(StateScanStopping, now)
		m.log.Info("link: detector found",
			zap.String("addr", ev.Addr),
			zap.String("name", ev.Name),
			zap.Bool("checksummed", ev.Checksummed),
		)

	case radio.EventConnected:
		if m.state != StateConnecting {
			return
		}
		m.failures = 0
		m.attempt = 0
		m.fastAttempt = false
		m.enc.Checksummed = m.targetChecksummed
		m.reasm.Reset()
		m.registry.Remember(m.target, m.targetChecksummed, now)
		m.setState(StateConnected, now)
		m.log.Info("link: connected", zap.String("addr", m.target))
		// Prime the session: version for the snapshot, then the alert
		// table stream.
		if err := m.Send(m.enc.RequestVersion()); err != nil {
			m.log.Warn("link: version request", zap.Error(err))
		}
		if err := m.Send(m.enc.StartAlertData()); err != nil {
			m.log.Warn("link: start alert data", zap.Error(err))
		}

	case radio.EventConnectFailed:
		if m.state != StateConnecting {
			return
		}
		m.handleConnectFailure(ev.Err, now)

	case radio.EventDisconnected:
		if m.state != StateConnected {
			return
		}
		if !ev.NormalReason {
			// Stale bonds are a common cause of immediate re-failures;
			// start the next connect clean.
			if err := m.central.RemoveBond(m.target); err != nil {
				m.log.Warn("link: remove bond", zap.Error(err))
			}
		}
		m.reasm.Reset()
		m.nextScanAt = now.Add(m.cfg.ScanInterval)
		m.setState(StateDisconnected, now)
		m.log.Info("link: disconnected",
			zap.String("addr", m.target),
			zap.Bool("normal", ev.NormalReason),
		)

	case radio.EventNotify:
		m.handleNotify(ev)
	}
}

func (m *Manager) handleConnectFailure(err error, now time.Time) {
	m.attempt++
	if m.attempt < m.cfg.ConnectAttempts {
		// A busy radio stack gets a longer fixed wait; it is transient
		// contention, not a failing peer.
		delay := m.cfg.RetryDelay
		if errors.Is(err, radio.ErrBusy) {
			delay = m.cfg.BusyRetryDelay
		}
		m.retryAt = now.Add(delay)
		m.log.Debug("link: connect attempt failed",
			zap.Int("attempt", m.attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		return
	}

	// Episode exhausted.
	m.attempt = 0
	if m.fastAttempt {
		// Fast reconnect yields to normal scanning without penalty.
		m.fastAttempt = false
		m.nextScanAt = now
		m.setState(StateDisconnected, now)
		return
	}

	m.failures++
	if m.failures >= m.cfg.HardResetCeiling {
		m.hardReset(now)
		return
	}
	delay := m.cfg.BackoffDelay(m.failures)
	m.backoffUntil = now.Add(delay)
	m.setState(StateBackoff, now)
	m.log.Warn("link: connect episode failed",
		zap.Int("failures", m.failures),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
}

// hardReset tears down and recreates the whole radio client. Repeated soft
// failures can leave the stack in a state a plain disconnect cannot clear.
func (m *Manager) hardReset(now time.Time) {
	m.log.Warn("link: hard reset", zap.Int("failures", m.failures))
	if err := m.central.Close(); err != nil {
		m.log.Warn("link: close radio client", zap.Error(err))
	}
	central, err := m.factory()
	if err != nil {
		// Keep the closed client; the next tick will try the factory again
		// through the same path once the cooldown elapses.
		m.log.Error("link: recreate radio client", zap.Error(err))
	} else {
		m.central = central
	}
	m.failures = 0
	m.cooldownUntil = now.Add(m.cfg.HardResetCooldown)
	m.setState(StateDisconnected, now)
}

func (m *Manager) handleNotify(ev radio.Event) {
	// Immediate proxy path first: raw bytes, lowest latency.
	m.sink.HandleRaw(ev.Char, ev.Data)

	f, err := esp.DecodeFrame(ev.Data)
	if err != nil {
		// Malformed frames are dropped without logging; the link is noisy
		// and the detector retransmits continuously.
		return
	}
	m.sink.HandleFrame(f)

	switch f.ID {
	case esp.PktInfDisplayData:
		ds, err := esp.DecodeDisplayData(f)
		if err != nil {
			return
		}
		ds.FirmwareVersion = m.firmware
		m.sink.HandleDisplay(ds)

	case esp.PktRespAlertData:
		c, err := esp.DecodeAlertChunk(f)
		if err != nil {
			return
		}
		if entries, done := m.reasm.Feed(c); done {
			m.sink.HandleAlerts(entries)
		}

	case esp.PktRespVersion:
		if v, err := esp.ParseVersion(f); err == nil {
			m.firmware = &v
			m.log.Info("link: detector firmware", zap.Uint32("version", v))
		}
	}
}

// ── timed transitions ─────────────────────────────────────────────────────

func (m *Manager) advance(now time.Time) {
	switch m.state {
	case StateDisconnected:
		if !m.enabled || m.priority {
			return
		}
		if now.Before(m.cooldownUntil) || now.Before(m.nextScanAt) {
			return
		}
		if err := m.central.StartScan(); err != nil {
			m.log.Warn("link: start scan", zap.Error(err))
			m.nextScanAt = now.Add(m.cfg.ScanInterval)
			return
		}
		m.scanDeadline = now.Add(m.cfg.ScanWindow)
		m.setState(StateScanning, now)

	case StateScanning:
		if now.Before(m.scanDeadline) {
			return
		}
		m.central.StopScan()
		m.nextScanAt = now.Add(m.cfg.ScanInterval)
		m.setState(StateDisconnected, now)

	case StateScanStopping:
		if now.Before(m.settleUntil) {
			return
		}
		m.beginConnecting(now)

	case StateConnecting:
		if m.retryAt.IsZero() || now.Before(m.retryAt) {
			return
		}
		m.retryAt = time.Time{}
		if err := m.central.Connect(m.target); err != nil {
			m.handleConnectFailure(err, now)
		}

	case StateBackoff:
		if now.Before(m.backoffUntil) {
			return
		}
		m.nextScanAt = now
		m.setState(StateDisconnected, now)
	}
}

func (m *Manager) beginConnecting(now time.Time) {
	m.attempt = 0
	m.retryAt = time.Time{}
	m.setState(StateConnecting, now)
	if err := m.central.Connect(m.target); err != nil {
		m.handleConnectFailure(err, now)
	}
}
