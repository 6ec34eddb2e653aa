// Package bridge ties the link manager, proxy relay, and push executor
// together under one cooperative tick loop, and publishes their combined
// state as copy-out snapshots and bus events.
package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/link"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/proxy"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/push"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

// Recorder receives diagnostic history for persistence. Implemented by the
// store package; a nil Recorder disables recording.
type Recorder interface {
	RecordSession(addr string, connected bool, at time.Time)
	RecordAlerts(entries []esp.AlertEntry, at time.Time)
	RecordPush(slot string, result push.Result, duration time.Duration, at time.Time)
}

// Config holds the bridge loop tuning.
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{TickInterval: 50 * time.Millisecond}
}

// Bridge owns the tick loop. It implements link.Sink, so decoded traffic
// flows through it on the way to the relay, the snapshot, and the push
// executor.
type Bridge struct {
	cfg Config
	log *zap.Logger

	// mu serializes the tick against API-goroutine mutators. Everything
	// below it is tick-owned state.
	mu sync.Mutex

	link     *link.Manager
	relay    *proxy.Relay
	executor *push.Executor
	bus      *EventBus
	recorder Recorder

	snap snapshotStore

	// tickNow is the current tick's timestamp, valid only while Tick runs.
	// Sink callbacks read it instead of calling time.Now.
	tickNow   time.Time
	prevState link.State
	pushWas   bool
	pushStart time.Time

	// lag is a smoothed measure of how long each tick's processing takes.
	// It gates push progress during alert bursts.
	lag time.Duration
}

// New wires a Bridge and the subsystems beneath it. The bridge has to own
// construction: it is the link manager's sink, and the relay and executor
// both send through the manager. recorder and resolver may be nil.
func New(cfg Config, linkCfg link.Config, proxyCfg proxy.Config, pushCfg push.Config,
	factory radio.CentralFactory, peripheral radio.Peripheral,
	resolver *push.SlotResolver, rec Recorder, log *zap.Logger) (*Bridge, error) {

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	b := &Bridge{
		cfg:      cfg,
		log:      log,
		bus:      NewEventBus(),
		recorder: rec,
	}
	lm, err := link.New(linkCfg, factory, b, log)
	if err != nil {
		return nil, err
	}
	b.link = lm
	b.relay = proxy.New(proxyCfg, peripheral, lm, log)
	b.executor = push.New(pushCfg, lm.Encoder(), lm, resolver, log)
	return b, nil
}

// Bus returns the event bus for API subscribers.
func (b *Bridge) Bus() *EventBus { return b.bus }

// Link exposes the link manager, mainly so the daemon can seed the device
// registry from configuration before the first tick.
func (b *Bridge) Link() *link.Manager { return b.link }

// Snapshot returns the latest copy-out snapshot.
func (b *Bridge) Snapshot() Snapshot { return b.snap.get() }

// Run drives the tick loop until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	t := time.NewTicker(b.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("bridge: tick loop stopping")
			return ctx.Err()
		case now := <-t.C:
			b.Tick(now)
		}
	}
}

// Tick advances every subsystem once. Exported so tests can drive the
// bridge without the ticker.
func (b *Bridge) Tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	started := time.Now()
	b.tickNow = now

	b.link.Process(now)
	b.relay.Process(now)
	b.executor.Process(now, b.lag)
	cur := b.link.State()

	if cur != b.prevState {
		b.onLinkTransition(b.prevState, cur, now)
	}
	b.prevState = cur

	if active := b.executor.Active(); active != b.pushWas {
		st := b.executor.Status()
		b.bus.PublishPush(st)
		if !active && b.recorder != nil {
			b.recorder.RecordPush(st.Slot, st.LastResult, time.Since(b.pushStart), now)
		}
		b.pushWas = active
	}

	b.publishStatus()
	b.tickNow = time.Time{}

	// 1/8 smoothing keeps the congestion signal stable across single
	// slow ticks.
	d := time.Since(started)
	b.lag += (d - b.lag) / 8
}

func (b *Bridge) onLinkTransition(prev, cur link.State, now time.Time) {
	wasUp := prev == link.StateConnected
	isUp := cur == link.StateConnected
	switch {
	case isUp && !wasUp:
		b.relay.OnUpstreamConnected(now)
		if b.recorder != nil {
			if d, ok := b.link.Registry().Last(); ok {
				b.recorder.RecordSession(d.Addr, true, now)
			}
		}
	case wasUp && !isUp:
		b.relay.OnUpstreamDisconnected()
		b.executor.OnDisconnected(now)
		if b.recorder != nil {
			if d, ok := b.link.Registry().Last(); ok {
				b.recorder.RecordSession(d.Addr, false, now)
			}
		}
	}
	b.bus.PublishConnection(b.connectionStatus())
}

func (b *Bridge) connectionStatus() ConnectionStatus {
	cs := ConnectionStatus{
		State:           b.link.State(),
		Since:           b.link.StateSince(),
		Failures:        b.link.Failures(),
		FirmwareVersion: b.link.FirmwareVersion(),
	}
	if d, ok := b.link.Registry().Last(); ok {
		cs.DetectorAddr = d.Addr
	}
	return cs
}

func (b *Bridge) publishStatus() {
	b.snap.setStatus(
		b.connectionStatus(),
		b.relay.Metrics(),
		b.relay.CompanionConnected(),
		b.executor.Status(),
		b.executor.Metrics(),
	)
}

// now returns the tick timestamp, falling back to wall time for calls that
// arrive outside a tick (API goroutine).
func (b *Bridge) now() time.Time {
	if b.tickNow.IsZero() {
		return time.Now()
	}
	return b.tickNow
}

// HandleRaw mirrors every raw notification to the companion immediately.
func (b *Bridge) HandleRaw(c radio.Characteristic, data []byte) {
	b.relay.Forward(c, data)
}

// HandleDisplay updates the snapshot and notifies subscribers.
func (b *Bridge) HandleDisplay(ds esp.DisplayState) {
	now := b.now()
	b.snap.setDisplay(ds, now)
	b.bus.PublishDisplay(ds)
}

// HandleAlerts replaces the alert table wholesale.
func (b *Bridge) HandleAlerts(entries []esp.AlertEntry) {
	now := b.now()
	b.snap.setAlerts(entries, now)
	b.bus.PublishAlerts(entries)
	if b.recorder != nil && len(entries) > 0 {
		b.recorder.RecordAlerts(entries, now)
	}
}

// HandleFrame routes response frames the other sinks do not consume. The
// push executor's advisory user-bytes verification hangs off this path.
func (b *Bridge) HandleFrame(f *esp.Frame) {
	if f.ID != esp.PktRespUserBytes {
		return
	}
	_, raw, err := esp.DecodeUserBytesFrame(f)
	if err != nil {
		b.log.Debug("bridge: bad user bytes response", zap.Error(err))
		return
	}
	b.executor.HandleUserBytes(raw, b.now())
}

// StartPush resolves a slot against the last-seen detector and begins a
// transaction. Called from the API goroutine; the executor advances only
// on the tick, so start/reject here is a plain state check.
func (b *Bridge) StartPush(slotOverride string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr := ""
	if d, ok := b.link.Registry().Last(); ok {
		addr = d.Addr
	}
	now := time.Now()
	if err := b.executor.Start(slotOverride, addr, now); err != nil {
		return err
	}
	b.pushStart = now
	b.pushWas = true
	b.bus.PublishPush(b.executor.Status())
	return nil
}

// CancelPush aborts the active transaction.
func (b *Bridge) CancelPush(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executor.Cancel(reason, time.Now())
}

// SetLinkEnabled enables or disables the central subsystem. Disabling
// stops scanning and reconnecting without dropping a live session.
func (b *Bridge) SetLinkEnabled(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.link.SetEnabled(on)
}

// SetRadioPriority hands the radio to the link layer exclusively; the
// mirror stops advertising until priority is released.
func (b *Bridge) SetRadioPriority(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.link.SetRadioPriority(on)
	b.relay.SetSuspended(on, time.Now())
}

// FastReconnect skips scanning and dials a known address directly.
func (b *Bridge) FastReconnect(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link.FastReconnect(addr, time.Now())
}

// ResetProxyMetrics zeroes the relay counters. Operator-initiated only.
func (b *Bridge) ResetProxyMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay.ResetMetrics()
}

// PipelineLag exposes the smoothed tick processing time.
func (b *Bridge) PipelineLag() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lag
}
