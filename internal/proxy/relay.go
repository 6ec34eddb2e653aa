package proxy

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

// Upstream is the send path toward the detector: the link manager.
type Upstream interface {
	Send(data []byte) error
}

// Config holds the relay's tuning.
type Config struct {
	// SettleDelay postpones advertising after an upstream connect so the
	// companion never attaches to a half-established session.
	SettleDelay time.Duration
	// QueueCapacity bounds the queued forwarding ring.
	QueueCapacity int
	// MaxCompanionWrite caps forwarded companion writes.
	MaxCompanionWrite int
	// MaxNotify caps outbound notification payloads.
	MaxNotify int
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		SettleDelay:       1500 * time.Millisecond,
		QueueCapacity:     32,
		MaxCompanionWrite: 32,
		MaxNotify:         512,
	}
}

// rerouteTable sends a handful of response ids to a different mirrored
// characteristic than the one they arrived on. The detector is inconsistent
// about which channel carries which acknowledgement; the companion app has
// fixed expectations. Taken as-is from observed captures — completeness for
// every ack id is unverified (see DESIGN.md).
var rerouteTable = map[byte]radio.Characteristic{
	esp.PktRespVersion:   radio.CharNotifyLong,
	esp.PktRespUserBytes: radio.CharNotifyLong,
	esp.AckDataReceived:  radio.CharNotifyLong,
	esp.AckDataError:     radio.CharNotifyLong,
}

// Relay mirrors the detector service to one companion client. Driven from
// the cooperative tick; radio callbacks reach it only through the
// peripheral's bounded event channel.
type Relay struct {
	cfg        Config
	log        *zap.Logger
	peripheral radio.Peripheral
	upstream   Upstream

	queue   *Queue
	metrics Metrics

	advertising bool
	advertiseAt time.Time // pending stabilization deadline; zero = none
	companion   bool
	suspended   bool
}

// New builds a Relay against an already-created peripheral.
func New(cfg Config, p radio.Peripheral, up Upstream, log *zap.Logger) *Relay {
	return &Relay{
		cfg:        cfg,
		log:        log,
		peripheral: p,
		upstream:   up,
		queue:      NewQueue(cfg.QueueCapacity),
	}
}

// OnUpstreamConnected schedules advertising after the stabilization delay.
func (r *Relay) OnUpstreamConnected(now time.Time) {
	r.advertiseAt = now.Add(r.cfg.SettleDelay)
}

// OnUpstreamDisconnected withdraws the mirror so the companion cannot talk
// to a dead session.
func (r *Relay) OnUpstreamDisconnected() {
	r.advertiseAt = time.Time{}
	if r.advertising {
		if err := r.peripheral.StopAdvertising(); err != nil {
			r.log.Warn("proxy: stop advertising", zap.Error(err))
		}
		r.advertising = false
	}
}

// SetSuspended pauses advertising while radio priority is held elsewhere.
// A connected companion session is left untouched.
func (r *Relay) SetSuspended(on bool, now time.Time) {
	r.suspended = on
	if on && r.advertising {
		if err := r.peripheral.StopAdvertising(); err != nil {
			r.log.Warn("proxy: stop advertising", zap.Error(err))
		}
		r.advertising = false
		// Re-arm so advertising resumes once priority is released.
		if r.advertiseAt.IsZero() {
			r.advertiseAt = now
		}
	}
}

// CompanionConnected reports whether a companion client is attached.
func (r *Relay) CompanionConnected() bool { return r.companion }

// Metrics returns a copy of the counters.
func (r *Relay) Metrics() Metrics { return r.metrics }

// ResetMetrics zeroes the counters. Operator-initiated only.
func (r *Relay) ResetMetrics() { r.metrics = Metrics{} }

// mirrorTarget picks the mirrored characteristic for an upstream payload:
// identity by default, with the reroute table overriding by packet id.
func mirrorTarget(src radio.Characteristic, payload []byte) radio.Characteristic {
	if len(payload) >= 4 && payload[0] == esp.SOF {
		if target, ok := rerouteTable[payload[3]]; ok {
			return target
		}
	}
	return src
}

// Forward is the immediate path: the payload is written to the mirrored
// characteristic and notified synchronously on receipt.
func (r *Relay) Forward(src radio.Characteristic, payload []byte) {
	if !r.companion {
		return
	}
	if err := r.notify(mirrorTarget(src, payload), payload); err != nil {
		r.metrics.Errors++
		return
	}
	r.metrics.Sent++
}

// Enqueue is the queued path, for callers that cannot forward synchronously.
// It never blocks; overflow discards the oldest queued payload.
func (r *Relay) Enqueue(src radio.Characteristic, payload []byte) {
	it := Item{
		Payload: append([]byte(nil), payload...),
		Char:    mirrorTarget(src, payload),
	}
	if r.queue.Push(it) {
		r.metrics.Drops++
	}
	if hw := uint64(r.queue.Len()); hw > r.metrics.HighWaterMark {
		r.metrics.HighWaterMark = hw
	}
}

// Process drains peripheral events, starts advertising once the
// stabilization deadline passes, and flushes the queued path.
func (r *Relay) Process(now time.Time) {
	r.drainEvents()

	if !r.advertiseAt.IsZero() && !r.suspended && !now.Before(r.advertiseAt) {
		if err := r.peripheral.StartAdvertising(); err != nil {
			r.log.Warn("proxy: start advertising", zap.Error(err))
			// Retry next tick.
		} else {
			r.advertising = true
			r.advertiseAt = time.Time{}
			r.log.Info("proxy: advertising mirrored service")
		}
	}

	if !r.companion {
		return
	}
	for {
		it, ok := r.queue.Pop()
		if !ok {
			return
		}
		if err := r.notify(it.Char, it.Payload); err != nil {
			r.metrics.Errors++
			continue
		}
		r.metrics.Sent++
	}
}

func (r *Relay) notify(c radio.Characteristic, payload []byte) error {
	if len(payload) > r.cfg.MaxNotify {
		return fmt.Errorf("proxy: notify payload %d exceeds cap %d", len(payload), r.cfg.MaxNotify)
	}
	return r.peripheral.Notify(c, payload)
}

func (r *Relay) drainEvents() {
	for {
		select {
		case ev, ok := <-r.peripheral.Events():
			if !ok {
				return
			}
			r.handleEvent(ev)
		default:
			return
		}
	}
}

func (r *Relay) handleEvent(ev radio.PeripheralEvent) {
	switch ev.Kind {
	case radio.PeripheralConnected:
		r.companion = true
		r.log.Info("proxy: companion attached")

	case radio.PeripheralDisconnected:
		r.companion = false
		r.log.Info("proxy: companion detached")

	case radio.PeripheralWrite:
		r.forwardCompanionWrite(ev.Data)
	}
}

// forwardCompanionWrite relays a companion-originated command upstream
// verbatim. Size-capped; the upstream send path routes short and long
// commands to the proper write characteristic by size class.
func (r *Relay) forwardCompanionWrite(data []byte) {
	if len(data) == 0 || len(data) > r.cfg.MaxCompanionWrite {
		r.metrics.Errors++
		r.log.Debug("proxy: companion write rejected", zap.Int("size", len(data)))
		return
	}
	if err := r.upstream.Send(data); err != nil {
		r.metrics.Errors++
		r.log.Debug("proxy: companion write upstream", zap.Error(err))
		return
	}
	r.metrics.Sent++
}
