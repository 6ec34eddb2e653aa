package bridge

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/link"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/proxy"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/push"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

type fakeCentral struct {
	ch     chan radio.Event
	writes [][]byte
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{ch: make(chan radio.Event, 32)}
}

func (f *fakeCentral) StartScan() error          { return nil }
func (f *fakeCentral) StopScan() error           { return nil }
func (f *fakeCentral) Connect(addr string) error { return nil }
func (f *fakeCentral) Disconnect() error         { return nil }
func (f *fakeCentral) Write(c radio.Characteristic, data []byte) error {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}
func (f *fakeCentral) RemoveBond(addr string) error { return nil }
func (f *fakeCentral) Events() <-chan radio.Event   { return f.ch }
func (f *fakeCentral) Close() error                 { return nil }

type fakePeripheral struct {
	ch          chan radio.PeripheralEvent
	advertising bool
	notifies    int
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{ch: make(chan radio.PeripheralEvent, 32)}
}

func (f *fakePeripheral) StartAdvertising() error { f.advertising = true; return nil }
func (f *fakePeripheral) StopAdvertising() error  { f.advertising = false; return nil }
func (f *fakePeripheral) Notify(c radio.Characteristic, data []byte) error {
	f.notifies++
	return nil
}
func (f *fakePeripheral) Events() <-chan radio.PeripheralEvent { return f.ch }
func (f *fakePeripheral) Close() error                         { return nil }

type recorded struct {
	sessions int
	alerts   int
	pushes   int
}

func (r *recorded) RecordSession(addr string, connected bool, at time.Time) { r.sessions++ }
func (r *recorded) RecordAlerts(entries []esp.AlertEntry, at time.Time)     { r.alerts++ }
func (r *recorded) RecordPush(slot string, result push.Result, d time.Duration, at time.Time) {
	r.pushes++
}

func newTestBridge(t *testing.T) (*Bridge, *fakeCentral, *fakePeripheral, *recorded) {
	t.Helper()
	fc := newFakeCentral()
	fp := newFakePeripheral()
	rec := &recorded{}
	resolver := &push.SlotResolver{
		Slots:   map[string]push.Inputs{"default": {MainVolume: volp(5)}},
		Default: "default",
	}
	b, err := New(DefaultConfig(), link.DefaultConfig(), proxy.DefaultConfig(),
		push.DefaultConfig(),
		func() (radio.Central, error) { return fc, nil },
		fp, resolver, rec, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return b, fc, fp, rec
}

func volp(v uint8) *uint8 { return &v }

// connect walks the machine from startup to an established session and
// returns the advanced clock.
func connect(b *Bridge, fc *fakeCentral, now time.Time) time.Time {
	b.Tick(now) // scan timer elapsed at startup
	fc.ch <- radio.Event{Kind: radio.EventScanResult, Addr: "AA:BB:CC:DD:EE:FF", Checksummed: true}
	b.Tick(now)
	now = now.Add(link.DefaultConfig().ScanSettle + time.Millisecond)
	b.Tick(now)
	fc.ch <- radio.Event{Kind: radio.EventConnected}
	b.Tick(now)
	return now
}

func TestConnectTransitionSchedulesMirror(t *testing.T) {
	b, fc, fp, rec := newTestBridge(t)
	now := time.Now()
	now = connect(b, fc, now)

	if b.Snapshot().Connection.State != link.StateConnected {
		t.Fatalf("state = %v, want connected", b.Snapshot().Connection.State)
	}
	if rec.sessions != 1 {
		t.Errorf("sessions recorded = %d, want 1", rec.sessions)
	}
	if fp.advertising {
		t.Error("mirror advertised before the stabilization delay")
	}
	b.Tick(now.Add(proxy.DefaultConfig().SettleDelay + time.Second))
	if !fp.advertising {
		t.Error("mirror not advertising after the delay")
	}
}

func TestDisconnectAbortsPushAndMirror(t *testing.T) {
	b, fc, fp, _ := newTestBridge(t)
	now := time.Now()
	now = connect(b, fc, now)
	now = now.Add(2 * time.Second)
	b.Tick(now)
	if !fp.advertising {
		t.Fatal("setup: mirror not advertising")
	}

	if err := b.StartPush(""); err != nil {
		t.Fatal(err)
	}
	fc.ch <- radio.Event{Kind: radio.EventDisconnected, NormalReason: true}
	b.Tick(now)

	if fp.advertising {
		t.Error("mirror still advertising after upstream loss")
	}
	snap := b.Snapshot()
	if snap.Push.LastResult != push.ResultDisconnected {
		t.Errorf("push result = %v, want disconnected", snap.Push.LastResult)
	}
}

func TestNotifyFlowsToSnapshotAndBusAndMirror(t *testing.T) {
	b, fc, fp, _ := newTestBridge(t)
	now := time.Now()
	now = connect(b, fc, now)

	events, unsub := b.Bus().Subscribe()
	defer unsub()

	display := esp.EncodeFrame(esp.DevGeneralBroadcast, esp.DevDetector, esp.PktInfDisplayData,
		[]byte{0x00, 0x00, 0x07, 0x05, 0x05, 0x00, 0x00, 0x80}, true)
	fc.ch <- radio.Event{Kind: radio.EventNotify, Char: radio.CharNotifyShort, Data: display}
	b.Tick(now)

	snap := b.Snapshot()
	if snap.Display.SignalBars != 3 {
		t.Errorf("signal bars = %d, want 3", snap.Display.SignalBars)
	}
	if snap.DisplayAt.IsZero() {
		t.Error("display timestamp not set")
	}
	select {
	case ev := <-events:
		if ev.Type != EventConnection && ev.Type != EventDisplay {
			t.Errorf("unexpected event type %q", ev.Type)
		}
	default:
		t.Error("no event published")
	}
	// Raw mirror path needs an attached companion.
	fp.ch <- radio.PeripheralEvent{Kind: radio.PeripheralConnected}
	b.Tick(now)
	fc.ch <- radio.Event{Kind: radio.EventNotify, Char: radio.CharNotifyShort, Data: display}
	b.Tick(now)
	if fp.notifies != 1 {
		t.Errorf("mirror notifies = %d, want 1", fp.notifies)
	}
}

func TestAlertTableReachesSnapshotAndRecorder(t *testing.T) {
	b, fc, _, rec := newTestBridge(t)
	now := time.Now()
	now = connect(b, fc, now)

	chunk := func(index, count byte, freq uint16) []byte {
		payload := []byte{
			index<<4 | count,
			byte(freq >> 8), byte(freq),
			0x40, 0x80, // rear, front rssi
			0x22, // Ka, front
			0x00,
		}
		return esp.EncodeFrame(esp.DevGeneralBroadcast, esp.DevDetector,
			esp.PktRespAlertData, payload, true)
	}
	fc.ch <- radio.Event{Kind: radio.EventNotify, Char: radio.CharNotifyLong, Data: chunk(0, 2, 34700)}
	fc.ch <- radio.Event{Kind: radio.EventNotify, Char: radio.CharNotifyLong, Data: chunk(1, 2, 24150)}
	b.Tick(now)

	snap := b.Snapshot()
	if len(snap.Alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(snap.Alerts))
	}
	if snap.Alerts[0].FrequencyMHz != 34700 {
		t.Errorf("freq = %d, want 34700", snap.Alerts[0].FrequencyMHz)
	}
	if rec.alerts != 1 {
		t.Errorf("alert batches recorded = %d, want 1", rec.alerts)
	}
}

func TestPushLifecycleThroughBridge(t *testing.T) {
	b, fc, _, rec := newTestBridge(t)
	now := time.Now()
	now = connect(b, fc, now)
	baseline := len(fc.writes)

	if err := b.StartPush(""); err != nil {
		t.Fatal(err)
	}
	if err := b.StartPush(""); err == nil {
		t.Fatal("second start accepted while active")
	}
	for i := 0; i < 5; i++ {
		now = now.Add(100 * time.Millisecond)
		b.Tick(now)
	}
	snap := b.Snapshot()
	if snap.Push.LastResult != push.ResultSuccess {
		t.Fatalf("result = %v, want success", snap.Push.LastResult)
	}
	if len(fc.writes) != baseline+1 {
		t.Errorf("writes = %d, want one volume command", len(fc.writes)-baseline)
	}
	if rec.pushes != 1 {
		t.Errorf("pushes recorded = %d, want 1", rec.pushes)
	}
}

func TestUserBytesResponseReachesExecutor(t *testing.T) {
	b, fc, _, _ := newTestBridge(t)
	now := time.Now()
	now = connect(b, fc, now)

	want := esp.UserSettings{XBand: true, KBand: true, KaBand: true, Laser: true}
	resolver := &push.SlotResolver{
		Slots:   map[string]push.Inputs{"s": {Settings: &want}},
		Default: "s",
	}
	ex := push.New(push.DefaultConfig(), esp.NewEncoder(), nullSender{}, resolver, zap.NewNop())
	b.executor = ex
	if err := b.StartPush(""); err != nil {
		t.Fatal(err)
	}
	b.Tick(now)

	other := want
	other.Laser = false
	raw := esp.EncodeUserBytes(other)
	resp := esp.EncodeFrame(esp.DevGeneralBroadcast, esp.DevDetector,
		esp.PktRespUserBytes, raw[:], true)
	fc.ch <- radio.Event{Kind: radio.EventNotify, Char: radio.CharNotifyLong, Data: resp}
	b.Tick(now.Add(100 * time.Millisecond))

	if ex.Metrics().VerifyMismatches != 1 {
		t.Errorf("mismatches = %d, want 1", ex.Metrics().VerifyMismatches)
	}
}

type nullSender struct{}

func (nullSender) Send([]byte) error { return nil }
