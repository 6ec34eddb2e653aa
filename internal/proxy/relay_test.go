package proxy

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

type notified struct {
	char radio.Characteristic
	data []byte
}

type fakePeripheral struct {
	ch          chan radio.PeripheralEvent
	advertising bool
	notifies    []notified
	notifyErr   error
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{ch: make(chan radio.PeripheralEvent, 16)}
}

func (f *fakePeripheral) StartAdvertising() error { f.advertising = true; return nil }
func (f *fakePeripheral) StopAdvertising() error  { f.advertising = false; return nil }
func (f *fakePeripheral) Notify(c radio.Characteristic, data []byte) error {
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.notifies = append(f.notifies, notified{c, append([]byte(nil), data...)})
	return nil
}
func (f *fakePeripheral) Events() <-chan radio.PeripheralEvent { return f.ch }
func (f *fakePeripheral) Close() error                         { return nil }

type fakeUpstream struct {
	sent [][]byte
	err  error
}

func (f *fakeUpstream) Send(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func newTestRelay() (*Relay, *fakePeripheral, *fakeUpstream) {
	fp := newFakePeripheral()
	up := &fakeUpstream{}
	r := New(DefaultConfig(), fp, up, zap.NewNop())
	return r, fp, up
}

func attachCompanion(r *Relay, fp *fakePeripheral) {
	fp.ch <- radio.PeripheralEvent{Kind: radio.PeripheralConnected}
	r.Process(time.Now())
}

func TestAdvertisingWaitsForStabilization(t *testing.T) {
	r, fp, _ := newTestRelay()
	now := time.Now()

	r.OnUpstreamConnected(now)
	r.Process(now)
	if fp.advertising {
		t.Fatal("advertising started before the stabilization delay")
	}

	r.Process(now.Add(DefaultConfig().SettleDelay))
	if !fp.advertising {
		t.Fatal("advertising did not start after the delay")
	}
}

func TestUpstreamDisconnectStopsAdvertising(t *testing.T) {
	r, fp, _ := newTestRelay()
	now := time.Now()
	r.OnUpstreamConnected(now)
	r.Process(now.Add(DefaultConfig().SettleDelay))

	r.OnUpstreamDisconnected()
	if fp.advertising {
		t.Fatal("mirror still advertised after upstream loss")
	}
	// A pending (not yet fired) delay is also cancelled.
	r.OnUpstreamConnected(now)
	r.OnUpstreamDisconnected()
	r.Process(now.Add(time.Hour))
	if fp.advertising {
		t.Fatal("cancelled stabilization delay still fired")
	}
}

func TestImmediatePathNotifiesSynchronously(t *testing.T) {
	r, fp, _ := newTestRelay()
	attachCompanion(r, fp)

	display := []byte{0xAA, 0xDA, 0xEA, esp.PktInfDisplayData, 0x00, 0xAB}
	r.Forward(radio.CharNotifyShort, display)

	if len(fp.notifies) != 1 {
		t.Fatalf("notifies = %d, want 1 (no tick required)", len(fp.notifies))
	}
	if fp.notifies[0].char != radio.CharNotifyShort {
		t.Errorf("mirrored char = %v, want identity routing", fp.notifies[0].char)
	}
	if r.Metrics().Sent != 1 {
		t.Errorf("sent = %d, want 1", r.Metrics().Sent)
	}
}

func TestRerouteTableOverridesSourceCharacteristic(t *testing.T) {
	r, fp, _ := newTestRelay()
	attachCompanion(r, fp)

	// A version response arriving on the short channel is presented on the
	// long channel, where the companion app expects it.
	version := []byte{0xAA, 0xD6, 0xEA, esp.PktRespVersion, 0x00, 0xAB}
	r.Forward(radio.CharNotifyShort, version)

	if len(fp.notifies) != 1 || fp.notifies[0].char != radio.CharNotifyLong {
		t.Fatalf("version response mirrored to %v, want notify_long", fp.notifies[0].char)
	}
}

func TestQueuedPathDropOldest(t *testing.T) {
	r, fp, _ := newTestRelay()
	attachCompanion(r, fp)
	capacity := DefaultConfig().QueueCapacity

	for i := 0; i <= capacity; i++ {
		r.Enqueue(radio.CharNotifyShort, []byte{byte(i)})
	}

	m := r.Metrics()
	if m.Drops != 1 {
		t.Fatalf("drops = %d, want exactly 1 per overflow", m.Drops)
	}
	if m.HighWaterMark != uint64(capacity) {
		t.Errorf("high water = %d, want %d", m.HighWaterMark, capacity)
	}

	r.Process(time.Now())
	if len(fp.notifies) != capacity {
		t.Fatalf("flushed = %d, want %d", len(fp.notifies), capacity)
	}
	// The oldest entry was discarded: byte 0 never arrives.
	if fp.notifies[0].data[0] != 1 {
		t.Errorf("first flushed payload = %d, want 1 (oldest dropped)", fp.notifies[0].data[0])
	}
}

func TestHighWaterMarkPersistsAcrossDrain(t *testing.T) {
	r, fp, _ := newTestRelay()
	attachCompanion(r, fp)

	for i := 0; i < 5; i++ {
		r.Enqueue(radio.CharNotifyShort, []byte{byte(i)})
	}
	r.Process(time.Now())
	r.Enqueue(radio.CharNotifyShort, []byte{9})

	if hw := r.Metrics().HighWaterMark; hw != 5 {
		t.Errorf("high water = %d after drain, want 5 (never decreases)", hw)
	}

	r.ResetMetrics()
	if r.Metrics().HighWaterMark != 0 {
		t.Error("explicit reset must clear the high water mark")
	}
}

func TestNotifyErrorsCount(t *testing.T) {
	r, fp, _ := newTestRelay()
	attachCompanion(r, fp)
	fp.notifyErr = errors.New("gatt failure")

	r.Forward(radio.CharNotifyShort, []byte{0x01})
	if m := r.Metrics(); m.Errors != 1 || m.Sent != 0 {
		t.Errorf("metrics = %+v, want one error and no sends", m)
	}
}

func TestCompanionWriteForwardedUpstream(t *testing.T) {
	r, fp, up := newTestRelay()
	attachCompanion(r, fp)

	cmd := []byte{0xAA, 0xDA, 0xE6, esp.PktReqMuteOn, 0x01, 0x00, 0xAB}
	fp.ch <- radio.PeripheralEvent{Kind: radio.PeripheralWrite, Data: cmd}
	r.Process(time.Now())

	if len(up.sent) != 1 {
		t.Fatalf("upstream sends = %d, want 1", len(up.sent))
	}
	if string(up.sent[0]) != string(cmd) {
		t.Error("companion write was not forwarded verbatim")
	}
}

func TestOversizeCompanionWriteRejected(t *testing.T) {
	r, fp, up := newTestRelay()
	attachCompanion(r, fp)

	fp.ch <- radio.PeripheralEvent{Kind: radio.PeripheralWrite, Data: make([]byte, DefaultConfig().MaxCompanionWrite+1)}
	r.Process(time.Now())

	if len(up.sent) != 0 {
		t.Fatal("oversize write reached upstream")
	}
	if r.Metrics().Errors != 1 {
		t.Errorf("errors = %d, want 1", r.Metrics().Errors)
	}
}

func TestSuspendStopsAdvertisingAndResumes(t *testing.T) {
	r, fp, _ := newTestRelay()
	now := time.Now()
	r.OnUpstreamConnected(now)
	r.Process(now.Add(DefaultConfig().SettleDelay))
	if !fp.advertising {
		t.Fatal("setup: not advertising")
	}

	r.SetSuspended(true, now)
	if fp.advertising {
		t.Fatal("advertising continued while suspended")
	}

	r.Process(now.Add(time.Hour))
	if fp.advertising {
		t.Fatal("advertising resumed while still suspended")
	}

	r.SetSuspended(false, now)
	r.Process(now.Add(time.Hour))
	if !fp.advertising {
		t.Fatal("advertising did not resume after release")
	}
}
