// Package radio defines the transport abstraction between the bridge core
// and the physical link. The central side talks to the detector; the
// peripheral side re-exposes the detector's service to a companion client.
//
// Implementations deliver radio callbacks as owned, copied event values on a
// bounded channel. The bridge's cooperative tick loop is the only consumer;
// no buffer is shared across execution contexts.
package radio

import (
	"errors"
	"time"
)

// Detector GATT topology. The companion mirror presents the identical
// layout, so these are shared by both roles.
const (
	ServiceUUID = "92a0aff4-9e05-11e2-aa59-f23c91aec05e"

	UUIDNotifyShort = "92a0b2ce-9e05-11e2-aa59-f23c91aec05e"
	UUIDNotifyLong  = "92a0b4e0-9e05-11e2-aa59-f23c91aec05e"
	UUIDWriteShort  = "92a0b6d4-9e05-11e2-aa59-f23c91aec05e"
	UUIDWriteLong   = "92a0b8d2-9e05-11e2-aa59-f23c91aec05e"
)

// Characteristic names one channel of the detector service.
type Characteristic int

const (
	CharNotifyShort Characteristic = iota
	CharNotifyLong
	CharWriteShort
	CharWriteLong
)

func (c Characteristic) String() string {
	switch c {
	case CharNotifyShort:
		return "notify_short"
	case CharNotifyLong:
		return "notify_long"
	case CharWriteShort:
		return "write_short"
	case CharWriteLong:
		return "write_long"
	default:
		return "unknown"
	}
}

// UUID returns the characteristic's wire UUID.
func (c Characteristic) UUID() string {
	switch c {
	case CharNotifyShort:
		return UUIDNotifyShort
	case CharNotifyLong:
		return UUIDNotifyLong
	case CharWriteShort:
		return UUIDWriteShort
	case CharWriteLong:
		return UUIDWriteLong
	default:
		return ""
	}
}

// Connect-path errors, consumed by the link state machine's retry logic.
var (
	// ErrTimeout: the attempt did not complete inside its deadline.
	ErrTimeout = errors.New("radio: connect timeout")
	// ErrBusy: the radio stack refused the operation transiently. Retried
	// with a fixed delay instead of counting against exponential backoff.
	ErrBusy = errors.New("radio: busy")
	// ErrCharacteristicMissing: the peer connected but the expected GATT
	// layout was not found.
	ErrCharacteristicMissing = errors.New("radio: characteristic missing")
	// ErrSubscribeFailed: notifications could not be enabled.
	ErrSubscribeFailed = errors.New("radio: subscribe failed")
)

// EventKind classifies a central-side event.
type EventKind int

const (
	EventScanResult EventKind = iota
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventNotify
)

// Event is one central-side radio event. Data is owned by the receiver.
type Event struct {
	Kind EventKind
	At   time.Time

	// ScanResult
	Addr        string
	Name        string
	Checksummed bool // detector advertised the checksummed device id

	// ConnectFailed
	Err error

	// Disconnected: true when the peer closed the link normally. Abnormal
	// reasons trigger bond invalidation upstream.
	NormalReason bool

	// Notify
	Char Characteristic
	Data []byte
}

// Central is the detector-facing role. Connect and scan calls initiate work
// and report outcomes asynchronously through Events; write calls are
// synchronous. Implementations must be safe for concurrent use.
type Central interface {
	// StartScan begins scanning for the detector service. Matches surface
	// as EventScanResult.
	StartScan() error
	// StopScan ends an active scan. Safe to call when not scanning.
	StopScan() error
	// Connect initiates a connection to addr. Completion surfaces as
	// EventConnected (characteristics resolved and subscribed) or
	// EventConnectFailed carrying one of the connect-path errors.
	Connect(addr string) error
	// Disconnect tears down the link gracefully.
	Disconnect() error
	// Write sends a frame to one of the detector's write characteristics.
	Write(c Characteristic, data []byte) error
	// RemoveBond drops any stored pairing record for addr, so the next
	// connect starts clean after an abnormal disconnect.
	RemoveBond(addr string) error
	// Events returns the bounded event channel.
	Events() <-chan Event
	// Close releases the underlying radio client entirely. A closed Central
	// is never reused; hard reset recreates one through the factory.
	Close() error
}

// PeripheralEventKind classifies a peripheral-side event.
type PeripheralEventKind int

const (
	PeripheralConnected PeripheralEventKind = iota
	PeripheralDisconnected
	PeripheralWrite
)

// PeripheralEvent is one companion-side event.
type PeripheralEvent struct {
	Kind PeripheralEventKind
	At   time.Time

	// Write
	Char Characteristic
	Data []byte
}

// Peripheral is the companion-facing role: it advertises the mirrored
// detector service and accepts one companion client.
type Peripheral interface {
	// StartAdvertising exposes the mirrored service.
	StartAdvertising() error
	// StopAdvertising withdraws the advertisement without dropping an
	// already-connected companion.
	StopAdvertising() error
	// Notify pushes a value to the mirrored characteristic's subscriber.
	Notify(c Characteristic, data []byte) error
	// Events returns the bounded event channel.
	Events() <-chan PeripheralEvent
	Close() error
}

// CentralFactory creates a fresh Central. The link layer calls it at start
// and again after a hard reset, when the old client handle is assumed to be
// in an unrecoverable radio-stack state.
type CentralFactory func() (Central, error)

// NopPeripheral is a Peripheral that accepts everything and emits nothing.
// The serial bench backend uses it: there is no companion side on a wire,
// so the relay sees a mirror that never attaches a subscriber.
type NopPeripheral struct{}

func (NopPeripheral) StartAdvertising() error             { return nil }
func (NopPeripheral) StopAdvertising() error              { return nil }
func (NopPeripheral) Notify(Characteristic, []byte) error { return nil }
func (NopPeripheral) Events() <-chan PeripheralEvent      { return nil }
func (NopPeripheral) Close() error                        { return nil }
