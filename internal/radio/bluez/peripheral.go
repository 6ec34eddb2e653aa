package bluez

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

const (
	appPath dbus.ObjectPath = "/com/v1bridge/app"
	svcPath dbus.ObjectPath = "/com/v1bridge/app/service0"
	advPath dbus.ObjectPath = "/com/v1bridge/advertisement0"

	advertisedName = "V1connection LE"

	peripheralEventBuffer = 64
)

// Peripheral implements radio.Peripheral by registering a GATT application
// that mirrors the detector's service layout and a matching LE advertisement.
// One companion client is expected; BlueZ enforces nothing here, but the
// relay layer only tracks a single subscriber.
type Peripheral struct {
	log     *zap.Logger
	conn    *dbus.Conn
	adapter string

	events chan radio.PeripheralEvent

	mu          sync.Mutex
	chars       map[radio.Characteristic]*mirrorChar
	advertising bool
	subscribers int
	closed      bool
}

// NewPeripheral exports the mirrored application on the system bus and
// registers it with the adapter's GATT manager. Advertising starts separately.
func NewPeripheral(adapter string, log *zap.Logger) (*Peripheral, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	p := &Peripheral{
		log:     log.Named("bluez.mirror"),
		conn:    conn,
		adapter: adapter,
		events:  make(chan radio.PeripheralEvent, peripheralEventBuffer),
		chars:   make(map[radio.Characteristic]*mirrorChar, 4),
	}

	order := []radio.Characteristic{
		radio.CharNotifyShort, radio.CharNotifyLong,
		radio.CharWriteShort, radio.CharWriteLong,
	}
	for i, kind := range order {
		ch := &mirrorChar{
			parent: p,
			kind:   kind,
			path:   dbus.ObjectPath(fmt.Sprintf("%s/char%d", svcPath, i)),
		}
		p.chars[kind] = ch
		if err := conn.Export(ch, ch.path, bluezGattChar); err != nil {
			return nil, fmt.Errorf("bluez: export %s: %w", kind, err)
		}
		if err := conn.Export(ch, ch.path, dbusProperties); err != nil {
			return nil, fmt.Errorf("bluez: export %s props: %w", kind, err)
		}
	}
	if err := conn.Export(p, appPath, dbusObjectManager); err != nil {
		return nil, fmt.Errorf("bluez: export app: %w", err)
	}
	adv := &advertisement{}
	if err := conn.Export(adv, advPath, bluezLEAdv); err != nil {
		return nil, fmt.Errorf("bluez: export advertisement: %w", err)
	}
	if err := conn.Export(adv, advPath, dbusProperties); err != nil {
		return nil, fmt.Errorf("bluez: export advertisement props: %w", err)
	}

	gatt := conn.Object(bluezBus, adapterPath(adapter))
	opts := map[string]dbus.Variant{}
	if call := gatt.Call(bluezGattManager+".RegisterApplication", 0, appPath, opts); call.Err != nil {
		return nil, fmt.Errorf("bluez: register application: %w", call.Err)
	}
	p.log.Info("mirror service registered", zap.String("adapter", adapter))
	return p, nil
}

func (p *Peripheral) Events() <-chan radio.PeripheralEvent { return p.events }

func (p *Peripheral) post(ev radio.PeripheralEvent) {
	ev.At = time.Now()
	select {
	case p.events <- ev:
	default:
		p.log.Warn("event buffer full, dropping", zap.Int("kind", int(ev.Kind)))
	}
}

// StartAdvertising registers the LE advertisement with BlueZ.
func (p *Peripheral) StartAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("bluez: peripheral closed")
	}
	if p.advertising {
		return nil
	}
	mgr := p.conn.Object(bluezBus, adapterPath(p.adapter))
	opts := map[string]dbus.Variant{}
	if call := mgr.Call(bluezLEAdvManager+".RegisterAdvertisement", 0, advPath, opts); call.Err != nil {
		if isBusyError(call.Err) {
			return radio.ErrBusy
		}
		return fmt.Errorf("bluez: register advertisement: %w", call.Err)
	}
	p.advertising = true
	p.log.Info("advertising")
	return nil
}

// StopAdvertising withdraws the advertisement. A connected companion keeps
// its session; only discoverability is withdrawn.
func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.advertising {
		return nil
	}
	mgr := p.conn.Object(bluezBus, adapterPath(p.adapter))
	if call := mgr.Call(bluezLEAdvManager+".UnregisterAdvertisement", 0, advPath); call.Err != nil {
		p.log.Debug("unregister advertisement", zap.Error(call.Err))
	}
	p.advertising = false
	return nil
}

// Notify emits a Value property change on the mirrored characteristic, which
// BlueZ delivers to the subscribed companion as a notification.
func (p *Peripheral) Notify(kind radio.Characteristic, data []byte) error {
	p.mu.Lock()
	ch, ok := p.chars[kind]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("bluez: peripheral closed")
	}
	if !ok {
		return fmt.Errorf("bluez: notify on unknown characteristic %s", kind)
	}
	changed := map[string]dbus.Variant{"Value": dbus.MakeVariant(data)}
	if err := p.conn.Emit(ch.path, dbusProperties+".PropertiesChanged", bluezGattChar, changed, []string{}); err != nil {
		return fmt.Errorf("bluez: notify %s: %w", kind, err)
	}
	return nil
}

func (p *Peripheral) Close() error {
	_ = p.StopAdvertising()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	mgr := p.conn.Object(bluezBus, adapterPath(p.adapter))
	if call := mgr.Call(bluezGattManager+".UnregisterApplication", 0, appPath); call.Err != nil {
		p.log.Debug("unregister application", zap.Error(call.Err))
	}
	return nil
}

// subscriberAttached is called from a characteristic's StartNotify handler.
func (p *Peripheral) subscriberAttached() {
	p.mu.Lock()
	p.subscribers++
	first := p.subscribers == 1
	p.mu.Unlock()
	if first {
		p.log.Info("companion attached")
		p.post(radio.PeripheralEvent{Kind: radio.PeripheralConnected})
	}
}

// subscriberDetached is called from StopNotify, which BlueZ also invokes when
// the subscribed client disconnects.
func (p *Peripheral) subscriberDetached() {
	p.mu.Lock()
	if p.subscribers > 0 {
		p.subscribers--
	}
	last := p.subscribers == 0
	p.mu.Unlock()
	if last {
		p.log.Info("companion detached")
		p.post(radio.PeripheralEvent{Kind: radio.PeripheralDisconnected})
	}
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager for the
// exported application tree. BlueZ calls it during RegisterApplication.
func (p *Peripheral) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		svcPath: {
			bluezGattService: {
				"UUID":    dbus.MakeVariant(radio.ServiceUUID),
				"Primary": dbus.MakeVariant(true),
			},
		},
	}
	p.mu.Lock()
	for _, ch := range p.chars {
		objects[ch.path] = map[string]map[string]dbus.Variant{
			bluezGattChar: ch.properties(),
		}
	}
	p.mu.Unlock()
	return objects, nil
}

// mirrorChar is one exported GATT characteristic of the mirror service.
type mirrorChar struct {
	parent *Peripheral
	kind   radio.Characteristic
	path   dbus.ObjectPath
}

func (ch *mirrorChar) flags() []string {
	switch ch.kind {
	case radio.CharNotifyShort, radio.CharNotifyLong:
		return []string{"notify"}
	default:
		return []string{"write", "write-without-response"}
	}
}

func (ch *mirrorChar) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(ch.kind.UUID()),
		"Service": dbus.MakeVariant(svcPath),
		"Flags":   dbus.MakeVariant(ch.flags()),
	}
}

// ReadValue is part of org.bluez.GattCharacteristic1. The detector's
// characteristics are notify or write only, so reads return empty.
func (ch *mirrorChar) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return []byte{}, nil
}

// WriteValue receives a companion frame and posts it as a PeripheralWrite
// event with an owned copy of the payload.
func (ch *mirrorChar) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	data := make([]byte, len(value))
	copy(data, value)
	ch.parent.post(radio.PeripheralEvent{Kind: radio.PeripheralWrite, Char: ch.kind, Data: data})
	return nil
}

func (ch *mirrorChar) StartNotify() *dbus.Error {
	ch.parent.subscriberAttached()
	return nil
}

func (ch *mirrorChar) StopNotify() *dbus.Error {
	ch.parent.subscriberDetached()
	return nil
}

// Get, GetAll and Set implement org.freedesktop.DBus.Properties for the
// exported characteristic.
func (ch *mirrorChar) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != bluezGattChar {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown interface %s", iface))
	}
	props := ch.properties()
	v, ok := props[property]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s", property))
	}
	return v, nil
}

func (ch *mirrorChar) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != bluezGattChar {
		return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface %s", iface))
	}
	return ch.properties(), nil
}

func (ch *mirrorChar) Set(iface, property string, value dbus.Variant) *dbus.Error {
	return dbus.MakeFailedError(errors.New("read-only"))
}

// advertisement is the exported org.bluez.LEAdvertisement1 object.
type advertisement struct{}

func (a *advertisement) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Type":         dbus.MakeVariant("peripheral"),
		"ServiceUUIDs": dbus.MakeVariant([]string{radio.ServiceUUID}),
		"LocalName":    dbus.MakeVariant(advertisedName),
	}
}

// Release is called by BlueZ when the advertisement is withdrawn externally.
func (a *advertisement) Release() *dbus.Error { return nil }

func (a *advertisement) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	props := a.properties()
	v, ok := props[property]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s", property))
	}
	return v, nil
}

func (a *advertisement) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	return a.properties(), nil
}

func (a *advertisement) Set(iface, property string, value dbus.Variant) *dbus.Error {
	return dbus.MakeFailedError(errors.New("read-only"))
}
