package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

const (
	connectTimeout  = 10 * time.Second
	resolveTimeout  = 15 * time.Second
	resolveInterval = 200 * time.Millisecond
	scanPollEvery   = 500 * time.Millisecond

	centralEventBuffer = 64
)

// Central implements radio.Central over the BlueZ DBus API. Scan and connect
// run on background goroutines and report through the bounded event channel;
// the shared system bus connection is never closed.
type Central struct {
	log     *zap.Logger
	conn    *dbus.Conn
	adapter string

	events chan radio.Event

	mu             sync.Mutex
	devPath        dbus.ObjectPath
	devAddr        string
	chars          map[radio.Characteristic]dbus.ObjectPath
	scanCancel     context.CancelFunc
	notifyCancel   context.CancelFunc
	wantDisconnect bool
	closed         bool
}

// NewCentral opens the system bus and binds to the named adapter.
func NewCentral(adapter string, log *zap.Logger) (*Central, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	// Verify the adapter exists before handing the Central to the link layer.
	if _, err := getProperty[string](conn, adapterPath(adapter), bluezAdapter1, "Address"); err != nil {
		return nil, fmt.Errorf("bluez: adapter %s: %w", adapter, err)
	}
	return &Central{
		log:     log.Named("bluez"),
		conn:    conn,
		adapter: adapter,
		events:  make(chan radio.Event, centralEventBuffer),
	}, nil
}

// post delivers an event without blocking. The tick loop drains the channel
// every cycle, so a full buffer means the consumer is wedged; dropping is the
// only option that keeps the DBus signal goroutine alive.
func (c *Central) post(ev radio.Event) {
	ev.At = time.Now()
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event buffer full, dropping", zap.Int("kind", int(ev.Kind)))
	}
}

func (c *Central) Events() <-chan radio.Event { return c.events }

// StartScan applies an LE discovery filter for the detector service and polls
// the managed object tree for matching devices. BlueZ also surfaces devices
// it already knows about, so a previously bonded detector is found without a
// fresh advertisement.
func (c *Central) StartScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("bluez: central closed")
	}
	if c.scanCancel != nil {
		return nil
	}

	adapter := c.conn.Object(bluezBus, adapterPath(c.adapter))
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{radio.ServiceUUID}),
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("bluez: set discovery filter: %w", call.Err)
	}
	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		if isBusyError(call.Err) {
			return radio.ErrBusy
		}
		return fmt.Errorf("bluez: start discovery: %w", call.Err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.scanCancel = cancel
	go c.scanLoop(ctx)
	c.log.Info("scan started", zap.String("adapter", c.adapter))
	return nil
}

func (c *Central) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(scanPollEvery)
	defer ticker.Stop()

	reported := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		objects, err := managedObjects(c.conn)
		if err != nil {
			c.log.Warn("managed objects poll failed", zap.Error(err))
			continue
		}
		prefix := string(adapterPath(c.adapter)) + "/"
		for path, ifaces := range objects {
			dev, ok := ifaces[bluezDevice1]
			if !ok || !hasPrefix(path, prefix) {
				continue
			}
			if !deviceHasService(dev, radio.ServiceUUID) {
				continue
			}
			addr, _ := dev["Address"].Value().(string)
			if addr == "" || reported[addr] {
				continue
			}
			reported[addr] = true
			name, _ := dev["Name"].Value().(string)
			c.log.Info("detector found", zap.String("addr", addr), zap.String("name", name))
			// The advertisement does not carry the framing variant; the
			// frame source id is authoritative and the decoder accepts
			// both, so the checksummed default only seeds the encoder.
			c.post(radio.Event{
				Kind:        radio.EventScanResult,
				Addr:        addr,
				Name:        name,
				Checksummed: true,
			})
		}
	}
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanCancel == nil {
		return nil
	}
	c.scanCancel()
	c.scanCancel = nil
	adapter := c.conn.Object(bluezBus, adapterPath(c.adapter))
	if call := adapter.Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		// Discovery may have already stopped on its own; not fatal.
		c.log.Debug("stop discovery", zap.Error(call.Err))
	}
	return nil
}

// Connect initiates a connection attempt to addr. The outcome arrives as
// EventConnected or EventConnectFailed.
func (c *Central) Connect(addr string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("bluez: central closed")
	}
	c.wantDisconnect = false
	c.mu.Unlock()

	go c.connect(addr)
	return nil
}

func (c *Central) connect(addr string) {
	path := devicePath(c.adapter, addr)
	dev := c.conn.Object(bluezBus, path)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if call := dev.CallWithContext(ctx, bluezDevice1+".Connect", 0); call.Err != nil {
		err := call.Err
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = radio.ErrTimeout
		case isBusyError(err):
			err = radio.ErrBusy
		default:
			err = fmt.Errorf("bluez: connect %s: %w", addr, err)
		}
		c.post(radio.Event{Kind: radio.EventConnectFailed, Addr: addr, Err: err})
		return
	}

	if err := c.waitServicesResolved(path); err != nil {
		c.disconnectDevice(path)
		c.post(radio.Event{Kind: radio.EventConnectFailed, Addr: addr, Err: err})
		return
	}

	chars, err := c.discoverCharacteristics(path)
	if err != nil {
		c.disconnectDevice(path)
		c.post(radio.Event{Kind: radio.EventConnectFailed, Addr: addr, Err: err})
		return
	}

	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	if err := c.subscribe(notifyCtx, path, chars); err != nil {
		notifyCancel()
		c.disconnectDevice(path)
		c.post(radio.Event{Kind: radio.EventConnectFailed, Addr: addr, Err: err})
		return
	}

	c.mu.Lock()
	c.devPath = path
	c.devAddr = addr
	c.chars = chars
	c.notifyCancel = notifyCancel
	c.mu.Unlock()

	c.log.Info("connected", zap.String("addr", addr))
	c.post(radio.Event{Kind: radio.EventConnected, Addr: addr})
}

func (c *Central) waitServicesResolved(path dbus.ObjectPath) error {
	deadline := time.Now().Add(resolveTimeout)
	for {
		resolved, err := getProperty[bool](c.conn, path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return radio.ErrTimeout
		}
		time.Sleep(resolveInterval)
	}
}

// discoverCharacteristics walks the object tree under the device and maps the
// four service characteristics by UUID.
func (c *Central) discoverCharacteristics(devPath dbus.ObjectPath) (map[radio.Characteristic]dbus.ObjectPath, error) {
	objects, err := managedObjects(c.conn)
	if err != nil {
		return nil, err
	}
	want := map[string]radio.Characteristic{
		radio.UUIDNotifyShort: radio.CharNotifyShort,
		radio.UUIDNotifyLong:  radio.CharNotifyLong,
		radio.UUIDWriteShort:  radio.CharWriteShort,
		radio.UUIDWriteLong:   radio.CharWriteLong,
	}
	found := make(map[radio.Characteristic]dbus.ObjectPath, len(want))
	prefix := string(devPath) + "/"
	for path, ifaces := range objects {
		ch, ok := ifaces[bluezGattChar]
		if !ok || !hasPrefix(path, prefix) {
			continue
		}
		uuid, _ := ch["UUID"].Value().(string)
		if kind, ok := want[uuid]; ok {
			found[kind] = path
		}
	}
	if len(found) != len(want) {
		return nil, fmt.Errorf("%w: resolved %d of %d", radio.ErrCharacteristicMissing, len(found), len(want))
	}
	return found, nil
}

// subscribe enables notifications on both notify characteristics and starts
// the signal loop that translates PropertiesChanged into EventNotify.
func (c *Central) subscribe(ctx context.Context, devPath dbus.ObjectPath, chars map[radio.Characteristic]dbus.ObjectPath) error {
	for _, kind := range []radio.Characteristic{radio.CharNotifyShort, radio.CharNotifyLong} {
		obj := c.conn.Object(bluezBus, chars[kind])
		if call := obj.Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
			return fmt.Errorf("%w: %s: %v", radio.ErrSubscribeFailed, kind, call.Err)
		}
	}

	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(devPath),
	); err != nil {
		return fmt.Errorf("%w: add match: %v", radio.ErrSubscribeFailed, err)
	}

	sig := make(chan *dbus.Signal, 32)
	c.conn.Signal(sig)
	go c.signalLoop(ctx, devPath, chars, sig)
	return nil
}

func (c *Central) signalLoop(ctx context.Context, devPath dbus.ObjectPath, chars map[radio.Characteristic]dbus.ObjectPath, sig chan *dbus.Signal) {
	defer func() {
		c.conn.RemoveSignal(sig)
		_ = c.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(dbusProperties),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(devPath),
		)
	}()

	byPath := make(map[dbus.ObjectPath]radio.Characteristic, len(chars))
	for kind, path := range chars {
		byPath[path] = kind
	}

	for {
		var s *dbus.Signal
		select {
		case <-ctx.Done():
			return
		case s = <-sig:
		}
		if s == nil || len(s.Body) < 2 {
			continue
		}
		iface, _ := s.Body[0].(string)
		changed, _ := s.Body[1].(map[string]dbus.Variant)

		switch iface {
		case bluezGattChar:
			kind, ok := byPath[s.Path]
			if !ok {
				continue
			}
			value, ok := changed["Value"]
			if !ok {
				continue
			}
			raw, ok := value.Value().([]byte)
			if !ok {
				continue
			}
			data := make([]byte, len(raw))
			copy(data, raw)
			c.post(radio.Event{Kind: radio.EventNotify, Char: kind, Data: data})

		case bluezDevice1:
			if s.Path != devPath {
				continue
			}
			connected, ok := changed["Connected"]
			if !ok {
				continue
			}
			if up, _ := connected.Value().(bool); up {
				continue
			}
			c.mu.Lock()
			normal := c.wantDisconnect
			addr := c.devAddr
			c.devPath = ""
			c.devAddr = ""
			c.chars = nil
			c.notifyCancel = nil
			c.mu.Unlock()
			c.log.Info("disconnected", zap.String("addr", addr), zap.Bool("normal", normal))
			c.post(radio.Event{Kind: radio.EventDisconnected, Addr: addr, NormalReason: normal})
			return
		}
	}
}

// Disconnect tears the session down on request. The signal loop is stopped
// first, so the resulting Connected change never races a second event; the
// normal disconnect is posted here instead.
func (c *Central) Disconnect() error {
	c.mu.Lock()
	path := c.devPath
	addr := c.devAddr
	cancel := c.notifyCancel
	c.wantDisconnect = true
	c.devPath = ""
	c.devAddr = ""
	c.chars = nil
	c.notifyCancel = nil
	c.mu.Unlock()
	if path == "" {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := c.disconnectDevice(path)
	c.post(radio.Event{Kind: radio.EventDisconnected, Addr: addr, NormalReason: true})
	return err
}

func (c *Central) disconnectDevice(path dbus.ObjectPath) error {
	call := c.conn.Object(bluezBus, path).Call(bluezDevice1+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect: %w", call.Err)
	}
	return nil
}

// Write sends one frame via WriteValue. BlueZ picks write-with-response or
// write-without-response from the characteristic's flags.
func (c *Central) Write(char radio.Characteristic, data []byte) error {
	c.mu.Lock()
	path, ok := c.chars[char]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("bluez: write on %s: not connected", char)
	}
	options := map[string]dbus.Variant{}
	call := c.conn.Object(bluezBus, path).Call(bluezGattChar+".WriteValue", 0, data, options)
	if call.Err != nil {
		return fmt.Errorf("bluez: write %s: %w", char, call.Err)
	}
	return nil
}

// RemoveBond deletes the device from the adapter so the next connect starts
// without stale pairing state.
func (c *Central) RemoveBond(addr string) error {
	adapter := c.conn.Object(bluezBus, adapterPath(c.adapter))
	call := adapter.Call(bluezAdapter1+".RemoveDevice", 0, devicePath(c.adapter, addr))
	if call.Err != nil {
		return fmt.Errorf("bluez: remove device %s: %w", addr, call.Err)
	}
	c.log.Info("bond removed", zap.String("addr", addr))
	return nil
}

// Close tears down scanning, the connection and the signal loop. The system
// bus connection stays open; it is shared process-wide.
func (c *Central) Close() error {
	_ = c.StopScan()
	_ = c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func hasPrefix(path dbus.ObjectPath, prefix string) bool {
	s := string(path)
	return len(s) > len(prefix) && s[:len(prefix)] == prefix
}

func deviceHasService(dev map[string]dbus.Variant, uuid string) bool {
	uuids, _ := dev["UUIDs"].Value().([]string)
	for _, u := range uuids {
		if u == uuid {
			return true
		}
	}
	return false
}
