// Package bluez implements both radio roles on the BlueZ DBus API. The
// central side scans for and talks to the detector; the peripheral side
// registers a mirrored GATT application and advertisement.
//
// Only godbus/dbus is needed; BlueZ handles packetization, so frames are
// written and notified as-is.
package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZ DBus constants.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService  = "org.bluez.GattService1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	bluezGattManager  = "org.bluez.GattManager1"
	bluezLEAdvManager = "org.bluez.LEAdvertisingManager1"
	bluezLEAdv        = "org.bluez.LEAdvertisement1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// adapterPath converts an adapter name to its BlueZ object path.
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts a MAC address to a BlueZ device object path.
// Example: "AA:BB:CC:DD:EE:FF" on hci0 becomes
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter, address string) dbus.ObjectPath {
	devAddr := strings.ReplaceAll(address, ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, devAddr))
}

// getProperty reads one property from a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluez: property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}

// managedObjects fetches the BlueZ object tree.
func managedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: decode managed objects: %w", err)
	}
	return objects, nil
}

// isBusyError reports whether a DBus error names a transient BlueZ refusal.
func isBusyError(err error) bool {
	var dberr dbus.Error
	if e, ok := err.(dbus.Error); ok {
		dberr = e
	} else if e, ok := err.(*dbus.Error); ok {
		dberr = *e
	} else {
		return false
	}
	switch dberr.Name {
	case "org.bluez.Error.Busy", "org.bluez.Error.InProgress", "org.bluez.Error.NotReady":
		return true
	}
	return false
}
