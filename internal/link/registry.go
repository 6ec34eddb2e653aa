package link

import "time"

// Device is one remembered detector.
type Device struct {
	Addr        string
	Checksummed bool
	LastSeen    time.Time
}

// Registry is the in-memory known-device table backing fast reconnect.
// The settings collaborator seeds it with the last-known address at startup
// and reads it back for persistence; the bridge core itself never touches
// disk. Mutated only from the tick context.
type Registry struct {
	devices map[string]Device
	last    string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Remember records a successful connection to addr.
func (r *Registry) Remember(addr string, checksummed bool, now time.Time) {
	if addr == "" {
		return
	}
	r.devices[addr] = Device{Addr: addr, Checksummed: checksummed, LastSeen: now}
	r.last = addr
}

// Seed inserts a device without marking it most recent unless the table is
// empty. Used to inject persisted state at startup.
func (r *Registry) Seed(d Device) {
	if d.Addr == "" {
		return
	}
	r.devices[d.Addr] = d
	if r.last == "" {
		r.last = d.Addr
	}
}

// Get returns a remembered device.
func (r *Registry) Get(addr string) (Device, bool) {
	d, ok := r.devices[addr]
	return d, ok
}

// Last returns the most recently connected device, if any.
func (r *Registry) Last() (Device, bool) {
	if r.last == "" {
		return Device{}, false
	}
	return r.devices[r.last], true
}
