package bridge

import (
	"sync"
	"time"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/link"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/proxy"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/push"
)

// ConnectionStatus summarizes the upstream link for external surfaces.
type ConnectionStatus struct {
	State           link.State `json:"state"`
	Since           time.Time  `json:"since"`
	Failures        int        `json:"failures"`
	DetectorAddr    string     `json:"detector_addr,omitempty"`
	FirmwareVersion *uint32    `json:"firmware_version,omitempty"`
}

// Snapshot is the copy-out view the renderer and status surfaces consume.
// The alert slice is owned by the reader; the bridge never mutates a
// published snapshot.
type Snapshot struct {
	Display   esp.DisplayState `json:"display"`
	DisplayAt time.Time        `json:"display_at"`

	Alerts   []esp.AlertEntry `json:"alerts"`
	AlertsAt time.Time        `json:"alerts_at"`

	Connection ConnectionStatus `json:"connection"`

	Proxy     proxy.Metrics `json:"proxy"`
	Companion bool          `json:"companion_connected"`

	Push        push.Status  `json:"push"`
	PushMetrics push.Metrics `json:"push_metrics"`
}

// snapshotStore holds the latest snapshot behind a lock. Writes come only
// from the tick goroutine; reads come from the API handlers.
type snapshotStore struct {
	mu   sync.RWMutex
	snap Snapshot
}

func (s *snapshotStore) setDisplay(ds esp.DisplayState, now time.Time) {
	s.mu.Lock()
	s.snap.Display = ds
	s.snap.DisplayAt = now
	s.mu.Unlock()
}

func (s *snapshotStore) setAlerts(entries []esp.AlertEntry, now time.Time) {
	s.mu.Lock()
	s.snap.Alerts = append([]esp.AlertEntry(nil), entries...)
	s.snap.AlertsAt = now
	s.mu.Unlock()
}

func (s *snapshotStore) setStatus(conn ConnectionStatus, pm proxy.Metrics, companion bool, ps push.Status, pmx push.Metrics) {
	s.mu.Lock()
	s.snap.Connection = conn
	s.snap.Proxy = pm
	s.snap.Companion = companion
	s.snap.Push = ps
	s.snap.PushMetrics = pmx
	s.mu.Unlock()
}

// get returns a copy with its own alert slice.
func (s *snapshotStore) get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Alerts = append([]esp.AlertEntry(nil), s.snap.Alerts...)
	out.Push.Commands = append([]push.Command(nil), s.snap.Push.Commands...)
	return out
}
