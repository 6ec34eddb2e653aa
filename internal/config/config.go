// Package config loads the daemon's TOML configuration and converts it to
// the subsystem configs. Durations are written as strings ("1500ms", "30s").
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/bridge"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/link"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/proxy"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/push"
)

// Duration wraps time.Duration for TOML string values.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds all daemon configuration.
type Config struct {
	Daemon DaemonConfig `toml:"daemon"`
	Radio  RadioConfig  `toml:"radio"`
	Link   LinkConfig   `toml:"link"`
	Proxy  ProxyConfig  `toml:"proxy"`
	Push   PushConfig   `toml:"push"`
	API    APIConfig    `toml:"api"`
	Store  StoreConfig  `toml:"store"`
}

// DaemonConfig holds top-level process settings.
type DaemonConfig struct {
	TickInterval Duration `toml:"tick_interval"`
	LogLevel     string   `toml:"log_level"` // "debug" | "info" | "warn" | "error"
}

// RadioConfig selects and tunes the transport backend.
type RadioConfig struct {
	Backend string `toml:"backend"` // "bluez" | "serial"
	Adapter string `toml:"adapter"` // BlueZ adapter, e.g. "hci0"

	SerialPort string `toml:"serial_port"`
	SerialBaud int    `toml:"serial_baud"`
}

// LinkConfig tunes the connection state machine.
type LinkConfig struct {
	ScanInterval     Duration `toml:"scan_interval"`
	ScanWindow       Duration `toml:"scan_window"`
	ScanSettle       Duration `toml:"scan_settle"`
	ConnectAttempts  int      `toml:"connect_attempts"`
	RetryDelay       Duration `toml:"retry_delay"`
	BusyRetryDelay   Duration `toml:"busy_retry_delay"`
	BackoffBase      Duration `toml:"backoff_base"`
	BackoffMax       Duration `toml:"backoff_max"`
	HardResetCeiling int      `toml:"hard_reset_ceiling"`

	// KnownAddr seeds the device registry so FastReconnect works before
	// the first scan.
	KnownAddr        string `toml:"known_addr"`
	KnownChecksummed bool   `toml:"known_checksummed"`
}

// ProxyConfig tunes the companion mirror.
type ProxyConfig struct {
	SettleDelay       Duration `toml:"settle_delay"`
	QueueCapacity     int      `toml:"queue_capacity"`
	MaxCompanionWrite int      `toml:"max_companion_write"`
	MaxNotify         int      `toml:"max_notify"`
}

// PushConfig tunes the push executor and declares the settings slots.
type PushConfig struct {
	CommandTimeout   Duration `toml:"command_timeout"`
	TotalTimeout     Duration `toml:"total_timeout"`
	RetryLimit       int      `toml:"retry_limit"`
	LatencyThreshold Duration `toml:"latency_threshold"`

	DefaultSlot string                `toml:"default_slot"`
	DeviceSlots map[string]string     `toml:"device_slots"` // addr -> slot
	Slots       map[string]SlotConfig `toml:"slots"`
}

// SlotConfig is one named push configuration. Absent fields mean "leave
// the detector as it is".
type SlotConfig struct {
	MainVolume  *uint8 `toml:"main_volume"`
	MutedVolume *uint8 `toml:"muted_volume"`

	DisplayOn        *bool `toml:"display_on"`
	KeepBogeyCounter bool  `toml:"keep_bogey_counter"`

	Mode string `toml:"mode"` // "all_bogeys" | "logic" | "advanced_logic"

	Settings *SettingsConfig `toml:"settings"`
}

// SettingsConfig is the user settings block of a slot.
type SettingsConfig struct {
	XBand              bool  `toml:"x_band"`
	KBand              bool  `toml:"k_band"`
	KaBand             bool  `toml:"ka_band"`
	Laser              bool  `toml:"laser"`
	BargraphResponsive bool  `toml:"bargraph_responsive"`
	KaFalseGuard       bool  `toml:"ka_false_guard"`
	FeatureBGKMuting   bool  `toml:"bg_k_muting"`
	MuteToMuteVolume   bool  `toml:"mute_to_mute_volume"`
	PostMuteBogeyLock  bool  `toml:"post_mute_bogey_lock"`
	KMuteTimer         uint8 `toml:"k_mute_timer"`
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// StoreConfig tunes diagnostic persistence.
type StoreConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	lc := link.DefaultConfig()
	pc := proxy.DefaultConfig()
	xc := push.DefaultConfig()
	return Config{
		Daemon: DaemonConfig{
			TickInterval: Duration{bridge.DefaultConfig().TickInterval},
			LogLevel:     "info",
		},
		Radio: RadioConfig{
			Backend:    "bluez",
			Adapter:    "hci0",
			SerialBaud: 115200,
		},
		Link: LinkConfig{
			ScanInterval:     Duration{lc.ScanInterval},
			ScanWindow:       Duration{lc.ScanWindow},
			ScanSettle:       Duration{lc.ScanSettle},
			ConnectAttempts:  lc.ConnectAttempts,
			RetryDelay:       Duration{lc.RetryDelay},
			BusyRetryDelay:   Duration{lc.BusyRetryDelay},
			BackoffBase:      Duration{lc.BackoffBase},
			BackoffMax:       Duration{lc.BackoffMax},
			HardResetCeiling: lc.HardResetCeiling,
			KnownChecksummed: true,
		},
		Proxy: ProxyConfig{
			SettleDelay:       Duration{pc.SettleDelay},
			QueueCapacity:     pc.QueueCapacity,
			MaxCompanionWrite: pc.MaxCompanionWrite,
			MaxNotify:         pc.MaxNotify,
		},
		Push: PushConfig{
			CommandTimeout:   Duration{xc.CommandTimeout},
			TotalTimeout:     Duration{xc.TotalTimeout},
			RetryLimit:       xc.RetryLimit,
			LatencyThreshold: Duration{xc.LatencyThreshold},
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8731",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "/var/lib/v1bridge/bridge.db",
		},
	}
}

// Load reads the configuration at path, layered over the defaults. A
// missing file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	conf := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return conf, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

// Validate checks cross-field constraints the TOML decoder cannot.
func (c Config) Validate() error {
	switch c.Radio.Backend {
	case "bluez", "serial":
	default:
		return fmt.Errorf("config: unknown radio backend %q", c.Radio.Backend)
	}
	if c.Radio.Backend == "serial" && c.Radio.SerialPort == "" {
		return fmt.Errorf("config: serial backend needs radio.serial_port")
	}
	if c.Push.DefaultSlot != "" {
		if _, ok := c.Push.Slots[c.Push.DefaultSlot]; !ok {
			return fmt.Errorf("config: default slot %q not defined", c.Push.DefaultSlot)
		}
	}
	for addr, slot := range c.Push.DeviceSlots {
		if _, ok := c.Push.Slots[slot]; !ok {
			return fmt.Errorf("config: device %s maps to undefined slot %q", addr, slot)
		}
	}
	for name, slot := range c.Push.Slots {
		if slot.Mode != "" {
			if _, err := parseMode(slot.Mode); err != nil {
				return fmt.Errorf("config: slot %q: %w", name, err)
			}
		}
	}
	return nil
}

// LinkConfig converts to the state machine's config.
func (c Config) LinkConfig() link.Config {
	lc := link.DefaultConfig()
	lc.ScanInterval = c.Link.ScanInterval.Duration
	lc.ScanWindow = c.Link.ScanWindow.Duration
	lc.ScanSettle = c.Link.ScanSettle.Duration
	lc.ConnectAttempts = c.Link.ConnectAttempts
	lc.RetryDelay = c.Link.RetryDelay.Duration
	lc.BusyRetryDelay = c.Link.BusyRetryDelay.Duration
	lc.BackoffBase = c.Link.BackoffBase.Duration
	lc.BackoffMax = c.Link.BackoffMax.Duration
	lc.HardResetCeiling = c.Link.HardResetCeiling
	return lc
}

// ProxyConfig converts to the relay's config.
func (c Config) ProxyConfig() proxy.Config {
	return proxy.Config{
		SettleDelay:       c.Proxy.SettleDelay.Duration,
		QueueCapacity:     c.Proxy.QueueCapacity,
		MaxCompanionWrite: c.Proxy.MaxCompanionWrite,
		MaxNotify:         c.Proxy.MaxNotify,
	}
}

// PushConfig converts to the executor's config.
func (c Config) PushConfig() push.Config {
	xc := push.DefaultConfig()
	xc.CommandTimeout = c.Push.CommandTimeout.Duration
	xc.TotalTimeout = c.Push.TotalTimeout.Duration
	xc.RetryLimit = c.Push.RetryLimit
	xc.LatencyThreshold = c.Push.LatencyThreshold.Duration
	return xc
}

// Resolver builds the slot resolver from the declared slots.
func (c Config) Resolver() (*push.SlotResolver, error) {
	r := &push.SlotResolver{
		Slots:     make(map[string]push.Inputs, len(c.Push.Slots)),
		PerDevice: c.Push.DeviceSlots,
		Default:   c.Push.DefaultSlot,
	}
	for name, slot := range c.Push.Slots {
		in, err := slot.Inputs()
		if err != nil {
			return nil, fmt.Errorf("config: slot %q: %w", name, err)
		}
		r.Slots[name] = in
	}
	return r, nil
}

// Inputs converts one slot to executor inputs.
func (s SlotConfig) Inputs() (push.Inputs, error) {
	in := push.Inputs{
		MainVolume:       s.MainVolume,
		MutedVolume:      s.MutedVolume,
		DisplayOn:        s.DisplayOn,
		KeepBogeyCounter: s.KeepBogeyCounter,
	}
	if s.Mode != "" {
		m, err := parseMode(s.Mode)
		if err != nil {
			return push.Inputs{}, err
		}
		in.Mode = &m
	}
	if s.Settings != nil {
		in.Settings = &esp.UserSettings{
			XBand:              s.Settings.XBand,
			KBand:              s.Settings.KBand,
			KaBand:             s.Settings.KaBand,
			Laser:              s.Settings.Laser,
			BargraphResponsive: s.Settings.BargraphResponsive,
			KaFalseGuard:       s.Settings.KaFalseGuard,
			FeatureBGKMuting:   s.Settings.FeatureBGKMuting,
			MuteToMuteVolume:   s.Settings.MuteToMuteVolume,
			PostMuteBogeyLock:  s.Settings.PostMuteBogeyLock,
			KMuteTimer:         s.Settings.KMuteTimer,
		}
	}
	return in, nil
}

func parseMode(s string) (esp.Mode, error) {
	switch s {
	case "all_bogeys":
		return esp.ModeAllBogeys, nil
	case "logic":
		return esp.ModeLogic, nil
	case "advanced_logic":
		return esp.ModeAdvancedLogic, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}
