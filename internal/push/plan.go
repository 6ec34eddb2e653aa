// Package push drives transactional settings pushes against the detector.
// A push resolves a configuration slot, builds an ordered command plan, and
// executes it one command at a time through the link manager's send path.
// The executor is tick-driven and never blocks; verification is advisory.
package push

import (
	"fmt"
	"time"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
)

// CommandKind identifies one step of a push plan.
type CommandKind int

const (
	KindUserBytes CommandKind = iota
	KindDisplay
	KindMode
	KindVolume
)

func (k CommandKind) String() string {
	switch k {
	case KindUserBytes:
		return "user_bytes"
	case KindDisplay:
		return "display"
	case KindMode:
		return "mode"
	case KindVolume:
		return "volume"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CommandStatus tracks one command through its lifecycle.
type CommandStatus int

const (
	StatusPending CommandStatus = iota
	StatusSent
	StatusVerified
	StatusFailed
	StatusSkipped
)

func (s CommandStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Command is one encoded step of a plan.
type Command struct {
	Kind       CommandKind
	Payload    []byte
	Status     CommandStatus
	RetryCount int
	SentAt     time.Time
}

// Inputs describes what a push should change. Nil fields mean "leave the
// detector as it is", not "set to zero".
type Inputs struct {
	Settings *esp.UserSettings

	// DisplayOn turns the main display on or off. KeepBogeyCounter only
	// applies when turning it off.
	DisplayOn        *bool
	KeepBogeyCounter bool

	Mode *esp.Mode

	MainVolume  *uint8
	MutedVolume *uint8
}

// Empty reports whether the inputs specify no change at all.
func (in Inputs) Empty() bool {
	return in.Settings == nil && in.DisplayOn == nil && in.Mode == nil &&
		in.MainVolume == nil && in.MutedVolume == nil
}

// BuildPlan encodes the present inputs into commands in the fixed order
// user bytes, display, mode, volume.
func BuildPlan(enc *esp.Encoder, in Inputs) []Command {
	var plan []Command
	if in.Settings != nil {
		plan = append(plan, Command{
			Kind:    KindUserBytes,
			Payload: enc.WriteUserBytes(esp.EncodeUserBytes(*in.Settings)),
		})
	}
	if in.DisplayOn != nil {
		var payload []byte
		if *in.DisplayOn {
			payload = enc.TurnOnMainDisplay()
		} else {
			payload = enc.TurnOffMainDisplay(in.KeepBogeyCounter)
		}
		plan = append(plan, Command{Kind: KindDisplay, Payload: payload})
	}
	if in.Mode != nil {
		plan = append(plan, Command{Kind: KindMode, Payload: enc.ChangeMode(*in.Mode)})
	}
	if in.MainVolume != nil || in.MutedVolume != nil {
		plan = append(plan, Command{Kind: KindVolume, Payload: enc.WriteVolume(in.MainVolume, in.MutedVolume)})
	}
	return plan
}

// SlotResolver maps a push request onto a named configuration slot. The
// settings collaborator populates it from persisted profiles; the executor
// only reads.
type SlotResolver struct {
	// Slots holds the available configurations by name.
	Slots map[string]Inputs
	// PerDevice maps a detector address to its preferred slot.
	PerDevice map[string]string
	// Default is used when neither an override nor a device mapping applies.
	Default string
}

// Resolve picks the slot for a push: explicit override first, then the
// per-device mapping, then the global default.
func (r *SlotResolver) Resolve(override, deviceAddr string) (Inputs, string, error) {
	name := override
	if name == "" {
		name = r.PerDevice[deviceAddr]
	}
	if name == "" {
		name = r.Default
	}
	if name == "" {
		return Inputs{}, "", fmt.Errorf("push: no slot for device %s and no default", deviceAddr)
	}
	in, ok := r.Slots[name]
	if !ok {
		return Inputs{}, name, fmt.Errorf("push: slot %q not defined", name)
	}
	return in, name, nil
}
