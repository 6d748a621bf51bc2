package camera

import (
	"fmt"
	"time"
)

// Status is the connection state of a tracked device.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusError        Status = "ERROR"
)

// CapabilityState tracks how much the monitor knows about a device's
// hardware capabilities.
type CapabilityState string

const (
	// CapabilityUnknown means no probe has completed for the device.
	CapabilityUnknown CapabilityState = "unknown"
	// CapabilityPending means a probe is queued or in flight.
	CapabilityPending CapabilityState = "pending"
	// CapabilityKnown means the last probe succeeded.
	CapabilityKnown CapabilityState = "known"
)

// Resolution is one supported frame size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Capabilities is the normalized capability set extracted by a probe.
type Capabilities struct {
	CardName    string       `json:"card_name"`
	Driver      string       `json:"driver"`
	Formats     []string     `json:"formats"`
	Resolutions []Resolution `json:"resolutions"`
	FrameRates  []int        `json:"frame_rates"`
}

// Device is the monitor's view of one camera device node.
//
// The monitor owns the canonical copy; everything handed to callers or
// published on the event bus is a value copy, safe to retain.
type Device struct {
	Path            string            `json:"device"`
	Name            string            `json:"name"`
	Status          Status            `json:"status"`
	Resolution      string            `json:"resolution,omitempty"`
	FPS             int               `json:"fps,omitempty"`
	CapabilityState CapabilityState   `json:"capability_state"`
	Capabilities    *Capabilities     `json:"capabilities,omitempty"`
	Streams         map[string]string `json:"streams,omitempty"`
	LastSeen        time.Time         `json:"last_seen"`
}

// snapshot returns a deep copy safe to hand outside the monitor's lock.
func (d Device) snapshot() Device {
	out := d
	if d.Capabilities != nil {
		caps := *d.Capabilities
		caps.Formats = append([]string(nil), d.Capabilities.Formats...)
		caps.Resolutions = append([]Resolution(nil), d.Capabilities.Resolutions...)
		caps.FrameRates = append([]int(nil), d.Capabilities.FrameRates...)
		out.Capabilities = &caps
	}
	if d.Streams != nil {
		out.Streams = make(map[string]string, len(d.Streams))
		for k, v := range d.Streams {
			out.Streams[k] = v
		}
	}
	return out
}

// EventKind classifies a device state-change event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventUpdated EventKind = "updated"
)

// Event is an immutable device state-change record. Produced by the
// monitor, consumed through the Bus; never mutated after construction.
type Event struct {
	Path      string
	Kind      EventKind
	Timestamp time.Time
	Device    Device
}
