package camera

import "time"

// MonitorStats is a point-in-time snapshot of monitor internals. The
// monitor owns the live counters; Stats() hands out copies only.
type MonitorStats struct {
	Running bool `json:"running"`

	PollCycles          uint64        `json:"poll_cycles"`
	DeviceStateChanges  uint64        `json:"device_state_changes"`
	CurrentPollInterval time.Duration `json:"current_poll_interval"`
	KnownDevices        int           `json:"known_devices"`

	ProbeAttempts    uint64 `json:"probe_attempts"`
	ProbeSuccesses   uint64 `json:"probe_successes"`
	ProbeTimeouts    uint64 `json:"probe_timeouts"`
	ProbeParseErrors uint64 `json:"probe_parse_errors"`
	ProbesSkipped    uint64 `json:"probes_skipped"`

	HardwareEventsProcessed uint64 `json:"hardware_events_processed"`
	HardwareEventsFiltered  uint64 `json:"hardware_events_filtered"`
	HardwareEventsSkipped   uint64 `json:"hardware_events_skipped"`
}
