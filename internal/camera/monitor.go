package camera

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camgate/internal/metrics"
)

// Monitor is the capability set the rest of the service depends on.
// Production code uses *HybridMonitor; tests substitute fakes.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Devices() []Device
	Device(path string) (Device, bool)
	Stats() MonitorStats
	Subscribe(cb EventCallback)
}

// Options tunes the hybrid monitor. Zero values get defaults in New.
type Options struct {
	DevDir          string
	DeviceRange     int
	PollIntervalMin time.Duration
	PollIntervalMax time.Duration
	ProbeQueueSize  int
}

// HybridMonitor fuses an inotify-driven hardware event stream with a
// periodic polling fallback to maintain an authoritative, deduplicated
// device table.
//
// Both sources only ever propose presence changes on one channel; a single
// reconcile loop applies them, so each real transition is counted exactly
// once no matter how many sources observed it. The poller is authoritative
// for presence; events only accelerate detection.
type HybridMonitor struct {
	log     zerolog.Logger
	prober  Prober
	bus     *Bus
	source  EventSource
	enum    Enumerator
	metrics *metrics.Metrics

	devDir      string
	deviceRange int
	intervalMin time.Duration
	intervalMax time.Duration

	mu              sync.Mutex
	devices         map[string]*Device
	stats           MonitorStats
	eventsSinceScan int

	proposals  chan proposal
	probeQueue chan string

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type proposal struct {
	path       string
	present    bool
	fromPoller bool
	at         time.Time
}

// New creates a hybrid monitor. bus may not be nil; m may be nil.
func New(log zerolog.Logger, prober Prober, source EventSource, enum Enumerator, bus *Bus, opts Options, m *metrics.Metrics) *HybridMonitor {
	devDir := opts.DevDir
	if devDir == "" {
		devDir = "/dev"
	}
	devRange := opts.DeviceRange
	if devRange <= 0 {
		devRange = 10
	}
	minIv := opts.PollIntervalMin
	if minIv <= 0 {
		minIv = 100 * time.Millisecond
	}
	maxIv := opts.PollIntervalMax
	if maxIv < minIv {
		maxIv = 10 * time.Second
	}
	if maxIv < minIv {
		maxIv = minIv
	}
	queueSize := opts.ProbeQueueSize
	if queueSize <= 0 {
		queueSize = 32
	}

	return &HybridMonitor{
		log:         log.With().Str("component", "monitor").Logger(),
		prober:      prober,
		bus:         bus,
		source:      source,
		enum:        enum,
		metrics:     m,
		devDir:      devDir,
		deviceRange: devRange,
		intervalMin: minIv,
		intervalMax: maxIv,
		devices:     make(map[string]*Device),
		proposals:   make(chan proposal, 256),
		probeQueue:  make(chan string, queueSize),
	}
}

// Start launches the event listener, the adaptive poller, the reconcile
// loop and the probe worker. Starting a running monitor is an error.
func (m *HybridMonitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return errors.New("monitor: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	events, err := m.source.Start(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("monitor: start event source: %w", err)
	}

	m.mu.Lock()
	m.stats.Running = true
	m.stats.CurrentPollInterval = m.intervalMin
	m.mu.Unlock()

	m.cancel = cancel
	m.running = true

	m.wg.Add(4)
	go m.watchLoop(runCtx, events)
	go m.pollLoop(runCtx)
	go m.reconcileLoop(runCtx)
	go m.probeLoop(runCtx)

	m.log.Info().
		Str("dev_dir", m.devDir).
		Int("device_range", m.deviceRange).
		Dur("poll_min", m.intervalMin).
		Dur("poll_max", m.intervalMax).
		Msg("hybrid monitor started")
	return nil
}

// Stop cancels all background activity and returns once every worker has
// quiesced (or ctx expires). Double-stop is a no-op.
func (m *HybridMonitor) Stop(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	m.cancel()
	_ = m.source.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("monitor: stop: %w", ctx.Err())
	}

	m.running = false
	m.mu.Lock()
	m.stats.Running = false
	m.mu.Unlock()
	m.log.Info().Msg("hybrid monitor stopped")
	return nil
}

// Subscribe registers a callback on the monitor's event bus.
func (m *HybridMonitor) Subscribe(cb EventCallback) {
	m.bus.AddCallback(cb)
}

// Devices returns snapshots of every tracked device.
func (m *HybridMonitor) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.snapshot())
	}
	return out
}

// Device returns a snapshot of one device by path.
func (m *HybridMonitor) Device(path string) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[path]
	if !ok {
		return Device{}, false
	}
	return d.snapshot(), true
}

// Stats returns a copy of the monitor counters.
func (m *HybridMonitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.KnownDevices = len(m.devices)
	return s
}

// watchLoop forwards hardware events into the proposal channel.
func (m *HybridMonitor) watchLoop(ctx context.Context, events <-chan HardwareEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.mu.Lock()
			m.eventsSinceScan++
			m.mu.Unlock()
			m.propose(ctx, proposal{path: ev.Path, present: ev.Present, at: ev.At})
		}
	}
}

// pollLoop runs the periodic sweep with an adaptive interval: sustained
// event-source activity widens it, silence narrows it back toward the
// configured minimum so polling becomes the primary signal again.
func (m *HybridMonitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.intervalMin
	timer := time.NewTimer(0) // first sweep immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.sweep(ctx)

		m.mu.Lock()
		m.stats.PollCycles++
		active := m.eventsSinceScan > 0
		m.eventsSinceScan = 0
		if active {
			interval *= 2
			if interval > m.intervalMax {
				interval = m.intervalMax
			}
		} else {
			interval /= 2
			if interval < m.intervalMin {
				interval = m.intervalMin
			}
		}
		m.stats.CurrentPollInterval = interval
		m.mu.Unlock()

		timer.Reset(interval)
	}
}

// sweep enumerates the expected device-path range plus every known device
// and proposes presence for each.
func (m *HybridMonitor) sweep(ctx context.Context) {
	candidates := make([]string, 0, m.deviceRange)
	seen := make(map[string]bool, m.deviceRange)
	for i := 0; i < m.deviceRange; i++ {
		p := filepath.Join(m.devDir, fmt.Sprintf("video%d", i))
		candidates = append(candidates, p)
		seen[p] = true
	}
	m.mu.Lock()
	for p := range m.devices {
		if !seen[p] {
			candidates = append(candidates, p)
		}
	}
	m.mu.Unlock()

	present := make(map[string]bool)
	for _, p := range m.enum.Enumerate(ctx, candidates) {
		present[p] = true
	}

	now := time.Now()
	for _, p := range candidates {
		m.propose(ctx, proposal{path: p, present: present[p], fromPoller: true, at: now})
	}
}

func (m *HybridMonitor) propose(ctx context.Context, p proposal) {
	select {
	case m.proposals <- p:
	case <-ctx.Done():
	}
}

// reconcileLoop is the single consumer that applies proposed presence
// changes to the device table.
func (m *HybridMonitor) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.proposals:
			m.apply(ctx, p)
		}
	}
}

// apply reconciles one proposal against the device table. A proposal that
// matches current state is a no-op (counted as filtered when it came from
// the event source); a real transition increments DeviceStateChanges
// exactly once and publishes a bus event.
func (m *HybridMonitor) apply(ctx context.Context, p proposal) {
	m.mu.Lock()

	d, known := m.devices[p.path]
	var ev *Event

	switch {
	case p.present && !known:
		d = &Device{
			Path:            p.path,
			Name:            filepath.Base(p.path),
			Status:          StatusConnected,
			CapabilityState: CapabilityPending,
			LastSeen:        p.at,
		}
		m.devices[p.path] = d
		m.stats.DeviceStateChanges++
		ev = &Event{Path: p.path, Kind: EventAdded, Timestamp: p.at, Device: d.snapshot()}

	case p.present && d.Status != StatusConnected:
		d.Status = StatusConnected
		d.CapabilityState = CapabilityPending
		d.LastSeen = p.at
		m.stats.DeviceStateChanges++
		ev = &Event{Path: p.path, Kind: EventAdded, Timestamp: p.at, Device: d.snapshot()}

	case p.present:
		// Already connected: liveness confirmation only.
		d.LastSeen = p.at
		if !p.fromPoller {
			m.stats.HardwareEventsFiltered++
			m.stats.HardwareEventsProcessed++
		}
		m.mu.Unlock()
		return

	case !known:
		// Absent and never seen: nothing to record.
		if !p.fromPoller {
			m.stats.HardwareEventsSkipped++
			m.stats.HardwareEventsProcessed++
		}
		m.mu.Unlock()
		return

	case d.Status == StatusDisconnected:
		if !p.fromPoller {
			m.stats.HardwareEventsFiltered++
			m.stats.HardwareEventsProcessed++
		}
		m.mu.Unlock()
		return

	default:
		d.Status = StatusDisconnected
		m.stats.DeviceStateChanges++
		ev = &Event{Path: p.path, Kind: EventRemoved, Timestamp: p.at, Device: d.snapshot()}
	}

	if !p.fromPoller {
		m.stats.HardwareEventsProcessed++
	}
	devCount := len(m.devices)
	m.mu.Unlock()

	m.metrics.IncDeviceStateChange()
	m.metrics.SetDevicesKnown(devCount)

	m.log.Debug().
		Str("device", p.path).
		Str("kind", string(ev.Kind)).
		Bool("from_poller", p.fromPoller).
		Msg("device state change")

	if ev.Kind == EventAdded {
		m.enqueueProbe(p.path)
	}
	m.bus.Publish(*ev)
}

// enqueueProbe queues a best-effort capability probe. A full queue skips
// the probe; presence state has already been updated regardless.
func (m *HybridMonitor) enqueueProbe(path string) {
	select {
	case m.probeQueue <- path:
	default:
		m.mu.Lock()
		m.stats.ProbesSkipped++
		m.mu.Unlock()
		m.metrics.IncProbeOutcome("skipped")
		m.log.Warn().Str("device", path).Msg("probe queue full, skipping capability probe")
	}
}

// probeLoop runs queued capability probes outside any lock.
func (m *HybridMonitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-m.probeQueue:
			m.runProbe(ctx, path)
		}
	}
}

func (m *HybridMonitor) runProbe(ctx context.Context, path string) {
	m.mu.Lock()
	m.stats.ProbeAttempts++
	m.mu.Unlock()

	res := m.prober.Probe(ctx, path)
	m.metrics.IncProbeOutcome(string(res.Outcome))

	m.mu.Lock()
	d, known := m.devices[path]
	if !known {
		m.mu.Unlock()
		return
	}

	var ev *Event
	switch res.Outcome {
	case ProbeSuccess:
		m.stats.ProbeSuccesses++
		d.Capabilities = res.Capabilities
		d.CapabilityState = CapabilityKnown
		if res.Capabilities.CardName != "" {
			d.Name = res.Capabilities.CardName
		}
		if n := len(res.Capabilities.Resolutions); n > 0 {
			d.Resolution = res.Capabilities.Resolutions[n-1].String()
		}
		if n := len(res.Capabilities.FrameRates); n > 0 {
			d.FPS = res.Capabilities.FrameRates[n-1]
		}
		now := time.Now()
		ev = &Event{Path: path, Kind: EventUpdated, Timestamp: now, Device: d.snapshot()}
	case ProbeTimeout:
		m.stats.ProbeTimeouts++
		d.CapabilityState = CapabilityUnknown
	case ProbeParseError:
		m.stats.ProbeParseErrors++
		d.CapabilityState = CapabilityUnknown
	case ProbeAbsent:
		d.CapabilityState = CapabilityUnknown
		// The node vanished under the probe. Only escalate a device still
		// believed connected; a reconcile may already have marked it.
		if d.Status == StatusConnected {
			d.Status = StatusError
			m.stats.DeviceStateChanges++
			ev = &Event{Path: path, Kind: EventUpdated, Timestamp: time.Now(), Device: d.snapshot()}
		}
	}
	m.mu.Unlock()

	if res.Err != nil && res.Outcome != ProbeSuccess {
		m.log.Debug().Err(res.Err).Str("device", path).Str("outcome", string(res.Outcome)).Msg("capability probe failed")
	}
	if ev != nil {
		m.bus.Publish(*ev)
	}
}
