package camera

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	ch     chan HardwareEvent
	mu     sync.Mutex
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan HardwareEvent, 16)}
}

func (s *fakeSource) Start(_ context.Context) (<-chan HardwareEvent, error) {
	return s.ch, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeEnum struct {
	mu      sync.Mutex
	present map[string]bool
}

func newFakeEnum(paths ...string) *fakeEnum {
	e := &fakeEnum{present: make(map[string]bool)}
	for _, p := range paths {
		e.present[p] = true
	}
	return e
}

func (e *fakeEnum) set(path string, present bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.present[path] = present
}

func (e *fakeEnum) Enumerate(_ context.Context, candidates []string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, p := range candidates {
		if e.present[p] {
			out = append(out, p)
		}
	}
	return out
}

type fakeProber struct {
	mu     sync.Mutex
	result ProbeResult
	calls  int
}

func (p *fakeProber) Probe(_ context.Context, _ string) ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.result
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func newTestMonitor(t *testing.T, source EventSource, enum Enumerator, prober Prober) *HybridMonitor {
	t.Helper()
	if prober == nil {
		prober = &fakeProber{result: ProbeResult{Outcome: ProbeSuccess, Capabilities: &Capabilities{
			CardName:    "Test Camera",
			Formats:     []string{"MJPG"},
			Resolutions: []Resolution{{640, 480}, {1920, 1080}},
			FrameRates:  []int{15, 30},
		}}}
	}
	bus := NewBus(testLogger())
	t.Cleanup(bus.Close)
	m := New(testLogger(), prober, source, enum, bus, Options{
		DevDir:          "/dev",
		DeviceRange:     3,
		PollIntervalMin: 10 * time.Millisecond,
		PollIntervalMax: 40 * time.Millisecond,
	}, nil)
	return m
}

func TestMonitor_pollerDiscoversAndDisconnects(t *testing.T) {
	enum := newFakeEnum("/dev/video0")
	m := newTestMonitor(t, newFakeSource(), enum, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = m.Stop(context.Background()) }()

	waitFor(t, func() bool {
		d, ok := m.Device("/dev/video0")
		return ok && d.Status == StatusConnected
	}, "device connected via poller")

	waitFor(t, func() bool {
		d, _ := m.Device("/dev/video0")
		return d.CapabilityState == CapabilityKnown && d.Name == "Test Camera"
	}, "capabilities probed")

	d, _ := m.Device("/dev/video0")
	if d.Resolution != "1920x1080" || d.FPS != 30 {
		t.Fatalf("expected best resolution/fps from probe, got %q/%d", d.Resolution, d.FPS)
	}

	// Device disappears: marked DISCONNECTED, never dropped.
	enum.set("/dev/video0", false)
	waitFor(t, func() bool {
		d, ok := m.Device("/dev/video0")
		return ok && d.Status == StatusDisconnected
	}, "device marked disconnected")

	if len(m.Devices()) != 1 {
		t.Fatalf("disconnected device must stay in the table")
	}
}

func TestMonitor_duplicateEventsCountOnce(t *testing.T) {
	src := newFakeSource()
	enum := newFakeEnum("/dev/video1")
	m := newTestMonitor(t, src, enum, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = m.Stop(context.Background()) }()

	waitFor(t, func() bool {
		d, ok := m.Device("/dev/video1")
		return ok && d.Status == StatusConnected
	}, "device connected")

	changes := m.Stats().DeviceStateChanges

	// The event source reports the same add the poller already applied,
	// twice. Both must be deduplicated.
	src.ch <- HardwareEvent{Path: "/dev/video1", Present: true, At: time.Now()}
	src.ch <- HardwareEvent{Path: "/dev/video1", Present: true, At: time.Now()}

	waitFor(t, func() bool {
		return m.Stats().HardwareEventsFiltered >= 2
	}, "duplicate events filtered")

	if got := m.Stats().DeviceStateChanges; got != changes {
		t.Fatalf("duplicate events double-counted: %d -> %d", changes, got)
	}
}

func TestMonitor_eventAcceleratesRemoval(t *testing.T) {
	src := newFakeSource()
	enum := newFakeEnum("/dev/video0")
	m := newTestMonitor(t, src, enum, nil)

	var mu sync.Mutex
	var kinds []EventKind
	m.Subscribe(func(_ context.Context, ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = m.Stop(context.Background()) }()

	waitFor(t, func() bool {
		d, ok := m.Device("/dev/video0")
		return ok && d.Status == StatusConnected
	}, "device connected")

	// Hardware removal observed by both sources within one interval:
	// exactly one state change.
	enum.set("/dev/video0", false)
	src.ch <- HardwareEvent{Path: "/dev/video0", Present: false, At: time.Now()}

	waitFor(t, func() bool {
		d, _ := m.Device("/dev/video0")
		return d.Status == StatusDisconnected
	}, "device disconnected")

	// Let several poll cycles pass to give a double count a chance to show.
	cycles := m.Stats().PollCycles
	waitFor(t, func() bool { return m.Stats().PollCycles >= cycles+3 }, "poll cycles advanced")

	removed := 0
	mu.Lock()
	for _, k := range kinds {
		if k == EventRemoved {
			removed++
		}
	}
	mu.Unlock()
	if removed != 1 {
		t.Fatalf("expected exactly one removed event, got %d", removed)
	}
}

func TestMonitor_probeTimeoutsCountedDeviceStaysConnected(t *testing.T) {
	src := newFakeSource()
	enum := newFakeEnum("/dev/video2")
	prober := &fakeProber{result: ProbeResult{Outcome: ProbeTimeout}}
	m := newTestMonitor(t, src, enum, prober)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = m.Stop(context.Background()) }()

	waitFor(t, func() bool { return m.Stats().ProbeTimeouts == 1 }, "first probe timeout")

	// Two reconnect cycles re-queue the probe; each timeout is counted.
	for i := 0; i < 2; i++ {
		enum.set("/dev/video2", false)
		waitFor(t, func() bool {
			d, _ := m.Device("/dev/video2")
			return d.Status == StatusDisconnected
		}, "disconnected")
		enum.set("/dev/video2", true)
		waitFor(t, func() bool {
			d, _ := m.Device("/dev/video2")
			return d.Status == StatusConnected
		}, "reconnected")
	}

	waitFor(t, func() bool { return m.Stats().ProbeTimeouts == 3 }, "three probe timeouts")

	d, _ := m.Device("/dev/video2")
	if d.Status != StatusConnected {
		t.Fatalf("probe failures must not affect presence, got %s", d.Status)
	}
	if d.CapabilityState == CapabilityKnown {
		t.Fatalf("capabilities must remain unknown after timeouts")
	}
	if m.Stats().ProbeSuccesses != 0 {
		t.Fatalf("no probe should have succeeded")
	}
}

func TestMonitor_probeAbsentMarksError(t *testing.T) {
	src := newFakeSource()
	enum := newFakeEnum("/dev/video1")
	prober := &fakeProber{result: ProbeResult{Outcome: ProbeAbsent}}
	m := newTestMonitor(t, src, enum, prober)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = m.Stop(context.Background()) }()

	// The enumerator sees the node but the probe cannot read it.
	waitFor(t, func() bool {
		d, ok := m.Device("/dev/video1")
		return ok && d.Status == StatusError
	}, "unreadable device marked ERROR")

	// Once the node leaves enumeration the device is a plain disconnect.
	enum.set("/dev/video1", false)
	waitFor(t, func() bool {
		d, _ := m.Device("/dev/video1")
		return d.Status == StatusDisconnected
	}, "errored device disconnects when the node disappears")
}

func TestMonitor_stopQuiesces(t *testing.T) {
	src := newFakeSource()
	m := newTestMonitor(t, src, newFakeEnum(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("second Start must fail while running")
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.isClosed() {
		t.Fatalf("event source not closed on Stop")
	}
	if m.Stats().Running {
		t.Fatalf("stats still report running after Stop")
	}

	cycles := m.Stats().PollCycles
	time.Sleep(60 * time.Millisecond)
	if got := m.Stats().PollCycles; got != cycles {
		t.Fatalf("poller still active after Stop: %d -> %d", cycles, got)
	}

	// Double-stop is a no-op.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("double Stop: %v", err)
	}
}

func TestMonitor_adaptiveIntervalBounds(t *testing.T) {
	src := newFakeSource()
	m := newTestMonitor(t, src, newFakeEnum(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = m.Stop(context.Background()) }()

	// Sustained event activity widens the interval toward the max.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			select {
			case src.ch <- HardwareEvent{Path: "/dev/video0", Present: true, At: time.Now()}:
			default:
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitFor(t, func() bool {
		return m.Stats().CurrentPollInterval == 40*time.Millisecond
	}, "interval widened to max")
	<-done

	// Silence narrows it back to the min.
	waitFor(t, func() bool {
		return m.Stats().CurrentPollInterval == 10*time.Millisecond
	}, "interval narrowed to min")
}
