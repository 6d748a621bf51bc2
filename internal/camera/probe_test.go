package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleInfo = `Driver Info:
	Driver name      : uvcvideo
	Card type        : Integrated Camera: Integrated C
	Bus info         : usb-0000:00:14.0-8
	Driver version   : 6.1.38
`

const sampleFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1280x720
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.067s (15.000 fps)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.200s (5.000 fps)
`

func TestParseCapabilities(t *testing.T) {
	caps, err := parseCapabilities(sampleInfo, sampleFormats)
	if err != nil {
		t.Fatalf("parseCapabilities: %v", err)
	}
	if caps.CardName != "Integrated Camera: Integrated C" {
		t.Fatalf("unexpected card name %q", caps.CardName)
	}
	if caps.Driver != "uvcvideo" {
		t.Fatalf("unexpected driver %q", caps.Driver)
	}
	if len(caps.Formats) != 2 || caps.Formats[0] != "MJPG" || caps.Formats[1] != "YUYV" {
		t.Fatalf("unexpected formats %v", caps.Formats)
	}
	wantRes := []Resolution{{640, 480}, {1280, 720}}
	if len(caps.Resolutions) != len(wantRes) {
		t.Fatalf("unexpected resolutions %v", caps.Resolutions)
	}
	for i, r := range wantRes {
		if caps.Resolutions[i] != r {
			t.Fatalf("resolution %d: got %v want %v", i, caps.Resolutions[i], r)
		}
	}
	wantFPS := []int{5, 15, 30}
	if len(caps.FrameRates) != len(wantFPS) {
		t.Fatalf("unexpected frame rates %v", caps.FrameRates)
	}
	for i, f := range wantFPS {
		if caps.FrameRates[i] != f {
			t.Fatalf("fps %d: got %d want %d", i, caps.FrameRates[i], f)
		}
	}
}

func TestParseCapabilities_noFormats(t *testing.T) {
	if _, err := parseCapabilities(sampleInfo, "garbage output"); err == nil {
		t.Fatalf("expected parse error for output without formats")
	}
}

func makeDeviceNode(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "video0")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("create device node stand-in: %v", err)
	}
	return path
}

func TestProbe_success(t *testing.T) {
	path := makeDeviceNode(t)

	p := NewV4L2Prober(time.Second, 1)
	p.runCommand = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		switch args[len(args)-1] {
		case "--info":
			return []byte(sampleInfo), nil
		case "--list-formats-ext":
			return []byte(sampleFormats), nil
		}
		return nil, errors.New("unexpected command")
	}

	res := p.Probe(context.Background(), path)
	if res.Outcome != ProbeSuccess {
		t.Fatalf("expected success, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Capabilities == nil || len(res.Capabilities.Formats) != 2 {
		t.Fatalf("expected capabilities, got %+v", res.Capabilities)
	}
}

func TestProbe_absent(t *testing.T) {
	p := NewV4L2Prober(time.Second, 2)
	calls := 0
	p.runCommand = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		calls++
		return nil, errors.New("should not run")
	}

	res := p.Probe(context.Background(), filepath.Join(t.TempDir(), "video9"))
	if res.Outcome != ProbeAbsent {
		t.Fatalf("expected absent, got %s", res.Outcome)
	}
	if calls != 0 {
		t.Fatalf("expected no command executions for absent device, got %d", calls)
	}
}

func TestProbe_retriesThenTimeout(t *testing.T) {
	path := makeDeviceNode(t)

	p := NewV4L2Prober(10*time.Millisecond, 2)
	calls := 0
	p.runCommand = func(ctx context.Context, _ string, _ ...string) ([]byte, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := p.Probe(context.Background(), path)
	if res.Outcome != ProbeTimeout {
		t.Fatalf("expected timeout, got %s", res.Outcome)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}

func TestProbe_parseErrorNotRetried(t *testing.T) {
	path := makeDeviceNode(t)

	p := NewV4L2Prober(time.Second, 3)
	calls := 0
	p.runCommand = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		calls++
		return []byte("not v4l2 output"), nil
	}

	res := p.Probe(context.Background(), path)
	if res.Outcome != ProbeParseError {
		t.Fatalf("expected parse error, got %s", res.Outcome)
	}
	if calls != 2 {
		t.Fatalf("expected a single attempt (2 commands), got %d", calls)
	}
}

func TestProbe_execFailureNotTimeout(t *testing.T) {
	path := makeDeviceNode(t)

	p := NewV4L2Prober(time.Second, 3)
	calls := 0
	p.runCommand = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		calls++
		return nil, errors.New(`exec: "v4l2-ctl": executable file not found in $PATH`)
	}

	res := p.Probe(context.Background(), path)
	if res.Outcome != ProbeParseError {
		t.Fatalf("tool failure on a present node must not count as timeout, got %s", res.Outcome)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
