package camera

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ProbeOutcome classifies the result of one capability probe.
type ProbeOutcome string

const (
	ProbeSuccess    ProbeOutcome = "success"
	ProbeTimeout    ProbeOutcome = "timeout"
	ProbeParseError ProbeOutcome = "parse_error"
	ProbeAbsent     ProbeOutcome = "absent"
)

// ProbeResult carries the outcome of a probe. Capabilities is non-nil only
// on success.
type ProbeResult struct {
	Outcome      ProbeOutcome
	Capabilities *Capabilities
	Err          error
}

// Prober inspects a single device node and extracts hardware capabilities.
// Probing is best-effort and idempotent; it must never block device-table
// updates.
type Prober interface {
	Probe(ctx context.Context, path string) ProbeResult
}

// V4L2Prober probes V4L2 device nodes by shelling out to v4l2-ctl, the same
// tool the kernel ships for interactive inspection. Each attempt runs under
// its own deadline; transient failures are retried up to Retries times.
type V4L2Prober struct {
	Timeout time.Duration
	Retries int

	// runCommand is swappable in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewV4L2Prober creates a prober with the given per-attempt timeout and
// retry budget. Zero values get defaults.
func NewV4L2Prober(timeout time.Duration, retries int) *V4L2Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &V4L2Prober{
		Timeout: timeout,
		Retries: retries,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Probe reads capability metadata for the device node at path.
func (p *V4L2Prober) Probe(ctx context.Context, path string) ProbeResult {
	if _, err := os.Stat(path); err != nil {
		return ProbeResult{Outcome: ProbeAbsent, Err: err}
	}

	var lastErr error
	attempts := p.Retries + 1
	for i := 0; i < attempts; i++ {
		res := p.probeOnce(ctx, path)
		switch res.Outcome {
		case ProbeSuccess, ProbeParseError, ProbeAbsent:
			return res
		}
		lastErr = res.Err
		if ctx.Err() != nil {
			break
		}
	}
	return ProbeResult{Outcome: ProbeTimeout, Err: lastErr}
}

func (p *V4L2Prober) probeOnce(ctx context.Context, path string) ProbeResult {
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	info, err := p.runCommand(attemptCtx, "v4l2-ctl", "--device", path, "--info")
	if err != nil {
		if attemptCtx.Err() != nil {
			return ProbeResult{Outcome: ProbeTimeout, Err: attemptCtx.Err()}
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return ProbeResult{Outcome: ProbeAbsent, Err: statErr}
		}
		// The node is still there and the deadline did not fire, so the
		// tool itself failed. Retrying would fail the same way.
		return ProbeResult{Outcome: ProbeParseError, Err: err}
	}

	formats, err := p.runCommand(attemptCtx, "v4l2-ctl", "--device", path, "--list-formats-ext")
	if err != nil {
		if attemptCtx.Err() != nil {
			return ProbeResult{Outcome: ProbeTimeout, Err: attemptCtx.Err()}
		}
		return ProbeResult{Outcome: ProbeParseError, Err: err}
	}

	caps, err := parseCapabilities(string(info), string(formats))
	if err != nil {
		return ProbeResult{Outcome: ProbeParseError, Err: err}
	}
	return ProbeResult{Outcome: ProbeSuccess, Capabilities: caps}
}

var (
	cardTypeRe   = regexp.MustCompile(`(?m)^\s*Card type\s*:\s*(.+)$`)
	driverRe     = regexp.MustCompile(`(?m)^\s*Driver name\s*:\s*(.+)$`)
	pixFormatRe  = regexp.MustCompile(`\[\d+\]:\s*'(\w{4})'`)
	frameSizeRe  = regexp.MustCompile(`Size:\s*Discrete\s+(\d+)x(\d+)`)
	intervalRe   = regexp.MustCompile(`Interval:\s*Discrete\s+[\d.]+s\s+\((\d+)\.\d+\s+fps\)`)
	errNoFormats = errors.New("no pixel formats reported")
)

// parseCapabilities extracts the normalized capability set from v4l2-ctl
// --info and --list-formats-ext output.
func parseCapabilities(info, formats string) (*Capabilities, error) {
	caps := &Capabilities{}

	if m := cardTypeRe.FindStringSubmatch(info); m != nil {
		caps.CardName = strings.TrimSpace(m[1])
	}
	if m := driverRe.FindStringSubmatch(info); m != nil {
		caps.Driver = strings.TrimSpace(m[1])
	}

	seenFmt := map[string]bool{}
	for _, m := range pixFormatRe.FindAllStringSubmatch(formats, -1) {
		if !seenFmt[m[1]] {
			seenFmt[m[1]] = true
			caps.Formats = append(caps.Formats, m[1])
		}
	}
	if len(caps.Formats) == 0 {
		return nil, errNoFormats
	}

	seenRes := map[Resolution]bool{}
	for _, m := range frameSizeRe.FindAllStringSubmatch(formats, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		r := Resolution{Width: w, Height: h}
		if !seenRes[r] {
			seenRes[r] = true
			caps.Resolutions = append(caps.Resolutions, r)
		}
	}
	sort.Slice(caps.Resolutions, func(i, j int) bool {
		a, b := caps.Resolutions[i], caps.Resolutions[j]
		if a.Width != b.Width {
			return a.Width < b.Width
		}
		return a.Height < b.Height
	})

	seenFPS := map[int]bool{}
	for _, m := range intervalRe.FindAllStringSubmatch(formats, -1) {
		fps, _ := strconv.Atoi(m[1])
		if fps > 0 && !seenFPS[fps] {
			seenFPS[fps] = true
			caps.FrameRates = append(caps.FrameRates, fps)
		}
	}
	sort.Ints(caps.FrameRates)

	return caps, nil
}
