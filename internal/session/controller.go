package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"camgate/internal/camera"
	"camgate/internal/catalog"
	"camgate/internal/mediamtx"
	"camgate/internal/metrics"
)

// Status is the lifecycle state of a recording session.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusRecording Status = "RECORDING"
	StatusStopping  Status = "STOPPING"
	StatusStopped   Status = "STOPPED"
	StatusError     Status = "ERROR"
)

// terminal reports whether s is a final state.
func (s Status) terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Recording is one recording session against a device.
type Recording struct {
	ID        string        `json:"session_id"`
	Device    string        `json:"device"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration,omitempty"`
	Format    string        `json:"format"`
	Filename  string        `json:"filename"`
	Path      string        `json:"-"`
	Bytes     int64         `json:"bytes"`
}

// Domain failure modes surfaced to the gateway.
var (
	ErrAlreadyRecording    = errors.New("session: recording already in progress")
	ErrNoActiveRecording   = errors.New("session: no active recording")
	ErrInsufficientStorage = errors.New("session: insufficient storage")
)

// Relay is the slice of the MediaMTX client the controller drives.
type Relay interface {
	ConfigurePath(ctx context.Context, name string, cfg mediamtx.PathConfig) error
	StopRecording(ctx context.Context, name string) error
	RemovePath(ctx context.Context, name string) error
}

// Notifier receives session transitions for fan-out to subscribed clients.
type Notifier func(rec Recording)

// Options tunes the controller.
type Options struct {
	RecordingsDir string
	SnapshotsDir  string
	RTSPBase      string
	RelayTimeout  time.Duration
	MinFreeBytes  int64
}

// Controller orchestrates recording and snapshot sessions against the
// relay. At most one session per device is in a non-terminal state; relay
// calls for the same device are serialized by the session state machine,
// calls for different devices proceed independently.
type Controller struct {
	log     zerolog.Logger
	relay   Relay
	store   catalog.Store
	metrics *metrics.Metrics

	recordingsDir string
	snapshotsDir  string
	rtspBase      string
	relayTimeout  time.Duration
	minFreeBytes  int64

	mu     sync.Mutex
	active map[string]*Recording
	timers map[string]*time.Timer
	notify Notifier

	// Swappable in tests.
	grabFrame func(ctx context.Context, source, outPath string, quality int) error
	freeBytes func(dir string) (int64, error)
	now       func() time.Time
}

// NewController creates a session controller. store may be nil when no
// catalog is configured; m may be nil.
func NewController(log zerolog.Logger, relay Relay, store catalog.Store, opts Options, m *metrics.Metrics) *Controller {
	timeout := opts.RelayTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	minFree := opts.MinFreeBytes
	if minFree <= 0 {
		minFree = 64 << 20
	}
	return &Controller{
		log:           log.With().Str("component", "session").Logger(),
		relay:         relay,
		store:         store,
		metrics:       m,
		recordingsDir: opts.RecordingsDir,
		snapshotsDir:  opts.SnapshotsDir,
		rtspBase:      opts.RTSPBase,
		relayTimeout:  timeout,
		minFreeBytes:  minFree,
		active:        make(map[string]*Recording),
		timers:        make(map[string]*time.Timer),
		grabFrame:     ffmpegGrabFrame,
		freeBytes:     dirFreeBytes,
		now:           time.Now,
	}
}

// SetNotifier registers the transition callback. Must be called before the
// controller starts handling requests.
func (c *Controller) SetNotifier(n Notifier) {
	c.notify = n
}

// StartRecording begins a recording session on device. A non-zero duration
// schedules an automatic stop identical in effect to an explicit one.
func (c *Controller) StartRecording(ctx context.Context, device string, duration time.Duration, format string) (Recording, error) {
	if format == "" {
		format = "fmp4"
	}

	c.mu.Lock()
	if cur, ok := c.active[device]; ok && !cur.Status.terminal() {
		c.mu.Unlock()
		return Recording{}, fmt.Errorf("%w: device %s session %s", ErrAlreadyRecording, device, cur.ID)
	}

	now := c.now()
	name := camera.IDForPath(device)
	stem := fmt.Sprintf("%s_%s", name, now.Format("2006-01-02_15-04-05"))
	rec := &Recording{
		ID:        uuid.New().String(),
		Device:    device,
		Status:    StatusStarted,
		StartedAt: now,
		Duration:  duration,
		Format:    format,
		Filename:  stem + "." + containerExt(format),
		Path:      filepath.Join(c.recordingsDir, stem+"."+containerExt(format)),
	}
	c.active[device] = rec
	c.mu.Unlock()

	if free, err := c.freeBytes(c.recordingsDir); err == nil && free < c.minFreeBytes {
		c.dropSession(device, rec.ID)
		return Recording{}, fmt.Errorf("%w: %d bytes free", ErrInsufficientStorage, free)
	}

	relayCtx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()
	err := c.relay.ConfigurePath(relayCtx, name, mediamtx.PathConfig{
		Record:       true,
		RecordPath:   filepath.Join(c.recordingsDir, stem),
		RecordFormat: format,
	})
	if err != nil {
		// Start failures never leave a session behind; the write is not
		// retried to avoid duplicate sessions.
		c.dropSession(device, rec.ID)
		return Recording{}, fmt.Errorf("start recording %s: %w", device, err)
	}

	c.mu.Lock()
	rec.Status = StatusRecording
	if duration > 0 {
		id := rec.ID
		c.timers[device] = time.AfterFunc(duration, func() {
			c.autoStop(device, id)
		})
	}
	out := *rec
	activeCount := c.countActiveLocked()
	c.mu.Unlock()

	c.metrics.IncRecordingStarted()
	c.metrics.SetSessionsActive(activeCount)
	c.log.Info().
		Str("device", device).
		Str("session_id", out.ID).
		Dur("duration", duration).
		Str("file", out.Filename).
		Msg("recording started")
	c.emit(out)
	return out, nil
}

// StopRecording ends the active session on device.
func (c *Controller) StopRecording(ctx context.Context, device string) (Recording, error) {
	return c.stop(ctx, device, false)
}

func (c *Controller) stop(ctx context.Context, device string, disconnect bool) (Recording, error) {
	c.mu.Lock()
	rec, ok := c.active[device]
	if !ok || rec.Status.terminal() || rec.Status == StatusStopping {
		c.mu.Unlock()
		return Recording{}, fmt.Errorf("%w: device %s", ErrNoActiveRecording, device)
	}
	rec.Status = StatusStopping
	if t, ok := c.timers[device]; ok {
		t.Stop()
		delete(c.timers, device)
	}
	c.mu.Unlock()

	relayCtx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()
	relayErr := c.relay.StopRecording(relayCtx, camera.IDForPath(device))
	if relayErr != nil && errors.Is(relayErr, mediamtx.ErrPathNotFound) {
		// Nothing was recording on the relay side; treat as a clean stop.
		relayErr = nil
	}
	if disconnect {
		// The device is gone; its relay path has no usable source left.
		if err := c.relay.RemovePath(relayCtx, camera.IDForPath(device)); err != nil {
			c.log.Warn().Err(err).Str("device", device).Msg("failed to remove relay path after disconnect")
		}
	}

	c.mu.Lock()
	delete(c.active, device)
	if relayErr != nil {
		rec.Status = StatusError
	} else {
		rec.Status = StatusStopped
	}
	if info, err := os.Stat(rec.Path); err == nil {
		rec.Bytes = info.Size()
	}
	out := *rec
	activeCount := c.countActiveLocked()
	c.mu.Unlock()

	c.metrics.SetSessionsActive(activeCount)

	if relayErr == nil && c.store != nil {
		if err := c.store.Add(ctx, catalog.Artifact{
			ID:        out.ID,
			Device:    out.Device,
			Kind:      catalog.KindRecording,
			Filename:  out.Filename,
			Path:      out.Path,
			Format:    out.Format,
			SizeBytes: out.Bytes,
			Duration:  c.now().Sub(out.StartedAt).Seconds(),
			CreatedAt: out.StartedAt,
		}); err != nil {
			c.log.Warn().Err(err).Str("session_id", out.ID).Msg("failed to index recording")
		}
	}

	evt := c.log.Info()
	if relayErr != nil {
		evt = c.log.Error().Err(relayErr)
	}
	evt.Str("device", device).
		Str("session_id", out.ID).
		Str("status", string(out.Status)).
		Bool("disconnect", disconnect).
		Msg("recording stopped")
	c.emit(out)

	if relayErr != nil {
		return out, fmt.Errorf("stop recording %s: %w", device, relayErr)
	}
	return out, nil
}

// autoStop fires when a session's duration limit elapses.
func (c *Controller) autoStop(device, sessionID string) {
	c.mu.Lock()
	rec, ok := c.active[device]
	match := ok && rec.ID == sessionID
	c.mu.Unlock()
	if !match {
		return
	}
	if _, err := c.stop(context.Background(), device, false); err != nil && !errors.Is(err, ErrNoActiveRecording) {
		c.log.Warn().Err(err).Str("device", device).Msg("duration-limit stop failed")
	}
}

// HandleCameraEvent reacts to monitor events: a disconnect while recording
// forces an immediate stop, marking the session ERROR when the relay does
// not acknowledge cleanly.
func (c *Controller) HandleCameraEvent(ctx context.Context, ev camera.Event) {
	if ev.Kind != camera.EventRemoved {
		return
	}
	c.mu.Lock()
	_, hasActive := c.active[ev.Path]
	c.mu.Unlock()
	if !hasActive {
		return
	}
	c.log.Warn().Str("device", ev.Path).Msg("device disconnected during recording, forcing stop")
	if _, err := c.stop(ctx, ev.Path, true); err != nil && !errors.Is(err, ErrNoActiveRecording) {
		c.log.Error().Err(err).Str("device", ev.Path).Msg("forced stop failed")
	}
}

// TakeSnapshot grabs one frame from the device's relay stream and indexes
// the resulting file.
func (c *Controller) TakeSnapshot(ctx context.Context, device, format string, quality int) (catalog.Artifact, error) {
	if format == "" {
		format = "jpg"
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	if free, err := c.freeBytes(c.snapshotsDir); err == nil && free < c.minFreeBytes {
		return catalog.Artifact{}, fmt.Errorf("%w: %d bytes free", ErrInsufficientStorage, free)
	}

	name := camera.IDForPath(device)
	now := c.now()
	filename := fmt.Sprintf("%s_%s.%s", name, now.Format("2006-01-02_15-04-05"), format)
	outPath := filepath.Join(c.snapshotsDir, filename)
	source := c.rtspBase + "/" + name

	grabCtx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()
	if err := c.grabFrame(grabCtx, source, outPath, quality); err != nil {
		return catalog.Artifact{}, fmt.Errorf("take snapshot %s: %w", device, err)
	}

	art := catalog.Artifact{
		ID:        uuid.New().String(),
		Device:    device,
		Kind:      catalog.KindSnapshot,
		Filename:  filename,
		Path:      outPath,
		Format:    format,
		CreatedAt: now,
	}
	if info, err := os.Stat(outPath); err == nil {
		art.SizeBytes = info.Size()
	}
	if c.store != nil {
		if err := c.store.Add(ctx, art); err != nil {
			c.log.Warn().Err(err).Str("file", filename).Msg("failed to index snapshot")
		}
	}
	c.log.Info().Str("device", device).Str("file", filename).Msg("snapshot taken")
	return art, nil
}

// Active returns copies of every non-terminal session.
func (c *Controller) Active() []Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Recording, 0, len(c.active))
	for _, r := range c.active {
		out = append(out, *r)
	}
	return out
}

// ActiveRecording returns the non-terminal session for device, if any.
func (c *Controller) ActiveRecording(device string) (Recording, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[device]
	if !ok {
		return Recording{}, false
	}
	return *r, true
}

// InProgressPaths reports the file paths currently owned by active
// sessions. Retention cleanup must never touch these.
func (c *Controller) InProgressPaths() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.active))
	for _, r := range c.active {
		out[r.Path] = true
	}
	return out
}

// Close cancels pending duration timers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for d, t := range c.timers {
		t.Stop()
		delete(c.timers, d)
	}
}

func (c *Controller) dropSession(device, sessionID string) {
	c.mu.Lock()
	if cur, ok := c.active[device]; ok && cur.ID == sessionID {
		delete(c.active, device)
	}
	c.mu.Unlock()
}

func (c *Controller) countActiveLocked() int {
	return len(c.active)
}

func (c *Controller) emit(rec Recording) {
	if c.notify != nil {
		c.notify(rec)
	}
}

func containerExt(format string) string {
	switch format {
	case "fmp4", "mp4":
		return "mp4"
	case "mpegts", "ts":
		return "ts"
	default:
		return "mp4"
	}
}

// ffmpegGrabFrame pulls one frame from an RTSP source into outPath.
func ffmpegGrabFrame(ctx context.Context, source, outPath string, quality int) error {
	// Map 1..100 quality onto ffmpeg's 2 (best) .. 31 (worst) qscale.
	q := 2 + (100-quality)*29/100
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-rtsp_transport", "tcp",
		"-i", source,
		"-frames:v", "1",
		"-q:v", strconv.Itoa(q),
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, truncate(string(out), 200))
	}
	return nil
}

func dirFreeBytes(dir string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
