package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// HardwareEvent is one add/remove notification from the hardware event
// stream. Bursty and possibly lossy; the monitor deduplicates against its
// device table.
type HardwareEvent struct {
	Path    string
	Present bool
	At      time.Time
}

// EventSource delivers hardware add/remove notifications. Start returns the
// event channel; Close releases the underlying watcher.
type EventSource interface {
	Start(ctx context.Context) (<-chan HardwareEvent, error)
	Close() error
}

// Enumerator reports which of the candidate device paths currently exist.
// Used by the poller to cross-check the device table.
type Enumerator interface {
	Enumerate(ctx context.Context, candidates []string) []string
}

var videoNodeRe = regexp.MustCompile(`^video\d+$`)

// DevEventSource watches a device directory (normally /dev) for video node
// creation and removal via inotify.
type DevEventSource struct {
	log     zerolog.Logger
	dir     string
	watcher *fsnotify.Watcher
	out     chan HardwareEvent
}

// NewDevEventSource creates an event source watching dir for video nodes.
func NewDevEventSource(log zerolog.Logger, dir string) *DevEventSource {
	return &DevEventSource{
		log: log.With().Str("component", "devwatch").Logger(),
		dir: dir,
		out: make(chan HardwareEvent, 64),
	}
}

// Start begins watching and returns the event channel.
func (s *DevEventSource) Start(ctx context.Context) (<-chan HardwareEvent, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("devwatch: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("devwatch: watch %s: %w", s.dir, err)
	}
	s.watcher = w

	go s.loop(ctx)
	return s.out, nil
}

func (s *DevEventSource) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !videoNodeRe.MatchString(filepath.Base(ev.Name)) {
				continue
			}
			var hw HardwareEvent
			switch {
			case ev.Op.Has(fsnotify.Create):
				hw = HardwareEvent{Path: ev.Name, Present: true, At: time.Now()}
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				hw = HardwareEvent{Path: ev.Name, Present: false, At: time.Now()}
			default:
				continue
			}
			select {
			case s.out <- hw:
			default:
				// Never block the inotify drain; the poller catches
				// anything dropped here.
				s.log.Warn().Str("device", ev.Name).Msg("hardware event buffer full, dropping")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("device watcher error")
		}
	}
}

// Close releases the inotify watcher.
func (s *DevEventSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// StatEnumerator checks candidate paths with os.Stat.
type StatEnumerator struct{}

// Enumerate returns the subset of candidates that exist on disk.
func (StatEnumerator) Enumerate(ctx context.Context, candidates []string) []string {
	var present []string
	for _, path := range candidates {
		select {
		case <-ctx.Done():
			return present
		default:
		}
		if _, err := os.Stat(path); err == nil {
			present = append(present, path)
		}
	}
	return present
}
