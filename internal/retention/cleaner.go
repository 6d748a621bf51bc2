package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camgate/internal/catalog"
	"camgate/internal/metrics"
)

// PolicyType selects the deletion criterion.
type PolicyType string

const (
	PolicyAge    PolicyType = "age"
	PolicySize   PolicyType = "size"
	PolicyManual PolicyType = "manual"
)

// Policy governs automatic deletion of recorded artifacts.
type Policy struct {
	Type         PolicyType `json:"type"`
	MaxAgeDays   int        `json:"max_age_days"`
	MaxSizeBytes int64      `json:"max_size_bytes"`
	Enabled      bool       `json:"enabled"`
}

// Validate rejects policies whose active criterion has no threshold.
func (p Policy) Validate() error {
	switch p.Type {
	case PolicyAge:
		if p.MaxAgeDays <= 0 {
			return errors.New("retention: age policy requires max_age_days > 0")
		}
	case PolicySize:
		if p.MaxSizeBytes <= 0 {
			return errors.New("retention: size policy requires max_size_bytes > 0")
		}
	case PolicyManual:
	default:
		return fmt.Errorf("retention: unknown policy type %q", p.Type)
	}
	return nil
}

// Result summarizes one cleanup run.
type Result struct {
	FilesDeleted int   `json:"files_deleted"`
	BytesFreed   int64 `json:"bytes_freed"`
}

// InProgress reports file paths owned by active sessions. Files in this
// set are never deleted, whatever the policy says.
type InProgress func() map[string]bool

// Cleaner applies the retention policy to the storage directories, on a
// timer and on demand.
type Cleaner struct {
	log        zerolog.Logger
	store      catalog.Store
	metrics    *metrics.Metrics
	dirs       []string
	inProgress InProgress
	interval   time.Duration

	mu     sync.RWMutex
	policy Policy

	now func() time.Time
}

// NewCleaner creates a cleaner over dirs. store may be nil when no catalog
// is configured; m may be nil.
func NewCleaner(log zerolog.Logger, store catalog.Store, dirs []string, inProgress InProgress, policy Policy, interval time.Duration, m *metrics.Metrics) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		log:        log.With().Str("component", "retention").Logger(),
		store:      store,
		metrics:    m,
		dirs:       dirs,
		inProgress: inProgress,
		interval:   interval,
		policy:     policy,
		now:        time.Now,
	}
}

// Policy returns the active policy.
func (c *Cleaner) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy replaces the active policy after validation.
func (c *Cleaner) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.log.Info().
		Str("type", string(p.Type)).
		Int("max_age_days", p.MaxAgeDays).
		Int64("max_size_bytes", p.MaxSizeBytes).
		Bool("enabled", p.Enabled).
		Msg("retention policy updated")
	return nil
}

// Run executes cleanup on the configured interval until ctx is canceled.
// Manual-type and disabled policies keep the timer running but skip the
// sweep, so a later SetPolicy takes effect without a restart.
func (c *Cleaner) Run(ctx context.Context) {
	c.log.Info().Dur("interval", c.interval).Msg("retention cleaner started")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("retention cleaner stopped")
			return
		case <-ticker.C:
			p := c.Policy()
			if !p.Enabled || p.Type == PolicyManual {
				continue
			}
			if _, err := c.RunOnce(ctx); err != nil {
				c.log.Error().Err(err).Msg("scheduled cleanup failed")
			}
		}
	}
}

// RunOnce applies the active policy immediately. With a manual-type
// policy every configured threshold is applied, so an operator-triggered
// run still has an effect.
func (c *Cleaner) RunOnce(ctx context.Context) (Result, error) {
	p := c.Policy()

	files, err := c.scan()
	if err != nil {
		return Result{}, err
	}

	var doomed []fileInfo
	switch p.Type {
	case PolicyAge:
		doomed = selectByAge(files, c.cutoff(p))
	case PolicySize:
		doomed = selectBySize(files, p.MaxSizeBytes)
	case PolicyManual:
		if p.MaxAgeDays > 0 {
			doomed = selectByAge(files, c.cutoff(p))
		}
		if p.MaxSizeBytes > 0 {
			doomed = merge(doomed, selectBySize(remaining(files, doomed), p.MaxSizeBytes))
		}
	}

	var res Result
	for _, f := range doomed {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := os.Remove(f.path); err != nil {
			if !os.IsNotExist(err) {
				c.log.Warn().Err(err).Str("file", f.path).Msg("failed to delete")
			}
			continue
		}
		res.FilesDeleted++
		res.BytesFreed += f.size
		if c.store != nil {
			if err := c.store.Remove(ctx, f.path); err != nil {
				c.log.Warn().Err(err).Str("file", f.path).Msg("failed to deindex")
			}
		}
	}

	c.metrics.ObserveRetentionRun(res.FilesDeleted, res.BytesFreed)
	c.log.Info().
		Str("type", string(p.Type)).
		Int("files_deleted", res.FilesDeleted).
		Int64("bytes_freed", res.BytesFreed).
		Msg("cleanup run complete")
	return res, nil
}

func (c *Cleaner) cutoff(p Policy) time.Time {
	return c.now().Add(-time.Duration(p.MaxAgeDays) * 24 * time.Hour)
}

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// scan lists deletable files across the storage directories, excluding
// anything a session is still writing.
func (c *Cleaner) scan() ([]fileInfo, error) {
	var busy map[string]bool
	if c.inProgress != nil {
		busy = c.inProgress()
	}

	var out []fileInfo
	for _, dir := range c.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("retention: scan %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if busy[path] {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		}
	}
	return out, nil
}

func selectByAge(files []fileInfo, cutoff time.Time) []fileInfo {
	var out []fileInfo
	for _, f := range files {
		if f.modTime.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// selectBySize returns the oldest files whose removal brings the total
// under the threshold.
func selectBySize(files []fileInfo, maxBytes int64) []fileInfo {
	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= maxBytes {
		return nil
	}
	sorted := make([]fileInfo, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].modTime.Before(sorted[j].modTime)
	})
	var out []fileInfo
	for _, f := range sorted {
		if total <= maxBytes {
			break
		}
		out = append(out, f)
		total -= f.size
	}
	return out
}

func remaining(files, removed []fileInfo) []fileInfo {
	gone := make(map[string]bool, len(removed))
	for _, f := range removed {
		gone[f.path] = true
	}
	var out []fileInfo
	for _, f := range files {
		if !gone[f.path] {
			out = append(out, f)
		}
	}
	return out
}

func merge(a, b []fileInfo) []fileInfo {
	seen := make(map[string]bool, len(a))
	for _, f := range a {
		seen[f.path] = true
	}
	for _, f := range b {
		if !seen[f.path] {
			a = append(a, f)
		}
	}
	return a
}
