package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"camgate/internal/catalog"
)

func writeFile(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	mod := time.Now().Add(-age)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"age ok", Policy{Type: PolicyAge, MaxAgeDays: 7}, false},
		{"age without threshold", Policy{Type: PolicyAge}, true},
		{"size ok", Policy{Type: PolicySize, MaxSizeBytes: 1 << 30}, false},
		{"size without threshold", Policy{Type: PolicySize}, true},
		{"manual", Policy{Type: PolicyManual}, false},
		{"unknown", Policy{Type: "weekly"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRunOnce_agePolicy(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, "camera0_old.mp4", 100, 10*24*time.Hour)
	fresh := writeFile(t, dir, "camera0_fresh.mp4", 100, time.Hour)

	store := catalog.NewMemory()
	_ = store.Add(context.Background(), catalog.Artifact{Path: old, Kind: catalog.KindRecording})

	c := NewCleaner(zerolog.Nop(), store, []string{dir}, nil,
		Policy{Type: PolicyAge, MaxAgeDays: 7, Enabled: true}, time.Hour, nil)

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.FilesDeleted != 1 || res.BytesFreed != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old file survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file deleted: %v", err)
	}
	if _, total, _ := store.List(context.Background(), catalog.KindRecording, 0, 0); total != 0 {
		t.Fatalf("deleted file still indexed")
	}
}

func TestRunOnce_sizePolicyDeletesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	oldest := writeFile(t, dir, "a.mp4", 400, 3*time.Hour)
	middle := writeFile(t, dir, "b.mp4", 400, 2*time.Hour)
	newest := writeFile(t, dir, "c.mp4", 400, time.Hour)

	c := NewCleaner(zerolog.Nop(), nil, []string{dir}, nil,
		Policy{Type: PolicySize, MaxSizeBytes: 500, Enabled: true}, time.Hour, nil)

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.FilesDeleted != 2 || res.BytesFreed != 800 {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, p := range []string{oldest, middle} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should have been deleted", p)
		}
	}
	if _, err := os.Stat(newest); err != nil {
		t.Fatalf("newest file deleted: %v", err)
	}
}

func TestRunOnce_sizePolicyUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mp4", 100, time.Hour)

	c := NewCleaner(zerolog.Nop(), nil, []string{dir}, nil,
		Policy{Type: PolicySize, MaxSizeBytes: 1000, Enabled: true}, time.Hour, nil)

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.FilesDeleted != 0 {
		t.Fatalf("nothing should be deleted under threshold, got %+v", res)
	}
}

func TestRunOnce_skipsInProgressFiles(t *testing.T) {
	dir := t.TempDir()
	busy := writeFile(t, dir, "camera0_live.mp4", 100, 30*24*time.Hour)
	idle := writeFile(t, dir, "camera0_done.mp4", 100, 30*24*time.Hour)

	inProgress := func() map[string]bool { return map[string]bool{busy: true} }
	c := NewCleaner(zerolog.Nop(), nil, []string{dir}, inProgress,
		Policy{Type: PolicyAge, MaxAgeDays: 1, Enabled: true}, time.Hour, nil)

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.FilesDeleted != 1 {
		t.Fatalf("expected exactly one deletion, got %+v", res)
	}
	if _, err := os.Stat(busy); err != nil {
		t.Fatalf("in-progress file was deleted: %v", err)
	}
	if _, err := os.Stat(idle); !os.IsNotExist(err) {
		t.Fatalf("idle file survived")
	}
}

func TestRunOnce_manualAppliesConfiguredThresholds(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, "old.mp4", 100, 10*24*time.Hour)
	writeFile(t, dir, "fresh.mp4", 100, time.Hour)

	c := NewCleaner(zerolog.Nop(), nil, []string{dir}, nil,
		Policy{Type: PolicyManual, MaxAgeDays: 7}, time.Hour, nil)

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.FilesDeleted != 1 {
		t.Fatalf("expected 1 deletion, got %+v", res)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("aged file survived manual run")
	}
}

func TestRunOnce_missingDirIgnored(t *testing.T) {
	c := NewCleaner(zerolog.Nop(), nil, []string{"/nonexistent/recordings"}, nil,
		Policy{Type: PolicyAge, MaxAgeDays: 7, Enabled: true}, time.Hour, nil)
	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("missing directory must not fail the run: %v", err)
	}
}

func TestSetPolicy(t *testing.T) {
	c := NewCleaner(zerolog.Nop(), nil, nil, nil,
		Policy{Type: PolicyManual}, time.Hour, nil)

	if err := c.SetPolicy(Policy{Type: PolicyAge}); err == nil {
		t.Fatalf("invalid policy accepted")
	}
	if got := c.Policy(); got.Type != PolicyManual {
		t.Fatalf("rejected policy replaced the active one: %+v", got)
	}

	want := Policy{Type: PolicySize, MaxSizeBytes: 1 << 30, Enabled: true}
	if err := c.SetPolicy(want); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if got := c.Policy(); got != want {
		t.Fatalf("policy not applied: %+v", got)
	}
}
