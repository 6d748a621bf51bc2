package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemory_listPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = m.Add(ctx, Artifact{
			ID:        "rec" + string(rune('0'+i)),
			Device:    "camera0",
			Kind:      KindRecording,
			Filename:  "camera0_" + string(rune('0'+i)) + ".mp4",
			Path:      "/rec/" + string(rune('0'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	_ = m.Add(ctx, Artifact{ID: "snap", Kind: KindSnapshot, Path: "/snap/a", CreatedAt: base})

	page, total, err := m.List(ctx, KindRecording, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(page) != 2 || page[0].ID != "rec4" || page[1].ID != "rec3" {
		t.Fatalf("expected newest-first page, got %+v", page)
	}

	page, _, err = m.List(ctx, KindRecording, 2, 4)
	if err != nil {
		t.Fatalf("List offset: %v", err)
	}
	if len(page) != 1 || page[0].ID != "rec0" {
		t.Fatalf("unexpected last page %+v", page)
	}

	page, total, err = m.List(ctx, KindRecording, 10, 99)
	if err != nil || total != 5 || len(page) != 0 {
		t.Fatalf("expected empty page past the end, got %v %d %+v", err, total, page)
	}
}

func TestMemory_remove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Add(ctx, Artifact{ID: "a", Kind: KindRecording, Path: "/rec/a", CreatedAt: time.Now()})

	if err := m.Remove(ctx, "/rec/a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Remove(ctx, "/rec/missing"); err != nil {
		t.Fatalf("Remove of unknown path must be a no-op: %v", err)
	}

	_, total, _ := m.List(ctx, KindRecording, 0, 0)
	if total != 0 {
		t.Fatalf("expected empty catalog, got %d", total)
	}
}

func TestMemory_loadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "camera0_2026-01-02.mp4"), []byte("xxxx"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "camera1_a.mp4"), []byte("yy"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m := NewMemory()
	if err := m.LoadDir(dir, KindRecording); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	list, total, err := m.List(context.Background(), KindRecording, 0, 0)
	if err != nil || total != 2 {
		t.Fatalf("expected 2 artifacts, got %d (%v)", total, err)
	}
	for _, a := range list {
		switch a.Filename {
		case "camera0_2026-01-02.mp4":
			if a.Device != "camera0" || a.SizeBytes != 4 || a.Format != "mp4" {
				t.Fatalf("bad artifact %+v", a)
			}
		case "camera1_a.mp4":
			if a.Device != "camera1" || a.SizeBytes != 2 {
				t.Fatalf("bad artifact %+v", a)
			}
		default:
			t.Fatalf("unexpected artifact %+v", a)
		}
	}
}

func TestMemory_loadDirMissing(t *testing.T) {
	m := NewMemory()
	if err := m.LoadDir(filepath.Join(t.TempDir(), "nope"), KindSnapshot); err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
}
