package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestMemoryFileSystemWriteRead(t *testing.T) {
	m := NewMemoryFileSystem()

	if err := m.WriteFile("captures/capture_20250601_120000_000.png", []byte("png"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := m.ReadFile("captures/capture_20250601_120000_000.png")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "png" {
		t.Errorf("ReadFile = %q, want %q", data, "png")
	}
}

func TestMemoryFileSystemReadMissing(t *testing.T) {
	m := NewMemoryFileSystem()

	_, err := m.ReadFile("captures/missing.png")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile missing = %v, want fs.ErrNotExist", err)
	}
}

func TestMemoryFileSystemReadDir(t *testing.T) {
	m := NewMemoryFileSystem()

	files := []string{
		"captures/capture_20250601_120000_000.png",
		"captures/capture_20250601_120001_000.png",
		"captures/capture_20250601_120000_000_detection.png",
	}
	for _, f := range files {
		if err := m.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile %s: %v", f, err)
		}
	}
	// A file in a subdirectory must not appear in the parent listing.
	if err := m.WriteFile("captures/archive/old.png", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := m.ReadDir("captures")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	// Three files plus the archive directory.
	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name() > entries[i].Name() {
			t.Errorf("entries not sorted: %q > %q", entries[i-1].Name(), entries[i].Name())
		}
	}
}

func TestMemoryFileSystemRemove(t *testing.T) {
	m := NewMemoryFileSystem()

	if err := m.WriteFile("a/b.png", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := m.Remove("a/b.png"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.Exists("a/b.png") {
		t.Error("file still exists after Remove")
	}
	if err := m.Remove("a/b.png"); err == nil {
		t.Error("Remove of missing file did not error")
	}
}

func TestMemoryFileSystemMkdirAll(t *testing.T) {
	m := NewMemoryFileSystem()

	if err := m.MkdirAll("a/b/c", 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, dir := range []string{"a", "a/b", "a/b/c"} {
		if !m.Exists(dir) {
			t.Errorf("directory %q missing after MkdirAll", dir)
		}
	}
}

func TestOSFileSystemRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	osfs := OSFileSystem{}

	path := filepath.Join(tmp, "capture_20250601_120000_000.png")
	if err := osfs.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := osfs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("ReadFile = %q, want %q", data, "data")
	}

	entries, err := osfs.ReadDir(tmp)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if !osfs.Exists(path) {
		t.Error("Exists = false for written file")
	}
}
