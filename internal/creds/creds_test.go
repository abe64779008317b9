package creds

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDirCreatesAndReturns(t *testing.T) {
	s := NewStore(t.TempDir())

	dir, err := s.Dir("inst-1")
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("Dir did not create %s: %v", dir, err)
	}
}

func TestExistsAndBlob(t *testing.T) {
	s := NewStore(t.TempDir())

	if s.Exists("inst-1") {
		t.Error("Exists should be false before any login")
	}

	dir, _ := s.Dir("inst-1")
	payload := []byte(`{"id":"15551234567"}`)
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), payload, 0o600); err != nil {
		t.Fatal(err)
	}

	if !s.Exists("inst-1") {
		t.Error("Exists should be true once auth.json is present")
	}

	blob, err := s.Blob("inst-1")
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	if string(blob) != string(payload) {
		t.Errorf("Blob = %s, want %s", blob, payload)
	}
}

func TestClear(t *testing.T) {
	s := NewStore(t.TempDir())

	dir, _ := s.Dir("inst-1")
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear("inst-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Exists("inst-1") {
		t.Error("Exists should be false after Clear")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("credential directory should be removed")
	}

	// Clearing an instance that never logged in is not an error.
	if err := s.Clear("never-existed"); err != nil {
		t.Errorf("Clear on missing dir: %v", err)
	}
}

func TestRejectsTraversalIDs(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "sessions")
	sibling := filepath.Join(root, "victim")
	if err := os.MkdirAll(sibling, 0o700); err != nil {
		t.Fatal(err)
	}
	s := NewStore(base)

	bad := []string{"../victim", "..", "a/b", `a\b`, "a..b", ".", ""}
	for _, id := range bad {
		if _, err := s.Dir(id); !errors.Is(err, ErrUnsafeID) {
			t.Errorf("Dir(%q) = %v, want ErrUnsafeID", id, err)
		}
		if _, err := s.Blob(id); !errors.Is(err, ErrUnsafeID) {
			t.Errorf("Blob(%q) = %v, want ErrUnsafeID", id, err)
		}
		if err := s.Clear(id); !errors.Is(err, ErrUnsafeID) {
			t.Errorf("Clear(%q) = %v, want ErrUnsafeID", id, err)
		}
		if s.Exists(id) {
			t.Errorf("Exists(%q) = true, want false", id)
		}
	}

	// The directory outside the base must survive every rejected call.
	if _, err := os.Stat(sibling); err != nil {
		t.Fatalf("directory outside the base was touched: %v", err)
	}
}
