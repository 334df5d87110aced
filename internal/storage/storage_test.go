package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSelectTempDirFallsBackToRunDir(t *testing.T) {
	// None of the fixed candidates exist in a test sandbox, so this
	// exercises the fallback path deterministically.
	fallback := filepath.Join(t.TempDir(), "run")
	got, err := SelectTempDir(fallback)
	if err != nil {
		t.Fatalf("SelectTempDir: %v", err)
	}
	if got != fallback {
		t.Fatalf("expected fallback dir %s, got %s", fallback, got)
	}
	if info, err := os.Stat(got); err != nil || !info.IsDir() {
		t.Fatalf("fallback dir was not created: %v", err)
	}
}

func TestIsOverlayIncompatibleUnknownFs(t *testing.T) {
	bad, name := IsOverlayIncompatible(t.TempDir())
	if bad {
		t.Fatalf("tmpdir on a normal fs should not be flagged incompatible (got %q)", name)
	}
}
