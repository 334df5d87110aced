package granary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkczc/meta-hybrid/internal/config"
)

func withFixedClock(t *testing.T, ts int64) {
	t.Helper()
	prev := now
	now = func() int64 { ts++; return ts }
	t.Cleanup(func() { now = prev })
}

func TestCreateListRestoreRoundTrip(t *testing.T) {
	withFixedClock(t, 1000)
	base := t.TempDir()
	paths := PathsFor(base)

	if err := os.WriteFile(paths.ConfigPath, []byte("base_dir = \"/x\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.StatePath, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	id, err := CreateSilo(paths, cfg, "pre-update", "manual")
	if err != nil {
		t.Fatalf("CreateSilo: %v", err)
	}

	silos, err := ListSilos(paths)
	if err != nil {
		t.Fatalf("ListSilos: %v", err)
	}
	if len(silos) != 1 || silos[0].ID != id {
		t.Fatalf("expected one silo with id %s, got %+v", id, silos)
	}
	if silos[0].RawConfig == nil || *silos[0].RawConfig != "base_dir = \"/x\"\n" {
		t.Fatalf("expected raw config captured, got %+v", silos[0].RawConfig)
	}

	if err := os.WriteFile(paths.ConfigPath, []byte("base_dir = \"/changed\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RestoreSilo(paths, id); err != nil {
		t.Fatalf("RestoreSilo: %v", err)
	}

	restored, err := os.ReadFile(paths.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != "base_dir = \"/x\"\n" {
		t.Fatalf("expected config restored verbatim, got %q", restored)
	}
}

func TestListSilosEmptyDirReturnsNilNotError(t *testing.T) {
	paths := PathsFor(t.TempDir())
	silos, err := ListSilos(paths)
	if err != nil {
		t.Fatalf("ListSilos: %v", err)
	}
	if silos != nil {
		t.Fatalf("expected nil, got %v", silos)
	}
}

func TestListSilosSkipsCorruptFile(t *testing.T) {
	paths := PathsFor(t.TempDir())
	if err := os.MkdirAll(paths.GranaryDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(paths.GranaryDir, "bogus.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	silos, err := ListSilos(paths)
	if err != nil {
		t.Fatalf("ListSilos: %v", err)
	}
	if len(silos) != 0 {
		t.Fatalf("expected the corrupt file skipped, got %v", silos)
	}
}

func TestDeleteSiloNotFound(t *testing.T) {
	paths := PathsFor(t.TempDir())
	if err := DeleteSilo(paths, "silo_nope"); err != ErrSiloNotFound {
		t.Fatalf("expected ErrSiloNotFound, got %v", err)
	}
}

func TestPruneSilosRespectsMaxBackups(t *testing.T) {
	withFixedClock(t, 2000)
	paths := PathsFor(t.TempDir())
	cfg := config.Default()
	cfg.GranaryMaxBackups = 2
	cfg.GranaryRetentionDays = 0

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := CreateSilo(paths, cfg, "auto", "test")
		if err != nil {
			t.Fatalf("CreateSilo: %v", err)
		}
		ids = append(ids, id)
	}

	silos, err := ListSilos(paths)
	if err != nil {
		t.Fatalf("ListSilos: %v", err)
	}
	if len(silos) != 2 {
		t.Fatalf("expected pruning to leave 2 silos, got %d: %+v", len(silos), silos)
	}
	if silos[0].ID != ids[len(ids)-1] {
		t.Fatalf("expected the newest silo kept, got %+v", silos[0])
	}
}

func TestRestoreLatestNoSilos(t *testing.T) {
	paths := PathsFor(t.TempDir())
	if _, err := RestoreLatest(paths); err == nil {
		t.Fatal("expected an error when no silos exist")
	}
}
