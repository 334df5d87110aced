package inventory

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanFiltersMarkersAndReserved(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "m1", "module.prop"), "name=One\n")
	writeFile(t, filepath.Join(root, "m2", "module.prop"), "name=Two\n")
	writeFile(t, filepath.Join(root, "m2", "disable"), "")
	writeFile(t, filepath.Join(root, "lost+found", "module.prop"), "name=ignored\n")

	mods, err := Scan(root, "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(mods) != 1 || mods[0].ID != "m1" {
		t.Fatalf("expected only m1, got %+v", mods)
	}
}

func TestScanDescendingSort(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"a1", "b2", "c3"} {
		writeFile(t, filepath.Join(root, id, "module.prop"), "name="+id+"\n")
	}
	mods, err := Scan(root, "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(mods) != 3 || mods[0].ID != "c3" || mods[2].ID != "a1" {
		t.Fatalf("expected descending sort c3,b2,a1, got %s,%s,%s", mods[0].ID, mods[1].ID, mods[2].ID)
	}
}

func TestRuleOverrideMerge(t *testing.T) {
	root := t.TempDir()
	rulesDir := t.TempDir()
	writeFile(t, filepath.Join(root, "m1", "module.prop"), "name=One\n")
	writeFile(t, filepath.Join(root, "m1", "hybrid_rules.json"),
		`{"default_mode":"overlay","paths":{"vendor":"overlay"}}`)
	writeFile(t, filepath.Join(rulesDir, "m1.json"),
		`{"default_mode":"overlay","paths":{"vendor":"magic"}}`)

	mods, err := Scan(root, rulesDir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("expected 1 module, got %d", len(mods))
	}
	if got := mods[0].Rules.GetMode("vendor"); got != "magic" {
		t.Fatalf("expected user override magic, got %s", got)
	}
}
