package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkczc/meta-hybrid/internal/modules"
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

// These tests exercise Generate's per-module partitioning logic via a
// per-path magic rule and an ignore-mode module, neither of which
// canonicalises a real "/<partition>", so they are safe to run
// unprivileged.

func TestGenerateMagicModule(t *testing.T) {
	storage := t.TempDir()
	writeFile(t, filepath.Join(storage, "m2", "vendor", "f"), "x")

	mod := modules.Module{
		ID:         "m2",
		SourcePath: filepath.Join(storage, "m2"),
		Rules:      modules.ModuleRules{DefaultMode: modules.Overlay, Paths: map[string]modules.MountMode{"vendor": modules.Magic}},
	}

	plan, err := Generate(nil, []modules.Module{mod}, storage)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.MagicModulePaths) != 1 {
		t.Fatalf("expected vendor routed to magic, got plan=%+v", plan)
	}
	found := false
	for _, id := range plan.MagicModuleIDs {
		if id == "m2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected m2 in magic ids, got %v", plan.MagicModuleIDs)
	}
}

func TestGenerateIgnoreModuleContributesNothing(t *testing.T) {
	storage := t.TempDir()
	writeFile(t, filepath.Join(storage, "m3", "system", "f"), "x")

	mod := modules.Module{
		ID:         "m3",
		SourcePath: filepath.Join(storage, "m3"),
		Rules:      modules.ModuleRules{DefaultMode: modules.Ignore},
	}

	plan, err := Generate(nil, []modules.Module{mod}, storage)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.OverlayOps) != 0 || len(plan.MagicModulePaths) != 0 || len(plan.HymoOps) != 0 {
		t.Fatalf("expected ignore module to contribute nothing, got %+v", plan)
	}
}

func TestAnalyzeConflictsDetectsSharedPath(t *testing.T) {
	lowerA := t.TempDir()
	lowerB := t.TempDir()
	writeFile(t, filepath.Join(lowerA, "app", "Foo.apk"), "a-version")
	writeFile(t, filepath.Join(lowerB, "app", "Foo.apk"), "b-version")

	// moduleOfLowerDir expects lowerDir = <...>/<module-id>/<partition>;
	// rename the temp dirs to honor that shape.
	aRoot := filepath.Join(t.TempDir(), "a", "system")
	bRoot := filepath.Join(t.TempDir(), "b", "system")
	os.MkdirAll(filepath.Dir(aRoot), 0o755)
	os.MkdirAll(filepath.Dir(bRoot), 0o755)
	os.Rename(lowerA, aRoot)
	os.Rename(lowerB, bRoot)

	plan := &MountPlan{
		OverlayOps: []OverlayOperation{{
			PartitionName: "system",
			Target:        "/system",
			LowerDirs:     []string{aRoot, bRoot},
		}},
	}

	report := plan.AnalyzeConflicts()
	if len(report.Details) != 1 {
		t.Fatalf("expected exactly one conflict, got %+v", report.Details)
	}
	entry := report.Details[0]
	if entry.Partition != "system" || entry.RelativePath != "app/Foo.apk" {
		t.Fatalf("unexpected conflict entry: %+v", entry)
	}
	if len(entry.ContendingMods) != 2 {
		t.Fatalf("expected two contending modules, got %v", entry.ContendingMods)
	}
}
