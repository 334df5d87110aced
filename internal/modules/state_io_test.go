package modules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRuntimeStateSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st := RuntimeState{StorageMode: "ext4", OverlayModuleIDs: []string{"m1"}, NukeActive: true}
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := LoadRuntimeState(path)
	if loaded.StorageMode != "ext4" || !loaded.NukeActive || len(loaded.OverlayModuleIDs) != 1 {
		t.Fatalf("expected round-tripped state, got %+v", loaded)
	}
}

func TestLoadRuntimeStateMissingFileReturnsZeroValue(t *testing.T) {
	loaded := LoadRuntimeState(filepath.Join(t.TempDir(), "nope.json"))
	if loaded.StorageMode != "" || loaded.OverlayModuleIDs != nil {
		t.Fatalf("expected zero value, got %+v", loaded)
	}
}

func TestUpdateModuleDescriptionRewritesOnlyDescriptionLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.prop")
	original := "name=Meta Hybrid\nversion=v1\ndescription=placeholder\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	UpdateModuleDescription(path, "ext4", true, 2, 3)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "name=Meta Hybrid\n") {
		t.Fatalf("expected unrelated lines preserved, got %q", content)
	}
	if strings.Contains(content, "description=placeholder") {
		t.Fatalf("expected description line rewritten, got %q", content)
	}
	if !strings.Contains(content, "overlay: 2") || !strings.Contains(content, "magic: 3") {
		t.Fatalf("expected the new counts in the description, got %q", content)
	}
}

func TestUpdateModuleDescriptionMissingFileIsNoop(t *testing.T) {
	UpdateModuleDescription(filepath.Join(t.TempDir(), "nope"), "tmpfs", false, 0, 0) // must not panic
}
