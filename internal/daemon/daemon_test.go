package daemon

import (
	"testing"

	"github.com/pkczc/meta-hybrid/internal/config"
)

// Run itself performs privileged mount operations end to end and is
// exercised by the unit-tested packages it wires together; here we
// only check the pure path-derivation logic.

func TestLayoutForDerivesExpectedPaths(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = "/data/adb/meta-hybrid/"
	cfg.ModuleDir = "/data/adb/modules"

	layout := LayoutFor(cfg)

	if layout.RunDir != "/data/adb/meta-hybrid/run" {
		t.Fatalf("unexpected RunDir: %s", layout.RunDir)
	}
	if layout.ModulesImage != "/data/adb/meta-hybrid/modules.img" {
		t.Fatalf("unexpected ModulesImage: %s", layout.ModulesImage)
	}
	if layout.ModulePropFile != "/data/adb/modules/meta-hybrid/module.prop" {
		t.Fatalf("unexpected ModulePropFile: %s", layout.ModulePropFile)
	}
	if layout.RulesDir != "/data/adb/meta-hybrid/rules" {
		t.Fatalf("unexpected RulesDir: %s", layout.RulesDir)
	}
}
