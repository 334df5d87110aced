// Package daemon wires every core package into the single run a
// privileged entrypoint performs at boot: ratoon bootloop tracking,
// inventory scan, sync, planning, execution, and state/description
// persistence. Ported from the original implementation's
// src/main.rs::run(), minus its process-camouflage call (see
// SPEC_FULL.md's "Deliberately not supplemented" section).
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pkczc/meta-hybrid/internal/config"
	"github.com/pkczc/meta-hybrid/internal/driverfd"
	"github.com/pkczc/meta-hybrid/internal/executor"
	"github.com/pkczc/meta-hybrid/internal/granary"
	"github.com/pkczc/meta-hybrid/internal/inventory"
	"github.com/pkczc/meta-hybrid/internal/modules"
	"github.com/pkczc/meta-hybrid/internal/planner"
	"github.com/pkczc/meta-hybrid/internal/ratoon"
	"github.com/pkczc/meta-hybrid/internal/storage"
	"github.com/pkczc/meta-hybrid/internal/sync"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// Layout resolves every file the daemon touches from the single
// configured base directory, mirroring the original's defs module.
type Layout struct {
	BaseDir        string
	ModuleDir      string
	RulesDir       string
	RunDir         string
	ModulesImage   string
	ContentMount   string
	ModulePropFile string
}

// LayoutFor derives a Layout from cfg.
func LayoutFor(cfg config.Config) Layout {
	return Layout{
		BaseDir:        cfg.BaseDir,
		ModuleDir:      cfg.ModuleDir,
		RulesDir:       filepath.Join(cfg.BaseDir, "rules"),
		RunDir:         filepath.Join(cfg.BaseDir, "run"),
		ModulesImage:   filepath.Join(cfg.BaseDir, "modules.img"),
		ContentMount:   filepath.Join(cfg.BaseDir, "content"),
		ModulePropFile: filepath.Join(cfg.ModuleDir, "meta-hybrid", "module.prop"),
	}
}

// Run performs one full daemon pass: ratoon-begin, inventory scan,
// sync, plan, execute, then ratoon-end plus state/description
// persistence. A storage or inventory failure aborts the run (Fatal,
// spec §7); everything past that degrades per its own package's rules
// rather than aborting.
func Run(cfg config.Config) error {
	runID := uuid.NewString()[:8]
	layout := LayoutFor(cfg)
	gp := granary.PathsFor(layout.BaseDir)
	rp := ratoon.PathsFor(layout.BaseDir)

	if err := os.MkdirAll(layout.RunDir, 0o755); err != nil {
		return fmt.Errorf("daemon[%s]: creating run dir: %w", runID, err)
	}

	if _, err := ratoon.Engage(gp, rp, layout.ModuleDir, cfg); err != nil {
		hylog.Warningf("daemon[%s]: ratoon engage failed: %v", runID, err)
	}

	hylog.Infof("daemon[%s]: meta-hybrid mount starting", runID)
	if cfg.DisableUmount {
		hylog.Warningf("namespace-exit unmount is disabled")
	}

	storageHandle, err := storage.Setup(layout.ContentMount, layout.ModulesImage, cfg.ForceExt4, cfg.ImageSize)
	if err != nil {
		return fmt.Errorf("daemon[%s]: storage setup: %w", runID, err)
	}

	mods, err := inventory.Scan(layout.ModuleDir, layout.RulesDir)
	if err != nil {
		return fmt.Errorf("daemon[%s]: inventory scan: %w", runID, err)
	}
	hylog.Infof("scanned %d active module(s)", len(mods))

	if err := sync.Sync(mods, storageHandle.MountPoint); err != nil {
		hylog.Warningf("daemon: sync reported errors: %v", err)
	}

	plan, err := planner.Generate(cfg.ExtraParts, mods, storageHandle.MountPoint)
	if err != nil {
		return fmt.Errorf("daemon[%s]: planning: %w", runID, err)
	}
	plan.LogSummary()

	for _, d := range planner.Diagnose(plan) {
		hylog.Warningf("diagnostic [%s]: %s", d.Severity, d.Message)
	}
	conflicts := plan.AnalyzeConflicts()
	for _, c := range conflicts.Details {
		hylog.Debugf("conflict: %s/%s contended by %v", c.Partition, c.RelativePath, c.ContendingMods)
	}

	result, err := executor.Execute(plan, executor.Options{
		DisableUmount:   cfg.DisableUmount,
		RunDir:          layout.RunDir,
		ExtraPartitions: cfg.ExtraParts,
	})
	if err != nil {
		return fmt.Errorf("daemon[%s]: execution: %w", runID, err)
	}

	nukeActive := false
	if storageHandle.Mode == storage.ModeExt4 && cfg.EnableNuke {
		if err := driverfd.NukeExt4Sysfs(storageHandle.MountPoint); err != nil {
			hylog.Debugf("daemon: nuke unavailable: %v", err)
		} else {
			nukeActive = true
		}
	}

	modules.UpdateModuleDescription(layout.ModulePropFile, string(storageHandle.Mode), nukeActive,
		len(result.OverlayModuleIDs), len(result.MagicModuleIDs))

	state := modules.RuntimeState{
		StorageMode:       string(storageHandle.Mode),
		StorageMountPoint: storageHandle.MountPoint,
		OverlayModuleIDs:  result.OverlayModuleIDs,
		MagicModuleIDs:    result.MagicModuleIDs,
		HymoModuleIDs:     result.HymoModuleIDs,
		NukeActive:        nukeActive,
	}
	if err := state.Save(filepath.Join(layout.BaseDir, "state.json")); err != nil {
		hylog.Errorf("daemon: failed to save runtime state: %v", err)
	}

	if _, err := granary.CreateSilo(gp, cfg, "post-run", "automatic snapshot after a completed run"); err != nil {
		hylog.Warningf("daemon: failed to create post-run silo: %v", err)
	}

	ratoon.Disengage(rp)

	hylog.Infof("daemon[%s]: meta-hybrid mount completed", runID)
	return nil
}
