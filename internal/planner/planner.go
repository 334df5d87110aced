// Package planner builds a MountPlan from the module inventory: it
// partitions each module's content into the overlay, hymo, or magic
// strategy, and performs conflict analysis and plan diagnostics as a
// read-only reporting surface over the finished plan.
package planner

import (
	"os"
	"path/filepath"
	"sort"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/pkczc/meta-hybrid/internal/modules"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// OverlayOperation stacks lowerdirs beneath target.
type OverlayOperation struct {
	PartitionName string
	Target        string
	LowerDirs     []string
}

// HymoOperation requests direct injection of source into target.
type HymoOperation struct {
	ModuleID string
	Source   string
	Target   string
}

// MountPlan is the planner's output, consumed by the executor.
type MountPlan struct {
	OverlayOps []OverlayOperation
	HymoOps    []HymoOperation

	MagicModulePaths []string

	OverlayModuleIDs []string
	HymoModuleIDs    []string
	MagicModuleIDs   []string
}

// idSet accumulates unique ids in insertion order for later sorting.
type idSet struct {
	seen map[string]struct{}
	ids  []string
}

func newIDSet() *idSet { return &idSet{seen: map[string]struct{}{}} }

func (s *idSet) add(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *idSet) sorted() []string {
	out := append([]string(nil), s.ids...)
	sort.Strings(out)
	return out
}

// Generate produces a MountPlan for mods, whose content lives under
// storageRoot/<id> (falling back to the module's own source path if
// the storage copy is absent — e.g. for Magic-mode modules, which Sync
// never mirrors).
func Generate(extraPartitions []string, mods []modules.Module, storageRoot string) (*MountPlan, error) {
	partitions := append(append([]string(nil), modules.BuiltinPartitions...), extraPartitions...)

	overlayIDs := newIDSet()
	hymoIDs := newIDSet()
	magicIDs := newIDSet()
	var magicPaths []string
	var hymoOps []HymoOperation
	partitionLayers := map[string][]string{}

	for _, m := range mods {
		contentPath := resolveContentPath(m, storageRoot)

		switch m.Rules.DefaultMode {
		case modules.Magic:
			if hasPopulatedPartition(contentPath, partitions) {
				magicPaths = append(magicPaths, contentPath)
				magicIDs.add(m.ID)
			}

		case modules.Hymo:
			for _, part := range partitions {
				src := filepath.Join(contentPath, part)
				if !dirHasEntries(src) {
					continue
				}
				hymoOps = append(hymoOps, HymoOperation{
					ModuleID: m.ID,
					Source:   src,
					Target:   "/" + part,
				})
				hymoIDs.add(m.ID)
			}

		case modules.Ignore:
			// module contributes nothing.

		default: // Overlay
			for _, part := range partitions {
				src := filepath.Join(contentPath, part)
				if !dirHasEntries(src) {
					continue
				}
				mode := effectivePathMode(m.Rules, part, contentPath, part)
				switch mode {
				case modules.Overlay:
					partitionLayers[part] = append(partitionLayers[part], src)
					overlayIDs.add(m.ID)
				case modules.Magic:
					magicPaths = append(magicPaths, src)
					magicIDs.add(m.ID)
				case modules.Ignore:
					// dropped
				}
			}
		}
	}

	plan := &MountPlan{
		HymoOps:          hymoOps,
		MagicModulePaths: dedupSortedStrings(magicPaths),
		OverlayModuleIDs: overlayIDs.sorted(),
		HymoModuleIDs:    hymoIDs.sorted(),
		MagicModuleIDs:   magicIDs.sorted(),
	}

	for _, part := range sortedKeys(partitionLayers) {
		layers := partitionLayers[part]
		target := "/" + part
		resolved, err := filepath.EvalSymlinks(target)
		if err != nil {
			hylog.Warningf("planner: skipping partition %s, cannot canonicalise: %v", part, err)
			continue
		}
		info, err := os.Lstat(resolved)
		if err != nil || info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
			hylog.Warningf("planner: skipping partition %s, target is not a plain directory", part)
			continue
		}
		plan.OverlayOps = append(plan.OverlayOps, OverlayOperation{
			PartitionName: part,
			Target:        resolved,
			LowerDirs:     layers,
		})
	}

	return plan, nil
}

// effectivePathMode resolves the per-path rule for a whole partition
// (e.g. "vendor") falling back to the module's default mode. Only
// partition-name keys are looked up; rules keyed by a deeper relative
// path (e.g. "system/app") are not consulted anywhere in planning.
func effectivePathMode(rules modules.ModuleRules, key, contentPath, partition string) modules.MountMode {
	mode := rules.GetMode(key)
	if !modules.ValidPathMode(mode) {
		return modules.Overlay
	}
	return mode
}

func resolveContentPath(m modules.Module, storageRoot string) string {
	candidate, err := securejoin.SecureJoin(storageRoot, m.ID)
	if err == nil {
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return candidate
		}
	}
	return m.SourcePath
}

func hasPopulatedPartition(contentPath string, partitions []string) bool {
	for _, p := range partitions {
		if dirHasEntries(filepath.Join(contentPath, p)) {
			return true
		}
	}
	return false
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func dedupSortedStrings(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
