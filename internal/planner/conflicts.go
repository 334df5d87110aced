package planner

import (
	"os"
	"path/filepath"
	"sort"
)

// ConflictEntry records that more than one module contributes the same
// relative path within a partition's overlay stack.
type ConflictEntry struct {
	Partition      string
	RelativePath   string
	ContendingMods []string
}

// ConflictReport is sorted by (partition, relative_path) and never
// modifies the plan — a read-only reporting surface.
type ConflictReport struct {
	Details []ConflictEntry
}

// moduleOfLowerDir maps a lowerdir path back to the module id that
// contributed it; the planner's lowerdir paths are always
// storageRoot/<id>/<partition> or <source>/<partition>.
func moduleOfLowerDir(lowerDir string) string {
	return filepath.Base(filepath.Dir(lowerDir))
}

// AnalyzeConflicts walks every lowerdir of every overlay op, recording
// which modules contribute each relative file path, and reports every
// path contributed by more than one module. Directories are not
// recorded, since a shared parent directory is not a conflict.
func (p *MountPlan) AnalyzeConflicts() ConflictReport {
	var report ConflictReport

	for _, op := range p.OverlayOps {
		contributors := map[string][]string{}

		for _, lower := range op.LowerDirs {
			modID := moduleOfLowerDir(lower)
			walkRelative(lower, func(rel string) {
				contributors[rel] = append(contributors[rel], modID)
			})
		}

		var rels []string
		for rel := range contributors {
			rels = append(rels, rel)
		}
		sort.Strings(rels)

		for _, rel := range rels {
			mods := contributors[rel]
			if len(mods) <= 1 {
				continue
			}
			sort.Strings(mods)
			report.Details = append(report.Details, ConflictEntry{
				Partition:      op.PartitionName,
				RelativePath:   rel,
				ContendingMods: mods,
			})
		}
	}

	sort.Slice(report.Details, func(i, j int) bool {
		a, b := report.Details[i], report.Details[j]
		if a.Partition != b.Partition {
			return a.Partition < b.Partition
		}
		return a.RelativePath < b.RelativePath
	})

	return report
}

func walkRelative(root string, visit func(rel string)) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == root || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		visit(filepath.ToSlash(rel))
		return nil
	})
}
