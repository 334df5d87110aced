package planner

import (
	"fmt"
	"os"
	"path/filepath"
)

// Severity tags a Diagnostic's importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Diagnostic is a read-only observation about a finalised plan, ported
// from the original implementation's plan-diagnosis pass (see
// SPEC_FULL.md "Supplemented features").
type Diagnostic struct {
	Severity Severity
	Message  string
}

// Diagnose inspects plan for overlay targets that no longer exist and
// dead absolute symlinks within any lower-dir. It never mutates the
// plan; it is purely advisory, logged by the daemon before execution.
func Diagnose(plan *MountPlan) []Diagnostic {
	var diags []Diagnostic

	for _, op := range plan.OverlayOps {
		if info, err := os.Stat(op.Target); err != nil || !info.IsDir() {
			diags = append(diags, Diagnostic{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("overlay target %s no longer exists", op.Target),
			})
			continue
		}
		for _, lower := range op.LowerDirs {
			diags = append(diags, findDeadSymlinks(lower)...)
		}
	}

	return diags
}

func findDeadSymlinks(root string) []Diagnostic {
	var diags []Diagnostic
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, rlErr := os.Readlink(path)
		if rlErr != nil || !filepath.IsAbs(target) {
			return nil
		}
		if _, statErr := os.Stat(target); statErr != nil {
			diags = append(diags, Diagnostic{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("dead symlink %s -> %s", path, target),
			})
		}
		return nil
	})
	return diags
}
