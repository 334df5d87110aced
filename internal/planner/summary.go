package planner

import (
	"fmt"
	"strings"

	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// LogSummary renders plan as a box-drawing tree at Info level, ported
// from the original planner's print_visuals — useful in the daemon log
// right before execution begins.
func (p *MountPlan) LogSummary() {
	var b strings.Builder
	fmt.Fprintf(&b, "mount plan: %d overlay ops, %d hymo ops, %d magic roots\n",
		len(p.OverlayOps), len(p.HymoOps), len(p.MagicModulePaths))

	for i, op := range p.OverlayOps {
		connector := "├──"
		if i == len(p.OverlayOps)-1 && len(p.HymoOps) == 0 && len(p.MagicModulePaths) == 0 {
			connector = "╰──"
		}
		fmt.Fprintf(&b, "%s overlay %s <- %s\n", connector, op.Target, strings.Join(op.LowerDirs, ":"))
	}
	for i, op := range p.HymoOps {
		connector := "├──"
		if i == len(p.HymoOps)-1 && len(p.MagicModulePaths) == 0 {
			connector = "╰──"
		}
		fmt.Fprintf(&b, "%s hymo %s -> %s\n", connector, op.Source, op.Target)
	}
	for i, path := range p.MagicModulePaths {
		connector := "├──"
		if i == len(p.MagicModulePaths)-1 {
			connector = "╰──"
		}
		fmt.Fprintf(&b, "%s magic %s\n", connector, path)
	}

	hylog.Infof("%s", b.String())
}
