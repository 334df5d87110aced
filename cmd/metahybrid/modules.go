package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pkczc/meta-hybrid/internal/inventory"
	"github.com/pkczc/meta-hybrid/internal/modules"
)

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List installed modules, their effective mode, and mounted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			mods, err := inventory.Scan(cfg.ModuleDir, filepath.Join(cfg.BaseDir, "rules"))
			if err != nil {
				return fmt.Errorf("scanning modules: %w", err)
			}

			state := modules.LoadRuntimeState(filepath.Join(cfg.BaseDir, "state.json"))
			mounted := map[string]bool{}
			for _, id := range state.OverlayModuleIDs {
				mounted[id] = true
			}
			for _, id := range state.MagicModuleIDs {
				mounted[id] = true
			}
			for _, id := range state.HymoModuleIDs {
				mounted[id] = true
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tMODE\tMOUNTED")
			for _, m := range mods {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
					m.ID, m.Prop.Name, m.Prop.Version, m.Rules.DefaultMode, mounted[m.ID])
			}
			return w.Flush()
		},
	}
}
