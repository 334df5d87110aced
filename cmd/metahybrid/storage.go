package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pkczc/meta-hybrid/internal/modules"
)

func newStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Print the storage backing selected by the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			state := modules.LoadRuntimeState(filepath.Join(cfg.BaseDir, "state.json"))

			if state.StorageMode == "" {
				fmt.Println(color.YellowString("no prior run recorded"))
				return nil
			}

			label := color.New(color.FgGreen).Sprint(state.StorageMode)
			fmt.Printf("mode: %s\n", label)
			fmt.Printf("mount point: %s\n", state.StorageMountPoint)
			fmt.Printf("nuke active: %v\n", state.NukeActive)
			fmt.Printf("overlay modules: %d, magic modules: %d, hymo modules: %d\n",
				len(state.OverlayModuleIDs), len(state.MagicModuleIDs), len(state.HymoModuleIDs))
			return nil
		},
	}
}
