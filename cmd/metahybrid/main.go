// Command metahybrid is the privileged entrypoint for the meta-hybrid
// mount system: invoked bare it runs one full daemon pass (inventory,
// sync, plan, execute); its subcommands are thin adapters over the core
// packages for inspection from a shell or a WebUI wrapper, all read-only
// except genconfig, which writes a default config.toml. Ported from the original implementation's clap-based CLI
// (conf/cli.rs) onto spf13/cobra.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pkczc/meta-hybrid/internal/config"
	"github.com/pkczc/meta-hybrid/internal/daemon"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "metahybrid",
		Short:        "Hybrid mount metamodule",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if closer, err := hylog.SetFileOutput(filepath.Join(cfg.BaseDir, "daemon.log")); err == nil {
				defer closer.Close()
			}
			if cfg.Verbose {
				hylog.SetLevel(5)
			}
			return daemon.Run(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default /data/adb/meta-hybrid/config.toml)")

	root.AddCommand(newShowConfigCmd(), newStorageCmd(), newModulesCmd(), newGenConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "metahybrid: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	path := configPath
	if path == "" {
		path = filepath.Join(config.Default().BaseDir, "config.toml")
	}
	return config.Load(path)
}
