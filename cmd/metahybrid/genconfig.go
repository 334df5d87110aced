package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/pkczc/meta-hybrid/internal/config"
)

func newGenConfigCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Write a default config.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := toml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("encoding default config: %w", err)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}
			fmt.Printf("wrote default config to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "/data/adb/meta-hybrid/config.toml", "output path")
	return cmd
}
