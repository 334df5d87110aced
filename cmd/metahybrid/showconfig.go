package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newShowConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "showconfig",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
