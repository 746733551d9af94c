package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Prints defaults merged with config.yaml, .env and CIVIC_* variables as YAML. Secrets are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if mode, _ := cmd.Flags().GetString("validate"); mode != "" {
			if err := cfg.Validate(mode); err != nil {
				return err
			}
		}
		return cfg.WriteYAML(os.Stdout)
	},
}

func init() {
	configCmd.Flags().String("validate", "", "also validate for a mode: refresh, query or monitor")
	rootCmd.AddCommand(configCmd)
}
