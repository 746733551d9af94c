package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/spatial"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies all pending SQL migrations to the civic schema in lexicographic order. SQLite creates its schema on open; memory needs none.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		if b.pool == nil {
			zap.L().Info("no migrations needed", zap.String("driver", cfg.Store.Driver))
			return nil
		}
		if err := spatial.Migrate(ctx, b.pool); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
