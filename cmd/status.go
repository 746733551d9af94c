package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/connector"
	"github.com/sells-group/civicscore/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show refresh history and record counts",
	Long:  "Displays the refresh log, newest first, followed by the number of live records per dataset.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}

		dsStr, _ := cmd.Flags().GetString("dataset")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := connector.ListFilter{Limit: limit}
		if dsStr != "" {
			ds, err := model.ParseDataset(dsStr)
			if err != nil {
				return err
			}
			filter.Dataset = &ds
		}

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		entries, err := b.runs.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(entries) == 0 {
			zap.L().Info("no refresh runs found, run 'civicscore refresh' to load datasets")
		} else {
			formatStatusEntries(os.Stdout, entries)
			fmt.Println()
		}

		counts := make(map[model.Dataset]int64)
		for _, ds := range model.AllDatasets() {
			n, err := b.store.Count(ctx, ds, nil)
			if err != nil {
				return eris.Wrap(err, "status: count records")
			}
			counts[ds] = n
		}
		formatCounts(os.Stdout, counts)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("dataset", "", "only show runs of this dataset")
	statusCmd.Flags().Int("limit", 20, "maximum runs to show")
	rootCmd.AddCommand(statusCmd)
}

// formatStatusEntries writes a tabular representation of refresh runs to out.
func formatStatusEntries(out io.Writer, entries []connector.LogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDATASET\tSTATUS\tSTARTED\tDURATION\tINSERTED\tUPDATED\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-------\t--------\t--------\t-------\t------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.FinishedAt != nil {
			dur = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.ID,
			e.Dataset,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.Inserted,
			e.Updated,
			e.Failed,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

// formatCounts writes live record counts in canonical dataset order.
func formatCounts(out io.Writer, counts map[model.Dataset]int64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tRECORDS")
	for _, ds := range model.AllDatasets() {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", ds, counts[ds])
	}
	_ = w.Flush()
}
