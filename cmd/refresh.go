package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/connector"
	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/normalize"
	"github.com/sells-group/civicscore/internal/spatial"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh municipal datasets",
	Long: `Pull the configured feeds into the record store.

By default, refreshes every configured dataset whose cadence says it is due,
starting from the last successful run minus refresh.lookback_hours.
Use --datasets to restrict the run, --force to ignore cadence, --full to
ignore the watermark, or --since to set it explicitly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "refresh"))

		if err := cfg.Validate("refresh"); err != nil {
			return err
		}

		sources, cadences, err := buildFeeds(cfg)
		if err != nil {
			return err
		}

		opts, err := parseRefreshOpts(cmd)
		if err != nil {
			return err
		}
		if len(opts.Datasets) == 0 {
			opts.Datasets = sources.Datasets()
		}

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		if b.pool != nil {
			if err := spatial.Migrate(ctx, b.pool); err != nil {
				return eris.Wrap(err, "refresh: migrate")
			}
		}

		conn := connector.New(sources, normalize.New(nil), b.store, connector.Options{
			Timeout:           time.Duration(cfg.Refresh.TimeoutSecs) * time.Second,
			BatchSize:         cfg.Refresh.BatchSize,
			MaxFailureDetails: cfg.Refresh.MaxFailureDetails,
		})
		engine := connector.NewEngine(conn, b.runs, connector.EngineConfig{
			Concurrency: cfg.Refresh.Concurrency,
			Lookback:    time.Duration(cfg.Refresh.LookbackHours) * time.Hour,
			Cadences:    cadences,
		})

		log.Info("starting refresh",
			zap.Int("datasets", len(opts.Datasets)),
			zap.Bool("force", opts.Force),
			zap.Bool("full", opts.Full),
			zap.Timep("since", opts.Since),
		)

		res, err := engine.Run(ctx, opts)
		if res != nil {
			formatReports(os.Stdout, res)
		}
		if err != nil {
			return err
		}
		if failed := res.Failed(); len(failed) > 0 {
			return eris.Errorf("refresh: %d dataset(s) failed", len(failed))
		}
		return nil
	},
}

func init() {
	refreshCmd.Flags().String("datasets", "", "comma-separated dataset names (e.g., crime,311)")
	refreshCmd.Flags().Bool("force", false, "ignore refresh cadence")
	refreshCmd.Flags().Bool("full", false, "ignore the watermark and pull everything")
	refreshCmd.Flags().String("since", "", "explicit watermark (RFC 3339 or YYYY-MM-DD)")
	rootCmd.AddCommand(refreshCmd)
}

// parseRefreshOpts extracts connector.RunOpts from the cobra command flags.
func parseRefreshOpts(cmd *cobra.Command) (connector.RunOpts, error) {
	datasetsStr, _ := cmd.Flags().GetString("datasets")
	force, _ := cmd.Flags().GetBool("force")
	full, _ := cmd.Flags().GetBool("full")
	sinceStr, _ := cmd.Flags().GetString("since")

	opts := connector.RunOpts{Force: force, Full: full}

	datasets, err := parseDatasets(datasetsStr)
	if err != nil {
		return connector.RunOpts{}, err
	}
	opts.Datasets = datasets

	if sinceStr != "" {
		since, err := parseSince(sinceStr)
		if err != nil {
			return connector.RunOpts{}, err
		}
		opts.Since = &since
	}
	return opts, nil
}

// parseDatasets parses a comma-separated dataset list, dropping duplicates.
func parseDatasets(s string) ([]model.Dataset, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	seen := make(map[model.Dataset]bool)
	var out []model.Dataset
	for _, part := range strings.Split(s, ",") {
		ds, err := model.ParseDataset(part)
		if err != nil {
			return nil, err
		}
		if !seen[ds] {
			seen[ds] = true
			out = append(out, ds)
		}
	}
	return out, nil
}

func parseSince(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("invalid --since %q: want RFC 3339 or YYYY-MM-DD", s)
}

// formatReports writes a tabular summary of refresh reports to out.
func formatReports(out io.Writer, res *connector.RunResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tSTATUS\tINSERTED\tUPDATED\tUNCHANGED\tSUPERSEDED\tFAILED\tDURATION\tERROR")
	for _, rep := range res.Reports {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			rep.Dataset,
			rep.Status,
			rep.Inserted,
			rep.Updated,
			rep.Unchanged,
			rep.Superseded,
			rep.Failed,
			rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
			truncate(rep.Error, 60),
		)
	}
	for _, ds := range res.Skipped {
		_, _ = fmt.Fprintf(w, "%s\tskipped\t-\t-\t-\t-\t-\t-\t\n", ds)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
