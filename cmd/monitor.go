package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch refresh health and send alerts",
	Long: `Periodically checks the refresh log for failing or stale datasets and posts
alerts to monitoring.webhook_url. With --once, runs a single check and prints the
snapshot as JSON. --metrics-addr also serves Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "monitor"))

		if err := cfg.Validate("monitor"); err != nil {
			return err
		}

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		collector := monitoring.NewCollector(b.runs, b.store, nil,
			time.Duration(cfg.Monitoring.StaleAfterHours)*time.Hour)
		alerter := monitoring.NewAlerter(cfg.Monitoring)

		if once, _ := cmd.Flags().GetBool("once"); once {
			snap, err := collector.Collect(ctx, cfg.Monitoring.LookbackHours)
			if err != nil {
				return err
			}
			alerts := alerter.Evaluate(snap)
			alerter.SendAlerts(ctx, alerts)
			return writeJSON(os.Stdout, struct {
				Snapshot *monitoring.Snapshot `json:"snapshot"`
				Alerts   []monitoring.Alert   `json:"alerts"`
			}{snap, alerts})
		}

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				log.Info("serving metrics", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn("metrics server shutdown", zap.Error(eris.Wrap(err, "shutdown")))
				}
			}()
		}

		monitoring.NewChecker(collector, alerter, cfg.Monitoring).Run(ctx)
		return nil
	},
}

func init() {
	monitorCmd.Flags().Bool("once", false, "run a single check and print the snapshot")
	monitorCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(monitorCmd)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
