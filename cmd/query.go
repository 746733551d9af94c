package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/proximity"
	"github.com/sells-group/civicscore/internal/scoring"
	"github.com/sells-group/civicscore/internal/spatial"
	"github.com/sells-group/civicscore/pkg/geocode"
)

var nearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "List records of one dataset near a point",
	Long: `List the records of --dataset within --radius km of a point, newest first.

The point comes from --lat/--lon or from --address, which is geocoded.
--days defaults to the dataset's scoring window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}
		scfg, err := scoringConfig(cfg.Scoring)
		if err != nil {
			return err
		}

		dsStr, _ := cmd.Flags().GetString("dataset")
		ds, err := model.ParseDataset(dsStr)
		if err != nil {
			return err
		}

		rdb := redisClient(cfg)
		if rdb != nil {
			defer rdb.Close() //nolint:errcheck
		}
		point, err := resolvePoint(ctx, cmd, newGeocoder(cfg, nilIfNoRedis(rdb)))
		if err != nil {
			return err
		}

		q := proximity.Query{
			Dataset:    ds,
			Point:      point,
			RadiusKm:   flagFloat(cmd, "radius", scfg.RadiusKm),
			MaxAgeDays: flagInt(cmd, "days", scfg.WindowDays[ds]),
		}
		q.Category, _ = cmd.Flags().GetString("category")
		q.Area, _ = cmd.Flags().GetString("area")
		q.Status, _ = cmd.Flags().GetString("status")
		q.SevereOnly, _ = cmd.Flags().GetBool("severe")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		summary, _ := cmd.Flags().GetBool("summary")
		asJSON, _ := cmd.Flags().GetBool("json")

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		eng := proximity.NewEngine(b.store, nil)
		if summary {
			s, err := eng.Summarize(ctx, q)
			if err != nil {
				return eris.Wrap(err, "nearby")
			}
			if asJSON {
				return writeJSON(os.Stdout, s)
			}
			formatSummary(os.Stdout, s)
			return nil
		}

		recs, err := eng.Search(ctx, q)
		if err != nil {
			return eris.Wrap(err, "nearby")
		}
		if asJSON {
			return writeJSON(os.Stdout, recs)
		}
		formatRecords(os.Stdout, point, recs)
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute the composite livability score of a point",
	Long: `Blend nearby crime, 311, building violation and food inspection records into
safety, hygiene and maintenance scores and an overall score, each 0-100 where
100 means nothing nearby.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}
		scfg, err := scoringConfig(cfg.Scoring)
		if err != nil {
			return err
		}
		scfg.RadiusKm = flagFloat(cmd, "radius", scfg.RadiusKm)

		rdb := redisClient(cfg)
		if rdb != nil {
			defer rdb.Close() //nolint:errcheck
		}
		point, err := resolvePoint(ctx, cmd, newGeocoder(cfg, nilIfNoRedis(rdb)))
		if err != nil {
			return err
		}

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		eng := scoring.NewEngine(proximity.NewEngine(b.store, nil), nil)
		if rdb != nil {
			eng.WithCache(scoring.NewRedisCache(rdb), time.Duration(cfg.Scoring.CacheTTLSecs)*time.Second)
		}

		score, err := eng.Score(ctx, point, scfg)
		if err != nil {
			return eris.Wrap(err, "score")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, score)
		}
		formatScore(os.Stdout, score)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{nearbyCmd, scoreCmd} {
		c.Flags().Float64("lat", 0, "latitude (WGS-84)")
		c.Flags().Float64("lon", 0, "longitude (WGS-84)")
		c.Flags().String("address", "", "street address to geocode instead of --lat/--lon")
		c.Flags().Float64("radius", 0, "search radius in km (default scoring.radius_km)")
		c.Flags().Bool("json", false, "print JSON instead of a table")
		rootCmd.AddCommand(c)
	}
	nearbyCmd.Flags().String("dataset", "", "dataset to search (crime, 311, violations, food)")
	nearbyCmd.Flags().Int("days", 0, "maximum record age in days (default scoring window)")
	nearbyCmd.Flags().String("category", "", "only records whose category contains this text")
	nearbyCmd.Flags().String("area", "", "only records whose district, neighborhood or ward contains this text")
	nearbyCmd.Flags().String("status", "", "only records whose case or violation status contains this text")
	nearbyCmd.Flags().Bool("severe", false, "only severe records")
	nearbyCmd.Flags().Int("limit", 50, "maximum records to print (0 for all)")
	nearbyCmd.Flags().Bool("summary", false, "print aggregate counts instead of records")
	_ = nearbyCmd.MarkFlagRequired("dataset")
}

// nilIfNoRedis keeps a nil *redis.Client from becoming a non-nil interface.
func nilIfNoRedis(rdb *redis.Client) redis.Cmdable {
	if rdb == nil {
		return nil
	}
	return rdb
}

// resolvePoint reads --address or --lat/--lon.
func resolvePoint(ctx context.Context, cmd *cobra.Command, g geocode.Geocoder) (model.Point, error) {
	address, _ := cmd.Flags().GetString("address")
	latSet := cmd.Flags().Changed("lat")
	lonSet := cmd.Flags().Changed("lon")

	switch {
	case address != "" && (latSet || lonSet):
		return model.Point{}, eris.New("use either --address or --lat/--lon, not both")
	case address != "":
		p, err := g.Geocode(ctx, address)
		if err != nil {
			return model.Point{}, eris.Wrap(err, "resolve address")
		}
		return p, nil
	case latSet && lonSet:
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		p := model.Point{Lat: lat, Lon: lon}
		if !p.Valid() {
			return model.Point{}, eris.Wrapf(proximity.ErrInvalidPoint, "(%v, %v)", lat, lon)
		}
		return p, nil
	default:
		return model.Point{}, eris.New("a point is required: pass --address or both --lat and --lon")
	}
}

func flagFloat(cmd *cobra.Command, name string, def float64) float64 {
	if !cmd.Flags().Changed(name) {
		return def
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return v
}

func flagInt(cmd *cobra.Command, name string, def int) int {
	if !cmd.Flags().Changed(name) {
		return def
	}
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}

// formatRecords writes matches with their distance from center.
func formatRecords(out io.Writer, center model.Point, recs []model.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "OCCURRED\tID\tCATEGORY\tSEVERE\tDISTANCE_KM")
	for _, r := range recs {
		dist := "-"
		if r.Location != nil {
			dist = fmt.Sprintf("%.3f", spatial.HaversineKm(center, *r.Location))
		}
		severe := ""
		if r.Severe {
			severe = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.OccurredAt.Format("2006-01-02 15:04"),
			r.ExternalID,
			truncate(r.Category, 40),
			severe,
			dist,
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "%d record(s)\n", len(recs))
}

func formatSummary(out io.Writer, s *proximity.Summary) {
	_, _ = fmt.Fprintf(out, "%s within %.2f km, last %d days: %d record(s), %d severe\n",
		s.Dataset, s.RadiusKm, s.MaxAgeDays, s.Total, s.Severe)
	if s.Latest != nil {
		_, _ = fmt.Fprintf(out, "range: %s to %s\n",
			s.Earliest.Format("2006-01-02"), s.Latest.Format("2006-01-02"))
	}
	if s.Total == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATEGORY\tCOUNT")
	for _, c := range s.TopCategories {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c.Category, c.Count)
	}
	_ = w.Flush()
	formatLabels(out, "AREA", s.ByArea)
	formatLabels(out, "STATUS", s.ByStatus)

	var hours, days strings.Builder
	for h, n := range s.ByHour {
		if n > 0 {
			_, _ = fmt.Fprintf(&hours, " %02d:%d", h, n)
		}
	}
	for d, n := range s.ByWeekday {
		if n > 0 {
			_, _ = fmt.Fprintf(&days, " %s:%d", time.Weekday(d).String()[:3], n)
		}
	}
	_, _ = fmt.Fprintf(out, "by hour:%s\n", hours.String())
	_, _ = fmt.Fprintf(out, "by weekday:%s\n", days.String())
}

func formatLabels(out io.Writer, header string, counts []proximity.LabelCount) {
	if len(counts) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "%s\tCOUNT\n", header)
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c.Label, c.Count)
	}
	_ = w.Flush()
}

func formatScore(out io.Writer, s *scoring.CompositeScore) {
	_, _ = fmt.Fprintf(out, "Point: %.6f, %.6f\n", s.Point.Lat, s.Point.Lon)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AXIS\tSCORE")
	for _, a := range scoring.Axes() {
		_, _ = fmt.Fprintf(w, "%s\t%.1f\n", a, s.Axis(a))
	}
	_, _ = fmt.Fprintf(w, "overall\t%.1f\n", s.Overall)
	_ = w.Flush()

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tCOUNT\tWEIGHTED\tCONTRIBUTION")
	for _, ds := range model.AllDatasets() {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.0f\t%.1f\n",
			ds, s.RawCounts[ds], s.WeightedCounts[ds], s.Contributions[ds])
	}
	_ = w.Flush()
}
