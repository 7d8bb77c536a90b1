package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/HatiCode/pvsite/pkg/evaluation"
	"github.com/HatiCode/pvsite/pkg/models"
)

// ModelFlags select the model to evaluate.
type ModelFlags struct {
	ModelURI       string `name:"model-uri" help:"Saved model, local path or redis://host:port/db/key."`
	Model          string `help:"Baseline used without --model-uri." default:"yesterday" enum:"yesterday,historical"`
	History        string `help:"NetCDF forecast history read by the historical baseline." type:"path"`
	HorizonMinutes int    `name:"horizon-minutes" help:"Baseline horizon duration." default:"15"`
	NumHorizons    int    `name:"num-horizons" help:"Baseline horizon count." default:"48"`
}

func (f ModelFlags) build(ctx context.Context, ds models.DataSources, log *slog.Logger) (models.Model, error) {
	if f.ModelURI == "" {
		horizons, err := models.NewHorizons(f.HorizonMinutes, f.NumHorizons)
		if err != nil {
			return nil, err
		}
		cfg := models.Config{Horizons: horizons}
		switch f.Model {
		case "historical":
			if f.History == "" {
				return nil, errors.New("the historical baseline needs --history")
			}
			return models.OpenHistoricalForecasts(cfg, f.History)
		default:
			return models.NewYesterdayModel(cfg, ds.PV, 0), nil
		}
	}

	m, err := models.LoadModel(ctx, f.ModelURI)
	if err != nil {
		return nil, err
	}
	if setter, ok := m.(models.DataSourceSetter); ok {
		if err := setter.SetDataSources(ds); err != nil {
			return nil, fmt.Errorf("attach data sources to %s model: %w", m.Name(), err)
		}
	}
	log.Info("loaded model", "model", m.Name(), "uri", f.ModelURI)
	return m, nil
}

// BacktestCmd evaluates a model on a range of times.
type BacktestCmd struct {
	SourceFlags `embed:""`
	ModelFlags  `embed:""`
	SplitFlags  `embed:""`

	Set       string   `help:"Split of the sites to evaluate." default:"test" enum:"train,valid,test"`
	Samples   int      `help:"Number of random inputs to draw, 0 to evaluate every step."`
	Seed      int64    `help:"Seed of the random inputs." default:"1"`
	Workers   int      `help:"Inputs evaluated concurrently." default:"4"`
	Metrics   []string `help:"Metrics to compute: mae, mre or mre_cap=<kW>." default:"mae"`
	WithoutPV bool     `name:"without-pv" help:"Evaluate as if PV telemetry was not live."`
	ErrorsCSV string   `name:"errors-csv" help:"Write every error row to this CSV file." type:"path"`
	JSON      bool     `help:"Print the report as JSON."`
}

// BacktestReport is the outcome of a backtest.
type BacktestReport struct {
	Model     string        `json:"model"`
	Samples   int           `json:"samples"`
	Evaluated int           `json:"evaluated"`
	NoTarget  int           `json:"no_target"`
	Failed    int           `json:"failed"`
	Summary   []summaryLine `json:"summary"`
	Seconds   float64       `json:"seconds"`
}

// summaryLine is a HorizonSummary with an undefined standard error
// written as null.
type summaryLine struct {
	Metric  string   `json:"metric"`
	Horizon int      `json:"horizon"`
	Count   int      `json:"count"`
	Mean    float64  `json:"mean"`
	StdErr  *float64 `json:"std_err"`
}

func newSummaryLines(summaries []evaluation.HorizonSummary) []summaryLine {
	out := make([]summaryLine, len(summaries))
	for i, s := range summaries {
		out[i] = summaryLine{Metric: s.Metric, Horizon: s.Horizon, Count: s.Count, Mean: s.Mean}
		if !math.IsNaN(s.StdErr) {
			se := s.StdErr
			out[i].StdErr = &se
		}
	}
	return out
}

// Run backtests the model.
func (c *BacktestCmd) Run(g *Globals) error {
	ctx := g.Context
	log := g.Logger.With("command", "backtest")
	started := time.Now()

	metrics := make([]evaluation.Metric, 0, len(c.Metrics))
	for _, name := range c.Metrics {
		m, err := evaluation.MetricByName(name)
		if err != nil {
			return err
		}
		metrics = append(metrics, m)
	}

	ds, err := c.load(ctx, log)
	if err != nil {
		return err
	}
	model, err := c.build(ctx, ds, log)
	if err != nil {
		return err
	}

	ids, err := pick(c.split(ds.PV.ListPvIDs()), c.Set, c.PvIDs)
	if err != nil {
		return err
	}
	xs, err := generateXs(ds.PV, c.xOptions(ids), c.Samples, c.Seed)
	if err != nil {
		return err
	}
	log.Info("starting backtest", "model", model.Name(), "pv_ids", len(ids), "samples", len(xs))

	result, err := evaluation.Backtest(ctx, model, ds.PV, xs, evaluation.BacktestOptions{
		Workers:   c.Workers,
		Metrics:   metrics,
		WithoutPV: c.WithoutPV,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	log.Info("backtest completed",
		"evaluated", result.Evaluated,
		"no_target", result.NoTarget,
		"failed", result.Failed,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if c.ErrorsCSV != "" {
		if err := writeErrorsFile(c.ErrorsCSV, result.Rows); err != nil {
			return err
		}
		log.Info("wrote error rows", "path", c.ErrorsCSV, "rows", len(result.Rows))
	}

	report := BacktestReport{
		Model:     model.Name(),
		Samples:   len(xs),
		Evaluated: result.Evaluated,
		NoTarget:  result.NoTarget,
		Failed:    result.Failed,
		Summary:   newSummaryLines(evaluation.Summarize(result.Rows)),
		Seconds:   time.Since(started).Seconds(),
	}
	if c.JSON {
		return writeJSON(g.Out, report)
	}
	return writeReport(g.Out, report)
}

func writeErrorsFile(path string, rows []evaluation.ErrorRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create errors csv: %w", err)
	}
	if err := evaluation.WriteErrorsCSV(f, rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write errors csv: %w", err)
	}
	return f.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeReport(w io.Writer, r BacktestReport) error {
	fmt.Fprintf(w, "model %s: %d samples, %d evaluated, %d without target, %d failed\n\n",
		r.Model, r.Samples, r.Evaluated, r.NoTarget, r.Failed)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tHORIZON\tCOUNT\tMEAN\tSTDERR")
	for _, s := range r.Summary {
		horizon := strconv.Itoa(s.Horizon)
		if s.Horizon == evaluation.AllHorizons {
			horizon = "all"
		}
		stdErr := "-"
		if s.StdErr != nil {
			stdErr = strconv.FormatFloat(*s.StdErr, 'f', 4, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.4f\t%s\n", s.Metric, horizon, s.Count, s.Mean, stdErr)
	}
	return tw.Flush()
}
