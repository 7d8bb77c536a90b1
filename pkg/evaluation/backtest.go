package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/models"
)

// WithoutPVFeaturer is implemented by models that can compute features as
// if no live PV data was available.
type WithoutPVFeaturer interface {
	GetFeaturesWithoutPV(ctx context.Context, x models.X, isTraining bool) (models.Features, error)
}

// TrainDater is implemented by models that know when the model used for a
// given timestamp was trained.
type TrainDater interface {
	TrainDate(ts time.Time) (time.Time, error)
}

// ErrorRow is one error of one metric for one horizon of one sample.
type ErrorRow struct {
	PvID      string
	TS        time.Time
	Horizon   int
	TSStart   time.Time
	TSEnd     time.Time
	Metric    string
	Error     float64
	Y         float64
	Pred      float64
	TrainDate time.Time
}

// BacktestOptions configures Backtest.
type BacktestOptions struct {
	// Workers bounds how many samples are evaluated at once. Defaults to 4.
	Workers int

	// Metrics default to MAE.
	Metrics []Metric

	// WithoutPV evaluates the model as if PV telemetry was not live. The
	// model must implement WithoutPVFeaturer.
	WithoutPV bool

	Logger *slog.Logger
}

// BacktestResult holds the error rows and the number of skipped samples.
type BacktestResult struct {
	Rows []ErrorRow

	// Evaluated is the number of samples with a ground truth and a prediction.
	Evaluated int

	// NoTarget counts samples without any ground truth.
	NoTarget int

	// Failed counts samples whose features or prediction returned an error.
	Failed int
}

// Backtest predicts every x with model and compares the predictions with
// the ground truth read from source. Samples without ground truth, or for
// which the model fails, are counted and skipped. Rows are in the order of
// xs. A canceled context stops the backtest.
func Backtest(ctx context.Context, model models.Model, source datasources.PvDataSource, xs []models.X, opts BacktestOptions) (*BacktestResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if len(opts.Metrics) == 0 {
		opts.Metrics = []Metric{MeanAbsoluteError{}}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var withoutPV WithoutPVFeaturer
	if opts.WithoutPV {
		var ok bool
		if withoutPV, ok = model.(WithoutPVFeaturer); !ok {
			return nil, fmt.Errorf("model %q cannot compute features without PV", model.Name())
		}
	}
	trainDater, _ := model.(TrainDater)
	horizons := model.Config().Horizons

	perSample := make([][]ErrorRow, len(xs))
	var noTarget, failed, evaluated atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, x := range xs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			y, ok, err := TargetY(x, horizons, source)
			if err != nil {
				return fmt.Errorf("target for %s at %s: %w", x.PvID, x.TS, err)
			}
			if !ok {
				noTarget.Add(1)
				return nil
			}

			var features models.Features
			if withoutPV != nil {
				features, err = withoutPV.GetFeaturesWithoutPV(ctx, x, false)
			} else {
				features, err = model.GetFeatures(ctx, x, false)
			}
			var pred models.Y
			if err == nil {
				pred, err = model.PredictFromFeatures(ctx, x, features)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				failed.Add(1)
				opts.Logger.Debug("sample skipped", "pv_id", x.PvID, "ts", x.TS, "error", err)
				return nil
			}

			var trainDate time.Time
			if trainDater != nil {
				trainDate, _ = trainDater.TrainDate(x.TS)
			}
			rows, err := errorRows(x, y, pred, horizons, opts.Metrics, trainDate)
			if err != nil {
				return err
			}
			perSample[i] = rows
			evaluated.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &BacktestResult{
		Evaluated: int(evaluated.Load()),
		NoTarget:  int(noTarget.Load()),
		Failed:    int(failed.Load()),
	}
	for _, rows := range perSample {
		result.Rows = append(result.Rows, rows...)
	}
	opts.Logger.Info("backtest done",
		"model", model.Name(),
		"samples", len(xs),
		"evaluated", result.Evaluated,
		"no_target", result.NoTarget,
		"failed", result.Failed,
	)
	return result, nil
}

// errorRows skips horizons where the truth is NaN.
func errorRows(x models.X, y, pred models.Y, horizons models.Horizons, metrics []Metric, trainDate time.Time) ([]ErrorRow, error) {
	var rows []ErrorRow
	for _, m := range metrics {
		errs, err := m.Compute(y, pred)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name(), err)
		}
		for h, hz := range horizons.All() {
			if math.IsNaN(y.Powers[h]) {
				continue
			}
			rows = append(rows, ErrorRow{
				PvID:      x.PvID,
				TS:        x.TS,
				Horizon:   hz.Start,
				TSStart:   x.TS.Add(time.Duration(hz.Start) * time.Minute),
				TSEnd:     x.TS.Add(time.Duration(hz.End) * time.Minute),
				Metric:    m.Name(),
				Error:     errs[h],
				Y:         y.Powers[h],
				Pred:      pred.Powers[h],
				TrainDate: trainDate,
			})
		}
	}
	return rows, nil
}
