package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/models"
)

// DefaultStepMinutes is the spacing of generated sample times.
const DefaultStepMinutes = 15

// XOptions selects which inputs to generate.
type XOptions struct {
	// PvIDs defaults to every id of the source.
	PvIDs []string

	// Start and End default to the time range of the source. End is
	// exclusive.
	Start, End time.Time

	StepMinutes int
}

func (o XOptions) resolve(source datasources.PvDataSource) (XOptions, error) {
	if len(o.PvIDs) == 0 {
		o.PvIDs = source.ListPvIDs()
	}
	if o.Start.IsZero() {
		o.Start = source.MinTS()
	}
	if o.End.IsZero() {
		o.End = source.MaxTS()
	}
	if o.StepMinutes <= 0 {
		o.StepMinutes = DefaultStepMinutes
	}
	if len(o.PvIDs) == 0 {
		return o, errors.New("no pv id to generate samples for")
	}
	if !o.End.After(o.Start) {
		return o, fmt.Errorf("end %s is not after start %s", o.End, o.Start)
	}
	return o, nil
}

// roundToStep drops seconds and rounds the minutes to a multiple of step,
// carrying into the hour when needed.
func roundToStep(ts time.Time, step int) time.Time {
	ts = ts.Truncate(time.Minute)
	minute := ts.Minute()
	rounded := int(math.RoundToEven(float64(minute)/float64(step))) * step
	return ts.Add(time.Duration(rounded-minute) * time.Minute)
}

// GenerateXs returns, for each PV id in turn, one input every StepMinutes
// from Start (rounded to the step) until End.
func GenerateXs(source datasources.PvDataSource, opts XOptions) ([]models.X, error) {
	opts, err := opts.resolve(source)
	if err != nil {
		return nil, err
	}
	step := time.Duration(opts.StepMinutes) * time.Minute
	first := roundToStep(opts.Start, opts.StepMinutes)

	var xs []models.X
	for _, id := range opts.PvIDs {
		for ts := first; ts.Before(opts.End); ts = ts.Add(step) {
			xs = append(xs, models.X{PvID: id, TS: ts})
		}
	}
	return xs, nil
}

// RandomXs draws n inputs with a random PV id and a random time in
// [Start, End), rounded to StepMinutes. The same seed gives the same
// inputs.
func RandomXs(source datasources.PvDataSource, opts XOptions, n int, seed int64) ([]models.X, error) {
	if opts.StepMinutes <= 0 {
		opts.StepMinutes = 1
	}
	opts, err := opts.resolve(source)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	span := opts.End.Sub(opts.Start)

	xs := make([]models.X, n)
	for i := range xs {
		id := opts.PvIDs[rng.Intn(len(opts.PvIDs))]
		ts := opts.Start.Add(time.Duration(rng.Float64() * float64(span)))
		ts = roundToStep(ts, opts.StepMinutes)
		if !ts.Before(opts.End) {
			ts = ts.Add(-time.Duration(opts.StepMinutes) * time.Minute)
		}
		xs[i] = models.X{PvID: id, TS: ts}
	}
	return xs, nil
}

// TargetY is the ground truth for x: for each horizon, the mean of the
// non-NaN powers in [ts+start, ts+end). ok is false when every horizon is
// NaN.
func TargetY(x models.X, horizons models.Horizons, source datasources.PvDataSource) (models.Y, bool, error) {
	if horizons.Len() == 0 {
		return models.Y{}, false, errors.New("no horizon")
	}
	start := x.TS.Add(time.Duration(horizons.All()[0].Start) * time.Minute)
	end := x.TS.Add(time.Duration(horizons.MaxEnd()) * time.Minute)
	data, err := source.Get([]string{x.PvID}, start, end)
	if err != nil {
		return models.Y{}, false, err
	}
	if data.Len() == 0 {
		return models.Y{}, false, nil
	}
	power := data.Series(datasources.VarPower, 0)

	y := models.NewEmptyY(horizons.Len())
	ok := false
	for i, h := range horizons.All() {
		from := x.TS.Add(time.Duration(h.Start) * time.Minute)
		to := x.TS.Add(time.Duration(h.End)*time.Minute - time.Second)
		var sum float64
		var n int
		for j, t := range data.Times {
			if t.Before(from) || t.After(to) || math.IsNaN(power[j]) {
				continue
			}
			sum += power[j]
			n++
		}
		if n > 0 {
			y.Powers[i] = sum / float64(n)
			ok = true
		}
	}
	return y, ok, nil
}

// SampleOptions configures BuildSamples.
type SampleOptions struct {
	// Workers bounds concurrency. Defaults to 4.
	Workers int

	// IsTraining is passed to GetFeatures.
	IsTraining bool
}

// BuildSamples computes targets then features for xs. Inputs without any
// ground truth are skipped and features are only computed for the rest.
// The order of xs is preserved.
func BuildSamples(ctx context.Context, model models.Model, source datasources.PvDataSource, xs []models.X, opts SampleOptions) ([]models.Sample, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	horizons := model.Config().Horizons
	samples := make([]*models.Sample, len(xs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, x := range xs {
		g.Go(func() error {
			y, ok, err := TargetY(x, horizons, source)
			if err != nil {
				return fmt.Errorf("target for %s at %s: %w", x.PvID, x.TS, err)
			}
			if !ok {
				return nil
			}
			features, err := model.GetFeatures(ctx, x, opts.IsTraining)
			if err != nil {
				return fmt.Errorf("features for %s at %s: %w", x.PvID, x.TS, err)
			}
			samples[i] = &models.Sample{X: x, Y: y, Features: features}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.Sample, 0, len(xs))
	for _, s := range samples {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}
