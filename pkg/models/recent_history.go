package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/pvsite/pkg/capacity"
	"github.com/HatiCode/pvsite/pkg/datasources"
)

// recentPowerWindow is how far back "recent power" looks.
const recentPowerWindow = 30 * time.Minute

// RecentHistoryOptions tunes the features of a RecentHistoryModel.
type RecentHistoryOptions struct {
	// NumDaysHistory is how many days of PV history the per-horizon
	// statistics cover. Defaults to 7.
	NumDaysHistory int `json:"num_days_history" yaml:"num_days_history"`

	// NRecentPowerValues adds the last n readings as individual features.
	NRecentPowerValues int `json:"n_recent_power_values" yaml:"n_recent_power_values"`

	// CapacityQuantile is the quantile of the history used as capacity.
	// Defaults to capacity.DefaultQuantile.
	CapacityQuantile float64 `json:"capacity_quantile" yaml:"capacity_quantile"`

	// NoCapacityFeature leaves the capacity out of the regressor inputs.
	NoCapacityFeature bool `json:"no_capacity_feature" yaml:"no_capacity_feature"`

	// Dropout probabilities, applied only while training.
	PvDropout        float64 `json:"pv_dropout" yaml:"pv_dropout"`
	NwpDropout       float64 `json:"nwp_dropout" yaml:"nwp_dropout"`
	SatelliteDropout float64 `json:"satellite_dropout" yaml:"satellite_dropout"`

	// SatellitePatchSize is the side, in degrees, of the box averaged
	// around the site. Zero uses the nearest pixel.
	SatellitePatchSize float64 `json:"satellite_patch_size" yaml:"satellite_patch_size"`

	// Seed drives dropout.
	Seed int64 `json:"seed" yaml:"seed"`
}

func (o RecentHistoryOptions) withDefaults() RecentHistoryOptions {
	if o.NumDaysHistory <= 0 {
		o.NumDaysHistory = 7
	}
	if o.CapacityQuantile <= 0 {
		o.CapacityQuantile = capacity.DefaultQuantile
	}
	return o
}

// RecentHistoryModel builds features from the recent history of a site
// and from weather forecasts, and hands them to a Regressor.
//
// Per horizon, the features are:
//   - h_max, h_mean, h_median: statistics, across the last days, of the
//     mean power during the same time-of-day window, with _nan flags
//   - recent_power: mean power over the last 30 minutes, with a _nan flag
//   - recent_power_values_<i>: the last readings, with _isnan flags
//   - capacity: a high quantile of the history
//   - one feature per NWP and satellite variable, with _isnan flags
//
// Horizons must tile a day exactly.
type RecentHistoryModel struct {
	BaseModel
	opts      RecentHistoryOptions
	regressor Regressor
	sources   DataSources

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRecentHistoryModel returns a model using regressor. Data sources may
// be attached later with SetDataSources.
func NewRecentHistoryModel(cfg Config, opts RecentHistoryOptions, regressor Regressor, ds DataSources) (*RecentHistoryModel, error) {
	d := cfg.Horizons.Duration()
	if d <= 0 || (24*60)%d != 0 {
		return nil, fmt.Errorf("horizon duration %d does not divide a day", d)
	}
	if regressor == nil {
		return nil, errors.New("recent history model needs a regressor")
	}
	opts = opts.withDefaults()
	return &RecentHistoryModel{
		BaseModel: NewBaseModel(cfg),
		opts:      opts,
		regressor: regressor,
		sources:   ds,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Name implements Model.
func (m *RecentHistoryModel) Name() string { return "recent_history" }

// Regressor returns the underlying regressor.
func (m *RecentHistoryModel) Regressor() Regressor { return m.regressor }

// SetDataSources implements DataSourceSetter.
func (m *RecentHistoryModel) SetDataSources(ds DataSources) error {
	if ds.PV == nil {
		return fmt.Errorf("%w: pv", ErrMissingDataSource)
	}
	m.sources = ds
	return nil
}

// Train implements Trainer.
func (m *RecentHistoryModel) Train(ctx context.Context, train, valid []Sample) error {
	return m.regressor.Train(ctx, train, valid)
}

func (m *RecentHistoryModel) dropout(isTraining bool, p float64) bool {
	if !isTraining || p <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < p
}

// GetFeatures implements Model.
func (m *RecentHistoryModel) GetFeatures(ctx context.Context, x X, isTraining bool) (Features, error) {
	if m.sources.PV == nil {
		return nil, fmt.Errorf("%w: pv", ErrMissingDataSource)
	}
	horizons := m.Config().Horizons
	n := horizons.Len()

	source := m.sources.PV.AsAvailableAt(x.TS)
	historyStart := midnight(x.TS.AddDate(0, 0, -m.opts.NumDaysHistory))
	data, err := source.Get([]string{x.PvID}, historyStart, x.TS)
	if err != nil {
		return nil, err
	}
	power := append([]float64(nil), data.Series(datasources.VarPower, 0)...)
	if m.dropout(isTraining, m.opts.PvDropout) {
		fill(power, math.NaN())
	}
	lat, hasLat := data.Coord(datasources.CoordLatitude, 0)
	lon, hasLon := data.Coord(datasources.CoordLongitude, 0)
	located := hasLat && hasLon && !math.IsNaN(lat) && !math.IsNaN(lon)

	capa := capacity.Estimate(power, m.opts.CapacityQuantile)

	features := Features{}
	scalars := map[string]float64{}

	features["_capacity"] = vectorize(n, capa)
	if !m.opts.NoCapacityFeature {
		if math.IsNaN(capa) || math.IsInf(capa, 0) {
			scalars["capacity"] = -1
		} else {
			scalars["capacity"] = capa
		}
	}

	history := historyPerHorizon(data.Times, power, x.TS, horizons)
	for _, agg := range []struct {
		name string
		fn   func([]float64) float64
	}{{"max", nanMax}, {"mean", nanMean}, {"median", nanMedian}} {
		values := make([]float64, n)
		flags := make([]float64, n)
		for i, days := range history {
			v := agg.fn(days)
			if math.IsNaN(v) {
				flags[i] = 1
				v = 0
			}
			values[i] = v
		}
		features["h_"+agg.name] = values
		features["h_"+agg.name+"_nan"] = flags
	}

	mids := make([]time.Time, n)
	for i, h := range horizons.All() {
		mids[i] = x.TS.Add(time.Duration(h.Mid() * float64(time.Minute)))
	}

	for _, key := range sortedSourceKeys(m.sources.NWP) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := m.sources.NWP[key]
		var cube *datasources.Cube
		if located && !m.dropout(isTraining, m.opts.NwpDropout) {
			cube, err = getGridded(src, x.TS, mids, datasources.NearestRegion(lat, lon))
			if err != nil {
				return nil, fmt.Errorf("nwp %s: %w", key, err)
			}
		}
		for _, variable := range src.ListVariables() {
			values := vectorize(n, math.NaN())
			if cube != nil && len(cube.X) > 0 && len(cube.Y) > 0 {
				if v := cube.VariableIndex(variable); v >= 0 {
					for i := range values {
						if i < len(cube.Steps) {
							values[i] = cube.At(0, i, 0, 0, v)
						}
					}
				}
			}
			addWithNanFlag(features, sourceFeatureName(variable, key, len(m.sources.NWP)), values)
		}
	}

	if len(m.sources.Satellite) > 0 {
		fh := make([]float64, n)
		for i, h := range horizons.All() {
			fh[i] = h.Mid()
		}
		features["forecast_horizons"] = fh
	}
	for _, key := range sortedSourceKeys(m.sources.Satellite) {
		src := m.sources.Satellite[key]
		var cube *datasources.Cube
		if located && !m.dropout(isTraining, m.opts.SatelliteDropout) {
			region := datasources.NearestRegion(lat, lon)
			if p := m.opts.SatellitePatchSize; p > 0 {
				region = datasources.BoxRegion(lat-p/2, lat+p/2, lon-p/2, lon+p/2)
			}
			cube, err = getGridded(src, x.TS, mids, region)
			if err != nil {
				return nil, fmt.Errorf("satellite %s: %w", key, err)
			}
			if cube != nil && m.opts.SatellitePatchSize > 0 {
				cube = cube.MeanXY()
			}
		}
		for _, variable := range src.ListVariables() {
			// Images are a snapshot of now, repeated for every horizon.
			value := math.NaN()
			if cube != nil && len(cube.X) > 0 && len(cube.Y) > 0 && len(cube.Steps) > 0 {
				if v := cube.VariableIndex(variable); v >= 0 {
					value = cube.At(0, 0, 0, 0, v)
				}
			}
			addWithNanFlag(features, sourceFeatureName(variable, key, len(m.sources.Satellite)), vectorize(n, value))
		}
	}

	var recent []float64
	for i, t := range data.Times {
		if !t.Before(x.TS.Add(-recentPowerWindow)) && !t.After(x.TS) {
			recent = append(recent, power[i])
		}
	}
	recentPower := nanMean(recent)
	if math.IsNaN(recentPower) {
		scalars["recent_power"] = 0
		scalars["recent_power_nan"] = 1
	} else {
		scalars["recent_power"] = recentPower
		scalars["recent_power_nan"] = 0
	}

	k := m.opts.NRecentPowerValues
	if len(recent) > k {
		recent = recent[len(recent)-k:]
	}
	for i := 0; i < k; i++ {
		v := math.NaN()
		if i < len(recent) {
			v = recent[i]
		}
		name := recentPowerValuesPrefix + "_" + strconv.Itoa(i)
		scalars[name] = v
		scalars[name+"_isnan"] = boolFloat(math.IsNaN(v))
	}

	for name, v := range scalars {
		features[name] = vectorize(n, v)
	}
	return features, nil
}

// getGridded reads src and treats a missing forecast as no data.
func getGridded(src datasources.NwpDataSource, now time.Time, timestamps []time.Time, region datasources.Region) (*datasources.Cube, error) {
	cube, err := src.Get(now, timestamps, region, 0)
	if errors.Is(err, datasources.ErrNoNwpAvailable) {
		return nil, nil
	}
	return cube, err
}

// sourceFeatureName suffixes the variable with the source key when there
// is more than one source of that kind.
func sourceFeatureName(variable, key string, numSources int) string {
	if numSources > 1 {
		return variable + key
	}
	return variable
}

func addWithNanFlag(f Features, name string, values []float64) {
	flags := make([]float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			flags[i] = 1
			values[i] = 0
		}
	}
	f[name] = values
	f[name+"_isnan"] = flags
}

// PredictFromFeatures implements Model. Predictions are clipped to the
// estimated capacity when it is known.
func (m *RecentHistoryModel) PredictFromFeatures(_ context.Context, _ X, features Features) (Y, error) {
	powers, err := m.regressor.Predict(features)
	if err != nil {
		return Y{}, err
	}
	if c := features["_capacity"]; len(c) > 0 {
		powers = capacity.Clip(powers, c[0])
	}
	return Y{Powers: powers}, nil
}

// Explain returns the regressor explanation for x.
func (m *RecentHistoryModel) Explain(ctx context.Context, x X) (any, error) {
	features, err := m.GetFeatures(ctx, x, false)
	if err != nil {
		return nil, err
	}
	return m.regressor.Explain(features)
}

type recentHistoryState struct {
	Config    Config               `json:"config"`
	Options   RecentHistoryOptions `json:"options"`
	Regressor regressorEnvelope    `json:"regressor"`
}

// State implements Stateful. Data sources are not part of the state.
func (m *RecentHistoryModel) State() (any, error) {
	env, err := encodeRegressor(m.regressor)
	if err != nil {
		return nil, err
	}
	return recentHistoryState{Config: m.Config(), Options: m.opts, Regressor: env}, nil
}

func loadRecentHistory(decode func(any) error) (Model, error) {
	var s recentHistoryState
	if err := decode(&s); err != nil {
		return nil, err
	}
	r, err := decodeRegressor(s.Regressor)
	if err != nil {
		return nil, err
	}
	return NewRecentHistoryModel(s.Config, s.Options, r, DataSources{})
}

// historyPerHorizon averages the history over windows of one horizon
// duration aligned on now, and groups the window means by time of day.
// Entry i lists, for horizon i, one mean per day that has data.
func historyPerHorizon(times []time.Time, power []float64, now time.Time, horizons Horizons) [][]float64 {
	d := time.Duration(horizons.Duration()) * time.Minute
	perDay := int((24 * time.Hour) / d)

	type cell struct {
		slot int
		day  string
	}
	type acc struct {
		sum float64
		n   int
	}
	cells := map[cell]*acc{}
	for i, t := range times {
		if !t.Before(now) || math.IsNaN(power[i]) {
			continue
		}
		k := int(math.Floor(float64(t.Sub(now)) / float64(d)))
		binStart := now.Add(time.Duration(k) * d)
		c := cell{slot: ((k % perDay) + perDay) % perDay, day: binStart.UTC().Format(time.DateOnly)}
		a, ok := cells[c]
		if !ok {
			a = &acc{}
			cells[c] = a
		}
		a.sum += power[i]
		a.n++
	}

	slots := make([][]float64, perDay)
	keys := make([]cell, 0, len(cells))
	for c := range cells {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].day < keys[j].day })
	for _, c := range keys {
		a := cells[c]
		slots[c.slot] = append(slots[c.slot], a.sum/float64(a.n))
	}

	out := make([][]float64, horizons.Len())
	for i := range out {
		out[i] = slots[i%perDay]
	}
	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func vectorize(n int, v float64) []float64 {
	out := make([]float64, n)
	fill(out, v)
	return out
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func nanMean(values []float64) float64 {
	finite := capacity.Finite(values)
	if len(finite) == 0 {
		return math.NaN()
	}
	return stat.Mean(finite, nil)
}

func nanMax(values []float64) float64 {
	finite := capacity.Finite(values)
	if len(finite) == 0 {
		return math.NaN()
	}
	return floats.Max(finite)
}

// nanMedian averages the two middle values of an even count.
func nanMedian(values []float64) float64 {
	finite := capacity.Finite(values)
	if len(finite) == 0 {
		return math.NaN()
	}
	sort.Float64s(finite)
	lower := stat.Quantile(0.5, stat.Empirical, finite, nil)
	if len(finite)%2 == 1 {
		return lower
	}
	return (lower + finite[len(finite)/2]) / 2
}

func sortedSourceKeys(m map[string]datasources.NwpDataSource) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
