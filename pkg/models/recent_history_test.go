package models

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
)

func TestHistoryPerHorizon(t *testing.T) {
	at := func(day, hour, minute int) time.Time {
		return time.Date(2000, 1, day, hour, minute, 0, 0, time.UTC)
	}
	raw := []struct {
		ts    time.Time
		value float64
	}{
		{at(1, 1, 0), 2},
		{at(1, 5, 0), 3},
		{at(1, 9, 0), 4},
		{at(1, 11, 0), 5},
		{at(1, 13, 0), 6},
		{at(2, 1, 0), 5},
		{at(2, 4, 30), 12},
		{at(2, 5, 0), 6},
		{at(2, 9, 0), 7},
		{at(2, 10, 30), 13},
		{at(3, 1, 0), 8},
		{at(3, 5, 0), 9},
		{at(3, 9, 0), 10},
	}
	times := make([]time.Time, len(raw))
	values := make([]float64, len(raw))
	for i, r := range raw {
		times[i], values[i] = r.ts, r.value
	}

	// Seven 4h horizons so that the last one wraps to the next day.
	got := historyPerHorizon(times, values, at(3, 2, 30), MustHorizons(4*60, 7))

	want := [][]float64{
		{3, 9},    // 02:30 - 06:30
		{4, 7},    // 06:30 - 10:30
		{5.5, 13}, // 10:30 - 14:30
		nil,       // 14:30 - 18:30
		nil,       // 18:30 - 22:30
		{2, 5, 8}, // 22:30 - 02:30
		{3, 9},    // 02:30 again
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approxSlice(got[i], want[i], 1e-12) {
			t.Errorf("horizon %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNanAggregates(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name       string
		values     []float64
		wantMax    float64
		wantMean   float64
		wantMedian float64
	}{
		{"odd", []float64{3, 1, nan, 2}, 3, 2, 2},
		{"even", []float64{4, 1, 3, 2}, 4, 2.5, 2.5},
		{"single", []float64{nan, 5}, 5, 5, 5},
		{"even with nan", []float64{nan, 10, 0, nan, 6, 2}, 10, 4.5, 4},
		{"all nan", []float64{nan, nan}, nan, nan, nan},
		{"empty", nil, nan, nan, nan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nanMax(tt.values); !approxEqual(got, tt.wantMax, 0) {
				t.Errorf("nanMax() = %v, want %v", got, tt.wantMax)
			}
			if got := nanMean(tt.values); !approxEqual(got, tt.wantMean, 1e-12) {
				t.Errorf("nanMean() = %v, want %v", got, tt.wantMean)
			}
			before := append([]float64(nil), tt.values...)
			if got := nanMedian(tt.values); !approxEqual(got, tt.wantMedian, 1e-12) {
				t.Errorf("nanMedian() = %v, want %v", got, tt.wantMedian)
			}
			if !approxSlice(tt.values, before, 0) {
				t.Errorf("nanMedian() reordered its input: %v", tt.values)
			}
		})
	}
}

// testNwpSource has one forecast issued at init, half-hourly steps up to
// 30h and a 3x3 grid around (50, 0). The value of "dswrf" is the step in
// hours.
func testNwpSource(t *testing.T, init time.Time) *datasources.NwpSource {
	t.Helper()
	steps := make([]time.Duration, 61)
	for i := range steps {
		steps[i] = time.Duration(i) * 30 * time.Minute
	}
	c := datasources.NewCube([]time.Time{init}, steps, []float64{49, 50, 51}, []float64{-1, 0, 1}, []string{"dswrf"})
	for s := range steps {
		for x := range c.X {
			for y := range c.Y {
				c.Set(0, s, x, y, 0, steps[s].Hours())
			}
		}
	}
	src, err := datasources.NewNwpSourceFromCube(c, datasources.NwpOptions{})
	if err != nil {
		t.Fatalf("NewNwpSourceFromCube() error = %v", err)
	}
	return src
}

// testSatelliteSource has one image at ts: 100 at (50, 0), 200 around it.
func testSatelliteSource(t *testing.T, ts time.Time) *datasources.SatelliteSource {
	t.Helper()
	c := datasources.NewCube([]time.Time{ts}, []time.Duration{0}, []float64{49.5, 50, 50.5}, []float64{-0.5, 0, 0.5}, []string{"IR_016"})
	for x := range c.X {
		for y := range c.Y {
			v := 200.0
			if x == 1 && y == 1 {
				v = 100
			}
			c.Set(0, 0, x, y, 0, v)
		}
	}
	c.Attrs = map[string]string{datasources.AreaAttr: "EPSG:4326"}
	src, err := datasources.NewSatelliteSourceFromCube(c, datasources.NwpOptions{})
	if err != nil {
		t.Fatalf("NewSatelliteSourceFromCube() error = %v", err)
	}
	return src
}

func newTestRecentHistory(t *testing.T, opts RecentHistoryOptions, ds DataSources) *RecentHistoryModel {
	t.Helper()
	m, err := NewRecentHistoryModel(Config{Horizons: MustHorizons(60, 24)}, opts, NewLinearRegressor(0), ds)
	if err != nil {
		t.Fatalf("NewRecentHistoryModel() error = %v", err)
	}
	return m
}

func TestRecentHistoryModel_GetFeatures(t *testing.T) {
	ts := day0.Add(60 * time.Hour) // third day, 12:00
	ds := DataSources{
		PV:        testPvSource(t, 3),
		NWP:       map[string]datasources.NwpDataSource{"ukv": testNwpSource(t, ts.Add(-6*time.Hour))},
		Satellite: map[string]datasources.NwpDataSource{"seviri": testSatelliteSource(t, ts.Add(-10*time.Minute))},
	}
	m := newTestRecentHistory(t, RecentHistoryOptions{NRecentPowerValues: 2}, ds)

	f, err := m.GetFeatures(context.Background(), X{PvID: "a", TS: ts}, false)
	if err != nil {
		t.Fatalf("GetFeatures() error = %v", err)
	}

	for name, values := range f {
		if len(values) != 24 {
			t.Errorf("feature %s has %d values, want 24", name, len(values))
		}
	}

	// 12:00-13:00 on the two previous days.
	wantH0 := 12 + 55.0/120
	for _, name := range []string{"h_max", "h_mean", "h_median"} {
		if !approxEqual(f[name][0], wantH0, 1e-9) {
			t.Errorf("%s[0] = %v, want %v", name, f[name][0], wantH0)
		}
		if f[name+"_nan"][0] != 0 {
			t.Errorf("%s_nan[0] = %v, want 0", name, f[name+"_nan"][0])
		}
	}
	// 11:00-12:00.
	if !approxEqual(f["h_mean"][23], 11+55.0/120, 1e-9) {
		t.Errorf("h_mean[23] = %v", f["h_mean"][23])
	}

	// Readings from 11:30 to 11:55, the one at 12:00 is not available yet.
	if !approxEqual(f["recent_power"][0], 11.5+25.0/120, 1e-9) || f["recent_power_nan"][0] != 0 {
		t.Errorf("recent_power = %v (nan flag %v)", f["recent_power"][0], f["recent_power_nan"][0])
	}
	if !approxEqual(f["recent_power_values_0"][0], 11+50.0/60, 1e-9) ||
		!approxEqual(f["recent_power_values_1"][0], 11+55.0/60, 1e-9) {
		t.Errorf("recent_power_values = %v, %v", f["recent_power_values_0"][0], f["recent_power_values_1"][0])
	}

	if c := f["capacity"][0]; c < 23 || c > 24 || c != f["_capacity"][0] {
		t.Errorf("capacity = %v, _capacity = %v", c, f["_capacity"][0])
	}

	// Horizon midpoints are 6.5h, 7.5h, ... after the forecast init.
	for i := range 24 {
		if !approxEqual(f["dswrf"][i], 6.5+float64(i), 1e-9) || f["dswrf_isnan"][i] != 0 {
			t.Fatalf("dswrf[%d] = %v (nan flag %v)", i, f["dswrf"][i], f["dswrf_isnan"][i])
		}
	}

	if f["IR_016"][0] != 100 || f["IR_016"][23] != 100 || f["IR_016_isnan"][0] != 0 {
		t.Errorf("IR_016 = %v", f["IR_016"])
	}
	if f["forecast_horizons"][0] != 30 || f["forecast_horizons"][1] != 90 {
		t.Errorf("forecast_horizons = %v", f["forecast_horizons"][:2])
	}
}

func TestRecentHistoryModel_SatellitePatch(t *testing.T) {
	ts := day0.Add(60 * time.Hour)
	ds := DataSources{
		PV:        testPvSource(t, 3),
		Satellite: map[string]datasources.NwpDataSource{"seviri": testSatelliteSource(t, ts.Add(-10*time.Minute))},
	}
	m := newTestRecentHistory(t, RecentHistoryOptions{SatellitePatchSize: 1.2}, ds)

	f, err := m.GetFeatures(context.Background(), X{PvID: "a", TS: ts}, false)
	if err != nil {
		t.Fatalf("GetFeatures() error = %v", err)
	}
	want := (100 + 8*200.0) / 9
	if !approxEqual(f["IR_016"][0], want, 1e-9) {
		t.Errorf("IR_016 = %v, want %v", f["IR_016"][0], want)
	}
}

func TestRecentHistoryModel_MissingData(t *testing.T) {
	ts := day0.Add(60 * time.Hour)
	ds := DataSources{
		PV: testPvSource(t, 3),
		NWP: map[string]datasources.NwpDataSource{
			// Issued after ts: nothing is available yet.
			"late": testNwpSource(t, ts.Add(time.Hour)),
			"ukv":  testNwpSource(t, ts.Add(-6*time.Hour)),
		},
	}
	m := newTestRecentHistory(t, RecentHistoryOptions{NRecentPowerValues: 1}, ds)

	// PV "b" has no reading at all.
	f, err := m.GetFeatures(context.Background(), X{PvID: "b", TS: ts}, false)
	if err != nil {
		t.Fatalf("GetFeatures() error = %v", err)
	}

	checks := map[string]float64{
		"h_max":                       0,
		"h_max_nan":                   1,
		"h_mean_nan":                  1,
		"h_median_nan":                1,
		"recent_power":                0,
		"recent_power_nan":            1,
		"recent_power_values_0_isnan": 1,
		"capacity":                    -1,
		"dswrflate":                   0,
		"dswrflate_isnan":             1,
		"dswrfukv_isnan":              0,
	}
	for name, want := range checks {
		values, ok := f[name]
		if !ok {
			t.Errorf("feature %s missing", name)
			continue
		}
		if values[0] != want {
			t.Errorf("%s = %v, want %v", name, values[0], want)
		}
	}
	if !math.IsNaN(f["recent_power_values_0"][0]) {
		t.Errorf("recent_power_values_0 = %v, want NaN", f["recent_power_values_0"][0])
	}
}

func TestRecentHistoryModel_PvDropout(t *testing.T) {
	ts := day0.Add(60 * time.Hour)
	m := newTestRecentHistory(t, RecentHistoryOptions{PvDropout: 1}, DataSources{PV: testPvSource(t, 3)})

	f, err := m.GetFeatures(context.Background(), X{PvID: "a", TS: ts}, true)
	if err != nil {
		t.Fatal(err)
	}
	if f["recent_power_nan"][0] != 1 || f["h_mean_nan"][0] != 1 {
		t.Errorf("dropout while training should hide pv data: %v %v", f["recent_power_nan"], f["h_mean_nan"])
	}

	// Dropout never applies outside training.
	f, err = m.GetFeatures(context.Background(), X{PvID: "a", TS: ts}, false)
	if err != nil {
		t.Fatal(err)
	}
	if f["recent_power_nan"][0] != 0 {
		t.Error("dropout applied outside training")
	}
}

func TestRecentHistoryModel_TrainPredict(t *testing.T) {
	ctx := context.Background()
	pv := testPvSource(t, 6)
	m := newTestRecentHistory(t, RecentHistoryOptions{}, DataSources{PV: pv})

	if _, err := Predict(ctx, m, X{PvID: "a", TS: day0.Add(72 * time.Hour)}); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("Predict() before training error = %v, want ErrNotTrained", err)
	}

	var samples []Sample
	for ts := day0.Add(48 * time.Hour); ts.Before(day0.Add(120 * time.Hour)); ts = ts.Add(5 * time.Hour) {
		x := X{PvID: "a", TS: ts}
		f, err := m.GetFeatures(ctx, x, true)
		if err != nil {
			t.Fatalf("GetFeatures(%s) error = %v", ts, err)
		}
		y := NewEmptyY(24)
		for i := range y.Powers {
			y.Powers[i] = powerAt(ts.Add(time.Duration(i)*time.Hour + 30*time.Minute))
		}
		samples = append(samples, Sample{X: x, Y: y, Features: f})
	}
	if err := m.Train(ctx, samples, samples[:3]); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	y, err := Predict(ctx, m, X{PvID: "a", TS: day0.Add(125 * time.Hour)})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	f, _ := m.GetFeatures(ctx, X{PvID: "a", TS: day0.Add(125 * time.Hour)}, false)
	capa := f["_capacity"][0]
	for i, v := range y.Powers {
		if math.IsNaN(v) || v < 0 || v > capa {
			t.Errorf("power[%d] = %v, want within [0, %v]", i, v, capa)
		}
	}

	explanation, err := m.Explain(ctx, X{PvID: "a", TS: day0.Add(125 * time.Hour)})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	contributions, ok := explanation.(map[string][]float64)
	if !ok {
		t.Fatalf("Explain() = %T", explanation)
	}
	if _, ok := contributions["h_mean"]; !ok {
		t.Error("Explain() has no h_mean contribution")
	}
	if _, ok := contributions["_capacity"]; ok {
		t.Error("internal features should not be explained")
	}
}

func TestNewRecentHistoryModel_Invalid(t *testing.T) {
	if _, err := NewRecentHistoryModel(Config{Horizons: MustHorizons(7, 4)}, RecentHistoryOptions{}, NewLinearRegressor(0), DataSources{}); err == nil {
		t.Error("horizon duration not dividing a day should fail")
	}
	if _, err := NewRecentHistoryModel(Config{Horizons: MustHorizons(60, 4)}, RecentHistoryOptions{}, nil, DataSources{}); err == nil {
		t.Error("nil regressor should fail")
	}
	m, err := NewRecentHistoryModel(Config{Horizons: MustHorizons(60, 4)}, RecentHistoryOptions{}, NewLinearRegressor(0), DataSources{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetFeatures(context.Background(), X{PvID: "a", TS: day0}, false); !errors.Is(err, ErrMissingDataSource) {
		t.Errorf("GetFeatures() without pv source error = %v", err)
	}
}
