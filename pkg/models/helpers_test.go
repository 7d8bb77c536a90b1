package models

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
)

// day0 is a Monday at midnight UTC.
var day0 = time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC)

// powerAt returns the test power at t: the hour of the day as a float.
func powerAt(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

// testPvSource has two PVs with a reading every 5 minutes for days days
// starting at day0. PV "a" reads powerAt(t); PV "b" has no reading.
func testPvSource(t *testing.T, days int) *datasources.PvSource {
	t.Helper()
	n := days * 24 * 12
	times := make([]time.Time, n)
	a := make([]float64, n)
	b := make([]float64, n)
	for i := range times {
		times[i] = day0.Add(time.Duration(i) * 5 * time.Minute)
		a[i] = powerAt(times[i])
		b[i] = math.NaN()
	}
	ds := &datasources.PvDataset{
		IDs:   []string{"a", "b"},
		Times: times,
		Vars:  map[string][][]float64{datasources.VarPower: {a, b}},
		Coords: map[string][]float64{
			datasources.CoordLatitude:  {50, 51},
			datasources.CoordLongitude: {0, 1},
		},
	}
	s, err := datasources.NewPvSourceFromDataset(ds, datasources.PvSourceOptions{})
	if err != nil {
		t.Fatalf("NewPvSourceFromDataset() error = %v", err)
	}
	return s
}

// constModel predicts value for every horizon.
type constModel struct {
	BaseModel
	value float64
}

func (m *constModel) Name() string { return "const" }

func (m *constModel) GetFeatures(context.Context, X, bool) (Features, error) {
	return Features{"recent_power": {1, 2}, "recent_power_nan": {0, 0}, "other": {7, 7}}, nil
}

func (m *constModel) PredictFromFeatures(context.Context, X, Features) (Y, error) {
	y := NewEmptyY(m.Config().Horizons.Len())
	fill(y.Powers, m.value)
	return y, nil
}

func approxEqual(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= tol
}

func approxSlice(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !approxEqual(a[i], b[i], tol) {
			return false
		}
	}
	return true
}
