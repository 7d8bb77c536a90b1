package evaluation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/models"
)

var day0 = time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC)

func powerAt(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

// testPvSource has a reading every 5 minutes for days days. PV "a" reads
// powerAt(t) and PV "b" never reports.
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
	s, err := datasources.NewPvSourceFromDataset(&datasources.PvDataset{
		IDs:   []string{"a", "b"},
		Times: times,
		Vars:  map[string][][]float64{datasources.VarPower: {a, b}},
	}, datasources.PvSourceOptions{})
	if err != nil {
		t.Fatalf("NewPvSourceFromDataset() error = %v", err)
	}
	return s
}

// stubModel predicts value for every horizon, or value+1 without PV. It
// fails for timestamps at or after failAfter.
type stubModel struct {
	models.BaseModel
	value     float64
	failAfter time.Time
	trainDate time.Time
}

func newStubModel(value float64) *stubModel {
	return &stubModel{BaseModel: models.NewBaseModel(models.Config{Horizons: models.MustHorizons(30, 3)}), value: value}
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) GetFeatures(_ context.Context, x models.X, _ bool) (models.Features, error) {
	if !m.failAfter.IsZero() && !x.TS.Before(m.failAfter) {
		return nil, errors.New("no data")
	}
	return models.Features{"value": {m.value}}, nil
}

func (m *stubModel) GetFeaturesWithoutPV(ctx context.Context, x models.X, isTraining bool) (models.Features, error) {
	f, err := m.GetFeatures(ctx, x, isTraining)
	if err != nil {
		return nil, err
	}
	f["value"] = []float64{m.value + 1}
	return f, nil
}

func (m *stubModel) PredictFromFeatures(_ context.Context, _ models.X, f models.Features) (models.Y, error) {
	y := models.NewEmptyY(m.Config().Horizons.Len())
	for i := range y.Powers {
		y.Powers[i] = f["value"][0]
	}
	return y, nil
}

func (m *stubModel) TrainDate(time.Time) (time.Time, error) {
	return m.trainDate, nil
}

// plainModel hides the optional interfaces of stubModel.
type plainModel struct {
	models.Model
}

func approxEqual(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return a == b
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
