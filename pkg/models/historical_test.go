package models

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
)

func TestHistoricalForecasts_Predict(t *testing.T) {
	d0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	h := time.Hour
	nan := math.NaN()

	history := &datasources.ForecastHistory{
		IDs:   []string{"a", "b"},
		Times: []time.Time{d0, d0.Add(2 * h)},
		Steps: []time.Duration{2 * h, 3 * h},
		Power: []float64{0, 1, 2, 3, 4, 5, 6, 7},
	}
	model, err := NewHistoricalForecasts(Config{Horizons: MustHorizons(60, 4)}, history)
	if err != nil {
		t.Fatalf("NewHistoricalForecasts() error = %v", err)
	}

	tests := []struct {
		pvID string
		ts   time.Time
		want []float64
	}{
		{"a", d0, []float64{nan, nan, 0, 1}},
		// One hour later the horizons are shifted.
		{"a", d0.Add(h), []float64{nan, 0, 1, nan}},
		// Two hours later the next forecast is used.
		{"a", d0.Add(2 * h), []float64{nan, nan, 2, 3}},
		{"a", d0.Add(3 * h), []float64{nan, 2, 3, nan}},
		{"a", d0.Add(4 * h), []float64{2, 3, nan, nan}},
		{"a", d0.Add(5 * h), []float64{3, nan, nan, nan}},
		{"a", d0.Add(6 * h), []float64{nan, nan, nan, nan}},
		{"b", d0, []float64{nan, nan, 4, 5}},
		{"b", d0.Add(h), []float64{nan, 4, 5, nan}},
		{"b", d0.Add(2 * h), []float64{nan, nan, 6, 7}},
		{"b", d0.Add(3 * h), []float64{nan, 6, 7, nan}},
	}
	for _, tt := range tests {
		t.Run(tt.pvID+"@"+tt.ts.Format("15:04"), func(t *testing.T) {
			got, err := Predict(context.Background(), model, X{PvID: tt.pvID, TS: tt.ts})
			if err != nil {
				t.Fatalf("Predict() error = %v", err)
			}
			if !got.Equal(Y{Powers: tt.want}) {
				t.Errorf("Predict() = %v, want %v", got.Powers, tt.want)
			}
		})
	}
}

func TestHistoricalForecasts_Errors(t *testing.T) {
	d0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	history := &datasources.ForecastHistory{
		IDs:   []string{"a"},
		Times: []time.Time{d0},
		Steps: []time.Duration{time.Hour},
		Power: []float64{1},
	}
	model, err := NewHistoricalForecasts(Config{Horizons: MustHorizons(60, 2)}, history)
	if err != nil {
		t.Fatalf("NewHistoricalForecasts() error = %v", err)
	}
	ctx := context.Background()

	if _, err := Predict(ctx, model, X{PvID: "z", TS: d0}); !errors.Is(err, datasources.ErrUnknownPvID) {
		t.Errorf("unknown pv error = %v, want ErrUnknownPvID", err)
	}
	if _, err := Predict(ctx, model, X{PvID: "a", TS: d0.Add(-time.Minute)}); !errors.Is(err, ErrBeforeFirstForecast) {
		t.Errorf("early ts error = %v, want ErrBeforeFirstForecast", err)
	}
	if _, err := model.State(); err == nil {
		t.Error("State() of an in-memory history should fail")
	}
	if _, err := model.Explain(ctx, X{PvID: "a", TS: d0}); !errors.Is(err, ErrExplainNotSupported) {
		t.Errorf("Explain() error = %v, want ErrExplainNotSupported", err)
	}
}

func TestHistoricalForecasts_StepWithoutLabel(t *testing.T) {
	d0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	history := &datasources.ForecastHistory{
		IDs:   []string{"a"},
		Times: []time.Time{d0},
		Steps: []time.Duration{0, 2 * time.Hour},
		Power: []float64{10, 20},
	}
	model, err := NewHistoricalForecasts(Config{Horizons: MustHorizons(60, 3)}, history)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Predict(context.Background(), model, X{PvID: "a", TS: d0})
	if err != nil {
		t.Fatal(err)
	}
	want := Y{Powers: []float64{10, math.NaN(), 20}}
	if !got.Equal(want) {
		t.Errorf("Predict() = %v, want %v", got.Powers, want.Powers)
	}
}
