package models

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func newTestMultiModel(t *testing.T) *MultiModel {
	t.Helper()
	cfg := Config{Horizons: MustHorizons(60, 2)}
	m, err := NewMultiModel([]MultiModelEntry{
		{TrainDate: day0, Model: &constModel{BaseModel: NewBaseModel(cfg), value: 1}},
		{TrainDate: day0.AddDate(0, 0, 7), Model: &constModel{BaseModel: NewBaseModel(cfg), value: 2}},
		{TrainDate: day0.AddDate(0, 0, 14), Model: &constModel{BaseModel: NewBaseModel(cfg), value: 3}},
	})
	if err != nil {
		t.Fatalf("NewMultiModel() error = %v", err)
	}
	return m
}

func TestMultiModel_Dispatch(t *testing.T) {
	m := newTestMultiModel(t)

	tests := []struct {
		name      string
		ts        time.Time
		want      float64
		wantTrain time.Time
		wantErr   error
	}{
		{"before all", day0.Add(-time.Hour), 0, time.Time{}, ErrBeforeAllModels},
		{"at first train date", day0, 0, time.Time{}, ErrBeforeAllModels},
		{"after first", day0.Add(time.Hour), 1, day0, nil},
		{"at second train date", day0.AddDate(0, 0, 7), 1, day0, nil},
		{"between second and third", day0.AddDate(0, 0, 10), 2, day0.AddDate(0, 0, 7), nil},
		{"after last", day0.AddDate(1, 0, 0), 3, day0.AddDate(0, 0, 14), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, err := Predict(context.Background(), m, X{PvID: "a", TS: tt.ts})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Predict() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Predict() error = %v", err)
			}
			if y.Powers[0] != tt.want {
				t.Errorf("Predict() = %v, want %v", y.Powers, tt.want)
			}
			train, err := m.TrainDate(tt.ts)
			if err != nil || !train.Equal(tt.wantTrain) {
				t.Errorf("TrainDate() = %v, %v; want %v", train, err, tt.wantTrain)
			}
		})
	}
}

func TestNewMultiModel_Invalid(t *testing.T) {
	cfg := Config{Horizons: MustHorizons(60, 2)}
	model := &constModel{BaseModel: NewBaseModel(cfg)}

	if _, err := NewMultiModel(nil); err == nil {
		t.Error("NewMultiModel(nil) should fail")
	}
	_, err := NewMultiModel([]MultiModelEntry{{TrainDate: day0, Model: model}, {TrainDate: day0, Model: model}})
	if err == nil {
		t.Error("duplicate train dates should fail")
	}
	_, err = NewMultiModel([]MultiModelEntry{{TrainDate: day0.Add(time.Hour), Model: model}, {TrainDate: day0, Model: model}})
	if err == nil {
		t.Error("descending train dates should fail")
	}
}

func TestMultiModel_GetFeaturesWithoutPV(t *testing.T) {
	cfg := Config{Horizons: MustHorizons(60, 2)}
	features := Features{
		"recent_power":                {1, 2},
		"recent_power_nan":            {0, 0},
		"h_max":                       {3, 4},
		"h_max_nan":                   {0, 0},
		"h_mean":                      {3, 4},
		"h_mean_nan":                  {0, 0},
		"h_median":                    {3, 4},
		"h_median_nan":                {0, 0},
		"recent_power_values_0":       {5, 5},
		"recent_power_values_0_isnan": {0, 0},
		"capacity":                    {9, 9},
		"dswrf":                       {6, 6},
	}
	inner := &featureModel{BaseModel: NewBaseModel(cfg), features: features}
	m, err := NewMultiModel([]MultiModelEntry{{TrainDate: day0, Model: inner}})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.GetFeaturesWithoutPV(context.Background(), X{PvID: "a", TS: day0.Add(time.Hour)}, false)
	if err != nil {
		t.Fatalf("GetFeaturesWithoutPV() error = %v", err)
	}

	for _, name := range []string{"recent_power", "h_max", "h_mean", "h_median", "recent_power_values_0"} {
		for _, v := range got[name] {
			if !math.IsNaN(v) {
				t.Errorf("%s = %v, want NaN", name, got[name])
				break
			}
		}
	}
	for _, name := range []string{"recent_power_nan", "h_max_nan", "h_mean_nan", "h_median_nan", "recent_power_values_0_isnan"} {
		if got[name][0] != 1 || got[name][1] != 1 {
			t.Errorf("%s = %v, want [1 1]", name, got[name])
		}
	}
	if got["capacity"][0] != 9 || got["dswrf"][0] != 6 {
		t.Errorf("unrelated features changed: capacity=%v dswrf=%v", got["capacity"], got["dswrf"])
	}
}

type featureModel struct {
	BaseModel
	features Features
}

func (m *featureModel) Name() string { return "features" }

func (m *featureModel) GetFeatures(context.Context, X, bool) (Features, error) {
	return m.features.Clone(), nil
}

func (m *featureModel) PredictFromFeatures(context.Context, X, Features) (Y, error) {
	return NewEmptyY(m.Config().Horizons.Len()), nil
}
