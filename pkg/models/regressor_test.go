package models

import (
	"context"
	"errors"
	"math"
	"testing"
)

// linearSamples returns samples with two horizons where y = slope*x + 1.
func linearSamples(slope float64) []Sample {
	var out []Sample
	for i := range 10 {
		x0, x1 := float64(i), float64(i)+0.5
		out = append(out, Sample{
			Features: Features{
				"x":         {x0, x1},
				"_capacity": {1000, 1000},
			},
			Y: Y{Powers: []float64{slope*x0 + 1, slope*x1 + 1}},
		})
	}
	return out
}

func TestLinearRegressor_Fit(t *testing.T) {
	r := NewLinearRegressor(0)
	if r.Alpha != DefaultRidgeAlpha {
		t.Errorf("Alpha = %v, want default", r.Alpha)
	}
	samples := linearSamples(2)

	if err := r.Train(context.Background(), samples, samples[:2]); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if names := r.FeatureNames(); len(names) != 1 || names[0] != "x" {
		t.Errorf("FeatureNames() = %v, want [x]", names)
	}

	got, err := r.Predict(Features{"x": {3, 20}})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if !approxSlice(got, []float64{7, 41}, 1e-2) {
		t.Errorf("Predict() = %v, want ~[7 41]", got)
	}
	if mae := r.ValidationMAE(); math.IsNaN(mae) || mae > 1e-2 {
		t.Errorf("ValidationMAE() = %v", mae)
	}
}

func TestLinearRegressor_NaNHandling(t *testing.T) {
	samples := linearSamples(2)
	// NaN targets are skipped and NaN features read as 0.
	samples[0].Y.Powers[1] = math.NaN()
	samples[1].Features["x"][0] = math.NaN()
	samples[1].Y.Powers[0] = 1

	r := NewLinearRegressor(0)
	if err := r.Train(context.Background(), samples, nil); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if !math.IsNaN(r.ValidationMAE()) {
		t.Errorf("ValidationMAE() without validation set = %v, want NaN", r.ValidationMAE())
	}
	got, err := r.Predict(Features{"x": {math.NaN()}})
	if err != nil {
		t.Fatal(err)
	}
	if !approxEqual(got[0], 1, 1e-2) {
		t.Errorf("Predict(NaN) = %v, want ~1", got[0])
	}
}

func TestLinearRegressor_NonNegative(t *testing.T) {
	r := NewLinearRegressor(0)
	if err := r.Train(context.Background(), linearSamples(-2), nil); err != nil {
		t.Fatal(err)
	}
	got, err := r.Predict(Features{"x": {100}})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0 {
		t.Errorf("Predict() = %v, want 0", got[0])
	}
}

func TestLinearRegressor_Errors(t *testing.T) {
	r := NewLinearRegressor(0)
	if _, err := r.Predict(Features{"x": {1}}); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Predict() untrained error = %v, want ErrNotTrained", err)
	}
	if _, err := r.Explain(Features{"x": {1}}); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Explain() untrained error = %v, want ErrNotTrained", err)
	}
	if err := r.Train(context.Background(), nil, nil); err == nil {
		t.Error("Train() without samples should fail")
	}
	allNaN := []Sample{{Features: Features{"x": {1}}, Y: Y{Powers: []float64{math.NaN()}}}}
	if err := r.Train(context.Background(), allNaN, nil); err == nil {
		t.Error("Train() with only NaN targets should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Train(ctx, linearSamples(1), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Train() with canceled context error = %v", err)
	}
}

func TestLinearRegressor_Explain(t *testing.T) {
	r := NewLinearRegressor(0)
	if err := r.Train(context.Background(), linearSamples(2), nil); err != nil {
		t.Fatal(err)
	}
	out, err := r.Explain(Features{"x": {3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	contrib := out.(map[string][]float64)
	pred, _ := r.Predict(Features{"x": {3, 4}})
	for i := range pred {
		if sum := contrib["x"][i] + contrib["bias"][i]; !approxEqual(sum, pred[i], 1e-9) {
			t.Errorf("contributions sum to %v, prediction is %v", sum, pred[i])
		}
	}
}

func TestRegressorEnvelope(t *testing.T) {
	r := NewLinearRegressor(0.5)
	if err := r.Train(context.Background(), linearSamples(2), nil); err != nil {
		t.Fatal(err)
	}
	env, err := encodeRegressor(r)
	if err != nil {
		t.Fatalf("encodeRegressor() error = %v", err)
	}
	decoded, err := decodeRegressor(env)
	if err != nil {
		t.Fatalf("decodeRegressor() error = %v", err)
	}

	f := Features{"x": {1, 2, 3}}
	want, _ := r.Predict(f)
	got, err := decoded.Predict(f)
	if err != nil {
		t.Fatal(err)
	}
	if !approxSlice(got, want, 0) {
		t.Errorf("decoded Predict() = %v, want %v", got, want)
	}

	if _, err := decodeRegressor(regressorEnvelope{Type: "xgboost"}); err == nil {
		t.Error("unknown regressor type should fail")
	}
}
