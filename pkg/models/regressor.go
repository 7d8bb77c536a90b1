package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Regressor maps per-horizon features to powers.
type Regressor interface {
	Name() string
	Train(ctx context.Context, train, valid []Sample) error
	Predict(features Features) ([]float64, error)
	Explain(features Features) (any, error)
}

// DefaultRidgeAlpha is the L2 penalty of a LinearRegressor.
const DefaultRidgeAlpha = 1e-3

// LinearRegressor is a ridge regression shared across horizons: each
// horizon of each sample is one training row. Features whose name starts
// with "_" are internal and ignored, NaN features are read as 0 and
// predictions are never negative.
type LinearRegressor struct {
	Alpha float64

	features []string
	weights  []float64
	bias     float64

	// validMAE is the mean absolute error on the validation set of the
	// last training, NaN when there was none.
	validMAE float64
}

// NewLinearRegressor returns an untrained regressor. alpha <= 0 selects
// DefaultRidgeAlpha.
func NewLinearRegressor(alpha float64) *LinearRegressor {
	if alpha <= 0 {
		alpha = DefaultRidgeAlpha
	}
	return &LinearRegressor{Alpha: alpha, validMAE: math.NaN()}
}

// Name implements Regressor.
func (r *LinearRegressor) Name() string { return "linear" }

// Trained reports whether weights were fitted.
func (r *LinearRegressor) Trained() bool { return r.features != nil }

// ValidationMAE returns the validation error of the last training.
func (r *LinearRegressor) ValidationMAE() float64 { return r.validMAE }

// FeatureNames returns the names of the features used, in weight order.
func (r *LinearRegressor) FeatureNames() []string {
	return append([]string(nil), r.features...)
}

func regressorFeatureNames(f Features) []string {
	names := make([]string, 0, len(f))
	for name := range f {
		if !strings.HasPrefix(name, "_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func featureValue(f Features, name string, i int) float64 {
	v := f[name]
	if i >= len(v) || math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
		return 0
	}
	return v[i]
}

// Train implements Regressor.
func (r *LinearRegressor) Train(ctx context.Context, train, valid []Sample) error {
	if len(train) == 0 {
		return errors.New("no training sample")
	}
	names := regressorFeatureNames(train[0].Features)
	p := len(names) + 1

	var rows []float64
	var targets []float64
	for _, s := range train {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, y := range s.Y.Powers {
			if math.IsNaN(y) {
				continue
			}
			for _, name := range names {
				rows = append(rows, featureValue(s.Features, name, i))
			}
			rows = append(rows, 1)
			targets = append(targets, y)
		}
	}
	n := len(targets)
	if n == 0 {
		return errors.New("every training target is NaN")
	}

	a := mat.NewDense(n, p, rows)
	b := mat.NewVecDense(n, targets)

	var ata mat.Dense
	ata.Mul(a.T(), a)
	for j := 0; j < p; j++ {
		ata.Set(j, j, ata.At(j, j)+r.Alpha)
	}
	var atb mat.VecDense
	atb.MulVec(a.T(), b)

	var w mat.VecDense
	if err := w.SolveVec(&ata, &atb); err != nil {
		return fmt.Errorf("solve ridge regression: %w", err)
	}

	r.features = names
	r.weights = make([]float64, len(names))
	for j := range names {
		r.weights[j] = w.AtVec(j)
	}
	r.bias = w.AtVec(p - 1)

	r.validMAE = math.NaN()
	if len(valid) > 0 {
		var sum float64
		var count int
		for _, s := range valid {
			pred, err := r.Predict(s.Features)
			if err != nil {
				return err
			}
			for i, y := range s.Y.Powers {
				if !math.IsNaN(y) {
					sum += math.Abs(pred[i] - y)
					count++
				}
			}
		}
		if count > 0 {
			r.validMAE = sum / float64(count)
		}
	}
	return nil
}

func numHorizons(f Features) int {
	n := 0
	for _, v := range f {
		if len(v) > n {
			n = len(v)
		}
	}
	return n
}

// Predict implements Regressor.
func (r *LinearRegressor) Predict(features Features) ([]float64, error) {
	if !r.Trained() {
		return nil, ErrNotTrained
	}
	out := make([]float64, numHorizons(features))
	for i := range out {
		v := r.bias
		for j, name := range r.features {
			v += r.weights[j] * featureValue(features, name, i)
		}
		out[i] = math.Max(v, 0)
	}
	return out, nil
}

// Explain returns, per feature, its contribution to each horizon's
// prediction before clipping.
func (r *LinearRegressor) Explain(features Features) (any, error) {
	if !r.Trained() {
		return nil, ErrNotTrained
	}
	n := numHorizons(features)
	out := make(map[string][]float64, len(r.features)+1)
	for j, name := range r.features {
		contrib := make([]float64, n)
		for i := range contrib {
			contrib[i] = r.weights[j] * featureValue(features, name, i)
		}
		out[name] = contrib
	}
	bias := make([]float64, n)
	fill(bias, r.bias)
	out["bias"] = bias
	return out, nil
}

type linearRegressorState struct {
	Alpha    float64   `json:"alpha"`
	Features []string  `json:"features"`
	Weights  []float64 `json:"weights"`
	Bias     float64   `json:"bias"`
}

type regressorEnvelope struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

func encodeRegressor(r Regressor) (regressorEnvelope, error) {
	lr, ok := r.(*LinearRegressor)
	if !ok {
		return regressorEnvelope{}, fmt.Errorf("regressor %q cannot be persisted", r.Name())
	}
	raw, err := json.Marshal(linearRegressorState{
		Alpha:    lr.Alpha,
		Features: lr.features,
		Weights:  lr.weights,
		Bias:     lr.bias,
	})
	if err != nil {
		return regressorEnvelope{}, err
	}
	return regressorEnvelope{Type: lr.Name(), State: raw}, nil
}

func decodeRegressor(env regressorEnvelope) (Regressor, error) {
	switch env.Type {
	case "linear":
		var s linearRegressorState
		if err := json.Unmarshal(env.State, &s); err != nil {
			return nil, fmt.Errorf("decode linear regressor: %w", err)
		}
		if len(s.Features) != len(s.Weights) {
			return nil, fmt.Errorf("linear regressor has %d features and %d weights", len(s.Features), len(s.Weights))
		}
		r := NewLinearRegressor(s.Alpha)
		r.features, r.weights, r.bias = s.Features, s.Weights, s.Bias
		return r, nil
	default:
		return nil, fmt.Errorf("unknown regressor type %q", env.Type)
	}
}
