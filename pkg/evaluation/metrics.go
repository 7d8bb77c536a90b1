// Package evaluation measures how well PV site models forecast: error
// metrics, train/test splits, sample generation and backtesting.
package evaluation

import (
	"errors"
	"fmt"
	"math"

	"github.com/HatiCode/pvsite/pkg/models"
)

// ErrShapeMismatch is returned when comparing outputs of different lengths.
var ErrShapeMismatch = errors.New("y_true and y_pred have different lengths")

// Metric compares a prediction with the ground truth. The result has one
// error per horizon.
type Metric interface {
	Name() string
	Compute(yTrue, yPred models.Y) ([]float64, error)
}

// MeanAbsoluteError is |y_true - y_pred| per horizon.
type MeanAbsoluteError struct{}

// Name implements Metric.
func (MeanAbsoluteError) Name() string { return "mae" }

// Compute implements Metric.
func (MeanAbsoluteError) Compute(yTrue, yPred models.Y) ([]float64, error) {
	if len(yTrue.Powers) != len(yPred.Powers) {
		return nil, fmt.Errorf("%w: %d != %d", ErrShapeMismatch, len(yTrue.Powers), len(yPred.Powers))
	}
	out := make([]float64, len(yTrue.Powers))
	for i, y := range yTrue.Powers {
		out[i] = math.Abs(y - yPred.Powers[i])
	}
	return out, nil
}

// MeanRelativeError is |y_true - y_pred| / y_true per horizon, capped at
// Cap when Cap is positive. A zero truth gives +Inf, or Cap.
type MeanRelativeError struct {
	Cap float64
}

// Name implements Metric.
func (m MeanRelativeError) Name() string {
	if m.Cap > 0 {
		return fmt.Sprintf("mre_cap=%g", m.Cap)
	}
	return "mre"
}

// Compute implements Metric.
func (m MeanRelativeError) Compute(yTrue, yPred models.Y) ([]float64, error) {
	abs, err := MeanAbsoluteError{}.Compute(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	for i, y := range yTrue.Powers {
		e := abs[i] / y
		if y == 0 && abs[i] > 0 {
			e = math.Inf(1)
		}
		if m.Cap > 0 && !math.IsNaN(e) {
			e = math.Min(e, m.Cap)
		}
		abs[i] = e
	}
	return abs, nil
}

// MetricByName returns "mae", "mre" or "mre_cap=<cap>".
func MetricByName(name string) (Metric, error) {
	switch name {
	case "mae":
		return MeanAbsoluteError{}, nil
	case "mre":
		return MeanRelativeError{}, nil
	}
	var c float64
	if _, err := fmt.Sscanf(name, "mre_cap=%g", &c); err == nil && c > 0 {
		return MeanRelativeError{Cap: c}, nil
	}
	return nil, fmt.Errorf("unknown metric %q", name)
}
