package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// MultiModelEntry is a model and the date it was trained at.
type MultiModelEntry struct {
	TrainDate time.Time
	Model     Model
}

// MultiModel wraps models trained at different dates. Each prediction is
// delegated to the latest model trained strictly before the prediction
// time, which is the model that would have been in production then.
//
// It exists for backtesting; in production use the latest model directly.
type MultiModel struct {
	entries []MultiModelEntry
}

// NewMultiModel builds a MultiModel. Entries must be sorted by strictly
// ascending train date.
func NewMultiModel(entries []MultiModelEntry) (*MultiModel, error) {
	if len(entries) == 0 {
		return nil, errors.New("multi model needs at least one model")
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].TrainDate.After(entries[i-1].TrainDate) {
			return nil, fmt.Errorf("train dates are not strictly ascending: %s then %s",
				entries[i-1].TrainDate, entries[i].TrainDate)
		}
	}
	return &MultiModel{entries: append([]MultiModelEntry(nil), entries...)}, nil
}

// Name implements Model.
func (m *MultiModel) Name() string { return "multi" }

// Config returns the config of the first model. All models are expected to
// share it.
func (m *MultiModel) Config() Config { return m.entries[0].Model.Config() }

// Entries returns the wrapped models in train date order.
func (m *MultiModel) Entries() []MultiModelEntry {
	return append([]MultiModelEntry(nil), m.entries...)
}

func (m *MultiModel) entryFor(ts time.Time) (MultiModelEntry, error) {
	// First entry trained at or after ts; the one before it is the answer.
	i := sort.Search(len(m.entries), func(i int) bool { return !m.entries[i].TrainDate.Before(ts) })
	if i == 0 {
		return MultiModelEntry{}, fmt.Errorf("%w: %s", ErrBeforeAllModels, ts)
	}
	return m.entries[i-1], nil
}

// TrainDate returns the train date of the model used for ts.
func (m *MultiModel) TrainDate(ts time.Time) (time.Time, error) {
	e, err := m.entryFor(ts)
	if err != nil {
		return time.Time{}, err
	}
	return e.TrainDate, nil
}

// ModelFor returns the model used for ts.
func (m *MultiModel) ModelFor(ts time.Time) (Model, error) {
	e, err := m.entryFor(ts)
	if err != nil {
		return nil, err
	}
	return e.Model, nil
}

// GetFeatures implements Model.
func (m *MultiModel) GetFeatures(ctx context.Context, x X, isTraining bool) (Features, error) {
	model, err := m.ModelFor(x.TS)
	if err != nil {
		return nil, err
	}
	return model.GetFeatures(ctx, x, isTraining)
}

// PredictFromFeatures implements Model.
func (m *MultiModel) PredictFromFeatures(ctx context.Context, x X, features Features) (Y, error) {
	model, err := m.ModelFor(x.TS)
	if err != nil {
		return Y{}, err
	}
	return model.PredictFromFeatures(ctx, x, features)
}

// Explain implements Model.
func (m *MultiModel) Explain(ctx context.Context, x X) (any, error) {
	model, err := m.ModelFor(x.TS)
	if err != nil {
		return nil, err
	}
	return model.Explain(ctx, x)
}

// SetDataSources attaches ds to every wrapped model that reads data.
func (m *MultiModel) SetDataSources(ds DataSources) error {
	for _, e := range m.entries {
		if s, ok := e.Model.(DataSourceSetter); ok {
			if err := s.SetDataSources(ds); err != nil {
				return fmt.Errorf("model trained %s: %w", e.TrainDate, err)
			}
		}
	}
	return nil
}

// Features derived from PV telemetry.
var (
	pvDerivedFeatures    = []string{"recent_power", "h_max", "h_median", "h_mean"}
	pvDerivedNanFeatures = []string{"recent_power_nan", "h_max_nan", "h_median_nan", "h_mean_nan"}
)

const recentPowerValuesPrefix = "recent_power_values"

// GetFeaturesWithoutPV computes features as if no PV telemetry was
// available: PV-derived features are NaN and their NaN flags are 1.
func (m *MultiModel) GetFeaturesWithoutPV(ctx context.Context, x X, isTraining bool) (Features, error) {
	features, err := m.GetFeatures(ctx, x, isTraining)
	if err != nil {
		return nil, err
	}

	for name, values := range features {
		if contains(pvDerivedFeatures, name) || strings.HasPrefix(name, recentPowerValuesPrefix) {
			fill(values, math.NaN())
		}
	}
	for name, values := range features {
		if contains(pvDerivedNanFeatures, name) ||
			(strings.HasPrefix(name, recentPowerValuesPrefix) && strings.Contains(name, "isnan")) {
			fill(values, 1)
		}
	}
	return features, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func fill(values []float64, v float64) {
	for i := range values {
		values[i] = v
	}
}

type multiModelEntryState struct {
	TrainDate time.Time     `json:"train_date"`
	Model     modelEnvelope `json:"model"`
}

// State implements Stateful. Every wrapped model must be persistable.
func (m *MultiModel) State() (any, error) {
	out := make([]multiModelEntryState, len(m.entries))
	for i, e := range m.entries {
		env, err := encodeModel(e.Model)
		if err != nil {
			return nil, fmt.Errorf("model trained %s: %w", e.TrainDate, err)
		}
		out[i] = multiModelEntryState{TrainDate: e.TrainDate, Model: env}
	}
	return out, nil
}

func loadMultiModel(decode func(any) error) (Model, error) {
	var states []multiModelEntryState
	if err := decode(&states); err != nil {
		return nil, err
	}
	entries := make([]MultiModelEntry, len(states))
	for i, s := range states {
		model, err := decodeModel(s.Model)
		if err != nil {
			return nil, fmt.Errorf("model trained %s: %w", s.TrainDate, err)
		}
		entries[i] = MultiModelEntry{TrainDate: s.TrainDate, Model: model}
	}
	return NewMultiModel(entries)
}
