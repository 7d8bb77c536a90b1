package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
)

// HistoricalForecasts replays forecasts issued in the past as if they were
// a model, so that third-party forecasts can be evaluated with the same
// tooling as our own models.
//
// For a prediction at ts it uses the latest forecast issued at or before ts.
// Horizons falling outside the steps of that forecast are NaN.
type HistoricalForecasts struct {
	BaseModel
	path string
	data *datasources.ForecastHistory
}

// NewHistoricalForecasts wraps an in-memory forecast history.
func NewHistoricalForecasts(cfg Config, data *datasources.ForecastHistory) (*HistoricalForecasts, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return &HistoricalForecasts{BaseModel: NewBaseModel(cfg), data: data}, nil
}

// loadForecastHistory reads the forecast history file of a model.
var loadForecastHistory = datasources.LoadForecastHistoryNetCDF

// OpenHistoricalForecasts loads a forecast history from a NetCDF file.
func OpenHistoricalForecasts(cfg Config, path string) (*HistoricalForecasts, error) {
	data, err := loadForecastHistory(path)
	if err != nil {
		return nil, fmt.Errorf("open forecast history %s: %w", path, err)
	}
	m, err := NewHistoricalForecasts(cfg, data)
	if err != nil {
		return nil, err
	}
	m.path = path
	return m, nil
}

// Name implements Model.
func (m *HistoricalForecasts) Name() string { return "historical_forecasts" }

// GetFeatures implements Model. Everything is read at prediction time.
func (m *HistoricalForecasts) GetFeatures(context.Context, X, bool) (Features, error) {
	return Features{}, nil
}

// PredictFromFeatures implements Model.
func (m *HistoricalForecasts) PredictFromFeatures(_ context.Context, x X, _ Features) (Y, error) {
	p := m.data.PvIndex(x.PvID)
	if p < 0 {
		return Y{}, fmt.Errorf("%w: %s", datasources.ErrUnknownPvID, x.PvID)
	}
	ti, ok := m.data.LatestIssue(x.TS)
	if !ok {
		return Y{}, fmt.Errorf("%w: %s", ErrBeforeFirstForecast, x.TS)
	}

	horizons := m.Config().Horizons
	y := NewEmptyY(horizons.Len())
	if len(m.data.Steps) == 0 {
		return y, nil
	}

	issued := m.data.Times[ti]
	minStep, maxStep := m.data.Steps[0], m.data.Steps[len(m.data.Steps)-1]
	for i, h := range horizons.All() {
		step := x.TS.Add(time.Duration(h.Start) * time.Minute).Sub(issued)
		if step < minStep || step > maxStep {
			continue
		}
		if si := m.data.StepIndex(step); si >= 0 {
			y.Powers[i] = m.data.At(p, ti, si)
		}
	}
	return y, nil
}

type historicalForecastsState struct {
	Config Config `json:"config"`
	Path   string `json:"path"`
}

// State implements Stateful. Only file-backed histories can be persisted.
func (m *HistoricalForecasts) State() (any, error) {
	if m.path == "" {
		return nil, errors.New("historical forecasts built from memory cannot be persisted")
	}
	return historicalForecastsState{Config: m.Config(), Path: m.path}, nil
}

func loadHistoricalForecasts(decode func(any) error) (Model, error) {
	var s historicalForecastsState
	if err := decode(&s); err != nil {
		return nil, err
	}
	return OpenHistoricalForecasts(s.Config, s.Path)
}
