package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
)

// DefaultYesterdayWindow is the averaging window of YesterdayModel.
const DefaultYesterdayWindow = 30 * time.Minute

const featureYesterdayMeans = "yesterday_means"

// YesterdayModel predicts, for each horizon, the mean power observed
// around the same time of day yesterday. Horizons beyond 24h wrap around.
type YesterdayModel struct {
	BaseModel
	window time.Duration
	pv     datasources.PvDataSource
}

// NewYesterdayModel returns a YesterdayModel. A zero window selects
// DefaultYesterdayWindow.
func NewYesterdayModel(cfg Config, pv datasources.PvDataSource, window time.Duration) *YesterdayModel {
	if window <= 0 {
		window = DefaultYesterdayWindow
	}
	return &YesterdayModel{BaseModel: NewBaseModel(cfg), window: window, pv: pv}
}

// Name implements Model.
func (m *YesterdayModel) Name() string { return "yesterday" }

// SetDataSources implements DataSourceSetter.
func (m *YesterdayModel) SetDataSources(ds DataSources) error {
	if ds.PV == nil {
		return fmt.Errorf("%w: pv", ErrMissingDataSource)
	}
	m.pv = ds.PV
	return nil
}

// GetFeatures implements Model.
func (m *YesterdayModel) GetFeatures(_ context.Context, x X, _ bool) (Features, error) {
	if m.pv == nil {
		return nil, fmt.Errorf("%w: pv", ErrMissingDataSource)
	}
	source := m.pv.AsAvailableAt(x.TS)
	horizons := m.Config().Horizons

	yesterday := x.TS.Add(-24 * time.Hour)
	start := yesterday.Add(-m.window / 2)
	end := yesterday.Add(time.Duration(horizons.MaxEnd())*time.Minute + m.window/2)

	data, err := source.Get([]string{x.PvID}, start, end)
	if err != nil {
		return nil, err
	}
	power := data.Series(datasources.VarPower, 0)

	means := make([]float64, horizons.Len())
	for i, h := range horizons.All() {
		// Predicting 27h ahead uses the same value as 3h ahead.
		minutes := ((h.Start + h.End) / 2) % (24 * 60)
		center := yesterday.Add(time.Duration(minutes) * time.Minute)
		means[i] = windowMean(data.Times, power, center.Add(-m.window/2), center.Add(m.window/2))
	}
	return Features{featureYesterdayMeans: means}, nil
}

// windowMean averages the non-NaN values stamped within [start, end]. It is
// NaN when there are none.
func windowMean(times []time.Time, values []float64, start, end time.Time) float64 {
	var sum float64
	var n int
	for i, t := range times {
		if t.Before(start) || t.After(end) || math.IsNaN(values[i]) {
			continue
		}
		sum += values[i]
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// PredictFromFeatures implements Model.
func (m *YesterdayModel) PredictFromFeatures(_ context.Context, _ X, features Features) (Y, error) {
	means, ok := features[featureYesterdayMeans]
	if !ok {
		return Y{}, errors.New("missing yesterday_means feature")
	}
	return Y{Powers: append([]float64(nil), means...)}, nil
}

type yesterdayState struct {
	Config        Config  `json:"config"`
	WindowMinutes float64 `json:"window_minutes"`
}

// State implements Stateful.
func (m *YesterdayModel) State() (any, error) {
	return yesterdayState{Config: m.Config(), WindowMinutes: m.window.Minutes()}, nil
}

func loadYesterday(decode func(any) error) (Model, error) {
	var s yesterdayState
	if err := decode(&s); err != nil {
		return nil, err
	}
	return NewYesterdayModel(s.Config, nil, time.Duration(s.WindowMinutes*float64(time.Minute))), nil
}
