// Package models defines the PV site model abstraction and the concrete
// models used to forecast solar power for individual sites.
//
// A model maps an input X (a PV id and a prediction time) to an output Y with
// one power value per horizon. Prediction is split in two steps:
//
//  1. GetFeatures loads whatever the model needs from its data sources.
//  2. PredictFromFeatures turns those features into powers.
//
// Splitting the two lets callers compute features concurrently or reuse them
// across several predictions.
package models

import (
	"context"
	"errors"
)

var (
	// ErrExplainNotSupported is returned by models that cannot explain a prediction.
	ErrExplainNotSupported = errors.New("explain not supported by this model")

	// ErrBeforeAllModels is returned by MultiModel when no sub-model was
	// trained before the requested timestamp.
	ErrBeforeAllModels = errors.New("timestamp is before every model training date")

	// ErrBeforeFirstForecast is returned by HistoricalForecasts when no
	// forecast had been issued at the requested timestamp.
	ErrBeforeFirstForecast = errors.New("timestamp is before the first issued forecast")

	// ErrNotTrained is returned when predicting with a model that needs training first.
	ErrNotTrained = errors.New("model is not trained")

	// ErrMissingDataSource is returned when a model's data sources are not attached.
	ErrMissingDataSource = errors.New("model data source is not set")
)

// Model is a PV site forecasting model.
type Model interface {
	// Name returns a short identifier, e.g. "yesterday".
	Name() string

	// Config returns the model metadata.
	Config() Config

	// GetFeatures computes the features for x. isTraining lets models
	// behave differently while training.
	GetFeatures(ctx context.Context, x X, isTraining bool) (Features, error)

	// PredictFromFeatures predicts from precomputed features.
	PredictFromFeatures(ctx context.Context, x X, features Features) (Y, error)

	// Explain returns some explanation of the prediction for x.
	Explain(ctx context.Context, x X) (any, error)
}

// Trainer is implemented by models that learn from samples.
type Trainer interface {
	Train(ctx context.Context, train, valid []Sample) error
}

// DataSourceSetter is implemented by models that read from data sources.
// Data sources are never persisted with a model and must be attached again
// after loading.
type DataSourceSetter interface {
	SetDataSources(ds DataSources) error
}

// Stateful is implemented by models that can be persisted. State returns a
// value that encodes to JSON; it must not include data sources.
type Stateful interface {
	State() (any, error)
}

// Predict computes features for x then predicts from them.
func Predict(ctx context.Context, m Model, x X) (Y, error) {
	features, err := m.GetFeatures(ctx, x, false)
	if err != nil {
		return Y{}, err
	}
	return m.PredictFromFeatures(ctx, x, features)
}

// BaseModel carries the config and default behaviours. Embed it in
// concrete models.
type BaseModel struct {
	config Config
}

// NewBaseModel returns a BaseModel for the given config.
func NewBaseModel(cfg Config) BaseModel {
	return BaseModel{config: cfg}
}

// Config returns the model metadata.
func (b BaseModel) Config() Config { return b.config }

// Explain is not supported by default.
func (b BaseModel) Explain(context.Context, X) (any, error) {
	return nil, ErrExplainNotSupported
}
