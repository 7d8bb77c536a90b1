// Package models builds the model served by the forecaster.
package models

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HatiCode/pvsite/cmd/pvforecaster/config"
	"github.com/HatiCode/pvsite/pkg/models"
)

// New loads the model at cfg.ModelURI, or builds the configured baseline
// when no URI is set, and attaches ds to it.
func New(ctx context.Context, cfg *config.Config, ds models.DataSources, logger *slog.Logger) (models.Model, error) {
	if cfg.ModelURI == "" {
		switch cfg.Model {
		case "yesterday":
			logger.Info("initializing yesterday model",
				"horizon_minutes", cfg.HorizonMinutes,
				"num_horizons", cfg.NumHorizons,
			)
			horizons, err := models.NewHorizons(cfg.HorizonMinutes, cfg.NumHorizons)
			if err != nil {
				return nil, err
			}
			return models.NewYesterdayModel(models.Config{Horizons: horizons}, ds.PV, 0), nil
		default:
			return nil, fmt.Errorf("invalid model type %q", cfg.Model)
		}
	}

	m, err := models.LoadModel(ctx, cfg.ModelURI)
	if err != nil {
		return nil, err
	}
	if setter, ok := m.(models.DataSourceSetter); ok {
		if err := setter.SetDataSources(ds); err != nil {
			return nil, fmt.Errorf("attach data sources to %s model: %w", m.Name(), err)
		}
	}

	h := m.Config().Horizons
	logger.Info("loaded model",
		"model", m.Name(),
		"uri", cfg.ModelURI,
		"horizon_minutes", h.Duration(),
		"num_horizons", h.Len(),
	)
	return m, nil
}
