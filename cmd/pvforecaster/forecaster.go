// Package main implements the forecast loop orchestration.
//
// Every interval the Forecaster runs one cycle:
//
//	refresh sources → predict each PV site at now → store snapshots
//
// Snapshots are served by the HTTP and gRPC APIs. The same Forecaster also
// answers on-demand predictions at arbitrary times through PredictAt.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HatiCode/pvsite/cmd/pvforecaster/metrics"
	"github.com/HatiCode/pvsite/pkg/models"
	"github.com/HatiCode/pvsite/pkg/storage"
)

// ErrNoSites is returned by a tick that has no site to forecast.
var ErrNoSites = errors.New("no pv site to forecast")

// Refresher provides up-to-date data sources for a prediction time.
type Refresher interface {
	Refresh(ctx context.Context, now time.Time) (models.DataSources, error)
}

// Forecaster orchestrates the forecast loop: refresh → predict → store.
type Forecaster struct {
	model   models.Model
	sources Refresher
	store   storage.Store
	pvIDs   []string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu guards the model's data sources: predictions read them while a
	// refresh swaps them.
	mu       sync.RWMutex
	ids      []string
	lastTick time.Time
}

// New creates a Forecaster. With no pvIDs every id of the PV source is
// forecast. sources may be nil when the model's data never changes.
func New(
	model models.Model,
	sources Refresher,
	store storage.Store,
	pvIDs []string,
	logger *slog.Logger,
	metrics *metrics.Metrics,
) *Forecaster {
	if logger == nil {
		logger = slog.Default()
	}

	return &Forecaster{
		model:   model,
		sources: sources,
		store:   store,
		pvIDs:   pvIDs,
		logger:  logger.With("component", "forecaster"),
		metrics: metrics,
		now:     time.Now,
		ids:     pvIDs,
	}
}

// Run executes the forecast loop at regular intervals.
// Blocks until context is canceled.
func (f *Forecaster) Run(ctx context.Context, interval time.Duration) error {
	f.logger.Info("starting forecast loop", "interval", interval, "model", f.model.Name())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := f.Tick(ctx); err != nil {
		f.logger.Error("initial forecast tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forecast loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				f.logger.Error("forecast tick failed", "error", err)
			}
		}
	}
}

// Tick performs one forecast cycle. A site that fails to predict is logged
// and skipped; the tick fails only when every site failed.
func (f *Forecaster) Tick(ctx context.Context) error {
	start := time.Now()
	now := f.now().UTC().Truncate(time.Minute)
	f.logger.Debug("starting forecast tick", "now", now)

	refreshDuration, err := f.refresh(ctx, now)
	if err != nil {
		f.recordError("sources", "refresh_failed")
		return fmt.Errorf("refresh sources: %w", err)
	}

	ids := f.PvIDs()
	if len(ids) == 0 {
		f.recordError("sources", "no_sites")
		return ErrNoSites
	}
	var stored, failed int
	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, err := f.PredictAt(ctx, id, now)
		if err != nil {
			f.recordError("model", "predict_failed")
			f.logger.Warn("prediction failed", "pv_id", id, "error", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := f.store.Put(ctx, snap); err != nil {
			f.recordError("store", "put_failed")
			return fmt.Errorf("store %s: %w", id, err)
		}
		if f.metrics != nil && len(snap.Powers) > 0 {
			f.metrics.SetPredictedPower(id, snap.Powers[0])
		}
		stored++
	}
	if failed > 0 && stored == 0 {
		return fmt.Errorf("every prediction failed: %w", firstErr)
	}

	totalDuration := time.Since(start)
	if f.metrics != nil {
		f.metrics.RecordTick(totalDuration.Seconds(), stored)
	}
	f.mu.Lock()
	f.lastTick = now
	f.mu.Unlock()

	f.logger.Info("forecast tick complete",
		"now", now,
		"sites", stored,
		"failed", failed,
		"refresh_ms", refreshDuration.Milliseconds(),
		"total_ms", totalDuration.Milliseconds(),
	)
	return nil
}

// refresh reloads the data sources and attaches them to the model.
func (f *Forecaster) refresh(ctx context.Context, now time.Time) (time.Duration, error) {
	if f.sources == nil {
		return 0, nil
	}
	start := time.Now()

	ds, err := f.sources.Refresh(ctx, now)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if setter, ok := f.model.(models.DataSourceSetter); ok {
		if err := setter.SetDataSources(ds); err != nil {
			return 0, err
		}
	}
	if len(f.pvIDs) == 0 && ds.PV != nil {
		f.ids = ds.PV.ListPvIDs()
	}

	duration := time.Since(start)
	if f.metrics != nil {
		f.metrics.RecordRefresh(duration.Seconds())
	}
	return duration, nil
}

// PredictAt predicts pvID at ts. It implements rpc.Predictor.
func (f *Forecaster) PredictAt(ctx context.Context, pvID string, ts time.Time) (storage.Snapshot, error) {
	if pvID == "" {
		return storage.Snapshot{}, storage.ErrEmptyPvID
	}
	start := time.Now()

	f.mu.RLock()
	y, err := models.Predict(ctx, f.model, models.X{PvID: pvID, TS: ts})
	f.mu.RUnlock()
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("predict %s at %s: %w", pvID, ts.Format(time.RFC3339), err)
	}

	if f.metrics != nil {
		f.metrics.RecordPredict(time.Since(start).Seconds())
	}
	return storage.Snapshot{
		PvID:           pvID,
		GeneratedAt:    ts,
		HorizonMinutes: f.model.Config().Horizons.Duration(),
		Powers:         y.Powers,
		Model:          f.model.Name(),
	}, nil
}

// PvIDs returns the sites forecast by each tick.
func (f *Forecaster) PvIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.ids...)
}

// Ready reports an error until a tick has completed.
func (f *Forecaster) Ready() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastTick.IsZero() {
		return errors.New("no forecast cycle completed yet")
	}
	return nil
}

// LastTick returns the prediction time of the last completed tick.
func (f *Forecaster) LastTick() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastTick
}

func (f *Forecaster) recordError(component, reason string) {
	if f.metrics != nil {
		f.metrics.RecordError(component, reason)
	}
}
