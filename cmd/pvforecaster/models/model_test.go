package models

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatiCode/pvsite/cmd/pvforecaster/config"
	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/models"
)

func testSources(t *testing.T) models.DataSources {
	t.Helper()
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	pv, err := datasources.NewPvSourceFromDataset(&datasources.PvDataset{
		IDs:   []string{"a"},
		Times: []time.Time{t0, t0.Add(15 * time.Minute)},
		Vars:  map[string][][]float64{datasources.VarPower: {{1, 2}}},
	}, datasources.PvSourceOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return models.DataSources{PV: pv}
}

func TestNew_Baseline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{Model: "yesterday", HorizonMinutes: 30, NumHorizons: 4}

	m, err := New(context.Background(), cfg, testSources(t), logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.Name() != "yesterday" {
		t.Errorf("Name() = %q", m.Name())
	}
	if h := m.Config().Horizons; h.Duration() != 30 || h.Len() != 4 {
		t.Errorf("horizons = %d x %d", h.Duration(), h.Len())
	}

	cfg.Model = "arima"
	if _, err := New(context.Background(), cfg, testSources(t), logger); err == nil {
		t.Error("New() with an unknown baseline should fail")
	}
}

func TestNew_FromURI(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "model.json")

	saved := models.NewYesterdayModel(models.Config{Horizons: models.MustHorizons(15, 8)}, nil, time.Hour)
	if err := models.SaveModel(ctx, saved, path); err != nil {
		t.Fatalf("SaveModel() error = %v", err)
	}

	m, err := New(ctx, &config.Config{ModelURI: path}, testSources(t), logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.Name() != "yesterday" || m.Config().Horizons.Len() != 8 {
		t.Errorf("loaded %s with %d horizons", m.Name(), m.Config().Horizons.Len())
	}

	if _, err := New(ctx, &config.Config{ModelURI: path}, models.DataSources{}, logger); err == nil {
		t.Error("New() without a pv source should fail to attach sources")
	}
	if _, err := New(ctx, &config.Config{ModelURI: filepath.Join(t.TempDir(), "missing.json")}, testSources(t), logger); err == nil {
		t.Error("New() with a missing model should fail")
	}
}
