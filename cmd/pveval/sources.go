package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/evaluation"
	"github.com/HatiCode/pvsite/pkg/models"
)

// targetLookahead is how far past the last prediction live PV readings are
// loaded, so that the last samples still have a ground truth.
const targetLookahead = 48 * time.Hour

// SourceFlags select the data sources and the prediction times.
type SourceFlags struct {
	Sources string    `help:"YAML data source configuration." required:"" type:"path"`
	Start   time.Time `help:"First prediction time, RFC 3339. Defaults to the start of the PV data."`
	End     time.Time `help:"End of the predictions, exclusive, RFC 3339. Defaults to the end of the PV data."`
	Step    int       `help:"Minutes between two predictions." default:"15"`
	PvIDs   []string  `name:"pv-ids" help:"Sites to use. Defaults to every site of the split."`
}

// load opens the configured sources. A live PV source is loaded once over
// the prediction range, extended by its window before and by
// targetLookahead after.
func (f SourceFlags) load(ctx context.Context, log *slog.Logger) (models.DataSources, error) {
	cfg, err := datasources.LoadConfig(f.Sources)
	if err != nil {
		return models.DataSources{}, err
	}

	var pv *datasources.PvSource
	if cfg.PV.IsLive() {
		if f.Start.IsZero() || f.End.IsZero() {
			return models.DataSources{}, errors.New("--start and --end are required with a live pv source")
		}
		loader, err := datasources.NewPvLoader(cfg.PV)
		if err != nil {
			return models.DataSources{}, err
		}
		start, end := f.Start.Add(-cfg.PV.Window), f.End.Add(targetLookahead)
		log.Info("loading live pv data", "loader", loader.Name(), "start", start, "end", end)
		ds, err := loader.Load(ctx, start, end)
		if err != nil {
			return models.DataSources{}, fmt.Errorf("load pv data: %w", err)
		}
		if pv, err = datasources.NewPvSourceFromDataset(ds, cfg.PV.PvSourceOptions); err != nil {
			return models.DataSources{}, err
		}
	} else if pv, err = datasources.NewPvSourceFromConfig(cfg.PV); err != nil {
		return models.DataSources{}, err
	}

	nwp, err := datasources.NewNwpSourcesFromConfig(cfg)
	if err != nil {
		return models.DataSources{}, err
	}
	sat, err := datasources.NewSatelliteSourcesFromConfig(cfg)
	if err != nil {
		return models.DataSources{}, err
	}

	log.Debug("data sources opened",
		"pv_ids", len(pv.ListPvIDs()),
		"nwp", len(nwp),
		"satellite", len(sat),
	)
	return models.DataSources{PV: pv, NWP: nwp, Satellite: sat}, nil
}

// xOptions are the generation options for ids.
func (f SourceFlags) xOptions(ids []string) evaluation.XOptions {
	return evaluation.XOptions{PvIDs: ids, Start: f.Start, End: f.End, StepMinutes: f.Step}
}

// SplitFlags select a subset of the PV sites by a stable hash.
type SplitFlags struct {
	PvSplit    float64 `name:"pv-split" help:"Share of the sites used for training and validation, -1 to use every site everywhere." default:"-1"`
	ValidSplit float64 `name:"valid-split" help:"Share of the training sites moved to validation." default:"0.1"`
}

func (f SplitFlags) split(ids []string) evaluation.PvSplits {
	return evaluation.SplitPvs(ids, f.PvSplit, f.ValidSplit)
}

// pick returns explicit when set, otherwise the set named by name.
func pick(splits evaluation.PvSplits, name string, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	var ids []string
	switch name {
	case "train":
		ids = splits.Train
	case "valid":
		ids = splits.Valid
	case "test":
		ids = splits.Test
	default:
		return nil, fmt.Errorf("unknown split %q", name)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("the %s split has no site", name)
	}
	return ids, nil
}

// generateXs returns every input of opts, or n of them drawn with seed
// when n is positive.
func generateXs(source datasources.PvDataSource, opts evaluation.XOptions, n int, seed int64) ([]models.X, error) {
	if n > 0 {
		return evaluation.RandomXs(source, opts, n, seed)
	}
	return evaluation.GenerateXs(source, opts)
}
