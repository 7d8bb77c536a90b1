package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/evaluation"
	"github.com/HatiCode/pvsite/pkg/models"
)

// TrainCmd fits a RecentHistoryModel with a linear regressor.
type TrainCmd struct {
	SourceFlags `embed:""`
	SplitFlags  `embed:""`

	Output         string  `help:"Where to save the model, local path or redis://host:port/db/key." required:""`
	Options        string  `help:"YAML file of recent history options." type:"path"`
	HorizonMinutes int     `name:"horizon-minutes" help:"Horizon duration, must divide a day." default:"15"`
	NumHorizons    int     `name:"num-horizons" help:"Horizon count." default:"48"`
	Alpha          float64 `help:"L2 penalty of the regressor." default:"0.001"`
	Samples        int     `help:"Random inputs drawn per split, 0 to use every step."`
	Seed           int64   `help:"Seed of the random inputs." default:"1"`
	Workers        int     `help:"Features computed concurrently." default:"4"`
}

// loadRecentHistoryOptions reads path, rejecting unknown fields. An empty
// path gives the defaults.
func loadRecentHistoryOptions(path string) (models.RecentHistoryOptions, error) {
	var opts models.RecentHistoryOptions
	if path == "" {
		return opts, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read model options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return opts, fmt.Errorf("parse model options: %w", err)
	}
	return opts, nil
}

// Run trains and saves the model.
func (c *TrainCmd) Run(g *Globals) error {
	ctx := g.Context
	log := g.Logger.With("command", "train")
	started := time.Now()

	opts, err := loadRecentHistoryOptions(c.Options)
	if err != nil {
		return err
	}
	ds, err := c.load(ctx, log)
	if err != nil {
		return err
	}

	horizons, err := models.NewHorizons(c.HorizonMinutes, c.NumHorizons)
	if err != nil {
		return err
	}
	regressor := models.NewLinearRegressor(c.Alpha)
	model, err := models.NewRecentHistoryModel(models.Config{Horizons: horizons}, opts, regressor, ds)
	if err != nil {
		return err
	}

	splits := c.split(ds.PV.ListPvIDs())
	trainIDs, err := pick(splits, "train", c.PvIDs)
	if err != nil {
		return err
	}
	validIDs, err := pick(splits, "valid", c.PvIDs)
	if err != nil {
		return err
	}

	train, err := c.samples(ctx, model, ds.PV, trainIDs, true, c.Seed)
	if err != nil {
		return fmt.Errorf("training samples: %w", err)
	}
	valid, err := c.samples(ctx, model, ds.PV, validIDs, false, c.Seed+1)
	if err != nil {
		return fmt.Errorf("validation samples: %w", err)
	}
	log.Info("training model",
		"model", model.Name(),
		"train_pv_ids", len(trainIDs),
		"train_samples", len(train),
		"valid_samples", len(valid),
	)

	if err := model.Train(ctx, train, valid); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if err := models.SaveModel(ctx, model, c.Output); err != nil {
		return err
	}

	log.Info("model saved",
		"output", c.Output,
		"features", len(regressor.FeatureNames()),
		"valid_mae", regressor.ValidationMAE(),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	fmt.Fprintf(g.Out, "saved %s model to %s (validation MAE %.4f)\n", model.Name(), c.Output, regressor.ValidationMAE())
	return nil
}

func (c *TrainCmd) samples(ctx context.Context, model models.Model, pv datasources.PvDataSource, ids []string, isTraining bool, seed int64) ([]models.Sample, error) {
	xs, err := generateXs(pv, c.xOptions(ids), c.Samples, seed)
	if err != nil {
		return nil, err
	}
	return evaluation.BuildSamples(ctx, model, pv, xs, evaluation.SampleOptions{
		Workers:    c.Workers,
		IsTraining: isTraining,
	})
}
