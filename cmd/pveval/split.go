package main

import (
	"errors"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/evaluation"
)

// SplitCmd prints the PV split and, when a test range is given, the
// training dates of a backtest over it.
type SplitCmd struct {
	Sources    string  `help:"YAML data source configuration." required:"" type:"path"`
	PvSplit    float64 `name:"pv-split" help:"Share of the sites used for training and validation, -1 to use every site everywhere." default:"0.9"`
	ValidSplit float64 `name:"valid-split" help:"Share of the training sites moved to validation." default:"0.1"`

	TestStart    time.Time `name:"test-start" help:"Start of the test range, RFC 3339."`
	TestEnd      time.Time `name:"test-end" help:"End of the test range, RFC 3339."`
	TrainDays    int       `name:"train-days" help:"Days of data per training." default:"30"`
	NumTrainings int       `name:"num-trainings" help:"Trainings spread over the test range." default:"1"`
	Step         int       `help:"Minutes between two samples." default:"15"`
}

// SplitReport is printed as JSON.
type SplitReport struct {
	PV    evaluation.PvSplits    `json:"pv"`
	Dates *evaluation.DateSplits `json:"dates,omitempty"`
}

// Run prints the splits.
func (c *SplitCmd) Run(g *Globals) error {
	cfg, err := datasources.LoadConfig(c.Sources)
	if err != nil {
		return err
	}
	if cfg.PV.IsLive() {
		// HTTP loaders list their sites without loading any reading.
		if cfg.PV.HTTP == nil || len(cfg.PV.HTTP.PvIDs) == 0 {
			return errors.New("cannot list the sites of a live pv source without http.pv_ids")
		}
		return c.print(g, cfg.PV.HTTP.PvIDs)
	}
	pv, err := datasources.NewPvSourceFromConfig(cfg.PV)
	if err != nil {
		return err
	}
	return c.print(g, pv.ListPvIDs())
}

func (c *SplitCmd) print(g *Globals, ids []string) error {
	report := SplitReport{PV: evaluation.SplitPvs(ids, c.PvSplit, c.ValidSplit)}
	if !c.TestStart.IsZero() || !c.TestEnd.IsZero() {
		dates, err := evaluation.AutoDateSplit(c.TestStart, c.TestEnd, evaluation.AutoDateSplitOptions{
			TrainDays:    c.TrainDays,
			NumTrainings: c.NumTrainings,
			StepMinutes:  c.Step,
		})
		if err != nil {
			return err
		}
		report.Dates = &dates
	}
	g.Logger.Debug("pv split computed",
		"train", len(report.PV.Train),
		"valid", len(report.PV.Valid),
		"test", len(report.PV.Test),
	)
	return writeJSON(g.Out, report)
}
