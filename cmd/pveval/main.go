// Command pveval evaluates and trains PV site forecasting models offline.
//
// Commands:
//   - backtest: predict a range of times and compare with the PV readings
//   - train:    fit a recent history model and save it
//   - split:    print the train/valid/test split of the PV sites
//   - inspect:  summarize the configured data sources
//
// Usage:
//
//	pveval backtest --sources=sources.yaml --model-uri=models/current \
//	  --start=2024-05-01T00:00:00Z --end=2024-06-01T00:00:00Z --metrics=mae,mre
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/HatiCode/pvsite/pkg/logger"
)

// version is set via ldflags at build time
var version = "dev"

// Globals are bound to every command.
type Globals struct {
	Context context.Context
	Logger  *slog.Logger
	Out     io.Writer
}

// CLI is the command line of pveval.
type CLI struct {
	LogLevel  string           `help:"Logging level: debug, info, warn, error." default:"info" env:"LOG_LEVEL"`
	LogFormat string           `help:"Logging format: text, json." default:"text" enum:"text,json" env:"LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print the version and exit."`

	Backtest BacktestCmd `cmd:"" help:"Backtest a model against PV readings."`
	Train    TrainCmd    `cmd:"" help:"Train a recent history model and save it."`
	Split    SplitCmd    `cmd:"" help:"Print the PV and date splits."`
	Inspect  InspectCmd  `cmd:"" help:"Summarize the configured data sources."`
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("pveval"),
		kong.Description("Evaluate and train PV site forecasting models."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	}, options...)
	return kong.New(cli, options...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.New(cli.LogFormat, cli.LogLevel)
	slog.SetDefault(log)

	err = kctx.Run(&Globals{Context: ctx, Logger: log, Out: os.Stdout})
	kctx.FatalIfErrorf(err)
}
