package evaluation

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"
)

// HorizonSummary aggregates the errors of one metric at one horizon.
// Horizon is -1 for the aggregate over every horizon.
type HorizonSummary struct {
	Metric  string  `json:"metric"`
	Horizon int     `json:"horizon"`
	Count   int     `json:"count"`
	Mean    float64 `json:"mean"`
	StdErr  float64 `json:"std_err"`
}

// AllHorizons marks the summary over every horizon.
const AllHorizons = -1

// Summarize returns, per metric, the mean error of each horizon then the
// mean over all horizons. Non-finite errors are left out. Summaries are
// sorted by metric then horizon, the overall one last.
func Summarize(rows []ErrorRow) []HorizonSummary {
	type key struct {
		metric  string
		horizon int
	}
	groups := make(map[key][]float64)
	for _, r := range rows {
		if math.IsNaN(r.Error) || math.IsInf(r.Error, 0) {
			continue
		}
		groups[key{r.Metric, r.Horizon}] = append(groups[key{r.Metric, r.Horizon}], r.Error)
		groups[key{r.Metric, AllHorizons}] = append(groups[key{r.Metric, AllHorizons}], r.Error)
	}

	out := make([]HorizonSummary, 0, len(groups))
	for k, errs := range groups {
		mean, std := stat.MeanStdDev(errs, nil)
		se := math.NaN()
		if len(errs) > 1 {
			se = std / math.Sqrt(float64(len(errs)))
		}
		out = append(out, HorizonSummary{
			Metric:  k.metric,
			Horizon: k.horizon,
			Count:   len(errs),
			Mean:    mean,
			StdErr:  se,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		hi, hj := out[i].Horizon, out[j].Horizon
		if hi == AllHorizons || hj == AllHorizons {
			return hj == AllHorizons && hi != AllHorizons
		}
		return hi < hj
	})
	return out
}

var errorRowHeader = []string{"pv_id", "ts", "ts_start", "ts_end", "metric", "error", "horizon", "y", "pred", "train_date"}

// WriteErrorsCSV writes rows with a header. Times are RFC 3339 and an
// unknown train date is empty.
func WriteErrorsCSV(w io.Writer, rows []ErrorRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(errorRowHeader); err != nil {
		return err
	}
	for _, r := range rows {
		trainDate := ""
		if !r.TrainDate.IsZero() {
			trainDate = r.TrainDate.Format(time.RFC3339)
		}
		record := []string{
			r.PvID,
			r.TS.Format(time.RFC3339),
			r.TSStart.Format(time.RFC3339),
			r.TSEnd.Format(time.RFC3339),
			r.Metric,
			formatFloat(r.Error),
			strconv.Itoa(r.Horizon),
			formatFloat(r.Y),
			formatFloat(r.Pred),
			trainDate,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row for %s: %w", r.PvID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
