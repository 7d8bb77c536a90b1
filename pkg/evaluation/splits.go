package evaluation

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// NoPvSplit, passed as pvSplit, uses every PV id in every split. It suits
// use cases with a small and stable set of sites.
const NoPvSplit = -1

const validHashSuffix = " - hack to get a different hash"

// PvSplits holds sorted, disjoint sets of PV ids.
type PvSplits struct {
	Train []string `json:"train"`
	Valid []string `json:"valid"`
	Test  []string `json:"test"`
}

// stableHash is the SHA-1 of s read as a big-endian integer, modulo 1000.
// Unlike maphash it is the same across runs.
func stableHash(s string) int64 {
	sum := sha1.Sum([]byte(s))
	n := new(big.Int).SetBytes(sum[:])
	return n.Mod(n, big.NewInt(1000)).Int64()
}

// SplitPvs splits ids by a stable hash: a share pvSplit goes to train and
// the rest to test, then a share validSplit of train moves to valid.
func SplitPvs(ids []string, pvSplit, validSplit float64) PvSplits {
	if pvSplit == NoPvSplit {
		all := sortedUnique(ids)
		return PvSplits{Train: all, Valid: append([]string(nil), all...), Test: append([]string(nil), all...)}
	}

	var out PvSplits
	for _, id := range sortedUnique(ids) {
		switch {
		case float64(stableHash(id)) >= 1000*pvSplit:
			out.Test = append(out.Test, id)
		case float64(stableHash(id+validHashSuffix)) < 1000*validSplit:
			out.Valid = append(out.Valid, id)
		default:
			out.Train = append(out.Train, id)
		}
	}
	return out
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TrainDateSplit is one training: the model is trained at TrainDate on at
// most TrainDays days before it.
type TrainDateSplit struct {
	TrainDate   time.Time `json:"train_date"`
	TrainDays   int       `json:"train_days"`
	StepMinutes int       `json:"step_minutes"`
}

// Start returns the first day of training data.
func (s TrainDateSplit) Start() time.Time {
	return s.TrainDate.AddDate(0, 0, -s.TrainDays)
}

// TestDateSplit is the range the models are evaluated on.
type TestDateSplit struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	StepMinutes int       `json:"step_minutes"`
}

// DateSplits is a train/test scheme.
type DateSplits struct {
	Train []TrainDateSplit `json:"train"`
	Test  TestDateSplit    `json:"test"`
}

// AutoDateSplitOptions configures AutoDateSplit.
type AutoDateSplitOptions struct {
	TrainDays    int
	NumTrainings int
	StepMinutes  int

	// MinTrainDate, when set, is the earliest training data used, which
	// can shorten TrainDays.
	MinTrainDate time.Time
}

// AutoDateSplit tests on [testStart, testEnd] and spreads NumTrainings
// trainings evenly over it, the first one the day before testStart.
func AutoDateSplit(testStart, testEnd time.Time, opts AutoDateSplitOptions) (DateSplits, error) {
	if opts.NumTrainings <= 0 {
		opts.NumTrainings = 1
	}
	if opts.StepMinutes <= 0 {
		opts.StepMinutes = 1
	}
	if opts.TrainDays <= 0 {
		return DateSplits{}, errors.New("train days must be positive")
	}
	if !testEnd.After(testStart) {
		return DateSplits{}, fmt.Errorf("test end %s is not after test start %s", testEnd, testStart)
	}

	const day = 24 * time.Hour
	d0 := testStart.Add(-day)
	numDaysTest := int(testEnd.Sub(d0) / day)

	splits := DateSplits{
		Test: TestDateSplit{Start: testStart, End: testEnd, StepMinutes: opts.StepMinutes},
	}
	for i := 0; i < opts.NumTrainings; i++ {
		trainDate := d0.AddDate(0, 0, i*numDaysTest/opts.NumTrainings)
		start := trainDate.AddDate(0, 0, -opts.TrainDays)
		if !opts.MinTrainDate.IsZero() && start.Before(opts.MinTrainDate) {
			start = opts.MinTrainDate
		}
		if !start.Before(trainDate) {
			return DateSplits{}, fmt.Errorf("training %d at %s has no data after min train date %s", i, trainDate, opts.MinTrainDate)
		}
		splits.Train = append(splits.Train, TrainDateSplit{
			TrainDate:   trainDate,
			TrainDays:   int(trainDate.Sub(start) / day),
			StepMinutes: opts.StepMinutes,
		})
	}
	return splits, nil
}
