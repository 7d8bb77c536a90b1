package datasources

import (
	"fmt"
	"sort"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
)

// ForecastHistory holds forecasts issued in the past, as a power array
// indexed by (pv_id, time, step). Time is the issue time of a forecast and
// step the offset from it; the power at a step is the mean power between
// that step and the next.
type ForecastHistory struct {
	IDs   []string
	Times []time.Time
	Steps []time.Duration

	// Power is row-major over (pv, time, step).
	Power []float64
}

// Validate checks the shape and that times and steps are strictly ascending.
func (h *ForecastHistory) Validate() error {
	if want := len(h.IDs) * len(h.Times) * len(h.Steps); len(h.Power) != want {
		return fmt.Errorf("forecast history has %d values, want %d", len(h.Power), want)
	}
	for i := 1; i < len(h.Times); i++ {
		if !h.Times[i].After(h.Times[i-1]) {
			return fmt.Errorf("forecast issue times are not strictly ascending at %d", i)
		}
	}
	for i := 1; i < len(h.Steps); i++ {
		if h.Steps[i] <= h.Steps[i-1] {
			return fmt.Errorf("forecast steps are not strictly ascending at %d", i)
		}
	}
	return nil
}

// PvIndex returns the position of id, or -1.
func (h *ForecastHistory) PvIndex(id string) int {
	for i, v := range h.IDs {
		if v == id {
			return i
		}
	}
	return -1
}

// At returns the power of pv p for issue t at step s.
func (h *ForecastHistory) At(p, t, s int) float64 {
	return h.Power[(p*len(h.Times)+t)*len(h.Steps)+s]
}

// LatestIssue returns the index of the last issue time at or before ts.
func (h *ForecastHistory) LatestIssue(ts time.Time) (int, bool) {
	return forwardFill(h.Times, ts)
}

// StepIndex returns the position of the step label equal to d, or -1.
func (h *ForecastHistory) StepIndex(d time.Duration) int {
	i := sort.Search(len(h.Steps), func(i int) bool { return h.Steps[i] >= d })
	if i < len(h.Steps) && h.Steps[i] == d {
		return i
	}
	return -1
}

// LoadForecastHistoryNetCDF reads a forecast history with dimensions
// (pv_id, time, step) and a "power" variable.
func LoadForecastHistoryNetCDF(path string) (*ForecastHistory, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	return forecastHistoryFromGroup(nc)
}

func forecastHistoryFromGroup(g ncGroup) (*ForecastHistory, error) {
	idVar, err := g.GetVariable(DimPvID)
	if err != nil {
		return nil, fmt.Errorf("id dimension: %w", err)
	}
	ids, err := toStrings(idVar.Values)
	if err != nil {
		return nil, fmt.Errorf("id dimension: %w", err)
	}

	timeVar, err := g.GetVariable(DimTime)
	if err != nil {
		return nil, fmt.Errorf("time dimension: %w", err)
	}
	times, err := decodeTimes(timeVar)
	if err != nil {
		return nil, fmt.Errorf("time dimension: %w", err)
	}

	stepVar, err := g.GetVariable(DimStep)
	if err != nil {
		return nil, fmt.Errorf("step dimension: %w", err)
	}
	steps, err := decodeDurations(stepVar)
	if err != nil {
		return nil, fmt.Errorf("step dimension: %w", err)
	}

	powerVar, err := g.GetVariable(VarPower)
	if err != nil {
		return nil, fmt.Errorf("power variable: %w", err)
	}
	if !sameDims(powerVar.Dimensions, DimPvID, DimTime, DimStep) {
		return nil, fmt.Errorf("power has dimensions %v, want [pv_id time step]", powerVar.Dimensions)
	}
	power, err := numericValues(powerVar)
	if err != nil {
		return nil, fmt.Errorf("power variable: %w", err)
	}

	h := &ForecastHistory{IDs: ids, Times: times, Steps: steps, Power: power}
	return h, h.Validate()
}
