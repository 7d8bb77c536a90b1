// Package datasources loads PV, NWP and satellite data and exposes it to
// models through time-aware views.
//
// PV data is a table indexed by PV id and timestamp (PvDataset). NWP and
// satellite data are labelled cubes indexed by init time, step, x, y and
// variable (Cube). Every source can be restricted with AsAvailableAt so that
// a model evaluated "as of" some time never sees data from after that time.
//
// Loaders for NetCDF files, generic JSON HTTP APIs and Prometheus are
// provided; all of them produce the same in-memory types.
package datasources

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Dimension and variable names used once data is loaded.
const (
	DimPvID = "pv_id"
	DimTS   = "ts"

	VarPower = "power"

	CoordLatitude  = "latitude"
	CoordLongitude = "longitude"
)

// PvDataset is a table of PV observations. Every variable holds one row per
// PV id and one column per timestamp; coordinates hold one scalar per PV id.
//
// Times must be strictly ascending.
type PvDataset struct {
	IDs    []string
	Times  []time.Time
	Vars   map[string][][]float64
	Coords map[string][]float64
}

// Validate checks the shape invariants of the dataset.
func (d *PvDataset) Validate() error {
	for i := 1; i < len(d.Times); i++ {
		if !d.Times[i].After(d.Times[i-1]) {
			return fmt.Errorf("timestamps not strictly ascending at index %d (%s after %s)",
				i, d.Times[i], d.Times[i-1])
		}
	}
	seen := make(map[string]struct{}, len(d.IDs))
	for _, id := range d.IDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate pv id %q", id)
		}
		seen[id] = struct{}{}
	}
	for name, rows := range d.Vars {
		if len(rows) != len(d.IDs) {
			return fmt.Errorf("variable %q has %d rows, want %d", name, len(rows), len(d.IDs))
		}
		for i, row := range rows {
			if len(row) != len(d.Times) {
				return fmt.Errorf("variable %q row %d has %d values, want %d", name, i, len(row), len(d.Times))
			}
		}
	}
	for name, values := range d.Coords {
		if len(values) != len(d.IDs) {
			return fmt.Errorf("coordinate %q has %d values, want %d", name, len(values), len(d.IDs))
		}
	}
	return nil
}

// Len returns the number of timestamps.
func (d *PvDataset) Len() int { return len(d.Times) }

// Empty reports whether the dataset holds no observation.
func (d *PvDataset) Empty() bool { return len(d.IDs) == 0 || len(d.Times) == 0 }

// Has reports whether the dataset holds variable name.
func (d *PvDataset) Has(name string) bool {
	_, ok := d.Vars[name]
	return ok
}

// Series returns the values of variable name for the i-th PV. Missing
// variables yield NaNs.
func (d *PvDataset) Series(name string, i int) []float64 {
	rows, ok := d.Vars[name]
	if !ok || i < 0 || i >= len(rows) {
		out := make([]float64, len(d.Times))
		for j := range out {
			out[j] = math.NaN()
		}
		return out
	}
	return rows[i]
}

// Coord returns coordinate name of the i-th PV.
func (d *PvDataset) Coord(name string, i int) (float64, bool) {
	values, ok := d.Coords[name]
	if !ok || i < 0 || i >= len(values) {
		return math.NaN(), false
	}
	return values[i], true
}

// VariableNames returns the variable names in sorted order.
func (d *PvDataset) VariableNames() []string {
	names := make([]string, 0, len(d.Vars))
	for name := range d.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// timeRange returns the [lo, hi) index range of timestamps within
// [start, end]. Zero start or end means unbounded.
func (d *PvDataset) timeRange(start, end time.Time) (int, int) {
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(d.Times), func(i int) bool { return !d.Times[i].Before(start) })
	}
	hi := len(d.Times)
	if !end.IsZero() {
		hi = sort.Search(len(d.Times), func(i int) bool { return d.Times[i].After(end) })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// subset returns a dataset restricted to the given PV rows and the [lo, hi)
// timestamp range. Slices are shared with d.
func (d *PvDataset) subset(rows []int, lo, hi int) *PvDataset {
	out := &PvDataset{
		IDs:    make([]string, len(rows)),
		Times:  d.Times[lo:hi],
		Vars:   make(map[string][][]float64, len(d.Vars)),
		Coords: make(map[string][]float64, len(d.Coords)),
	}
	for i, r := range rows {
		out.IDs[i] = d.IDs[r]
	}
	for name, values := range d.Vars {
		sel := make([][]float64, len(rows))
		for i, r := range rows {
			sel[i] = values[r][lo:hi]
		}
		out.Vars[name] = sel
	}
	for name, values := range d.Coords {
		sel := make([]float64, len(rows))
		for i, r := range rows {
			sel[i] = values[r]
		}
		out.Coords[name] = sel
	}
	return out
}

// MergePvDatasets combines datasets that cover disjoint PV ids into one. The
// time axis is the sorted union of all timestamps; missing values are NaN.
func MergePvDatasets(parts ...*PvDataset) (*PvDataset, error) {
	if len(parts) == 0 {
		return nil, errors.New("no dataset to merge")
	}

	timeSet := make(map[int64]time.Time)
	for _, p := range parts {
		for _, t := range p.Times {
			timeSet[t.UnixNano()] = t
		}
	}
	times := make([]time.Time, 0, len(timeSet))
	for _, t := range timeSet {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	pos := make(map[int64]int, len(times))
	for i, t := range times {
		pos[t.UnixNano()] = i
	}

	out := &PvDataset{
		Times:  times,
		Vars:   make(map[string][][]float64),
		Coords: make(map[string][]float64),
	}
	for _, p := range parts {
		out.IDs = append(out.IDs, p.IDs...)
	}

	offset := 0
	for _, p := range parts {
		for name, rows := range p.Vars {
			dst := out.Vars[name]
			if dst == nil {
				dst = nanMatrix(len(out.IDs), len(times))
				out.Vars[name] = dst
			}
			for i, row := range rows {
				for j, v := range row {
					dst[offset+i][pos[p.Times[j].UnixNano()]] = v
				}
			}
		}
		for name, values := range p.Coords {
			dst := out.Coords[name]
			if dst == nil {
				dst = nanVector(len(out.IDs))
				out.Coords[name] = dst
			}
			copy(dst[offset:], values)
		}
		offset += len(p.IDs)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func nanVector(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func nanMatrix(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = nanVector(cols)
	}
	return out
}
