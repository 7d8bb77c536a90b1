package datasources

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// ncGroup is the part of a NetCDF group the loaders read from.
type ncGroup interface {
	ListVariables() []string
	GetVariable(name string) (*api.Variable, error)
}

// LoadPvDatasetNetCDF reads a PV dataset from a NetCDF file. Variables with
// dimensions (idDim, tsDim) become data variables; numeric variables along
// idDim alone become coordinates.
func LoadPvDatasetNetCDF(path, idDim, tsDim string) (*PvDataset, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	return pvDatasetFromGroup(nc, idDim, tsDim)
}

// LoadCubeNetCDF reads a gridded dataset from a NetCDF file. The value
// variable must be indexed by time, x, y and variable, and optionally step.
// A missing step dimension is read as a single zero step.
func LoadCubeNetCDF(path string, opts NwpOptions) (*Cube, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	return cubeFromGroup(nc, opts.withDefaults())
}

func pvDatasetFromGroup(g ncGroup, idDim, tsDim string) (*PvDataset, error) {
	idVar, err := g.GetVariable(idDim)
	if err != nil {
		return nil, fmt.Errorf("id dimension %q: %w", idDim, err)
	}
	ids, err := toStrings(idVar.Values)
	if err != nil {
		return nil, fmt.Errorf("id dimension %q: %w", idDim, err)
	}

	tsVar, err := g.GetVariable(tsDim)
	if err != nil {
		return nil, fmt.Errorf("timestamp dimension %q: %w", tsDim, err)
	}
	times, err := decodeTimes(tsVar)
	if err != nil {
		return nil, fmt.Errorf("timestamp dimension %q: %w", tsDim, err)
	}

	ds := &PvDataset{
		IDs:    ids,
		Times:  times,
		Vars:   make(map[string][][]float64),
		Coords: make(map[string][]float64),
	}

	for _, name := range g.ListVariables() {
		if name == idDim || name == tsDim {
			continue
		}
		v, err := g.GetVariable(name)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}

		switch {
		case sameDims(v.Dimensions, idDim, tsDim):
			values, err := numericValues(v)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", name, err)
			}
			ds.Vars[name] = reshape(values, len(ids), len(times), false)

		case sameDims(v.Dimensions, tsDim, idDim):
			values, err := numericValues(v)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", name, err)
			}
			ds.Vars[name] = reshape(values, len(ids), len(times), true)

		case sameDims(v.Dimensions, idDim):
			values, err := numericValues(v)
			if err != nil {
				// Non-numeric per-PV metadata is not used.
				continue
			}
			ds.Coords[name] = values
		}
	}

	return ds, ds.Validate()
}

// reshape turns a flat row-major matrix into [pv][ts] rows.
func reshape(values []float64, nIDs, nTimes int, transposed bool) [][]float64 {
	out := make([][]float64, nIDs)
	for i := range out {
		row := make([]float64, nTimes)
		for j := range row {
			if transposed {
				row[j] = values[j*nIDs+i]
			} else {
				row[j] = values[i*nTimes+j]
			}
		}
		out[i] = row
	}
	return out
}

func cubeFromGroup(g ncGroup, opts NwpOptions) (*Cube, error) {
	value, err := g.GetVariable(opts.ValueName)
	if err != nil {
		return nil, fmt.Errorf("value variable %q: %w", opts.ValueName, err)
	}

	canonical := map[string]string{
		opts.TimeDim:     DimTime,
		opts.StepDim:     DimStep,
		opts.XDim:        DimX,
		opts.YDim:        DimY,
		opts.VariableDim: DimVariable,
	}

	// Position of each canonical axis in the stored array.
	axis := map[string]int{}
	for i, d := range value.Dimensions {
		name, ok := canonical[d]
		if !ok {
			return nil, fmt.Errorf("unexpected dimension %q on %q", d, opts.ValueName)
		}
		axis[name] = i
	}
	for _, d := range []string{DimTime, DimX, DimY, DimVariable} {
		if _, ok := axis[d]; !ok {
			return nil, fmt.Errorf("dimension %q missing from %q", d, opts.ValueName)
		}
	}

	timeVar, err := g.GetVariable(opts.TimeDim)
	if err != nil {
		return nil, fmt.Errorf("time coordinate: %w", err)
	}
	times, err := decodeTimes(timeVar)
	if err != nil {
		return nil, fmt.Errorf("time coordinate: %w", err)
	}

	steps := []time.Duration{0}
	if _, ok := axis[DimStep]; ok {
		stepVar, err := g.GetVariable(opts.StepDim)
		if err != nil {
			return nil, fmt.Errorf("step coordinate: %w", err)
		}
		steps, err = decodeDurations(stepVar)
		if err != nil {
			return nil, fmt.Errorf("step coordinate: %w", err)
		}
	}

	xs, err := coordValues(g, opts.XDim)
	if err != nil {
		return nil, err
	}
	ys, err := coordValues(g, opts.YDim)
	if err != nil {
		return nil, err
	}
	varVar, err := g.GetVariable(opts.VariableDim)
	if err != nil {
		return nil, fmt.Errorf("variable coordinate: %w", err)
	}
	variables, err := toStrings(varVar.Values)
	if err != nil {
		return nil, fmt.Errorf("variable coordinate: %w", err)
	}

	raw, err := numericValues(value)
	if err != nil {
		return nil, fmt.Errorf("value variable %q: %w", opts.ValueName, err)
	}

	cube := NewCube(times, steps, xs, ys, variables)
	cube.Attrs = stringAttrs(value.Attributes)

	lengths := map[string]int{
		DimTime: len(times), DimStep: len(steps), DimX: len(xs), DimY: len(ys), DimVariable: len(variables),
	}
	if len(raw) != cube.size() {
		return nil, fmt.Errorf("value variable has %d values, want %d", len(raw), cube.size())
	}

	// Strides of the stored array, in stored order.
	strides := make([]int, len(value.Dimensions))
	stride := 1
	for i := len(value.Dimensions) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= lengths[canonical[value.Dimensions[i]]]
	}
	strideOf := func(name string) int {
		i, ok := axis[name]
		if !ok {
			return 0
		}
		return strides[i]
	}
	st, ss, sx, sy, sv := strideOf(DimTime), strideOf(DimStep), strideOf(DimX), strideOf(DimY), strideOf(DimVariable)

	for t := range times {
		for s := range steps {
			for x := range xs {
				for y := range ys {
					for v := range variables {
						cube.Set(t, s, x, y, v, raw[t*st+s*ss+x*sx+y*sy+v*sv])
					}
				}
			}
		}
	}
	return cube, nil
}

func coordValues(g ncGroup, name string) ([]float64, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("coordinate %q: %w", name, err)
	}
	out, err := toFloats(v.Values)
	if err != nil {
		return nil, fmt.Errorf("coordinate %q: %w", name, err)
	}
	return out, nil
}

func sameDims(dims []string, want ...string) bool {
	if len(dims) != len(want) {
		return false
	}
	for i := range dims {
		if dims[i] != want[i] {
			return false
		}
	}
	return true
}

// numericValues flattens a variable and applies the CF packing attributes
// (_FillValue, scale_factor, add_offset).
func numericValues(v *api.Variable) ([]float64, error) {
	values, err := toFloats(v.Values)
	if err != nil {
		return nil, err
	}
	fill, hasFill := floatAttr(v.Attributes, "_FillValue")
	scale, hasScale := floatAttr(v.Attributes, "scale_factor")
	offset, hasOffset := floatAttr(v.Attributes, "add_offset")
	for i, x := range values {
		if hasFill && x == fill {
			values[i] = math.NaN()
			continue
		}
		if hasScale {
			x *= scale
		}
		if hasOffset {
			x += offset
		}
		values[i] = x
	}
	return values, nil
}

// toFloats flattens nested numeric slices in row-major order.
func toFloats(v any) ([]float64, error) {
	var out []float64
	var walk func(r reflect.Value) error
	walk = func(r reflect.Value) error {
		switch r.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < r.Len(); i++ {
				if err := walk(r.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Float32, reflect.Float64:
			out = append(out, r.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out = append(out, float64(r.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out = append(out, float64(r.Uint()))
		case reflect.Interface:
			return walk(r.Elem())
		default:
			return fmt.Errorf("unsupported value type %s", r.Type())
		}
		return nil
	}
	if v == nil {
		return nil, errors.New("no values")
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}

// toStrings reads labels that are stored either as strings or as numbers.
func toStrings(v any) ([]string, error) {
	switch vals := v.(type) {
	case []string:
		return vals, nil
	case string:
		return []string{vals}, nil
	}
	floats, err := toFloats(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(floats))
	for i, f := range floats {
		out[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return out, nil
}

func floatAttr(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	raw, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	vals, err := toFloats(raw)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func stringAttrs(attrs api.AttributeMap) map[string]string {
	out := map[string]string{}
	if attrs == nil {
		return out
	}
	for _, k := range attrs.Keys() {
		raw, _ := attrs.Get(k)
		if s, ok := raw.(string); ok {
			out[k] = s
		}
	}
	return out
}

func unitsOf(v *api.Variable) (string, error) {
	if v.Attributes == nil {
		return "", errors.New("missing units attribute")
	}
	raw, ok := v.Attributes.Get("units")
	if !ok {
		return "", errors.New("missing units attribute")
	}
	units, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("units attribute has type %T", raw)
	}
	return strings.TrimSpace(units), nil
}

// decodeTimes decodes CF time values such as "minutes since 2020-01-01".
func decodeTimes(v *api.Variable) ([]time.Time, error) {
	units, err := unitsOf(v)
	if err != nil {
		return nil, err
	}
	unit, ref, found := strings.Cut(units, " since ")
	if !found {
		return nil, fmt.Errorf("unsupported time units %q", units)
	}
	step, err := unitDuration(unit)
	if err != nil {
		return nil, err
	}
	origin, err := parseReferenceTime(ref)
	if err != nil {
		return nil, err
	}
	values, err := toFloats(v.Values)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(values))
	for i, x := range values {
		out[i] = origin.Add(time.Duration(x * float64(step)))
	}
	return out, nil
}

// decodeDurations decodes CF timedelta values whose units are a bare unit
// such as "hours".
func decodeDurations(v *api.Variable) ([]time.Duration, error) {
	units, err := unitsOf(v)
	if err != nil {
		return nil, err
	}
	step, err := unitDuration(units)
	if err != nil {
		return nil, err
	}
	values, err := toFloats(v.Values)
	if err != nil {
		return nil, err
	}
	out := make([]time.Duration, len(values))
	for i, x := range values {
		out[i] = time.Duration(x * float64(step))
	}
	return out, nil
}

func unitDuration(unit string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "nanoseconds", "nanosecond", "ns":
		return time.Nanosecond, nil
	case "microseconds", "microsecond", "us":
		return time.Microsecond, nil
	case "milliseconds", "millisecond", "ms":
		return time.Millisecond, nil
	case "seconds", "second", "s", "sec", "secs":
		return time.Second, nil
	case "minutes", "minute", "min", "mins":
		return time.Minute, nil
	case "hours", "hour", "h", "hr", "hrs":
		return time.Hour, nil
	case "days", "day", "d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported time unit %q", unit)
	}
}

var referenceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999 -07:00",
	"2006-01-02 15:04:05 -07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04 -07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseReferenceTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, " UTC")
	s = strings.TrimSuffix(s, "+00:00")
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range referenceLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported reference time %q", s)
}
