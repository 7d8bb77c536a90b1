package datasources

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/HatiCode/pvsite/pkg/gis"
)

var (
	// ErrNoNwpAvailable is returned when no forecast was issued before "now",
	// or the latest one is older than the tolerance.
	ErrNoNwpAvailable = errors.New("no nwp data available")

	// ErrTimestampBeforeNow is returned when asking for data before "now".
	ErrTimestampBeforeNow = errors.New("timestamp is before now")
)

// NwpDataSource gives access to gridded weather forecasts.
type NwpDataSource interface {
	// Get returns, for the latest forecast issued at or before now (minus
	// the source lag), the values for each timestamp within region. A zero
	// tolerance falls back to the source default.
	Get(now time.Time, timestamps []time.Time, region Region, tolerance time.Duration) (*Cube, error)

	ListVariables() []string

	// Tolerance is the configured maximum age of a forecast; zero means unlimited.
	Tolerance() time.Duration
}

// NwpOptions configures an NwpSource.
type NwpOptions struct {
	// CoordSystem is the EPSG code of the x/y axes. Defaults to 4326 in
	// which case x is latitude and y is longitude.
	CoordSystem int `yaml:"coord_system" json:"coord_system,omitempty"`

	// CRS, when set, is used instead of CoordSystem. It accepts anything
	// PROJ understands.
	CRS string `yaml:"crs" json:"crs,omitempty"`

	XDim        string `yaml:"x_dim" json:"x_dim,omitempty"`
	YDim        string `yaml:"y_dim" json:"y_dim,omitempty"`
	TimeDim     string `yaml:"time_dim" json:"time_dim,omitempty"`
	StepDim     string `yaml:"step_dim" json:"step_dim,omitempty"`
	VariableDim string `yaml:"variable_dim" json:"variable_dim,omitempty"`
	ValueName   string `yaml:"value_name" json:"value_name,omitempty"`

	XDescending bool `yaml:"x_descending" json:"x_descending,omitempty"`
	YDescending bool `yaml:"y_descending" json:"y_descending,omitempty"`

	LagMinutes float64       `yaml:"lag_minutes" json:"lag_minutes,omitempty"`
	Tolerance  time.Duration `yaml:"tolerance" json:"tolerance,omitempty"`

	// Variables restricts the source to a subset of variables.
	Variables []string `yaml:"variables" json:"variables,omitempty"`

	// NoStepFilter keeps every step instead of picking the step nearest to
	// each requested timestamp.
	NoStepFilter bool `yaml:"no_step_filter" json:"no_step_filter,omitempty"`
}

func (o NwpOptions) withDefaults() NwpOptions {
	if o.CoordSystem == 0 {
		o.CoordSystem = gis.EPSGLatLon
	}
	if o.XDim == "" {
		o.XDim = DimX
	}
	if o.YDim == "" {
		o.YDim = DimY
	}
	if o.TimeDim == "" {
		o.TimeDim = DimTime
	}
	if o.StepDim == "" {
		o.StepDim = DimStep
	}
	if o.VariableDim == "" {
		o.VariableDim = DimVariable
	}
	if o.ValueName == "" {
		o.ValueName = VarValue
	}
	return o
}

func (o NwpOptions) crs() string {
	if o.CRS != "" {
		return o.CRS
	}
	return fmt.Sprintf("EPSG:%d", o.CoordSystem)
}

// NwpSourceState is the persisted form of an NwpSource.
type NwpSourceState struct {
	Kind    string     `json:"kind"`
	Paths   []string   `json:"paths"`
	Options NwpOptions `json:"options"`
}

// NwpSource is an NwpDataSource backed by an in-memory Cube.
type NwpSource struct {
	paths       []string
	opts        NwpOptions
	data        *Cube
	transformer PointTransformer
}

// NewNwpSource opens and concatenates the NetCDF files at paths along the
// time axis.
func NewNwpSource(paths []string, opts NwpOptions) (*NwpSource, error) {
	opts = opts.withDefaults()

	cube, err := loadCubes(paths, opts)
	if err != nil {
		return nil, err
	}
	s, err := newNwpSource(cube, opts)
	if err != nil {
		return nil, err
	}
	s.paths = paths
	return s, nil
}

// NewNwpSourceFromCube wraps an in-memory cube. The cube is left untouched,
// but a cube already in time order is shared and must not be modified
// afterwards.
func NewNwpSourceFromCube(cube *Cube, opts NwpOptions) (*NwpSource, error) {
	return newNwpSource(cube, opts.withDefaults())
}

// NewNwpSourceFromState reopens a persisted source.
func NewNwpSourceFromState(state NwpSourceState) (NwpDataSource, error) {
	if len(state.Paths) == 0 {
		return nil, ErrNotPersistable
	}
	if state.Kind == "satellite" {
		s, err := NewSatelliteSource(state.Paths, state.Options)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewNwpSource(state.Paths, state.Options)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func loadCubes(paths []string, opts NwpOptions) (*Cube, error) {
	if len(paths) == 0 {
		return nil, errors.New("no nwp path given")
	}
	cubes := make([]*Cube, 0, len(paths))
	for _, p := range paths {
		c, err := LoadCubeNetCDF(p, opts)
		if err != nil {
			return nil, fmt.Errorf("open nwp data %s: %w", p, err)
		}
		cubes = append(cubes, c)
	}
	return ConcatCubesOnTime(cubes...)
}

func newNwpSource(cube *Cube, opts NwpOptions) (*NwpSource, error) {
	if opts.Variables != nil {
		idx := make([]int, len(opts.Variables))
		for i, name := range opts.Variables {
			j := cube.VariableIndex(name)
			if j < 0 {
				return nil, fmt.Errorf("variable %q not in nwp data", name)
			}
			idx[i] = j
		}
		cube = cube.Select(nil, nil, nil, nil, idx)
	}
	cube = cube.sortedByTime()
	if err := cube.Validate(); err != nil {
		return nil, err
	}

	tr, err := gis.NewCoordinateTransformer(gis.EPSGLatLonCRS, opts.crs())
	if err != nil {
		return nil, err
	}

	return &NwpSource{opts: opts, data: cube, transformer: tr}, nil
}

// ListVariables implements NwpDataSource.
func (s *NwpSource) ListVariables() []string {
	return append([]string(nil), s.data.Variables...)
}

// Tolerance implements NwpDataSource.
func (s *NwpSource) Tolerance() time.Duration { return s.opts.Tolerance }

// Cube returns the underlying data.
func (s *NwpSource) Cube() *Cube { return s.data }

// State returns the persisted form of the source.
func (s *NwpSource) State() (NwpSourceState, error) {
	if len(s.paths) == 0 {
		return NwpSourceState{}, ErrNotPersistable
	}
	return NwpSourceState{Kind: "nwp", Paths: s.paths, Options: s.opts}, nil
}

// Get implements NwpDataSource.
//
// The returned cube has a single init time. With step filtering on, it has
// one step per requested timestamp, in the same order.
func (s *NwpSource) Get(now time.Time, timestamps []time.Time, region Region, tolerance time.Duration) (*Cube, error) {
	for _, t := range timestamps {
		if t.Before(now) {
			return nil, fmt.Errorf("%w: %s < %s", ErrTimestampBeforeNow, t, now)
		}
	}
	if tolerance <= 0 {
		tolerance = s.opts.Tolerance
	}

	lag := time.Duration(s.opts.LagMinutes * float64(time.Minute))
	target := now.Add(-lag)

	ti, ok := forwardFill(s.data.Times, target)
	if !ok {
		return nil, fmt.Errorf("%w: nothing issued before %s", ErrNoNwpAvailable, target)
	}
	initTime := s.data.Times[ti]
	if tolerance > 0 && target.Sub(initTime) > tolerance {
		return nil, fmt.Errorf("%w: latest forecast %s is older than %s", ErrNoNwpAvailable, initTime, tolerance)
	}

	cube := s.data.Select([]int{ti}, nil, nil, nil, nil)

	cube, err := SliceOnLatLon(cube, region, s.transformer, !s.opts.XDescending, !s.opts.YDescending)
	if err != nil {
		return nil, err
	}

	if s.opts.NoStepFilter {
		return cube, nil
	}

	if len(cube.Steps) == 0 {
		return nil, fmt.Errorf("%w: forecast %s has no step", ErrNoNwpAvailable, initTime)
	}
	steps := make([]int, len(timestamps))
	for i, t := range timestamps {
		steps[i] = nearestStep(cube.Steps, t.Sub(initTime))
	}
	return cube.Select(nil, steps, nil, nil, nil), nil
}

// forwardFill returns the index of the last time at or before t.
func forwardFill(times []time.Time, t time.Time) (int, bool) {
	i := sort.Search(len(times), func(i int) bool { return times[i].After(t) })
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

func nearestStep(steps []time.Duration, d time.Duration) int {
	best := 0
	var bestDist time.Duration = -1
	for i, s := range steps {
		dist := s - d
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

// ConcatCubesOnTime stacks cubes that share their step, x, y and variable
// labels along the time axis.
func ConcatCubesOnTime(cubes ...*Cube) (*Cube, error) {
	if len(cubes) == 0 {
		return nil, errors.New("no cube to concatenate")
	}
	if len(cubes) == 1 {
		return cubes[0], nil
	}
	first := cubes[0]
	out := &Cube{
		Steps:     first.Steps,
		X:         first.X,
		Y:         first.Y,
		Variables: first.Variables,
		Attrs:     first.Attrs,
	}
	for i, c := range cubes {
		s, f := c.Shape(), first.Shape()
		if s[1] != f[1] || s[2] != f[2] || s[3] != f[3] || s[4] != f[4] {
			return nil, fmt.Errorf("cube %d has shape %v, incompatible with %v", i, s, f)
		}
		out.Times = append(out.Times, c.Times...)
		out.Values = append(out.Values, c.Values...)
	}
	out = out.sortedByTime()
	return out, out.Validate()
}
