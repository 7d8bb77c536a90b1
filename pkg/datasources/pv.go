package datasources

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrUnknownPvID is returned when a requested PV id is not in the data,
	// including ids that were explicitly ignored.
	ErrUnknownPvID = errors.New("unknown pv id")

	// ErrNotPersistable is returned when asking for the state of a source
	// that was built from in-memory data.
	ErrNotPersistable = errors.New("data source was not built from a path and cannot be persisted")
)

// availabilityEpsilon is removed on top of the lag so that a value stamped
// exactly at the availability time is excluded.
const availabilityEpsilon = time.Second

// PvDataSource gives access to PV observations.
type PvDataSource interface {
	// Get returns the observations of ids between start and end, both
	// inclusive. A zero start or end means unbounded.
	Get(ids []string, start, end time.Time) (*PvDataset, error)

	ListPvIDs() []string

	// MinTS and MaxTS return the first and last timestamps visible to this
	// source. They are zero when the source holds no timestamp.
	MinTS() time.Time
	MaxTS() time.Time

	// AsAvailableAt returns a view that hides everything that was not yet
	// available at t, accounting for the configured lag.
	AsAvailableAt(t time.Time) PvDataSource

	ListDataVariables() []string
}

// PvSourceOptions configures a PvSource.
type PvSourceOptions struct {
	// TimestampDim and IDDim name the dimensions in the raw data.
	// They default to "ts" and "pv_id".
	TimestampDim string `yaml:"timestamp_dim" json:"timestamp_dim,omitempty"`
	IDDim        string `yaml:"id_dim" json:"id_dim,omitempty"`

	// Rename maps raw variable or coordinate names to the names used by models.
	Rename map[string]string `yaml:"rename" json:"rename,omitempty"`

	// IgnorePvIDs are dropped entirely from the data.
	IgnorePvIDs []string `yaml:"ignore_pv_ids" json:"ignore_pv_ids,omitempty"`

	// LagMinutes is the delay before data is available in practice.
	// AsAvailableAt subtracts it from the requested time.
	LagMinutes float64 `yaml:"lag_minutes" json:"lag_minutes,omitempty"`
}

func (o PvSourceOptions) withDefaults() PvSourceOptions {
	if o.TimestampDim == "" {
		o.TimestampDim = DimTS
	}
	if o.IDDim == "" {
		o.IDDim = DimPvID
	}
	return o
}

// PvSourceState is the persisted form of a PvSource. Data is never part of
// the state; it is reloaded from Path.
type PvSourceState struct {
	Path    string          `json:"path"`
	Options PvSourceOptions `json:"options"`
}

// PvSource is a PvDataSource backed by a PvDataset held in memory. Sources
// built from a path can be persisted as a PvSourceState.
//
// Views returned by AsAvailableAt share the dataset with their parent.
type PvSource struct {
	path  string
	opts  PvSourceOptions
	data  *PvDataset
	index map[string]int

	// maxTS bounds what this view can see; zero means unbounded.
	maxTS time.Time
}

// NewPvSource opens the NetCDF file at path.
func NewPvSource(path string, opts PvSourceOptions) (*PvSource, error) {
	opts = opts.withDefaults()

	raw, err := LoadPvDatasetNetCDF(path, opts.IDDim, opts.TimestampDim)
	if err != nil {
		return nil, fmt.Errorf("open pv data %s: %w", path, err)
	}

	s, err := newPvSource(raw, opts)
	if err != nil {
		return nil, fmt.Errorf("prepare pv data %s: %w", path, err)
	}
	s.path = path
	return s, nil
}

// NewPvSourceFromDataset wraps an in-memory dataset. The dimension name
// options are ignored since the dataset is already labelled.
func NewPvSourceFromDataset(data *PvDataset, opts PvSourceOptions) (*PvSource, error) {
	return newPvSource(data, opts.withDefaults())
}

// NewPvSourceFromState reopens a persisted source.
func NewPvSourceFromState(state PvSourceState) (*PvSource, error) {
	if state.Path == "" {
		return nil, ErrNotPersistable
	}
	return NewPvSource(state.Path, state.Options)
}

func newPvSource(raw *PvDataset, opts PvSourceOptions) (*PvSource, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	data := &PvDataset{
		Times:  raw.Times,
		Vars:   make(map[string][][]float64, len(raw.Vars)),
		Coords: make(map[string][]float64, len(raw.Coords)),
	}
	for name, v := range raw.Vars {
		data.Vars[renamed(opts.Rename, name)] = v
	}
	for name, v := range raw.Coords {
		data.Coords[renamed(opts.Rename, name)] = v
	}

	ignored := make(map[string]struct{}, len(opts.IgnorePvIDs))
	for _, id := range opts.IgnorePvIDs {
		ignored[id] = struct{}{}
	}

	keep := make([]int, 0, len(raw.IDs))
	for i, id := range raw.IDs {
		if _, skip := ignored[id]; skip {
			continue
		}
		keep = append(keep, i)
	}
	if removed := len(raw.IDs) - len(keep); removed > 0 {
		slog.Debug("removed ignored pv ids", "count", removed)
	}

	full := &PvDataset{IDs: raw.IDs, Times: data.Times, Vars: data.Vars, Coords: data.Coords}
	data = full.subset(keep, 0, len(full.Times))

	index := make(map[string]int, len(data.IDs))
	for i, id := range data.IDs {
		index[id] = i
	}

	return &PvSource{opts: opts, data: data, index: index}, nil
}

func renamed(m map[string]string, name string) string {
	if to, ok := m[name]; ok {
		return to
	}
	return name
}

// Get implements PvDataSource.
func (s *PvSource) Get(ids []string, start, end time.Time) (*PvDataset, error) {
	rows := make([]int, len(ids))
	for i, id := range ids {
		r, ok := s.index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPvID, id)
		}
		rows[i] = r
	}

	end = minTime(s.maxTS, end)
	lo, hi := s.data.timeRange(start, end)
	return s.data.subset(rows, lo, hi), nil
}

// GetOne is Get for a single PV id.
func (s *PvSource) GetOne(id string, start, end time.Time) (*PvDataset, error) {
	return s.Get([]string{id}, start, end)
}

// ListPvIDs implements PvDataSource.
func (s *PvSource) ListPvIDs() []string {
	return append([]string(nil), s.data.IDs...)
}

// MinTS implements PvDataSource.
func (s *PvSource) MinTS() time.Time {
	if len(s.data.Times) == 0 {
		return time.Time{}
	}
	return s.data.Times[0]
}

// MaxTS implements PvDataSource.
func (s *PvSource) MaxTS() time.Time {
	if len(s.data.Times) == 0 {
		return time.Time{}
	}
	return minTime(s.data.Times[len(s.data.Times)-1], s.maxTS)
}

// AsAvailableAt implements PvDataSource.
func (s *PvSource) AsAvailableAt(t time.Time) PvDataSource {
	lag := time.Duration(s.opts.LagMinutes * float64(time.Minute))
	now := t.Add(-lag - availabilityEpsilon)

	view := *s
	view.maxTS = minTime(s.maxTS, now)
	return &view
}

// ListDataVariables implements PvDataSource.
func (s *PvSource) ListDataVariables() []string {
	return s.data.VariableNames()
}

// Dataset returns the underlying data, ignoring any availability bound.
func (s *PvSource) Dataset() *PvDataset { return s.data }

// State returns the persisted form of the source.
func (s *PvSource) State() (PvSourceState, error) {
	if s.path == "" {
		return PvSourceState{}, ErrNotPersistable
	}
	return PvSourceState{Path: s.path, Options: s.opts}, nil
}

// minTime returns the earlier of a and b, where a zero time counts as
// "no bound".
func minTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
