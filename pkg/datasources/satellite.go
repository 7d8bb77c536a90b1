package datasources

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AreaAttr is the attribute of the satellite value array that describes
// its projection.
const AreaAttr = "area"

// SatelliteSource is an NwpSource over geostationary satellite imagery.
// Images have no forecast step, so step filtering is always off, and the
// CRS is read from the dataset itself.
type SatelliteSource struct {
	*NwpSource
}

func satelliteOptions(opts NwpOptions) NwpOptions {
	opts.NoStepFilter = true
	if opts.XDim == "" {
		opts.XDim = "x_geostationary"
	}
	if opts.YDim == "" {
		opts.YDim = "y_geostationary"
	}
	if opts.ValueName == "" {
		opts.ValueName = "data"
	}
	return opts.withDefaults()
}

// NewSatelliteSource opens the NetCDF files at paths.
func NewSatelliteSource(paths []string, opts NwpOptions) (*SatelliteSource, error) {
	opts = satelliteOptions(opts)
	cube, err := loadCubes(paths, opts)
	if err != nil {
		return nil, err
	}
	s, err := newSatelliteSource(cube, opts)
	if err != nil {
		return nil, err
	}
	s.paths = paths
	return s, nil
}

// NewSatelliteSourceFromCube wraps an in-memory cube. The cube must carry
// the area attribute.
func NewSatelliteSourceFromCube(cube *Cube, opts NwpOptions) (*SatelliteSource, error) {
	return newSatelliteSource(cube, satelliteOptions(opts))
}

func newSatelliteSource(cube *Cube, opts NwpOptions) (*SatelliteSource, error) {
	area, ok := cube.Attrs[AreaAttr]
	if !ok {
		return nil, fmt.Errorf("satellite data has no %q attribute", AreaAttr)
	}
	crs, err := ParseAreaCRS(area)
	if err != nil {
		return nil, fmt.Errorf("parse area definition: %w", err)
	}
	opts.CRS = crs

	s, err := newNwpSource(cube, opts)
	if err != nil {
		return nil, err
	}
	return &SatelliteSource{NwpSource: s}, nil
}

// State returns the persisted form of the source.
func (s *SatelliteSource) State() (NwpSourceState, error) {
	state, err := s.NwpSource.State()
	if err != nil {
		return state, err
	}
	state.Kind = "satellite"
	// The CRS is read back from the data on load.
	state.Options.CRS = ""
	return state, nil
}

// ParseAreaCRS extracts a CRS definition usable by PROJ from an area
// definition. The definition is either a PROJ string, an "EPSG:<code>"
// string, or a YAML area definition of the form
//
//	msg_seviri_rss_3km:
//	  projection:
//	    proj: geos
//	    lon_0: 9.5
//	    h: 35785831
//	    ...
//
// where projection may also be a single PROJ or WKT string.
func ParseAreaCRS(area string) (string, error) {
	trimmed := strings.TrimSpace(area)
	if strings.HasPrefix(trimmed, "+") || strings.HasPrefix(strings.ToUpper(trimmed), "EPSG:") {
		return trimmed, nil
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(area), &doc); err != nil {
		return "", err
	}
	if len(doc) != 1 {
		return "", fmt.Errorf("expected a single area, got %d", len(doc))
	}

	for _, node := range doc {
		var def struct {
			Projection yaml.Node `yaml:"projection"`
		}
		if err := node.Decode(&def); err != nil {
			return "", err
		}
		switch def.Projection.Kind {
		case yaml.ScalarNode:
			return def.Projection.Value, nil
		case yaml.MappingNode:
			var params map[string]any
			if err := def.Projection.Decode(&params); err != nil {
				return "", err
			}
			return projString(params)
		}
	}
	return "", errors.New("area definition has no projection")
}

func projString(params map[string]any) (string, error) {
	if _, ok := params["proj"]; !ok {
		return "", errors.New("projection has no proj parameter")
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// proj first, as PROJ expects.
	sort.SliceStable(keys, func(i, j int) bool { return keys[i] == "proj" && keys[j] != "proj" })

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if params[k] == nil {
			parts = append(parts, "+"+k)
			continue
		}
		switch v := params[k].(type) {
		case float64:
			parts = append(parts, "+"+k+"="+strconv.FormatFloat(v, 'f', -1, 64))
		default:
			parts = append(parts, fmt.Sprintf("+%s=%v", k, v))
		}
	}
	return strings.Join(parts, " "), nil
}
