package datasources

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes every data source of a deployment. It is read from
// YAML:
//
//	pv:
//	  kind: netcdf
//	  path: /data/pv.nc
//	  lag_minutes: 30
//	nwp:
//	  ukv:
//	    paths: [/data/ukv.nc]
//	    coord_system: 27700
//	    tolerance: 6h
//	satellite:
//	  seviri:
//	    paths: [/data/sat.nc]
type Config struct {
	PV        PvConfig             `yaml:"pv"`
	NWP       map[string]NwpConfig `yaml:"nwp"`
	Satellite map[string]NwpConfig `yaml:"satellite"`
}

// PvConfig selects and configures the PV source.
type PvConfig struct {
	// Kind is "netcdf" (default), "http", "prometheus" or "victoriametrics".
	Kind string `yaml:"kind"`

	// Path is used by the netcdf kind.
	Path string `yaml:"path"`

	PvSourceOptions `yaml:",inline"`

	// Window is how much history live loaders fetch. Defaults to 8 days.
	Window time.Duration `yaml:"window"`

	HTTP       *HTTPLoaderConfig       `yaml:"http"`
	Prometheus *PrometheusLoaderConfig `yaml:"prometheus"`
}

// HTTPLoaderConfig configures an HTTPPvLoader.
type HTTPLoaderConfig struct {
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"`
	Headers         map[string]string `yaml:"headers"`
	Body            string            `yaml:"body"`
	PvIDs           []string          `yaml:"pv_ids"`
	ValuePath       string            `yaml:"value_path"`
	TimestampPath   string            `yaml:"timestamp_path"`
	TimestampFormat string            `yaml:"timestamp_format"`
	LatitudePath    string            `yaml:"latitude_path"`
	LongitudePath   string            `yaml:"longitude_path"`
	TemplateVars    map[string]string `yaml:"template_vars"`
}

// PrometheusLoaderConfig configures a PrometheusPvLoader.
type PrometheusLoaderConfig struct {
	URL         string `yaml:"url"`
	Query       string `yaml:"query"`
	PvLabel     string `yaml:"pv_label"`
	StepSeconds int    `yaml:"step_seconds"`
}

// NwpConfig configures an NWP or satellite source.
type NwpConfig struct {
	Paths      []string `yaml:"paths"`
	NwpOptions `yaml:",inline"`
}

var defaultQueryURLs = map[string]string{
	"prometheus":      "http://localhost:9090",
	"victoriametrics": "http://localhost:8428",
}

// DefaultLiveWindow is the history fetched by live PV loaders.
const DefaultLiveWindow = 8 * 24 * time.Hour

// LoadConfig reads a YAML data source configuration. Unknown fields are
// rejected.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data source config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses a YAML data source configuration.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse data source config: %w", err)
	}
	if cfg.PV.Kind == "" {
		cfg.PV.Kind = "netcdf"
	}
	if cfg.PV.Window <= 0 {
		cfg.PV.Window = DefaultLiveWindow
	}
	return &cfg, nil
}

// IsLive reports whether the PV source is fetched from a live API rather
// than opened from a file.
func (c PvConfig) IsLive() bool {
	return c.Kind == "http" || c.Kind == "prometheus" || c.Kind == "victoriametrics"
}

// NewPvSourceFromConfig opens a file-backed PV source.
func NewPvSourceFromConfig(cfg PvConfig) (*PvSource, error) {
	switch cfg.Kind {
	case "", "netcdf":
		if cfg.Path == "" {
			return nil, errors.New("netcdf pv source requires 'path'")
		}
		return NewPvSource(cfg.Path, cfg.PvSourceOptions)
	default:
		return nil, fmt.Errorf("pv source kind %q is not file-backed; use NewPvLoader", cfg.Kind)
	}
}

// NewPvLoader builds a live PV loader.
//
// Supported kinds:
//   - "http": generic JSON API
//   - "prometheus": Prometheus-compatible range queries
//   - "victoriametrics": the same queries against VictoriaMetrics
func NewPvLoader(cfg PvConfig) (PvLoader, error) {
	switch cfg.Kind {
	case "http":
		h := cfg.HTTP
		if h == nil {
			return nil, errors.New("http pv loader requires an 'http' section")
		}
		loader := &HTTPPvLoader{
			URL:             h.URL,
			Method:          h.Method,
			Headers:         h.Headers,
			Body:            h.Body,
			PvIDs:           h.PvIDs,
			ValuePath:       h.ValuePath,
			TimestampPath:   h.TimestampPath,
			TimestampFormat: h.TimestampFormat,
			LatitudePath:    h.LatitudePath,
			LongitudePath:   h.LongitudePath,
			TemplateVars:    h.TemplateVars,
		}
		if err := loader.ValidateConfig(); err != nil {
			return nil, fmt.Errorf("http pv loader: %w", err)
		}
		return loader, nil

	case "prometheus", "victoriametrics":
		p := cfg.Prometheus
		if p == nil || p.Query == "" {
			return nil, fmt.Errorf("%s pv loader requires 'prometheus.query'", cfg.Kind)
		}
		url := p.URL
		if url == "" {
			url = defaultQueryURLs[cfg.Kind]
		}
		return &PrometheusPvLoader{
			ServerURL:   url,
			Query:       p.Query,
			PvLabel:     p.PvLabel,
			StepSeconds: p.StepSeconds,
		}, nil

	default:
		return nil, fmt.Errorf("unknown live pv source kind: %s (must be http, prometheus or victoriametrics)", cfg.Kind)
	}
}

// NewNwpSourcesFromConfig opens every configured NWP source.
func NewNwpSourcesFromConfig(cfg *Config) (map[string]NwpDataSource, error) {
	out := make(map[string]NwpDataSource, len(cfg.NWP))
	for _, name := range sortedKeys(cfg.NWP) {
		c := cfg.NWP[name]
		s, err := NewNwpSource(c.Paths, c.NwpOptions)
		if err != nil {
			return nil, fmt.Errorf("nwp source %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// NewSatelliteSourcesFromConfig opens every configured satellite source.
func NewSatelliteSourcesFromConfig(cfg *Config) (map[string]NwpDataSource, error) {
	out := make(map[string]NwpDataSource, len(cfg.Satellite))
	for _, name := range sortedKeys(cfg.Satellite) {
		c := cfg.Satellite[name]
		s, err := NewSatelliteSource(c.Paths, c.NwpOptions)
		if err != nil {
			return nil, fmt.Errorf("satellite source %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
