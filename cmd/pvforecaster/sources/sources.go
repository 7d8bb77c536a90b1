// Package sources opens the forecaster's data sources and keeps the live
// ones up to date.
//
// File-backed sources (NetCDF PV, NWP and satellite data) are opened once.
// A live PV loader is queried on every refresh for the configured history
// window, and live weather forecasts are refetched once they are older than
// the weather refresh interval. A failed refresh keeps the previous data
// when there is some.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/gis"
	"github.com/HatiCode/pvsite/pkg/models"
	"github.com/HatiCode/pvsite/pkg/weather"
)

// Weather configures live forecasts fetched for every PV site.
type Weather struct {
	Client    *weather.OpenMeteoClient
	Name      string
	Variables []string
	Refresh   time.Duration
	Tolerance time.Duration
}

// Options tune a Manager.
type Options struct {
	// Loader overrides the live PV loader built from the configuration.
	Loader datasources.PvLoader

	// Client is used by the live PV loader built from the configuration.
	Client datasources.Fetcher

	// Weather enables live weather forecasts when its Client is set.
	Weather Weather

	Logger *slog.Logger
}

// Manager owns the data sources of the forecaster.
type Manager struct {
	pvConfig  datasources.PvConfig
	loader    datasources.PvLoader
	nwp       map[string]datasources.NwpDataSource
	satellite map[string]datasources.NwpDataSource
	weather   Weather
	logger    *slog.Logger

	mu           sync.Mutex
	pv           *datasources.PvSource
	sites        *weather.SiteSources
	sitesFetched time.Time
	numSites     int
}

// New opens the file-backed sources described by cfg.
func New(cfg *datasources.Config, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		pvConfig: cfg.PV,
		weather:  opts.Weather,
		logger:   logger.With("component", "sources"),
	}

	var err error
	if m.nwp, err = datasources.NewNwpSourcesFromConfig(cfg); err != nil {
		return nil, err
	}
	if m.satellite, err = datasources.NewSatelliteSourcesFromConfig(cfg); err != nil {
		return nil, err
	}
	if m.weather.Client != nil {
		if _, exists := m.nwp[m.weather.Name]; exists {
			return nil, fmt.Errorf("weather source name %q is already used by an nwp source", m.weather.Name)
		}
		if m.weather.Refresh <= 0 {
			m.weather.Refresh = time.Hour
		}
	}

	switch {
	case opts.Loader != nil:
		m.loader = opts.Loader
	case cfg.PV.IsLive():
		if m.loader, err = datasources.NewPvLoader(cfg.PV); err != nil {
			return nil, err
		}
		if opts.Client != nil {
			switch l := m.loader.(type) {
			case *datasources.HTTPPvLoader:
				l.Client = opts.Client
			case *datasources.PrometheusPvLoader:
				l.Client = opts.Client
			}
		}
	default:
		if m.pv, err = datasources.NewPvSourceFromConfig(cfg.PV); err != nil {
			return nil, err
		}
	}

	m.logger.Info("opened data sources",
		"pv", m.pvKind(),
		"nwp", len(m.nwp),
		"satellite", len(m.satellite),
		"weather", m.weather.Client != nil,
	)
	return m, nil
}

func (m *Manager) pvKind() string {
	if m.loader != nil {
		return m.loader.Name()
	}
	return "netcdf"
}

// Refresh reloads whatever is live and returns the sources to read from at
// now.
func (m *Manager) Refresh(ctx context.Context, now time.Time) (models.DataSources, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loader != nil {
		if err := m.refreshPV(ctx, now); err != nil {
			if m.pv == nil {
				return models.DataSources{}, err
			}
			m.logger.Warn("keeping previous pv data", "error", err)
		}
	}
	if m.weather.Client != nil {
		if err := m.refreshWeather(ctx, now); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return models.DataSources{}, err
			}
			m.logger.Warn("weather refresh failed", "error", err)
		}
	}

	nwp := maps.Clone(m.nwp)
	if nwp == nil {
		nwp = make(map[string]datasources.NwpDataSource)
	}
	if m.sites != nil {
		nwp[m.weather.Name] = m.sites
	}
	return models.DataSources{PV: m.pv, NWP: nwp, Satellite: m.satellite}, nil
}

func (m *Manager) refreshPV(ctx context.Context, now time.Time) error {
	window := m.pvConfig.Window
	if window <= 0 {
		window = datasources.DefaultLiveWindow
	}
	data, err := m.loader.Load(ctx, now.Add(-window), now)
	if err != nil {
		return fmt.Errorf("load pv data from %s: %w", m.loader.Name(), err)
	}
	pv, err := datasources.NewPvSourceFromDataset(data, m.pvConfig.PvSourceOptions)
	if err != nil {
		return fmt.Errorf("build pv source: %w", err)
	}
	m.pv = pv
	m.logger.Debug("refreshed pv data", "sites", len(data.IDs), "timestamps", data.Len())
	return nil
}

func (m *Manager) refreshWeather(ctx context.Context, now time.Time) error {
	sites := siteLocations(m.pv)
	if len(sites) == 0 {
		return errors.New("no pv site has coordinates")
	}
	if m.sites != nil && len(sites) == m.numSites && now.Sub(m.sitesFetched) < m.weather.Refresh {
		return nil
	}

	src, err := m.weather.Client.FetchSites(ctx, sites, m.weather.Variables, datasources.NwpOptions{Tolerance: m.weather.Tolerance})
	if err != nil {
		return err
	}
	m.sites = src
	m.sitesFetched = now
	m.numSites = len(sites)
	m.logger.Info("fetched weather forecasts", "sites", len(sites), "name", m.weather.Name)
	return nil
}

// siteLocations returns the distinct locations of the PV sites.
func siteLocations(pv *datasources.PvSource) []gis.LatLon {
	if pv == nil {
		return nil
	}
	data := pv.Dataset()
	seen := make(map[gis.LatLon]bool)
	var out []gis.LatLon
	for i := range data.IDs {
		lat, okLat := data.Coord(datasources.CoordLatitude, i)
		lon, okLon := data.Coord(datasources.CoordLongitude, i)
		if !okLat || !okLon || math.IsNaN(lat) || math.IsNaN(lon) {
			continue
		}
		p := gis.LatLon{Lat: lat, Lon: lon}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
