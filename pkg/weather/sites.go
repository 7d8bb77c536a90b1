package weather

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/gis"
)

// maxConcurrentFetches bounds the requests FetchSites sends at once.
const maxConcurrentFetches = 4

// SiteSources is an NWP data source made of one single-point forecast per
// site. Queries are answered by the site closest to the requested region.
type SiteSources struct {
	sites     []gis.LatLon
	sources   []*datasources.NwpSource
	variables []string
	tolerance time.Duration
}

// FetchSites fetches the forecast of every site. Sites sharing a grid point
// are still fetched separately.
func (c *OpenMeteoClient) FetchSites(ctx context.Context, sites []gis.LatLon, variables []string, opts datasources.NwpOptions) (*SiteSources, error) {
	if len(sites) == 0 {
		return nil, errors.New("no site to fetch a forecast for")
	}
	if len(variables) == 0 {
		variables = DefaultVariables
	}

	sources := make([]*datasources.NwpSource, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, site := range sites {
		g.Go(func() error {
			src, err := c.Source(gctx, site.Lat, site.Lon, variables, opts)
			if err != nil {
				return fmt.Errorf("site (%g, %g): %w", site.Lat, site.Lon, err)
			}
			sources[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewSiteSources(sites, sources, opts.Tolerance)
}

// NewSiteSources pairs sites with their forecast sources.
func NewSiteSources(sites []gis.LatLon, sources []*datasources.NwpSource, tolerance time.Duration) (*SiteSources, error) {
	if len(sites) != len(sources) {
		return nil, fmt.Errorf("%d sites for %d sources", len(sites), len(sources))
	}
	if len(sites) == 0 {
		return nil, errors.New("no site")
	}
	return &SiteSources{
		sites:     sites,
		sources:   sources,
		variables: sources[0].ListVariables(),
		tolerance: tolerance,
	}, nil
}

// Len returns the number of sites.
func (s *SiteSources) Len() int { return len(s.sites) }

// ListVariables implements datasources.NwpDataSource.
func (s *SiteSources) ListVariables() []string { return s.variables }

// Tolerance implements datasources.NwpDataSource.
func (s *SiteSources) Tolerance() time.Duration { return s.tolerance }

// Get implements datasources.NwpDataSource. Only nearest-point regions are
// answered: a site forecast has no extent to slice a box from.
func (s *SiteSources) Get(now time.Time, timestamps []time.Time, region datasources.Region, tolerance time.Duration) (*datasources.Cube, error) {
	if region.Box != nil {
		return nil, fmt.Errorf("%w: site forecasts cannot be sliced by a box", datasources.ErrInvalidRegion)
	}
	if region.Nearest == nil {
		return nil, fmt.Errorf("%w: site forecasts need a location", datasources.ErrInvalidRegion)
	}
	center := *region.Nearest

	i := s.closest(center)
	site := s.sites[i]
	return s.sources[i].Get(now, timestamps, datasources.NearestRegion(site.Lat, site.Lon), tolerance)
}

func (s *SiteSources) closest(p gis.LatLon) int {
	best, bestDist := 0, math.Inf(1)
	for i, site := range s.sites {
		if d := gis.ApproxDistance(p, site); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
