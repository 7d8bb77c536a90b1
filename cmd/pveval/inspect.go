package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/HatiCode/pvsite/pkg/capacity"
	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/models"
)

// InspectCmd summarizes the configured data sources.
type InspectCmd struct {
	SourceFlags `embed:""`

	JSON bool `help:"Print the summary as JSON."`
}

// SiteSummary describes the readings of one PV site.
type SiteSummary struct {
	PvID      string   `json:"pv_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Readings  int      `json:"readings"`
	Capacity  *float64 `json:"capacity"`
}

// GriddedSummary describes an NWP or satellite source.
type GriddedSummary struct {
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Variables []string      `json:"variables"`
	Tolerance time.Duration `json:"tolerance_ns"`
}

// InspectReport is the summary of every source.
type InspectReport struct {
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Variables []string         `json:"variables"`
	Sites     []SiteSummary    `json:"sites"`
	Gridded   []GriddedSummary `json:"gridded"`
}

// Run prints the summary.
func (c *InspectCmd) Run(g *Globals) error {
	log := g.Logger.With("command", "inspect")
	ds, err := c.load(g.Context, log)
	if err != nil {
		return err
	}
	report, err := inspect(ds, c.PvIDs)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(g.Out, report)
	}
	return writeInspectReport(g.Out, report)
}

func inspect(ds models.DataSources, ids []string) (InspectReport, error) {
	if len(ids) == 0 {
		ids = ds.PV.ListPvIDs()
	}
	data, err := ds.PV.Get(ids, time.Time{}, time.Time{})
	if err != nil {
		return InspectReport{}, err
	}

	report := InspectReport{
		Start:     ds.PV.MinTS(),
		End:       ds.PV.MaxTS(),
		Variables: ds.PV.ListDataVariables(),
		Sites:     make([]SiteSummary, len(data.IDs)),
	}
	for i, id := range data.IDs {
		power := data.Series(datasources.VarPower, i)
		site := SiteSummary{
			PvID:     id,
			Readings: len(capacity.Finite(power)),
		}
		if lat, ok := data.Coord(datasources.CoordLatitude, i); ok {
			site.Latitude = &lat
		}
		if lon, ok := data.Coord(datasources.CoordLongitude, i); ok {
			site.Longitude = &lon
		}
		if capa := capacity.Estimate(power, capacity.DefaultQuantile); !math.IsNaN(capa) {
			site.Capacity = &capa
		}
		report.Sites[i] = site
	}

	report.Gridded = append(gridded("nwp", ds.NWP), gridded("satellite", ds.Satellite)...)
	return report, nil
}

func gridded(kind string, sources map[string]datasources.NwpDataSource) []GriddedSummary {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]GriddedSummary, 0, len(names))
	for _, name := range names {
		src := sources[name]
		out = append(out, GriddedSummary{
			Name:      name,
			Kind:      kind,
			Variables: src.ListVariables(),
			Tolerance: src.Tolerance(),
		})
	}
	return out
}

func writeInspectReport(w io.Writer, r InspectReport) error {
	fmt.Fprintf(w, "pv: %d sites from %s to %s, variables %v\n\n",
		len(r.Sites), r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Variables)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PV_ID\tLATITUDE\tLONGITUDE\tREADINGS\tCAPACITY")
	for _, s := range r.Sites {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.PvID, optional(s.Latitude), optional(s.Longitude), s.Readings, optional(s.Capacity))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Gridded) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tKIND\tTOLERANCE\tVARIABLES")
	for _, s := range r.Gridded {
		tolerance := "unlimited"
		if s.Tolerance > 0 {
			tolerance = s.Tolerance.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", s.Name, s.Kind, tolerance, s.Variables)
	}
	return tw.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v)
}
