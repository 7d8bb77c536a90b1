package weather

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/gis"
)

func TestSiteSources_Get(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		lat := r.URL.Query().Get("latitude")
		lon := r.URL.Query().Get("longitude")
		// The radiation encodes the requested latitude so tests can tell sites apart.
		fmt.Fprintf(w, `{"latitude":%s,"longitude":%s,"hourly":{"time":["2024-06-01T00:00","2024-06-01T01:00"],"shortwave_radiation":[%s,%s]}}`, lat, lon, lat, lat)
	})

	sites := []gis.LatLon{{Lat: 50, Lon: 0}, {Lat: 55, Lon: -3}}
	src, err := c.FetchSites(context.Background(), sites, []string{"shortwave_radiation"}, datasources.NwpOptions{})
	if err != nil {
		t.Fatalf("FetchSites() error = %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", src.Len())
	}
	if got := src.ListVariables(); len(got) != 1 || got[0] != "shortwave_radiation" {
		t.Errorf("ListVariables() = %v", got)
	}

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		region datasources.Region
		want   float64
	}{
		{"nearest south", datasources.NearestRegion(50.1, 0.2), 50},
		{"nearest north", datasources.NearestRegion(54.5, -2.5), 55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cube, err := src.Get(now, []time.Time{now.Add(time.Hour)}, tt.region, 0)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got := cube.At(0, 0, 0, 0, 0); got != tt.want {
				t.Errorf("Get() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := src.Get(now, []time.Time{now}, datasources.Region{}, 0); !errors.Is(err, datasources.ErrInvalidRegion) {
		t.Errorf("Get() without location error = %v, want ErrInvalidRegion", err)
	}
	if _, err := src.Get(now, []time.Time{now}, datasources.BoxRegion(54, 56, -4, -2), 0); !errors.Is(err, datasources.ErrInvalidRegion) {
		t.Errorf("Get() with a box error = %v, want ErrInvalidRegion", err)
	}
}

func TestFetchSites_Errors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":true,"reason":"bad request"}`))
	})
	if _, err := c.FetchSites(context.Background(), nil, nil, datasources.NwpOptions{}); err == nil {
		t.Error("FetchSites() without sites should fail")
	}
	if _, err := c.FetchSites(context.Background(), []gis.LatLon{{Lat: 1, Lon: 2}}, nil, datasources.NwpOptions{}); err == nil {
		t.Error("FetchSites() should fail on an api error")
	}
}
