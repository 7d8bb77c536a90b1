package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/httpx"
	"github.com/HatiCode/pvsite/pkg/weather"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeLoader struct {
	calls atomic.Int32
	fail  bool
}

func (l *fakeLoader) Name() string { return "fake" }

func (l *fakeLoader) Load(_ context.Context, start, end time.Time) (*datasources.PvDataset, error) {
	l.calls.Add(1)
	if l.fail {
		return nil, errors.New("upstream down")
	}
	times := []time.Time{end.Add(-30 * time.Minute), end.Add(-15 * time.Minute)}
	return &datasources.PvDataset{
		IDs:   []string{"a", "b", "c"},
		Times: times,
		Vars: map[string][][]float64{
			datasources.VarPower: {{1, 2}, {3, 4}, {5, 6}},
		},
		Coords: map[string][]float64{
			datasources.CoordLatitude:  {50, 50, 52},
			datasources.CoordLongitude: {-1, -1, 0},
		},
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func liveConfig() *datasources.Config {
	return &datasources.Config{PV: datasources.PvConfig{Kind: "http", Window: 24 * time.Hour}}
}

func TestManager_RefreshLivePV(t *testing.T) {
	loader := &fakeLoader{}
	m, err := New(liveConfig(), Options{Loader: loader, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ds, err := m.Refresh(context.Background(), now)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := ds.PV.ListPvIDs(); len(got) != 3 {
		t.Errorf("ListPvIDs() = %v", got)
	}
	if !ds.PV.MaxTS().Equal(now.Add(-15 * time.Minute)) {
		t.Errorf("MaxTS() = %s", ds.PV.MaxTS())
	}
	if len(ds.NWP) != 0 || len(ds.Satellite) != 0 {
		t.Errorf("unexpected gridded sources: %v %v", ds.NWP, ds.Satellite)
	}

	loader.fail = true
	ds, err = m.Refresh(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Refresh() after a failure should keep previous data, got %v", err)
	}
	if ds.PV == nil || len(ds.PV.ListPvIDs()) != 3 {
		t.Error("previous pv data was dropped")
	}
	if loader.calls.Load() != 2 {
		t.Errorf("loader called %d times, want 2", loader.calls.Load())
	}
}

func TestManager_FirstRefreshFails(t *testing.T) {
	m, err := New(liveConfig(), Options{Loader: &fakeLoader{fail: true}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := m.Refresh(context.Background(), now); err == nil {
		t.Error("Refresh() without any pv data should fail")
	}
}

func TestManager_Weather(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		q := r.URL.Query()
		fmt.Fprintf(w, `{"latitude":%s,"longitude":%s,"hourly":{"time":["2024-06-01T12:00","2024-06-01T13:00"],"shortwave_radiation":[%s,0]}}`,
			q.Get("latitude"), q.Get("longitude"), q.Get("latitude"))
	}))
	defer server.Close()

	client := weather.NewOpenMeteoClient(server.URL, discardLogger())
	client.Client = &httpx.RetryClient{Client: server.Client(), InitialInterval: time.Millisecond, MaxElapsedTime: time.Second}

	m, err := New(liveConfig(), Options{
		Loader: &fakeLoader{},
		Weather: Weather{
			Client:    client,
			Name:      "openmeteo",
			Variables: []string{"shortwave_radiation"},
			Refresh:   time.Hour,
		},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ds, err := m.Refresh(context.Background(), now)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	src, ok := ds.NWP["openmeteo"]
	if !ok {
		t.Fatalf("NWP sources = %v, want openmeteo", ds.NWP)
	}
	// Sites a and b share a location.
	if got := requests.Load(); got != 2 {
		t.Errorf("weather requests = %d, want 2", got)
	}
	cube, err := src.Get(now, []time.Time{now}, datasources.NearestRegion(51.9, 0.1), 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := cube.At(0, 0, 0, 0, 0); got != 52 {
		t.Errorf("radiation = %v, want 52", got)
	}

	if _, err := m.Refresh(context.Background(), now.Add(30*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("weather refetched before the refresh interval: %d requests", got)
	}
	if _, err := m.Refresh(context.Background(), now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got := requests.Load(); got != 4 {
		t.Errorf("weather requests after the refresh interval = %d, want 4", got)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *datasources.Config
		opts Options
	}{
		{"netcdf without path", &datasources.Config{PV: datasources.PvConfig{Kind: "netcdf"}}, Options{}},
		{"http without section", &datasources.Config{PV: datasources.PvConfig{Kind: "http"}}, Options{}},
		{"missing nwp file", &datasources.Config{
			PV:  datasources.PvConfig{Kind: "http"},
			NWP: map[string]datasources.NwpConfig{"ukv": {Paths: []string{"/nonexistent/ukv.nc"}}},
		}, Options{Loader: &fakeLoader{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = discardLogger()
			if _, err := New(tt.cfg, tt.opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, string, string, http.Header, []byte) ([]byte, error) {
	return nil, errors.New("offline")
}

func TestNew_LiveLoaderClient(t *testing.T) {
	cfg := &datasources.Config{PV: datasources.PvConfig{
		Kind:       "victoriametrics",
		Window:     time.Hour,
		Prometheus: &datasources.PrometheusLoaderConfig{Query: "pv_power_kw"},
	}}
	fetcher := nopFetcher{}
	m, err := New(cfg, Options{Client: fetcher, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	loader, ok := m.loader.(*datasources.PrometheusPvLoader)
	if !ok {
		t.Fatalf("loader = %T, want *PrometheusPvLoader", m.loader)
	}
	if loader.Client != fetcher {
		t.Errorf("loader client = %v, want the configured fetcher", loader.Client)
	}
	if _, err := m.Refresh(context.Background(), now); err == nil {
		t.Error("Refresh() should fail with an offline client and no previous data")
	}
}
