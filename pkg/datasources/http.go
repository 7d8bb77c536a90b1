package datasources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/pvsite/pkg/httpx"
)

// PvLoader fetches live PV telemetry for a time window.
type PvLoader interface {
	Load(ctx context.Context, start, end time.Time) (*PvDataset, error)
	Name() string
}

// Fetcher performs an HTTP request and returns the response body.
// *httpx.RetryClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error)
}

// HTTPPvLoader calls a JSON API once per PV site and extracts power
// readings using gjson paths.
//
// The URL, headers and body are templates. Available variables:
//
//	{{.PvID}}                      the site being loaded
//	{{.Start}}, {{.End}}           Unix seconds
//	{{.StartRFC3339}}, {{.EndRFC3339}}
//	{{.WindowSeconds}}
//
// plus anything in TemplateVars.
//
// Example configuration for an inverter portal:
//
//	loader := &HTTPPvLoader{
//	    URL:           "https://portal.example.com/sites/{{.PvID}}/power?from={{.Start}}&to={{.End}}",
//	    Headers:       map[string]string{"Authorization": "Bearer {{.Token}}"},
//	    PvIDs:         []string{"site-1", "site-2"},
//	    ValuePath:     "readings.#.kw",
//	    TimestampPath: "readings.#.at",
//	    LatitudePath:  "site.lat",
//	    LongitudePath: "site.lon",
//	}
type HTTPPvLoader struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string

	// PvIDs lists the sites to load.
	PvIDs []string

	// ValuePath and TimestampPath must return arrays of the same length.
	ValuePath     string
	TimestampPath string

	// TimestampFormat is "rfc3339" (default), "unix" or "unix_milli".
	TimestampFormat string

	// LatitudePath and LongitudePath optionally extract the site location.
	LatitudePath  string
	LongitudePath string

	// Variable names the loaded values. Defaults to "power".
	Variable string

	TemplateVars map[string]string

	// Client defaults to an httpx.RetryClient with a 10s timeout.
	Client Fetcher
}

// Name implements PvLoader.
func (h *HTTPPvLoader) Name() string { return "http" }

// ValidateConfig checks that required fields are set.
func (h *HTTPPvLoader) ValidateConfig() error {
	if h.URL == "" {
		return errors.New("url is required")
	}
	if h.ValuePath == "" {
		return errors.New("valuePath is required")
	}
	if h.TimestampPath == "" {
		return errors.New("timestampPath is required")
	}
	if len(h.PvIDs) == 0 {
		return errors.New("at least one pv id is required")
	}
	switch h.TimestampFormat {
	case "", "rfc3339", "unix", "unix_milli":
	default:
		return fmt.Errorf("invalid timestampFormat: %s (must be rfc3339, unix, or unix_milli)", h.TimestampFormat)
	}
	return nil
}

// Load implements PvLoader.
func (h *HTTPPvLoader) Load(ctx context.Context, start, end time.Time) (*PvDataset, error) {
	if err := h.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("http pv loader: %w", err)
	}

	parts := make([]*PvDataset, 0, len(h.PvIDs))
	for _, id := range h.PvIDs {
		ds, err := h.loadOne(ctx, id, start, end)
		if err != nil {
			return nil, fmt.Errorf("pv %s: %w", id, err)
		}
		parts = append(parts, ds)
	}
	return MergePvDatasets(parts...)
}

func (h *HTTPPvLoader) loadOne(ctx context.Context, id string, start, end time.Time) (*PvDataset, error) {
	data := map[string]any{
		"PvID":          id,
		"Start":         start.Unix(),
		"End":           end.Unix(),
		"StartRFC3339":  start.UTC().Format(time.RFC3339),
		"EndRFC3339":    end.UTC().Format(time.RFC3339),
		"WindowSeconds": int(end.Sub(start).Seconds()),
	}
	for k, v := range h.TemplateVars {
		data[k] = v
	}

	url, err := renderTemplate(h.URL, data)
	if err != nil {
		return nil, fmt.Errorf("render url template: %w", err)
	}

	var body []byte
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, data)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		body = []byte(rendered)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, data)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		header.Set(key, rendered)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	client := h.Client
	if client == nil {
		client = httpx.NewRetryClient(10 * time.Second)
	}

	respBody, err := client.Fetch(ctx, method, url, header, body)
	if err != nil {
		return nil, err
	}

	return h.parse(id, respBody)
}

func (h *HTTPPvLoader) parse(id string, respBody []byte) (*PvDataset, error) {
	values := gjson.GetBytes(respBody, h.ValuePath)
	timestamps := gjson.GetBytes(respBody, h.TimestampPath)

	if !values.Exists() {
		return nil, fmt.Errorf("value path %q not found in response", h.ValuePath)
	}
	if !timestamps.Exists() {
		return nil, fmt.Errorf("timestamp path %q not found in response", h.TimestampPath)
	}

	valArray := values.Array()
	tsArray := timestamps.Array()
	if len(valArray) != len(tsArray) {
		return nil, fmt.Errorf("value count (%d) != timestamp count (%d)", len(valArray), len(tsArray))
	}

	type reading struct {
		ts    time.Time
		value float64
	}
	readings := make([]reading, 0, len(valArray))
	for i := range valArray {
		ts, err := parseTimestamp(h.TimestampFormat, tsArray[i])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}
		v := math.NaN()
		if valArray[i].Type == gjson.Number || valArray[i].Type == gjson.String {
			v = valArray[i].Float()
		}
		readings = append(readings, reading{ts: ts, value: v})
	}
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].ts.Before(readings[j].ts) })

	// Keep the last reading of duplicated timestamps.
	times := make([]time.Time, 0, len(readings))
	row := make([]float64, 0, len(readings))
	for _, r := range readings {
		if n := len(times); n > 0 && times[n-1].Equal(r.ts) {
			row[n-1] = r.value
			continue
		}
		times = append(times, r.ts)
		row = append(row, r.value)
	}

	variable := h.Variable
	if variable == "" {
		variable = VarPower
	}

	ds := &PvDataset{
		IDs:    []string{id},
		Times:  times,
		Vars:   map[string][][]float64{variable: {row}},
		Coords: map[string][]float64{},
	}
	if h.LatitudePath != "" {
		if lat := gjson.GetBytes(respBody, h.LatitudePath); lat.Exists() {
			ds.Coords[CoordLatitude] = []float64{lat.Float()}
		}
	}
	if h.LongitudePath != "" {
		if lon := gjson.GetBytes(respBody, h.LongitudePath); lon.Exists() {
			ds.Coords[CoordLongitude] = []float64{lon.Float()}
		}
	}
	return ds, nil
}

func parseTimestamp(format string, value gjson.Result) (time.Time, error) {
	switch format {
	case "", "rfc3339":
		return time.Parse(time.RFC3339, value.String())
	case "unix":
		return time.Unix(int64(value.Float()), 0).UTC(), nil
	case "unix_milli":
		return time.UnixMilli(int64(value.Float())).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %s", format)
	}
}

func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
