package datasources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/HatiCode/pvsite/pkg/httpx"
)

// PrometheusPvLoader loads inverter telemetry scraped by Prometheus (or any
// Prometheus-compatible server such as VictoriaMetrics). It issues a
// /api/v1/query_range call and groups the returned series by PvLabel.
// Series sharing a PV id and timestamp are summed, so a query returning one
// series per inverter yields the site total.
type PrometheusPvLoader struct {
	// ServerURL is the base URL, e.g. http://prometheus.monitoring.svc:9090
	ServerURL string
	// Query is the PromQL expression to evaluate.
	Query string
	// PvLabel is the label holding the PV id. Defaults to "pv_id".
	PvLabel string
	// StepSeconds controls the resolution (defaults to 300s if <= 0).
	StepSeconds int
	// Client defaults to an httpx.RetryClient with a 10s timeout.
	Client Fetcher
}

// Name implements PvLoader.
func (p *PrometheusPvLoader) Name() string { return "prometheus" }

// Load implements PvLoader.
func (p *PrometheusPvLoader) Load(ctx context.Context, start, end time.Time) (*PvDataset, error) {
	if p.ServerURL == "" || p.Query == "" {
		return nil, errors.New("prometheus pv loader: ServerURL and Query are required")
	}
	step := p.StepSeconds
	if step <= 0 {
		step = 300
	}

	u, err := url.Parse(p.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	u.Path = "/api/v1/query_range"

	q := u.Query()
	q.Set("query", p.Query)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	q.Set("step", strconv.Itoa(step))
	u.RawQuery = q.Encode()

	client := p.Client
	if client == nil {
		client = httpx.NewRetryClient(10 * time.Second)
	}

	body, err := client.Fetch(ctx, http.MethodGet, u.String(), http.Header{"Accept": []string{"application/json"}}, nil)
	if err != nil {
		return nil, fmt.Errorf("prometheus: %w", err)
	}

	var pr PrometheusRangeResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if pr.Status != "success" {
		return nil, fmt.Errorf("prometheus status: %s", pr.Status)
	}

	label := p.PvLabel
	if label == "" {
		label = DimPvID
	}
	return GroupRangeResult(pr.Data.Result, label)
}

// PrometheusRangeResponse is the response of a range query.
type PrometheusRangeResponse struct {
	Status string              `json:"status"`
	Data   PrometheusRangeData `json:"data"`
}

// PrometheusRangeData contains the result data from a range query.
type PrometheusRangeData struct {
	ResultType string                 `json:"resultType"`
	Result     []PrometheusRangeSerie `json:"result"`
}

// PrometheusRangeSerie represents a single time series in the result.
type PrometheusRangeSerie struct {
	Metric map[string]string `json:"metric"`
	// Values is an array of [ <unix_time_float>, "<value_string>" ]
	Values [][]any `json:"values"`
}

// GroupRangeResult turns range query series into a PV dataset, one PV per
// distinct value of label. Series without the label are rejected.
func GroupRangeResult(series []PrometheusRangeSerie, label string) (*PvDataset, error) {
	acc := make(map[string]map[int64]float64)
	for _, s := range series {
		id, ok := s.Metric[label]
		if !ok {
			return nil, fmt.Errorf("series %v has no %q label", s.Metric, label)
		}
		if acc[id] == nil {
			acc[id] = make(map[int64]float64)
		}
		for _, pair := range s.Values {
			ts, val, err := parseSamplePair(pair)
			if err != nil {
				return nil, err
			}
			acc[id][ts] += val
		}
	}

	ids := make([]string, 0, len(acc))
	for id := range acc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]*PvDataset, 0, len(ids))
	for _, id := range ids {
		secs := make([]int64, 0, len(acc[id]))
		for ts := range acc[id] {
			secs = append(secs, ts)
		}
		sort.Slice(secs, func(i, j int) bool { return secs[i] < secs[j] })

		times := make([]time.Time, len(secs))
		row := make([]float64, len(secs))
		for i, ts := range secs {
			times[i] = time.Unix(ts, 0).UTC()
			row[i] = acc[id][ts]
		}
		parts = append(parts, &PvDataset{
			IDs:   []string{id},
			Times: times,
			Vars:  map[string][][]float64{VarPower: {row}},
		})
	}
	if len(parts) == 0 {
		return &PvDataset{Vars: map[string][][]float64{}, Coords: map[string][]float64{}}, nil
	}
	return MergePvDatasets(parts...)
}

func parseSamplePair(pair []any) (int64, float64, error) {
	if len(pair) != 2 {
		return 0, 0, fmt.Errorf("invalid value pair length: %d", len(pair))
	}

	var tsSec int64
	switch v := pair[0].(type) {
	case float64:
		tsSec = int64(v)
	case json.Number:
		f, _ := v.Float64()
		tsSec = int64(f)
	default:
		return 0, 0, fmt.Errorf("unexpected timestamp type %T", v)
	}

	var val float64
	switch vv := pair[1].(type) {
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse value: %w", err)
		}
		val = f
	case float64:
		val = vv
	case json.Number:
		f, _ := vv.Float64()
		val = f
	default:
		return 0, 0, fmt.Errorf("unexpected value type %T", vv)
	}
	return tsSec, val, nil
}
