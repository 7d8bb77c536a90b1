// Package weather fetches live numerical weather forecasts and exposes
// them as gridded data sources that models can read like any other NWP.
package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/httpx"
)

// DefaultBaseURL is the public Open-Meteo API.
const DefaultBaseURL = "https://api.open-meteo.com"

// DefaultVariables are the hourly variables most relevant to PV output.
var DefaultVariables = []string{"shortwave_radiation", "direct_radiation", "diffuse_radiation", "cloud_cover", "temperature_2m"}

const openMeteoTimeLayout = "2006-01-02T15:04"

// ErrNoForecast is returned when the API answers without hourly data.
var ErrNoForecast = errors.New("open-meteo response has no hourly forecast")

// OpenMeteoClient queries the Open-Meteo forecast API.
type OpenMeteoClient struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// Model optionally selects a weather model, e.g. "ukmo_seamless".
	Model string

	// ForecastDays defaults to the API default when zero.
	ForecastDays int

	// Client defaults to an httpx.RetryClient with a 10s timeout.
	Client datasources.Fetcher

	Logger *slog.Logger
}

// NewOpenMeteoClient returns a client for baseURL, or the public API when
// baseURL is empty.
func NewOpenMeteoClient(baseURL string, logger *slog.Logger) *OpenMeteoClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenMeteoClient{
		BaseURL: baseURL,
		Client:  httpx.NewRetryClient(10 * time.Second),
		Logger:  logger.With("component", "open-meteo"),
	}
}

// Forecast returns the hourly forecast at the grid point nearest to
// (lat, lon) as a cube with a single init time, one step per hour, one x
// (latitude) and one y (longitude). The init time is the first forecast
// hour. Missing values are NaN.
func (c *OpenMeteoClient) Forecast(ctx context.Context, lat, lon float64, variables []string) (*datasources.Cube, error) {
	if len(variables) == 0 {
		variables = DefaultVariables
	}
	u, err := c.forecastURL(lat, lon, variables)
	if err != nil {
		return nil, err
	}

	client := c.Client
	if client == nil {
		client = httpx.NewRetryClient(10 * time.Second)
	}
	body, err := client.Fetch(ctx, http.MethodGet, u, http.Header{"Accept": []string{"application/json"}}, nil)
	if err != nil {
		return nil, fmt.Errorf("open-meteo: %w", err)
	}

	cube, err := parseForecast(body, variables)
	if err != nil {
		return nil, err
	}
	if c.Logger != nil {
		c.Logger.Debug("fetched forecast",
			"lat", lat,
			"lon", lon,
			"grid_lat", cube.X[0],
			"grid_lon", cube.Y[0],
			"steps", len(cube.Steps),
		)
	}
	return cube, nil
}

// Source fetches a forecast and wraps it in an NWP data source. opts
// describes how models read it; the coordinate system is always lat/lon.
func (c *OpenMeteoClient) Source(ctx context.Context, lat, lon float64, variables []string, opts datasources.NwpOptions) (*datasources.NwpSource, error) {
	cube, err := c.Forecast(ctx, lat, lon, variables)
	if err != nil {
		return nil, err
	}
	opts.CRS = ""
	opts.CoordSystem = 0
	return datasources.NewNwpSourceFromCube(cube, opts)
}

func (c *OpenMeteoClient) forecastURL(lat, lon float64, variables []string) (string, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", fmt.Errorf("invalid coordinates (%g, %g)", lat, lon)
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/forecast"

	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("hourly", strings.Join(variables, ","))
	q.Set("timezone", "UTC")
	if c.Model != "" {
		q.Set("models", c.Model)
	}
	if c.ForecastDays > 0 {
		q.Set("forecast_days", strconv.Itoa(c.ForecastDays))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseForecast(body []byte, variables []string) (*datasources.Cube, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("open-meteo response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if reason := root.Get("reason"); root.Get("error").Bool() {
		return nil, fmt.Errorf("open-meteo error: %s", reason.String())
	}

	rawTimes := root.Get("hourly.time").Array()
	if len(rawTimes) == 0 {
		return nil, ErrNoForecast
	}
	times := make([]time.Time, len(rawTimes))
	for i, r := range rawTimes {
		t, err := time.ParseInLocation(openMeteoTimeLayout, r.String(), time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse forecast time %q: %w", r.String(), err)
		}
		times[i] = t
	}

	init := times[0]
	steps := make([]time.Duration, len(times))
	for i, t := range times {
		steps[i] = t.Sub(init)
	}

	lat := root.Get("latitude")
	lon := root.Get("longitude")
	if !lat.Exists() || !lon.Exists() {
		return nil, errors.New("open-meteo response has no coordinates")
	}

	cube := datasources.NewCube([]time.Time{init}, steps, []float64{lat.Float()}, []float64{lon.Float()}, append([]string(nil), variables...))
	for v, name := range variables {
		values := root.Get("hourly." + name)
		if !values.Exists() {
			return nil, fmt.Errorf("variable %q missing from open-meteo response", name)
		}
		arr := values.Array()
		if len(arr) != len(times) {
			return nil, fmt.Errorf("variable %q has %d values for %d times", name, len(arr), len(times))
		}
		for s, r := range arr {
			val := math.NaN()
			if r.Type == gjson.Number {
				val = r.Float()
			}
			cube.Set(0, s, 0, 0, v, val)
		}
	}
	if units := root.Get("hourly_units"); units.Exists() {
		units.ForEach(func(key, value gjson.Result) bool {
			cube.Attrs["units:"+key.String()] = value.String()
			return true
		})
	}
	return cube, nil
}
