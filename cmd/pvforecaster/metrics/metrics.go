// Package metrics provides Prometheus instrumentation for the PV forecaster.
//
// Metrics exposed:
//   - pvsite_sources_refresh_seconds: Histogram of data source refresh duration
//   - pvsite_model_predict_seconds: Histogram of single site prediction duration
//   - pvsite_tick_seconds: Histogram of whole forecast cycle duration
//   - pvsite_forecast_age_seconds: Gauge of the age of the last forecast cycle
//   - pvsite_sites_forecast: Gauge of sites forecast in the last cycle
//   - pvsite_predicted_power: Gauge of the first horizon power per site
//   - pvsite_errors_total: Counter of errors by component and reason
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the forecaster.
type Metrics struct {
	SourcesRefreshSeconds prometheus.Histogram
	ModelPredictSeconds   prometheus.Histogram
	TickSeconds           prometheus.Histogram
	ForecastAgeSeconds    prometheus.Gauge
	SitesForecast         prometheus.Gauge
	PredictedPower        *prometheus.GaugeVec
	ErrorsTotal           *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. model labels every
// series with the name of the serving model.
func New(reg prometheus.Registerer, model string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"model": model}

	return &Metrics{
		SourcesRefreshSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "pvsite_sources_refresh_seconds",
			Help:        "Time spent refreshing live data sources",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ModelPredictSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "pvsite_model_predict_seconds",
			Help:        "Time spent predicting one PV site",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		TickSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "pvsite_tick_seconds",
			Help:        "Time spent on a whole forecast cycle",
			ConstLabels: labels,
			Buckets:     []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		ForecastAgeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pvsite_forecast_age_seconds",
			Help:        "Age of the last completed forecast cycle in seconds",
			ConstLabels: labels,
		}),

		SitesForecast: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pvsite_sites_forecast",
			Help:        "Number of PV sites forecast in the last cycle",
			ConstLabels: labels,
		}),

		PredictedPower: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pvsite_predicted_power",
			Help:        "Predicted power of the first horizon",
			ConstLabels: labels,
		}, []string{"pv_id"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pvsite_errors_total",
			Help:        "Total number of errors by component and reason",
			ConstLabels: labels,
		}, []string{"component", "reason"}),
	}
}

// RecordRefresh records the time spent refreshing data sources.
func (m *Metrics) RecordRefresh(seconds float64) {
	m.SourcesRefreshSeconds.Observe(seconds)
}

// RecordPredict records the time spent predicting one site.
func (m *Metrics) RecordPredict(seconds float64) {
	m.ModelPredictSeconds.Observe(seconds)
}

// RecordTick records a completed cycle.
func (m *Metrics) RecordTick(seconds float64, sites int) {
	m.TickSeconds.Observe(seconds)
	m.SitesForecast.Set(float64(sites))
	m.ForecastAgeSeconds.Set(0)
}

// SetForecastAge sets the age of the last forecast cycle.
func (m *Metrics) SetForecastAge(seconds float64) {
	m.ForecastAgeSeconds.Set(seconds)
}

// SetPredictedPower sets the first horizon power of pvID. NaN removes the
// series.
func (m *Metrics) SetPredictedPower(pvID string, power float64) {
	if math.IsNaN(power) {
		m.PredictedPower.DeleteLabelValues(pvID)
		return
	}
	m.PredictedPower.WithLabelValues(pvID).Set(power)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
