// Package metrics exposes prometheus metrics for the reconciliation passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raterudder/evsync/pkg/types"
)

const namespace = "evsync"

// Metrics holds every metric. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	backoffSeconds *prometheus.GaugeVec
	passes         *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	commands       *prometheus.CounterVec
	holds          *prometheus.CounterVec
	resets         *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	reauth         *prometheus.GaugeVec
	chargerPower   *prometheus.GaugeVec
	chargerEnergy  *prometheus.GaugeVec
	siteEnergy     *prometheus.GaugeVec
}

// New registers every metric on a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Upstream source fetches by result.",
		}, []string{"site", "source", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream source fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		backoffSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_backoff_seconds",
			Help:      "Remaining backoff of a source.",
		}, []string{"site", "source"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"site", "result"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"site"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_total",
			Help:      "Control commands by outcome.",
		}, []string{"site", "kind", "outcome"}),
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hold_resolved_total",
			Help:      "Optimistic holds resolved by state.",
		}, []string{"site", "state"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_counter_reset_total",
			Help:      "Confirmed energy counter resets.",
		}, []string{"site", "counter"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_anomaly_total",
			Help:      "Energy samples rejected as anomalies.",
		}, []string{"site"}),
		reauth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reauth_required",
			Help:      "1 while a site is paused waiting for new credentials.",
		}, []string{"site"}),
		chargerPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "charger_power_watts",
			Help:      "Charger power, possibly estimated.",
		}, []string{"site", "serial"}),
		chargerEnergy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "charger_lifetime_kwh",
			Help:      "Corrected lifetime energy of a charger.",
		}, []string{"site", "serial"}),
		siteEnergy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "site_energy_kwh",
			Help:      "Corrected lifetime energy of a site flow.",
		}, []string{"site", "flow"}),
	}
	reg.MustRegister(
		m.fetches, m.fetchDuration, m.backoffSeconds,
		m.passes, m.passDuration,
		m.commands, m.holds,
		m.resets, m.anomalies, m.reauth,
		m.chargerPower, m.chargerEnergy, m.siteEnergy,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFetch records one source fetch.
func (m *Metrics) ObserveFetch(siteID string, source types.SourceKind, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(siteID, string(source), result).Inc()
	m.fetchDuration.WithLabelValues(string(source)).Observe(d.Seconds())
}

// ObservePass records a finished or skipped pass.
func (m *Metrics) ObservePass(siteID, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(siteID, result).Inc()
	if d > 0 {
		m.passDuration.WithLabelValues(siteID).Observe(d.Seconds())
	}
}

// ObserveCommand records a command outcome.
func (m *Metrics) ObserveCommand(siteID string, kind types.CommandKind, outcome types.Outcome) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(siteID, string(kind), string(outcome)).Inc()
}

// ObserveHold records a resolved optimistic hold.
func (m *Metrics) ObserveHold(siteID string, state types.HoldState) {
	if m == nil {
		return
	}
	m.holds.WithLabelValues(siteID, string(state)).Inc()
}

// ObserveReset records a confirmed counter reset.
func (m *Metrics) ObserveReset(siteID, counterID string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(siteID, counterID).Inc()
}

// ObserveAnomaly records a rejected energy sample.
func (m *Metrics) ObserveAnomaly(siteID string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(siteID).Inc()
}

// SetSnapshot updates every gauge derived from a site snapshot.
func (m *Metrics) SetSnapshot(snap types.SiteSnapshot, now time.Time) {
	if m == nil {
		return
	}
	reauth := 0.0
	if snap.ReauthRequired {
		reauth = 1
	}
	m.reauth.WithLabelValues(snap.SiteID).Set(reauth)
	for serial, c := range snap.Chargers {
		m.chargerPower.WithLabelValues(snap.SiteID, serial).Set(c.PowerW)
		m.chargerEnergy.WithLabelValues(snap.SiteID, serial).Set(c.LifetimeKWh)
	}
	for flow, f := range snap.SiteEnergy {
		m.siteEnergy.WithLabelValues(snap.SiteID, flow).Set(f.KWh)
	}
	for _, h := range snap.Health {
		remaining := 0.0
		if h.BackoffUntil.After(now) {
			remaining = h.BackoffUntil.Sub(now).Seconds()
		}
		m.backoffSeconds.WithLabelValues(snap.SiteID, string(h.Source)).Set(remaining)
	}
}

// ForgetCharger drops the gauges of a removed charger.
func (m *Metrics) ForgetCharger(siteID, serial string) {
	if m == nil {
		return
	}
	m.chargerPower.DeleteLabelValues(siteID, serial)
	m.chargerEnergy.DeleteLabelValues(siteID, serial)
}
