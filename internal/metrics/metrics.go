package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Redemption outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeNotFound  = "not_found"
	OutcomeDenied    = "denied"
	OutcomeError     = "error"
)

// Per-item results
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics holds the link lifecycle collectors on a private registry.
// All recording methods are safe on a nil *Metrics so components can run without metrics.
type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	linksMinted        prometheus.Counter
	mintCollisions     prometheus.Counter
	redemptions        *prometheus.CounterVec
	deliveryItems      *prometheus.CounterVec
	expirationsPending prometheus.Gauge
	retractions        *prometheus.CounterVec
	batchAppends       prometheus.Counter
}

// New returns a fresh registry with the standard go/process collectors and the bot metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		linksMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permastore_links_minted_total",
			Help: "Total links minted from uploader batches",
		}),
		mintCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permastore_mint_collisions_total",
			Help: "Total generated tokens rejected as duplicates",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permastore_redemptions_total",
			Help: "Total link redemptions by outcome",
		}, []string{"outcome"}),
		deliveryItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permastore_delivery_items_total",
			Help: "Total items copied to redeemers by result",
		}, []string{"result"}),
		expirationsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "permastore_expirations_pending",
			Help: "Delivery sets waiting for retraction",
		}),
		retractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permastore_retractions_total",
			Help: "Total retraction calls by result",
		}, []string{"result"}),
		batchAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permastore_batch_appends_total",
			Help: "Total items appended to uploader batches",
		}),
	}
	reg.MustRegister(
		m.linksMinted,
		m.mintCollisions,
		m.redemptions,
		m.deliveryItems,
		m.expirationsPending,
		m.retractions,
		m.batchAppends,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) LinkMinted() {
	if m == nil {
		return
	}
	m.linksMinted.Inc()
}

func (m *Metrics) MintCollision() {
	if m == nil {
		return
	}
	m.mintCollisions.Inc()
}

// Redemption counts one redemption with one of the Outcome* values
func (m *Metrics) Redemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// DeliveryItem counts one copied item with ResultOK or ResultFailed
func (m *Metrics) DeliveryItem(result string) {
	if m == nil {
		return
	}
	m.deliveryItems.WithLabelValues(result).Inc()
}

func (m *Metrics) ExpirationScheduled() {
	if m == nil {
		return
	}
	m.expirationsPending.Inc()
}

func (m *Metrics) ExpirationDone() {
	if m == nil {
		return
	}
	m.expirationsPending.Dec()
}

// Retraction counts one delete call with ResultOK or ResultFailed
func (m *Metrics) Retraction(result string) {
	if m == nil {
		return
	}
	m.retractions.WithLabelValues(result).Inc()
}

func (m *Metrics) BatchAppend() {
	if m == nil {
		return
	}
	m.batchAppends.Inc()
}
