package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func TestNew_HandlerServesMetrics(t *testing.T) {
	m := New()
	m.LinkMinted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "permastore_links_minted_total 1")
	assert.Contains(t, body, "permastore_expirations_pending 0")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetrics_Recorders(t *testing.T) {
	m := New()

	m.MintCollision()
	m.MintCollision()
	m.Redemption(OutcomeDelivered)
	m.Redemption(OutcomeDenied)
	m.Redemption(OutcomeDenied)
	m.DeliveryItem(ResultOK)
	m.DeliveryItem(ResultFailed)
	m.ExpirationScheduled()
	m.ExpirationScheduled()
	m.ExpirationDone()
	m.Retraction(ResultFailed)
	m.BatchAppend()

	assert.Equal(t, 2.0, read(t, m.mintCollisions))
	assert.Equal(t, 1.0, read(t, m.redemptions.WithLabelValues(OutcomeDelivered)))
	assert.Equal(t, 2.0, read(t, m.redemptions.WithLabelValues(OutcomeDenied)))
	assert.Equal(t, 1.0, read(t, m.deliveryItems.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, read(t, m.expirationsPending))
	assert.Equal(t, 1.0, read(t, m.retractions.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, read(t, m.batchAppends))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LinkMinted()
		m.MintCollision()
		m.Redemption(OutcomeError)
		m.DeliveryItem(ResultOK)
		m.ExpirationScheduled()
		m.ExpirationDone()
		m.Retraction(ResultOK)
		m.BatchAppend()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
