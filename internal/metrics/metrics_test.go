package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges are always exported; counters only after first observation.
	body := w.Body.String()
	assert.Contains(t, body, "holdfast_active_websocket_clients")
	assert.Contains(t, body, "holdfast_goroutines")

	ObserveTransition("PENDING", "FUNDED")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(w.Body.String(), "holdfast_escrow_transitions_total"))
}

func TestObserveTransition_Increments(t *testing.T) {
	before := counterValue(t, "DISPUTED", "COMPLETED")
	ObserveTransition("DISPUTED", "COMPLETED")
	ObserveTransition("DISPUTED", "COMPLETED")
	assert.Equal(t, before+2, counterValue(t, "DISPUTED", "COMPLETED"))
}

func counterValue(t *testing.T, from, to string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, EscrowTransitionsTotal.WithLabelValues(from, to).Write(m))
	return m.GetCounter().GetValue()
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	require.Equal(t, http.StatusOK, w.Code)

	m := &dto.Metric{}
	require.NoError(t, HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx").Write(m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
}
