package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{422, "4xx"},
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

	Transition("order", "concluida")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"combinado_active_websocket_clients",
		"combinado_reconciliation_mismatches",
		"combinado_transitions_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestTransition_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(TransitionsTotal.WithLabelValues("pre_order", "CONVERTIDA"))
	Transition("pre_order", "CONVERTIDA")
	after := testutil.ToFloat64(TransitionsTotal.WithLabelValues("pre_order", "CONVERTIDA"))
	if after != before+1 {
		t.Errorf("Expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx")); got != before+1 {
		t.Errorf("Expected request counter %v, got %v", before+1, got)
	}
}
