package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestObserveVerification(t *testing.T) {
	valid := VerificationsTotal.WithLabelValues("base-sepolia", "valid")
	expired := VerificationsTotal.WithLabelValues("base-sepolia", "expired")
	beforeValid, beforeExpired := counterValue(t, valid), counterValue(t, expired)

	ObserveVerification("base-sepolia", true, "")
	ObserveVerification("base-sepolia", false, "expired")
	ObserveVerification("base-sepolia", false, "expired")

	if got := counterValue(t, valid) - beforeValid; got != 1 {
		t.Errorf("valid delta = %v, want 1", got)
	}
	if got := counterValue(t, expired) - beforeExpired; got != 2 {
		t.Errorf("expired delta = %v, want 2", got)
	}
}

func TestObserveSettlement(t *testing.T) {
	c := SettlementsTotal.WithLabelValues("base", "confirmed")
	before := counterValue(t, c)
	ObserveSettlement("base", "confirmed", 3*time.Second)
	if got := counterValue(t, c) - before; got != 1 {
		t.Errorf("settlements delta = %v, want 1", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	SettlementsTotal.WithLabelValues("base", "reverted").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{"v402_pending_settlements", "v402_settlements_total", "v402_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/supported", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"kinds": []string{}})
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/supported", "2xx")
	before := counterValue(t, counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/supported", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := counterValue(t, counter) - before; got != 1 {
		t.Errorf("requests delta = %v, want 1", got)
	}
}
