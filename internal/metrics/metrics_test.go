package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{422, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /metrics, got %d", w.Code)
	}
	return w.Body.String()
}

func TestHandler_ExportsGauges(t *testing.T) {
	body := scrape(t)

	// Gauges are exported before any observation; vectors only after.
	for _, name := range []string{
		"tenantfleet_dispatch_queue_depth",
		"tenantfleet_active_websocket_clients",
		"tenantfleet_provision_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestHandler_ExportsTransitions(t *testing.T) {
	InstanceTransitionsTotal.WithLabelValues("running", "verify").Inc()

	if body := scrape(t); !strings.Contains(body, `tenantfleet_instance_transitions_total{action="verify",to_status="running"}`) {
		t.Error("Expected labelled tenantfleet_instance_transitions_total after incrementing")
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.POST("/v1/instances/:id/stop", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"status": "stopped"})
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/instances/:id/stop", "2xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/instances/"+id+"/stop", nil))
		if w.Code != http.StatusAccepted {
			t.Fatalf("Expected 202, got %d", w.Code)
		}
	}

	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("Expected 3 requests under the route pattern, got %v", got)
	}
}

func TestMiddleware_UnmatchedRoutesShareLabel(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "4xx")
	before := testutil.ToFloat64(counter)

	for _, p := range []string{"/nope", "/v1/whatever"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("Expected 2 unmatched requests, got %v", got)
	}
}
