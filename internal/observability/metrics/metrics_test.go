package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesExecutionMetrics(t *testing.T) {
	ObserveExecution("@acme/map/open", "success", 20*time.Millisecond)
	ObserveHTTPRequest("/operators", "GET", 500, time.Millisecond)
	SetQueueDepth("pending", 3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`operatorhub_operator_executions_total{operator="@acme/map/open",outcome="success"} 1`,
		`operatorhub_http_request_errors_total{handler="/operators",method="GET"} 1`,
		`operatorhub_invocation_queue_requests{status="pending"} 3`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
