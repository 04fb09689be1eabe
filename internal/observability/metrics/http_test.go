package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderIncludesRecordedSeries(t *testing.T) {
	ObserveHTTPRequest("plans", "POST", 201, 12*time.Millisecond)
	ObserveHTTPRequest("plans", "POST", 502, 40*time.Millisecond)
	ObservePlanGroups("mainnet-fork", 2, 1)
	ObserveUserOperation("confirmed")

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body := recorder.Body.String()

	for _, want := range []string{
		`chainforge_http_requests_total{handler="plans",method="POST",code="201"} 1`,
		`chainforge_http_request_errors_total{handler="plans",method="POST"} 1`,
		`chainforge_plan_groups_total{chain="mainnet-fork",status="done"} 2`,
		`chainforge_plan_groups_total{chain="mainnet-fork",status="failed"} 1`,
		`chainforge_userop_results_total{state="confirmed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
