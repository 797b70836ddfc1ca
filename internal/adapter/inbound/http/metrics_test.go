package http

import (
	"net/http"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

// counterValue digs one counter sample out of a gathered family.
func counterValue(t *testing.T, srv *Server, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := srv.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestChecksTotalCountsVerdicts(t *testing.T) {
	srv, ts := newTestServer(t, defaultRules, nil)

	for i := 0; i < 3; i++ {
		postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
			"tool_name": "exec", "session_id": "s1",
		}, nil)
	}
	postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name": "read_file", "session_id": "s1",
	}, nil)

	if got := counterValue(t, srv, "policyshield_checks_total", map[string]string{"verdict": "BLOCK"}); got != 3 {
		t.Errorf("checks_total{verdict=BLOCK} = %v, want 3", got)
	}
	if got := counterValue(t, srv, "policyshield_checks_total", map[string]string{"verdict": "ALLOW"}); got != 1 {
		t.Errorf("checks_total{verdict=ALLOW} = %v, want 1", got)
	}
}

func TestHTTPRequestMetricsRecorded(t *testing.T) {
	srv, ts := newTestServer(t, defaultRules, nil)

	getJSON(t, ts.URL+"/api/v1/health", nil)
	getJSON(t, ts.URL+"/api/v1/health", nil)
	postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name": "bad tool name!",
	}, nil)

	ok := counterValue(t, srv, "policyshield_http_requests_total",
		map[string]string{"path": "/api/v1/health", "status": "ok"})
	if ok != 2 {
		t.Errorf("requests_total{health,ok} = %v, want 2", ok)
	}
	failed := counterValue(t, srv, "policyshield_http_requests_total",
		map[string]string{"path": "/api/v1/check", "status": "error"})
	if failed != 1 {
		t.Errorf("requests_total{check,error} = %v, want 1", failed)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	// Generate one sample so the families are non-empty.
	getJSON(t, ts.URL+"/api/v1/health", nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
