package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServeDashboard(t *testing.T) {
	rec := httptest.NewRecorder()
	ServeDashboard(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"/ws"`) {
		t.Error("Dashboard should subscribe to the audit WebSocket")
	}
}
