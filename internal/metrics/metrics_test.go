package metrics

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatusClass(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, c := range cases {
		if got := StatusClass(c.status); got != c.want {
			t.Errorf("StatusClass(%d) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestRecordRequestAndHandler(t *testing.T) {
	m := New("nano_test")
	m.RequestStarted()
	m.RecordRequest("a.example", StatusClass(200), 12*time.Millisecond)
	m.RequestFinished()
	m.SetAppsLoaded(3)
	m.RecordDrain()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("metrics handler status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if len(body) == 0 {
		t.Fatal("metrics handler returned empty body")
	}
}
