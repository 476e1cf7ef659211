package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/metrics"
)

// requestSeries returns browse_proxy_http_requests_total keyed by
// "method status path_prefix".
func requestSeries(t *testing.T, m *metrics.Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "browse_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			key := labels["method"] + " " + labels["status_code"] + " " + labels["path_prefix"]
			out[key] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"proxy ok", http.MethodGet, "/proxy?url=example.com", "GET 200 /proxy"},
		{"tunnel upgrade", http.MethodGet, "/tunnel?url=wss://example.com", "GET 101 /tunnel"},
		{"status wins over proxy prefix", http.MethodGet, "/proxy/status", "GET 200 /proxy/status"},
		{"http error status", http.MethodGet, "/proxy/missing", "GET 404 /proxy"},
		{"unknown method", "XYZZY", "/proxy", "other 200 /proxy"},
		{"unrouted method", "FROB", "/proxy", "other 405 /proxy"},
		{"router not found", http.MethodGet, "/nonexistent", "GET 404 other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New("/proxy", "/tunnel")
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.Any("/proxy", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			e.Match([]string{"XYZZY"}, "/proxy", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			e.GET("/proxy/status", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			e.GET("/proxy/missing", func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusNotFound, "not found")
			})
			e.GET("/tunnel", func(c echo.Context) error {
				return c.NoContent(http.StatusSwitchingProtocols)
			})

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			e.ServeHTTP(httptest.NewRecorder(), req)

			got := requestSeries(t, m)
			if got[tt.want] != 1 {
				t.Errorf("series %q = %v, have %v", tt.want, got[tt.want], got)
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDurationAndInFlight(t *testing.T) {
	m := metrics.New("/proxy")

	var inFlight float64
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		families, _ := m.Registry.Gather()
		for _, f := range families {
			if f.GetName() == "browse_proxy_http_requests_in_flight" {
				inFlight = f.GetMetric()[0].GetGauge().GetValue()
			}
		}
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if inFlight != 1 {
		t.Errorf("in-flight during request = %v, want 1", inFlight)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var samples uint64
	for _, f := range families {
		switch f.GetName() {
		case "browse_proxy_http_request_duration_seconds":
			for _, metric := range f.GetMetric() {
				samples += metric.GetHistogram().GetSampleCount()
			}
		case "browse_proxy_http_requests_in_flight":
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("in-flight after request = %v, want 0", v)
			}
		}
	}
	if samples != 1 {
		t.Errorf("duration samples = %d, want 1", samples)
	}
}

func TestMetricsMiddleware_UpgradesNotTimed(t *testing.T) {
	m := metrics.New("/tunnel")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/tunnel", func(c echo.Context) error {
		return c.NoContent(http.StatusSwitchingProtocols)
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tunnel", http.NoBody))

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "browse_proxy_http_request_duration_seconds" && len(f.GetMetric()) != 0 {
			t.Errorf("upgrade recorded %d duration series, want 0", len(f.GetMetric()))
		}
	}
	if got := requestSeries(t, m)["GET 101 /tunnel"]; got != 1 {
		t.Errorf("request count = %v, want 1", got)
	}
}
