package telemetry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestExpose_ServesRegistry(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_test_total", Help: "test"})
	prometheus.MustRegister(c)
	defer prometheus.Unregister(c)
	c.Inc()

	s, err := Expose(0)
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	defer s.Shutdown(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", s.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "telemetry_test_total 1") {
		t.Fatalf("counter missing from /metrics output")
	}
}
