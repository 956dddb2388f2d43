// Package telemetry serves the Prometheus registry over HTTP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memphisflow/internal/logging"
)

type Server struct {
	srv *http.Server
	lis net.Listener
}

// Expose serves /metrics on port (0 picks a free one) in the background.
func Expose(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		lis: lis,
	}
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("telemetry: metrics server stopped", "err", err)
		}
	}()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
