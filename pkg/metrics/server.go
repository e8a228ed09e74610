// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyfuzz.
//
// go-keyfuzz is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-keyfuzz/pkg/health"
	"github.com/jeremyhahn/go-keyfuzz/pkg/logging"
)

const (
	// DefaultPath is where the scrape endpoint is mounted.
	DefaultPath = "/metrics"

	// HealthPath answers 200 while the server is up.
	HealthPath = "/health"
)

// NewRouter returns a chi router serving the default Prometheus registry
// at DefaultPath and checker at HealthPath. A nil checker answers a plain
// liveness probe.
func NewRouter(checker *health.Checker) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(DefaultPath, promhttp.Handler())
	if checker != nil {
		r.Method(http.MethodGet, HealthPath, checker.Handler())
		return r
	}
	r.Get(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Server exposes the metrics router over HTTP.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *logging.Logger
	done   chan struct{}
}

// Serve listens on addr and serves NewRouter(checker) in a background
// goroutine.
// Use ":0" to pick a free port; Addr reports the bound address.
func Serve(addr string, logger *logging.Logger, checker *health.Checker) (*Server, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           NewRouter(checker),
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:     ln,
		logger: logger,
		done:   make(chan struct{}),
	}
	logger.Info("Starting metrics server", "address", ln.Addr().String(), "path", DefaultPath)
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server and waits for the serving goroutine to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
