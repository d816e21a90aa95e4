/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/shared/logging"
	sharedtls "github.com/numaproj/tradewatch/pkg/shared/tls"
	"github.com/numaproj/tradewatch/pkg/shared/util"
)

const (
	// DefaultPort is the port the metrics server listens on.
	DefaultPort = 9090
	// EnvPPROF turns on the /debug/pprof endpoints.
	EnvPPROF = "TRADEWATCH_PPROF"
)

// metricsServer runs an HTTP server to:
// 1. Expose metrics;
// 2. Serve an endpoint to execute health checks
type metricsServer struct {
	port               int
	tls                bool
	healthCheckTimeout time.Duration
	// Functions that health check executes
	healthCheckers []HealthChecker
}

type Option func(*metricsServer)

// WithPort sets the listening port
func WithPort(port int) Option {
	return func(m *metricsServer) {
		m.port = port
	}
}

// WithTLS serves over HTTPS with a self-signed certificate
func WithTLS(enabled bool) Option {
	return func(m *metricsServer) {
		m.tls = enabled
	}
}

// WithHealthCheckers appends health checkers used by /readyz
func WithHealthCheckers(hc ...HealthChecker) Option {
	return func(m *metricsServer) {
		m.healthCheckers = append(m.healthCheckers, hc...)
	}
}

// NewMetricsServer returns a Prometheus metrics server instance.
func NewMetricsServer(opts ...Option) *metricsServer {
	m := new(metricsServer)
	m.port = DefaultPort
	m.healthCheckTimeout = 30 * time.Second
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Handler returns the HTTP handler serving /metrics, /livez and /readyz.
func (ms *metricsServer) Handler(ctx context.Context) http.Handler {
	log := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		cctx, cancel := context.WithTimeout(r.Context(), ms.healthCheckTimeout)
		defer cancel()
		for _, hc := range ms.healthCheckers {
			if err := hc.IsHealthy(cctx); err != nil {
				log.Errorw("Failed to execute health check", zap.Error(err))
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if util.LookupEnvBoolOr(logging.EnvDebug, false) || util.LookupEnvBoolOr(EnvPPROF, false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		log.Debug("Not enabling pprof debug endpoints")
	}
	return mux
}

// Start starts the HTTP service to expose metrics, it returns a shutdown function and an error if any
func (ms *metricsServer) Start(ctx context.Context) (func(ctx context.Context) error, error) {
	log := logging.FromContext(ctx)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", ms.port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics port %d, %w", ms.port, err)
	}
	if ms.tls {
		cer, err := sharedtls.SelfSigned("tradewatch", []string{"localhost"}, 365*24*time.Hour)
		if err != nil {
			_ = lis.Close()
			return nil, fmt.Errorf("failed to generate cert, %w", err)
		}
		lis = tls.NewListener(lis, &tls.Config{Certificates: []tls.Certificate{*cer}, MinVersion: tls.VersionTLS12})
	}
	httpServer := &http.Server{
		Handler:           ms.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("Starting metrics HTTP server", zap.Int("port", ms.port), zap.Bool("tls", ms.tls))
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Metrics server stopped unexpectedly", zap.Error(err))
		}
		log.Info("Metrics server shutdown")
	}()
	return httpServer.Shutdown, nil
}
