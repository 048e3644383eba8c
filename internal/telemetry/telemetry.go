/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes playout metrics over HTTP.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// DispatchLatency measures signal-fired to handler-running time per
	// executor mode.
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grimnir_playout",
		Name:      "mix_dispatch_latency_seconds",
		Help:      "Latency between a mix trigger firing and its handler running.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"mode"})

	// Degraded counts fallbacks from a preferred strategy to a weaker one.
	Degraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grimnir_playout",
		Name:      "degraded_total",
		Help:      "Fallbacks from a preferred strategy to a weaker one.",
	}, []string{"reason"})

	// MixTriggers counts fired mix triggers by delivery path.
	MixTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grimnir_playout",
		Name:      "mix_triggers_total",
		Help:      "Mix triggers fired, by delivery path.",
	}, []string{"via"})
)

// Server serves /metrics and /healthz.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(addr string, logger zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{Addr: addr, Handler: r},
		log: logger.With().Str("component", "telemetry").Logger(),
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("telemetry listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("telemetry server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
