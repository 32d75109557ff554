// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the coach
// service.
//
// # Description
//
// Metrics cover chat requests, token usage, streaming latency, cache
// effectiveness, and rate limiting. They are exposed on /metrics and
// intended for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "wealthcoach"

// Subsystem for chat pipeline metrics
const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for the chat pipeline.
//
// Initialize once at startup via InitMetrics().
type ChatMetrics struct {
	// RequestsTotal counts chat requests by endpoint and status.
	// Labels: endpoint (message, stream, websocket), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// CacheLookupsTotal counts response cache lookups by outcome.
	// Labels: outcome (hit, miss, coalesced)
	CacheLookupsTotal *prometheus.CounterVec

	// CacheInvalidationsTotal counts entries removed by ingestion
	// signals. Labels: source
	CacheInvalidationsTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts requests rejected by the rate
	// limiter. Labels: endpoint
	RateLimitRejectionsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of ChatMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ChatMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once
// at startup; a second call panics on duplicate registration.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		CacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Total response cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		CacheInvalidationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "cache_invalidations_total",
				Help:      "Total cache entries removed by ingestion signals",
			},
			[]string{"source"},
		),

		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Label Values
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeContentPolicy indicates the model declined on policy.
	ErrorCodeContentPolicy ErrorCode = "content_policy"

	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeModel indicates model backend failure.
	ErrorCodeModel ErrorCode = "model_error"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeRetrieval indicates knowledge retrieval failure.
	ErrorCodeRetrieval ErrorCode = "retrieval_error"

	// ErrorCodeTokenBudget indicates the prompt exceeded the budget.
	ErrorCodeTokenBudget ErrorCode = "token_budget"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint represents a chat endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointMessage is the single-shot chat endpoint.
	EndpointMessage Endpoint = "message"

	// EndpointStream is the SSE streaming endpoint.
	EndpointStream Endpoint = "stream"

	// EndpointWebsocket is the websocket endpoint.
	EndpointWebsocket Endpoint = "websocket"
)

// Cache lookup outcomes.
const (
	CacheOutcomeHit       = "hit"
	CacheOutcomeMiss      = "miss"
	CacheOutcomeCoalesced = "coalesced"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed chat request.
func (m *ChatMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a chat error.
func (m *ChatMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage.
func (m *ChatMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordCacheLookup records a response cache lookup outcome.
func (m *ChatMetrics) RecordCacheLookup(outcome string) {
	m.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheInvalidation records entries removed for a source.
func (m *ChatMetrics) RecordCacheInvalidation(source string, removed int) {
	m.CacheInvalidationsTotal.WithLabelValues(source).Add(float64(removed))
}

// RecordRateLimitRejection records a rejected request.
func (m *ChatMetrics) RecordRateLimitRejection(endpoint Endpoint) {
	m.RateLimitRejectionsTotal.WithLabelValues(string(endpoint)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records latency to first token.
func (m *ChatMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records total stream duration.
func (m *ChatMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive records a keepalive ping.
func (m *ChatMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect records a client disconnection.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
