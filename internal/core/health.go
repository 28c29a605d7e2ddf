package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64   `json:"uptime_seconds"`
	State           string  `json:"state"`
	StreamConnected bool    `json:"stream_connected"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	Ticks           uint64  `json:"ticks"`
	Inferences      uint64  `json:"inferences"`
	EngineFailures  uint64  `json:"engine_failures"`
	SourceFPS       float64 `json:"source_fps"`
}

// HealthCheck returns the current health status of the service
func (c *Coordinator) HealthCheck() HealthStatus {
	c.mu.RLock()
	running := c.isRunning
	started := c.started
	c.mu.RUnlock()

	status := HealthStatus{
		Status:         "healthy",
		UptimeSeconds:  int64(time.Since(started).Seconds()),
		State:          loopState(c.state.Load()).String(),
		Ticks:          c.tickCount.Load(),
		Inferences:     c.inferenceCount.Load(),
		EngineFailures: c.engineFailures.Load(),
	}

	if c.source != nil {
		stats := c.source.Stats()
		status.StreamConnected = stats.IsConnected
		status.SourceFPS = stats.FPSReal
	}

	if c.emitter != nil && c.emitter.Client != nil && c.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	if !running {
		status.Status = "unhealthy"
	} else if !status.StreamConnected || !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check).
func (c *Coordinator) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(c.started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed readiness check).
func (c *Coordinator) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := c.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics with a minimal plaintext exposition.
func (c *Coordinator) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	instance := c.cfg.InstanceID
	fmt.Fprintf(w, "segstream_uptime_seconds{instance=%q} %d\n",
		instance, int64(time.Since(c.started).Seconds()))
	fmt.Fprintf(w, "segstream_ticks_total{instance=%q} %d\n", instance, c.tickCount.Load())
	fmt.Fprintf(w, "segstream_inferences_total{instance=%q} %d\n", instance, c.inferenceCount.Load())
	fmt.Fprintf(w, "segstream_engine_failures_total{instance=%q} %d\n", instance, c.engineFailures.Load())
	fmt.Fprintf(w, "segstream_publishes_total{instance=%q} %d\n", instance, c.publishCount.Load())
}

// StartHealthServer starts the HTTP health check server on the given port.
// Non-blocking.
func (c *Coordinator) StartHealthServer(port string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", c.LivenessHandler)
	mux.HandleFunc("/readiness", c.ReadinessHandler)
	mux.HandleFunc("/metrics", c.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
