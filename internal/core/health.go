package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/e7canasta/orion-puppeteer/internal/lifecycle"
	"github.com/e7canasta/orion-puppeteer/internal/relay"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status         string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64  `json:"uptime_seconds"`
	DetectorState  string `json:"detector_state"`
	SourceReady    bool   `json:"source_ready"`
	SourceURI      string `json:"source_uri"`
	MQTTConnected  bool   `json:"mqtt_connected"`
	WSClients      int    `json:"ws_clients"`
	StartFailures  uint32 `json:"detector_start_failures"`
}

// HealthCheck returns the current health status of the service
func (p *Puppet) HealthCheck() HealthStatus {
	p.mu.RLock()
	running, started := p.isRunning, p.started
	p.mu.RUnlock()

	src := p.player.Stats()
	status := HealthStatus{
		Status:        "healthy",
		DetectorState: p.controller.State().String(),
		SourceReady:   src.Ready,
		SourceURI:     src.URI,
		StartFailures: p.startRetry.Total.Load(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if p.emitter != nil {
		status.MQTTConnected = p.emitter.Stats().Connected
	}
	if p.hub != nil {
		status.WSClients = p.hub.Stats().Clients
	}

	switch {
	case !running || p.controller.State() != lifecycle.StateActive:
		status.Status = "unhealthy"
	case !status.SourceReady || (p.emitter != nil && !status.MQTTConnected):
		status.Status = "degraded"
	}
	return status
}

// GetStatus returns a flat status map for the control plane.
func (p *Puppet) GetStatus() map[string]interface{} {
	h := p.HealthCheck()
	st := p.controller.Stats()
	out := map[string]interface{}{
		"instance_id":    p.cfg.InstanceID,
		"status":         h.Status,
		"uptime_s":       h.UptimeSeconds,
		"detector_state": st.State,
		"source_uri":     h.SourceURI,
		"source_ready":   h.SourceReady,
		"completions":    st.Completions,
		"replacements":   st.Replacements,
		"stale":          st.Stale,
		"dropped_busy":   st.Scheduler.Dropped,
		"latency_ms":     st.LastLatency.Milliseconds(),
	}
	if st.Handle != nil {
		out["handle_id"] = st.Handle.ID
		out["handle_generation"] = st.Handle.Generation
	}
	return out
}

// LivenessHandler handles /health (the process is alive)
func (p *Puppet) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (p *Puppet) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := p.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// MetricsHandler handles /metrics in the Prometheus text format.
func (p *Puppet) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	st := p.controller.Stats()
	src := p.player.Stats()
	mb := p.mailbox.Stats()
	rl := p.relay.Stats()
	lp := p.loop.Stats()
	inst := p.cfg.InstanceID

	m := func(name string, v interface{}) {
		fmt.Fprintf(w, "puppet_%s{instance=%q} %v\n", name, inst, v)
	}
	m("scheduler_ticks_total", st.Scheduler.Ticks)
	m("scheduler_submitted_total", st.Scheduler.Submitted)
	m("scheduler_dropped_busy_total", st.Scheduler.Dropped)
	m("scheduler_no_frame_total", st.Scheduler.NoFrame)
	m("scheduler_submit_failed_total", st.Scheduler.Failed)
	m("detector_handles_total", st.Handles)
	m("detector_replacements_total", st.Replacements)
	m("detector_replace_failures_total", st.ReplaceFailures)
	m("detector_completions_total", st.Completions)
	m("detector_failures_total", st.Failures)
	m("detector_stale_total", st.Stale)
	m("detector_latency_seconds", st.LastLatency.Seconds())
	m("overlay_render_errors_total", st.RenderErrors)
	m("mailbox_writes_total", mb.Writes)
	m("mailbox_overwrites_total", mb.Overwrites)
	m("relay_forwarded_total", rl.Forwarded)
	m("loop_executed_total", lp.Executed)
	m("loop_panics_total", lp.Panics)
	m("loop_pending", lp.Pending)
	m("source_frames_total", src.FrameCount)
	m("source_fps", src.FPSReal)
	m("source_generation", src.Generation)
	for sink, n := range rl.Errors {
		fmt.Fprintf(w, "puppet_relay_sink_errors_total{instance=%q,sink=%q} %d\n", inst, sink, n)
	}
}

// OverlayHandler serves the latest overlay as PNG.
func (p *Puppet) OverlayHandler(w http.ResponseWriter, r *http.Request) {
	if p.canvas == nil {
		http.Error(w, "overlay disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := p.canvas.WritePNG(w); err != nil {
		w.Header().Del("Content-Type")
		http.Error(w, err.Error(), http.StatusNotFound)
	}
}

// LatestHandler serves the latest pose, or 204 when there is none.
func (p *Puppet) LatestHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := p.mailbox.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, relay.NewPose(p.cfg.InstanceID, e))
}

// Handler returns the HTTP routes.
func (p *Puppet) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.LivenessHandler)
	mux.HandleFunc("/readiness", p.ReadinessHandler)
	mux.HandleFunc("/metrics", p.MetricsHandler)
	mux.HandleFunc("/overlay.png", p.OverlayHandler)
	mux.HandleFunc("/latest", p.LatestHandler)
	if p.hub != nil {
		mux.Handle("/ws", p.hub)
	}
	return mux
}

// StartHealthServer binds port and serves without blocking. The returned func
// shuts the server down.
func (p *Puppet) StartHealthServer(port int) (stop func(context.Context) error, err error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      p.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("health server listen: %w", err)
	}

	p.logger.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/overlay.png", "/latest", "/ws"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("health check server failed", "error", err)
		}
	}()

	return server.Shutdown, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
