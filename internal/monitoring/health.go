// Package monitoring serves the health and metrics endpoints for a
// runtime process: /healthz for liveness probes, /status for a detailed
// JSON snapshot, /metrics for prometheus scrapes.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/logger"
)

type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	Stage       StageInfo       `json:"stage"`
	Model       ModelInfo       `json:"model"`
	System      SystemInfo      `json:"system"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// StageInfo pins the process to its coordinates in the device mesh.
type StageInfo struct {
	PPRank int    `json:"pp_rank"`
	PPSize int    `json:"pp_size"`
	TPRank int    `json:"tp_rank"`
	TPSize int    `json:"tp_size"`
	Addr   string `json:"addr,omitempty"`
}

type ModelInfo struct {
	Layers         int  `json:"layers"`
	HiddenSize     int  `json:"hidden_size"`
	Heads          int  `json:"heads"`
	KVHeads        int  `json:"kv_heads"`
	VocabSize      int  `json:"vocab_size"`
	KVCapacity     int  `json:"kv_capacity"`
	TiedEmbeddings bool `json:"tied_embeddings"`
}

func ModelInfoFromConfig(cfg *config.Config) ModelInfo {
	return ModelInfo{
		Layers:         cfg.Layers,
		HiddenSize:     cfg.HiddenSize,
		Heads:          cfg.Heads,
		KVHeads:        cfg.KVHeads,
		VocabSize:      cfg.VocabSize,
		KVCapacity:     cfg.PrefillKVLen,
		TiedEmbeddings: cfg.TieEmbeddings,
	}
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	Goroutines   int    `json:"goroutines"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastGeneration  time.Time `json:"last_generation"`
}

type Alert struct {
	Level      string     `json:"level"` // info, warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type perfPoint struct {
	timestamp time.Time
	tokens    int
	duration  time.Duration
}

type HealthMonitor struct {
	startTime time.Time
	stage     StageInfo
	model     ModelInfo
	server    *http.Server

	mu             sync.RWMutex
	alerts         []Alert
	lastGeneration time.Time
	perfHistory    []perfPoint
}

func NewHealthMonitor(stage StageInfo, model ModelInfo) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		stage:     stage,
		model:     model,
	}
}

// Start serves until Stop is called. A clean shutdown is not an error.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("health monitor listening", "addr", addr)
	if err := hm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordGeneration feeds one completed Generate call into the rolling
// performance window.
func (hm *HealthMonitor) RecordGeneration(tokens int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastGeneration = now

	hm.perfHistory = append(hm.perfHistory, perfPoint{
		timestamp: now,
		tokens:    tokens,
		duration:  duration,
	})
	if len(hm.perfHistory) > 1000 {
		hm.perfHistory = hm.perfHistory[1:]
	}

	hm.checkGenerationAlerts(tokens, duration)
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.snapshot()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.snapshot())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) snapshot() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		Stage:       hm.stage,
		Model:       hm.model,
		System:      systemInfo(),
		Performance: hm.performanceLocked(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		Goroutines:   runtime.NumGoroutine(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	if len(hm.perfHistory) == 0 {
		return PerformanceInfo{LastGeneration: hm.lastGeneration}
	}

	totalTokens := 0
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		totalTokens += p.tokens
		totalDuration += p.duration
		latencies = append(latencies, float64(p.duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}

	perf := PerformanceInfo{
		AvgLatencyMs:   float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6,
		P95LatencyMs:   latencies[p95Index],
		LastGeneration: hm.lastGeneration,
	}
	if secs := totalDuration.Seconds(); secs > 0 {
		perf.TokensPerSecond = float64(totalTokens) / secs
	}
	return perf
}

func (hm *HealthMonitor) checkGenerationAlerts(tokens int, duration time.Duration) {
	secs := duration.Seconds()
	if secs <= 0 {
		return
	}
	rate := float64(tokens) / secs
	if tokens > 0 && rate < 1.0 {
		hm.addAlertLocked("warning", "generation",
			fmt.Sprintf("low throughput: %.2f tokens/sec", rate))
	}
	if secs > 60 {
		hm.addAlertLocked("error", "generation",
			fmt.Sprintf("slow generation: %.1fs for %d tokens", secs, tokens))
	}
}
