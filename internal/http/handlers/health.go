// Package handlers provides HTTP API handlers for tsbridge.
package handlers

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jmylchreest/tsbridge/pkg/httpclient"
)

// SessionCounter reports relay session usage.
type SessionCounter interface {
	Count() int
	MaxSessions() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	engine    string
	startTime time.Time
	sessions  SessionCounter
	breakers  func() map[string]httpclient.CircuitBreakerStats
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithSessions sets the session source.
func (h *HealthHandler) WithSessions(sessions SessionCounter) *HealthHandler {
	h.sessions = sessions
	return h
}

// WithBreakers sets the source of upstream circuit breaker state.
func (h *HealthHandler) WithBreakers(fn func() map[string]httpclient.CircuitBreakerStats) *HealthHandler {
	h.breakers = fn
	return h
}

// WithFilterEngine records the configured filter engine name.
func (h *HealthHandler) WithFilterEngine(engine string) *HealthHandler {
	h.engine = engine
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse describes the service and its host.
type HealthResponse struct {
	Status        string                 `json:"status" doc:"healthy or degraded"`
	Timestamp     string                 `json:"timestamp"`
	Version       string                 `json:"version"`
	Uptime        string                 `json:"uptime"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	FilterEngine  string                 `json:"filter_engine,omitempty"`
	Sessions      SessionsHealth         `json:"sessions"`
	Upstreams     []CircuitBreakerStatus `json:"upstreams"`
	CPUInfo       CPUInfo                `json:"cpu_info"`
	Memory        MemoryInfo             `json:"memory"`
}

// SessionsHealth reports session usage.
type SessionsHealth struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// CircuitBreakerStatus is the breaker state of one upstream host.
type CircuitBreakerStatus struct {
	Host     string `json:"host"`
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory figures in MiB.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo covers this process and its filter subprocesses.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	ChildProcessCount  int     `json:"child_process_count" doc:"Running filter subprocesses"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body LivezResponse
}

// LivezResponse is the liveness probe body.
type LivezResponse struct {
	Status string `json:"status"`
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Body ReadyzResponse
}

// ReadyzResponse is the readiness probe body.
type ReadyzResponse struct {
	Status     string            `json:"status" doc:"ready or saturated"`
	Components map[string]string `json:"components"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns service status, session usage, upstream breaker state and host metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez always reports ok while the process serves requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether another session can be started.
func (h *HealthHandler) GetReadyz(_ context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{"sessions": "ok"}

	if h.sessions != nil && h.sessions.Count() >= h.sessions.MaxSessions() {
		out.Body.Status = "saturated"
		out.Body.Components["sessions"] = "full"
	}
	for _, b := range h.upstreams() {
		if b.State == "open" {
			out.Body.Components["upstream:"+b.Host] = b.State
		}
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(_ context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		FilterEngine:  h.engine,
		Upstreams:     h.upstreams(),
		CPUInfo:       h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
	}
	if h.sessions != nil {
		resp.Sessions = SessionsHealth{Active: h.sessions.Count(), Max: h.sessions.MaxSessions()}
	}
	for _, u := range resp.Upstreams {
		if u.State == "open" {
			resp.Status = "degraded"
		}
	}

	return &HealthOutput{Body: resp}, nil
}

func (h *HealthHandler) upstreams() []CircuitBreakerStatus {
	out := []CircuitBreakerStatus{}
	if h.breakers == nil {
		return out
	}
	for host, s := range h.breakers() {
		out = append(out, CircuitBreakerStatus{Host: host, State: s.State, Failures: s.ConsecutiveFailures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	info.ProcessMemory = getProcessMemoryInfo()
	return info
}

// getProcessMemoryInfo sums RSS over this process and its children, which
// are the filter subprocesses of the process engine.
func getProcessMemoryInfo() ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}
	return info
}
