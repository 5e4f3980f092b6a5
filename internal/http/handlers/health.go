package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Pinger reports database reachability. *database.DB implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database used for health checks.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string         `json:"status"`
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	CPUInfo       CPUInfo        `json:"cpu_info"`
	Memory        MemoryInfo     `json:"memory"`
	Database      DatabaseHealth `json:"database"`
}

// CPUInfo holds CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage in megabytes.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMB         float64 `json:"process_mb"`
	// ChildProcessesMB covers running ffmpeg children.
	ChildProcessesMB  float64 `json:"child_processes_mb"`
	ChildProcessCount int     `json:"child_process_count"`
}

// DatabaseHealth holds the database check result.
type DatabaseHealth struct {
	Status         string  `json:"status"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetHealth returns the health status of the service. A failing database
// yields 503 with the same body.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	status := "healthy"
	if dbHealth.Status == "error" {
		status = "unhealthy"
	}

	resp := HealthResponse{
		Status:        status,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       getCPUInfo(),
		Memory:        getMemoryInfo(),
		Database:      dbHealth,
	}
	if status != "healthy" {
		return nil, &unhealthyError{body: resp}
	}
	return &HealthOutput{Body: resp}, nil
}

// unhealthyError renders the full health body with a 503 status.
type unhealthyError struct {
	body HealthResponse
}

func (e *unhealthyError) Error() string  { return "service unhealthy" }
func (e *unhealthyError) GetStatus() int { return http.StatusServiceUnavailable }

// MarshalJSON keeps the error body identical to a healthy response.
func (e *unhealthyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.body)
}

func getCPUInfo() CPUInfo {
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

func getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = toMB(vmStat.Total)
		info.UsedMemoryMB = toMB(vmStat.Used)
		info.AvailableMemoryMB = toMB(vmStat.Available)
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.ProcessMB = toMB(memInfo.RSS)
	}
	if children, err := proc.Children(); err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
				info.ChildProcessesMB += toMB(childMem.RSS)
			}
		}
	}
	return info
}

func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: "unknown"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err := h.db.Ping(ctx)
	health := DatabaseHealth{
		Status:         "ok",
		ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		health.Status = "error"
		health.Error = err.Error()
	}
	return health
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
