package runtime

import (
	"os"
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// Scheduler CPU time split the runtime exposes; busy time is total minus
// idle.
const (
	cpuTotalMetric = "/cpu/classes/total:cpu-seconds"
	cpuIdleMetric  = "/cpu/classes/idle:cpu-seconds"
)

func cpuSamples() []metrics.Sample {
	return []metrics.Sample{{Name: cpuTotalMetric}, {Name: cpuIdleMetric}}
}

// runtimeSampler samples coarse CPU/memory usage for stats snapshots and
// doctor reports.
type runtimeSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newRuntimeSampler() *runtimeSampler {
	return &runtimeSampler{
		samples: cpuSamples(),
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *runtimeSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) != 2 {
		r.samples = cpuSamples()
	}

	metrics.Read(r.samples)
	total, idle := r.samples[0], r.samples[1]
	haveCPU := total.Value.Kind() == metrics.KindFloat64 && idle.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = total.Value.Float64() - idle.Value.Float64()
	}
	now := time.Now()

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaCPU := cpuSeconds - r.lastCPUSeconds
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = (deltaCPU / deltaWall) / r.numCPU * 100
		}
	}

	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}

// HostInfo describes the running process for doctor reports.
type HostInfo struct {
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"num_cpu"`
	PID       int    `json:"pid"`
	WorkDir   string `json:"work_dir,omitempty"`
}

func collectHostInfo() HostInfo {
	info := HostInfo{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
		PID:       os.Getpid(),
	}
	if wd, err := os.Getwd(); err == nil {
		info.WorkDir = wd
	}
	return info
}

// DiagnosticsReport is the aggregate health view behind the doctor operation
// and the debug endpoint.
type DiagnosticsReport struct {
	Host        HostInfo      `json:"host"`
	Resource    ResourceUsage `json:"resource"`
	Stats       StatsSnapshot `json:"stats"`
	InFlight    int           `json:"in_flight"`
	LiveCancels int           `json:"live_cancel_tokens"`
	Checks      []HealthCheck `json:"checks,omitempty"`
}

// HealthCheck is one named probe result inside a doctor report.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusFailed   = "failed"
)
