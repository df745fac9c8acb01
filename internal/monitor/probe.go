package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ProbeResult is what a single probe's check reports.
type ProbeResult struct {
	Healthy bool
	Metrics map[string]float64
	Err     error
}

// Probe is a named, independently-healable health check.
type Probe interface {
	ID() string
	Name() string
	Enabled() bool
	Check(ctx context.Context) ProbeResult
	Heal(ctx context.Context) error
}

// memoryProbe reports unhealthy once the process's heap usage (as a
// fraction of the runtime's last-reported sys memory) crosses threshold.
type memoryProbe struct {
	threshold float64
}

func NewMemoryProbe(threshold float64) Probe { return &memoryProbe{threshold: threshold} }

func (p *memoryProbe) ID() string      { return "memory" }
func (p *memoryProbe) Name() string    { return "Memory usage" }
func (p *memoryProbe) Enabled() bool   { return true }

func (p *memoryProbe) Check(ctx context.Context) ProbeResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	usage := 0.0
	if m.Sys > 0 {
		usage = float64(m.HeapAlloc) / float64(m.Sys)
	}
	return ProbeResult{
		Healthy: usage < p.threshold,
		Metrics: map[string]float64{"heap_fraction_of_sys": usage},
	}
}

func (p *memoryProbe) Heal(ctx context.Context) error {
	runtime.GC()
	return nil
}

// cpuProbe reports unhealthy once the number of runnable goroutines exceeds
// a ceiling, a rough proxy for CPU-bound contention.
type cpuProbe struct {
	maxGoroutines int
}

func NewCPUProbe(maxGoroutines int) Probe { return &cpuProbe{maxGoroutines: maxGoroutines} }

func (p *cpuProbe) ID() string    { return "cpu" }
func (p *cpuProbe) Name() string  { return "CPU / goroutine pressure" }
func (p *cpuProbe) Enabled() bool { return true }

func (p *cpuProbe) Check(ctx context.Context) ProbeResult {
	n := runtime.NumGoroutine()
	return ProbeResult{
		Healthy: n < p.maxGoroutines,
		Metrics: map[string]float64{"goroutines": float64(n)},
	}
}

func (p *cpuProbe) Heal(ctx context.Context) error {
	return nil
}

// diskProbe reports unhealthy once free space on a path's filesystem drops
// below a minimum number of bytes.
type diskProbe struct {
	path    string
	minFree uint64
}

func NewDiskProbe(path string, minFreeBytes uint64) Probe {
	return &diskProbe{path: path, minFree: minFreeBytes}
}

func (p *diskProbe) ID() string    { return "disk" }
func (p *diskProbe) Name() string  { return "Disk space" }
func (p *diskProbe) Enabled() bool { return true }

func (p *diskProbe) Check(ctx context.Context) ProbeResult {
	free, err := freeBytes(p.path)
	if err != nil {
		return ProbeResult{Healthy: false, Err: err}
	}
	return ProbeResult{
		Healthy: free >= p.minFree,
		Metrics: map[string]float64{"free_bytes": float64(free)},
	}
}

func (p *diskProbe) Heal(ctx context.Context) error {
	return os.RemoveAll(filepath.Join(p.path, "orchestrake-scratch-tmp"))
}

// processProbe reports unhealthy if the number of tracked running tasks
// exceeds an expected ceiling supplied by a callback into the scheduler.
type processProbe struct {
	runningCount func() int
	maxRunning   int
}

func NewProcessProbe(runningCount func() int, maxRunning int) Probe {
	return &processProbe{runningCount: runningCount, maxRunning: maxRunning}
}

func (p *processProbe) ID() string    { return "process" }
func (p *processProbe) Name() string  { return "Process health" }
func (p *processProbe) Enabled() bool { return p.runningCount != nil }

func (p *processProbe) Check(ctx context.Context) ProbeResult {
	n := p.runningCount()
	return ProbeResult{
		Healthy: n <= p.maxRunning,
		Metrics: map[string]float64{"running_tasks": float64(n)},
	}
}

func (p *processProbe) Heal(ctx context.Context) error {
	return nil
}

// logProbe reports unhealthy if the log directory does not exist or is not
// writable.
type logProbe struct {
	dir string
}

func NewLogProbe(dir string) Probe { return &logProbe{dir: dir} }

func (p *logProbe) ID() string    { return "log_subsystem" }
func (p *logProbe) Name() string  { return "Log subsystem" }
func (p *logProbe) Enabled() bool { return p.dir != "" }

func (p *logProbe) Check(ctx context.Context) ProbeResult {
	testFile := filepath.Join(p.dir, ".orchestrake-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return ProbeResult{Healthy: false, Err: fmt.Errorf("log dir %q unwritable: %w", p.dir, err)}
	}
	_ = os.Remove(testFile)
	return ProbeResult{Healthy: true}
}

func (p *logProbe) Heal(ctx context.Context) error {
	return os.MkdirAll(p.dir, 0o755)
}

// dependencyProbe reports unhealthy if a required environment variable
// (typically an API credential) is unset.
type dependencyProbe struct {
	envVar string
}

func NewDependencyProbe(envVar string) Probe { return &dependencyProbe{envVar: envVar} }

func (p *dependencyProbe) ID() string    { return "dependency:" + p.envVar }
func (p *dependencyProbe) Name() string  { return "Dependency: " + p.envVar }
func (p *dependencyProbe) Enabled() bool { return p.envVar != "" }

func (p *dependencyProbe) Check(ctx context.Context) ProbeResult {
	if os.Getenv(p.envVar) == "" {
		return ProbeResult{Healthy: false, Err: fmt.Errorf("%s is not set", p.envVar)}
	}
	return ProbeResult{Healthy: true}
}

func (p *dependencyProbe) Heal(ctx context.Context) error {
	return fmt.Errorf("dependency probe %s cannot self-heal: requires operator action", p.envVar)
}
