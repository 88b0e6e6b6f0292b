package system

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Unavailable marks a host metric that could not be read.
const Unavailable = -1.0

// Host is one host usage sample. Each field is a percentage in [0,100] or
// Unavailable.
type Host struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// Sampler reads the current host usage.
type Sampler interface {
	Sample(ctx context.Context) (Host, error)
}

// DefaultMaxAge is how long a Gopsutil sample is reused. CPU usage is measured
// since the previous read, so reads closer together than this would report the
// load of a window too short to mean anything.
const DefaultMaxAge = time.Second

// Gopsutil samples the local host through gopsutil. Samples taken within
// maxAge of each other share one reading.
type Gopsutil struct {
	diskPath string
	maxAge   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	last   Host
	lastAt time.Time
	lastErr  error

	cpuPercent func(ctx context.Context) (float64, error)
	memPercent func(ctx context.Context) (float64, error)
	diskUsage  func(ctx context.Context, path string) (float64, error)
}

// NewGopsutil returns a Sampler reporting disk usage of the filesystem that
// holds diskPath. An empty path means "/".
func NewGopsutil(diskPath string) *Gopsutil {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Gopsutil{
		diskPath:   diskPath,
		maxAge:     DefaultMaxAge,
		now:        time.Now,
		cpuPercent: cpuPercent,
		memPercent: memPercent,
		diskUsage:  diskUsage,
	}
}

// Sample returns the cached reading when it is younger than maxAge and reads
// all three metrics otherwise. Failures are joined into the returned error and
// the affected fields are set to Unavailable.
func (g *Gopsutil) Sample(ctx context.Context) (Host, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now
	if g.now != nil {
		now = g.now
	}
	at := now()
	if !g.lastAt.IsZero() && at.Sub(g.lastAt) < g.maxAge {
		return g.last, g.lastErr
	}

	h, err := g.read(ctx)
	g.last, g.lastAt, g.lastErr = h, at, err
	return h, err
}

func (g *Gopsutil) read(ctx context.Context) (Host, error) {
	var errs []error
	read := func(name string, fn func() (float64, error)) float64 {
		v, err := fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("system: %s: %w", name, err))
			return Unavailable
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("system: %s: non-finite value", name))
			return Unavailable
		}
		return v
	}

	h := Host{
		CPUPercent:    read("cpu", func() (float64, error) { return g.cpuPercent(ctx) }),
		MemoryPercent: read("memory", func() (float64, error) { return g.memPercent(ctx) }),
		DiskPercent:   read("disk", func() (float64, error) { return g.diskUsage(ctx, g.diskPath) }),
	}
	return h, errors.Join(errs...)
}

func cpuPercent(ctx context.Context) (float64, error) {
	// interval 0 compares against the previous call, so it does not block.
	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return p[0], nil
}

func memPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func diskUsage(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}
