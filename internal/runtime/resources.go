package runtime

import (
	goruntime "runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ResourceUsage is a coarse sample of the process.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// NodeStatus is what the admin API reports about this node.
type NodeStatus struct {
	NodeID    int                      `json:"node_id"`
	Service   string                   `json:"service,omitempty"`
	Started   bool                     `json:"started"`
	Listeners []string                 `json:"listeners"`
	Counts    envelope.PersistedCounts `json:"counts"`
	Resources ResourceUsage            `json:"resources"`
}

// resourceSampler derives CPU usage from the delta between two samples, so
// the first sample always reports zero CPU.
type resourceSampler struct {
	mu          sync.Mutex
	samples     []metrics.Sample
	lastCPU     float64
	lastSampled time.Time
	numCPU      float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(goruntime.NumCPU()),
	}
}

func (s *resourceSampler) Sample(now time.Time) ResourceUsage {
	if s == nil {
		return ResourceUsage{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		s.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	metrics.Read(s.samples)

	var usage ResourceUsage
	if v := s.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !s.lastSampled.IsZero() && s.numCPU > 0 {
			if wall := now.Sub(s.lastSampled).Seconds(); wall > 0 {
				usage.CPUPercent = (cpu - s.lastCPU) / wall / s.numCPU * 100
			}
		}
		s.lastCPU = cpu
	}
	s.lastSampled = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	usage.Goroutines = goruntime.NumGoroutine()
	return usage
}
