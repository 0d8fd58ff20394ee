// Package system samples Go runtime statistics for the rendezvous server's
// health endpoint.
package system

import (
	"runtime"
	"time"
)

// ResourceUsage is a point-in-time sample of the process.
type ResourceUsage struct {
	OS           string  `json:"os"`
	Arch         string  `json:"arch"`
	GoVersion    string  `json:"go_version"`
	Goroutines   int     `json:"goroutines"`
	HeapAlloc    uint64  `json:"heap_alloc"`
	HeapSys      uint64  `json:"heap_sys"`
	Sys          uint64  `json:"sys"`
	NumGC        uint32  `json:"num_gc"`
	GCPauseTotal string  `json:"gc_pause_total"`
	GCFrequency  float64 `json:"gc_frequency"` // GCs per minute
	Uptime       string  `json:"uptime"`
}

// SystemMonitor reports uptime relative to its creation.
type SystemMonitor struct {
	startTime time.Time
}

func NewSystemMonitor() *SystemMonitor {
	return &SystemMonitor{startTime: time.Now()}
}

func (sm *SystemMonitor) GetUptime() time.Duration {
	return time.Since(sm.startTime)
}

// GetResourceUsage reads the runtime's memory statistics. It briefly stops
// the world, so callers should not sample in a tight loop.
func (sm *SystemMonitor) GetResourceUsage() ResourceUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := sm.GetUptime()
	var gcFrequency float64
	if uptime >= time.Minute {
		gcFrequency = float64(m.NumGC) / uptime.Minutes()
	}
	return ResourceUsage{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    runtime.Version(),
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    m.HeapAlloc,
		HeapSys:      m.HeapSys,
		Sys:          m.Sys,
		NumGC:        m.NumGC,
		GCPauseTotal: time.Duration(m.PauseTotalNs).String(),
		GCFrequency:  gcFrequency,
		Uptime:       uptime.Round(time.Second).String(),
	}
}
