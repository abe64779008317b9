// Package health exposes a resource snapshot of the gateway process itself,
// included in status-feed snapshots and served at /api/health.
package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time view of the gateway process.
type Snapshot struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
	StartedAt  time.Time `json:"startedAt"`
	UptimeSec  float64   `json:"uptimeSec"`
}

// Reader samples the current process. Safe for concurrent use.
type Reader struct {
	proc      *process.Process
	startedAt time.Time
}

func NewReader() *Reader {
	r := &Reader{startedAt: time.Now()}
	// A failed lookup leaves proc nil; Read degrades to runtime-only data.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

// Read returns the current snapshot. Individual probe failures zero the
// affected field rather than failing the whole read.
func (r *Reader) Read() Snapshot {
	snap := Snapshot{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		StartedAt:  r.startedAt,
		UptimeSec:  time.Since(r.startedAt).Seconds(),
	}
	if r.proc == nil {
		return snap
	}
	if cpu, err := r.proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	return snap
}
