// Package metrics is the process-wide metrics recorder: per-stage task
// counts, a bounded ring of recent transitions, queue depths, cumulative
// cost, and disk-usage headroom, surfaced by internal/httpapi's status
// endpoint.
package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"docpipe/internal/model"
)

// ringCapacity bounds the recent-event buffer; once full, the oldest event
// is evicted for each new one.
const ringCapacity = 256

// Event is one recorded status transition, kept in the bounded ring for the
// status endpoint's recent-activity view.
type Event struct {
	TaskType  model.TaskType   `json:"task_type"`
	NewStatus model.TaskStatus `json:"new_status"`
	At        time.Time        `json:"at"`
}

// DiskUsage is the free/used/total view of the data directory's volume.
type DiskUsage struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot is the point-in-time view the status endpoint returns.
type Snapshot struct {
	TaskCounts   map[model.TaskType]map[model.TaskStatus]int64 `json:"task_counts"`
	QueueDepths  map[string]int                                `json:"queue_depths"`
	TotalCostUSD float64                                       `json:"total_cost_usd"`
	RecentEvents []Event                                       `json:"recent_events"`
	DiskUsage    DiskUsage                                     `json:"disk_usage"`
}

// Recorder accumulates counters in-process. It does not persist anything —
// CountByStatus on the task store remains the durable source of truth after
// a restart; this recorder exists for cheap, frequently-polled snapshots
// without hitting the database on every status request.
type Recorder struct {
	mu           sync.Mutex
	taskCounts   map[model.TaskType]map[model.TaskStatus]int64
	totalCostUSD float64
	dataDirFn    func() string

	// ring holds the last ringCapacity events; ringStart is the index of the
	// oldest entry once the buffer has wrapped.
	ring      []Event
	ringStart int
}

// NewRecorder builds an empty Recorder. dataDirFn supplies the directory
// whose volume disk usage should be reported against; nil disables the
// disk-usage portion of Snapshot.
func NewRecorder(dataDirFn func() string) *Recorder {
	return &Recorder{
		taskCounts: make(map[model.TaskType]map[model.TaskStatus]int64),
		dataDirFn:  dataDirFn,
	}
}

// RecordTransition increments the counter for (taskType, newStatus). The
// worker runtime calls this after each finalize write (completed, retrying
// or failed), whether or not that write matched the task's row.
func (r *Recorder) RecordTransition(taskType model.TaskType, newStatus model.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byStatus, ok := r.taskCounts[taskType]
	if !ok {
		byStatus = make(map[model.TaskStatus]int64)
		r.taskCounts[taskType] = byStatus
	}
	byStatus[newStatus]++

	ev := Event{TaskType: taskType, NewStatus: newStatus, At: time.Now()}
	if len(r.ring) < ringCapacity {
		r.ring = append(r.ring, ev)
		return
	}
	r.ring[r.ringStart] = ev
	r.ringStart = (r.ringStart + 1) % ringCapacity
}

// RecentEvents returns the ring's contents oldest-first.
func (r *Recorder) RecentEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentEventsLocked()
}

func (r *Recorder) recentEventsLocked() []Event {
	out := make([]Event, 0, len(r.ring))
	for i := 0; i < len(r.ring); i++ {
		out = append(out, r.ring[(r.ringStart+i)%len(r.ring)])
	}
	return out
}

// AddCost accumulates actual spend, for the running total the status
// endpoint reports alongside individual tasks' actual_cost_usd.
func (r *Recorder) AddCost(usd float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalCostUSD += usd
}

// DiskUsage reports free/used/total space for the volume hosting the data
// directory.
func (r *Recorder) DiskUsage() DiskUsage {
	if r.dataDirFn == nil {
		return DiskUsage{}
	}
	dataDir := r.dataDirFn()
	if dataDir == "" {
		return DiskUsage{}
	}

	volumePath := filepath.VolumeName(dataDir)
	if volumePath == "" {
		volumePath = dataDir
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsage{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsage{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// Snapshot assembles the current in-process counters plus the caller-supplied
// queue depths (from queue.Fabric.Depths, which this package doesn't import
// to avoid a dependency cycle with anything that constructs both).
func (r *Recorder) Snapshot(queueDepths map[string]int) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[model.TaskType]map[model.TaskStatus]int64, len(r.taskCounts))
	for taskType, byStatus := range r.taskCounts {
		copyMap := make(map[model.TaskStatus]int64, len(byStatus))
		for status, n := range byStatus {
			copyMap[status] = n
		}
		counts[taskType] = copyMap
	}

	return Snapshot{
		TaskCounts:   counts,
		QueueDepths:  queueDepths,
		TotalCostUSD: r.totalCostUSD,
		RecentEvents: r.recentEventsLocked(),
		DiskUsage:    r.DiskUsage(),
	}
}
