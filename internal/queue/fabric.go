package queue

import (
	"fmt"

	"docpipe/internal/model"
)

// The four stage queues.
const (
	NameArchive   = "archive"
	NameParse     = "parse"
	NameVectorize = "vectorize"
	NameCleanup   = "cleanup"
)

// Fabric owns one Queue per stage name and routes enqueues across them.
type Fabric struct {
	queues map[string]*Queue
}

// NewFabric builds the four stage queues with the given per-queue options.
func NewFabric(opts Options) *Fabric {
	f := &Fabric{queues: make(map[string]*Queue)}
	for _, name := range []string{NameArchive, NameParse, NameVectorize, NameCleanup} {
		f.queues[name] = New(name, opts)
	}
	return f
}

// Queue returns the named queue, or nil if unknown.
func (f *Fabric) Queue(name string) *Queue {
	return f.queues[name]
}

// Enqueue is a convenience wrapper over Queue(name).Enqueue.
func (f *Fabric) Enqueue(name string, msg model.QueueMessage) (string, error) {
	q := f.queues[name]
	if q == nil {
		return "", fmt.Errorf("queue fabric: unknown queue %q", name)
	}
	return q.Enqueue(msg)
}

// Depths reports each queue's current depth, for the ambient status surface.
func (f *Fabric) Depths() map[string]int {
	out := make(map[string]int, len(f.queues))
	for name, q := range f.queues {
		out[name] = q.Depth()
	}
	return out
}

// Backlogged names the queues whose depth has crossed their soft threshold,
// the backpressure signal health checks surface.
func (f *Fabric) Backlogged() []string {
	var out []string
	for name, q := range f.queues {
		if q.SoftThresholdExceeded() {
			out = append(out, name)
		}
	}
	return out
}
