package gateway

import (
	"context"
	"sync"
)

// Registry tracks in-flight jobs by correlation id so they can be cancelled
// out of band. Each job still owns its own state; the registry only holds
// cancel functions.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]map[string]context.CancelCauseFunc
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]map[string]context.CancelCauseFunc)}
}

// Register derives a cancellable context for job jobID under clientID. The
// returned release func must be called when the job ends.
func (r *Registry) Register(ctx context.Context, clientID, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	byJob, ok := r.jobs[clientID]
	if !ok {
		byJob = make(map[string]context.CancelCauseFunc)
		r.jobs[clientID] = byJob
	}
	byJob[jobID] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		if byJob, ok := r.jobs[clientID]; ok {
			delete(byJob, jobID)
			if len(byJob) == 0 {
				delete(r.jobs, clientID)
			}
		}
		r.mu.Unlock()
		cancel(nil)
	}
}

// Cancel cancels every job registered under clientID with cause and returns
// how many were cancelled.
func (r *Registry) Cancel(clientID string, cause error) int {
	r.mu.Lock()
	byJob := r.jobs[clientID]
	cancels := make([]context.CancelCauseFunc, 0, len(byJob))
	for _, c := range byJob {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c(cause)
	}
	return len(cancels)
}

// Active is the number of in-flight jobs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, byJob := range r.jobs {
		n += len(byJob)
	}
	return n
}
