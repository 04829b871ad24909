package worker

import (
	"context"
	"errors"
	"fmt"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/retry"
)

// ErrUnknownJobType is returned for a job whose type has no handler.
var ErrUnknownJobType = errors.New("no handler registered for job type")

// Handler executes a job. A nil return completes it; any error fails it, and
// errors marked with retry.MarkPermanent dead-letter it immediately.
type Handler func(ctx context.Context, job models.Job) error

// Router is the dispatch table from job type to handler.
type Router struct {
	handlers map[models.JobType]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[models.JobType]Handler)}
}

// Register binds a handler to a job type. It panics on a type outside the
// known set or a nil handler, both of which are wiring mistakes.
func (r *Router) Register(jobType models.JobType, h Handler) {
	if !jobType.Valid() {
		panic(fmt.Sprintf("worker: unknown job type %q", jobType))
	}
	if h == nil {
		panic(fmt.Sprintf("worker: nil handler for %q", jobType))
	}
	r.handlers[jobType] = h
}

// Types lists registered job types in the canonical order. The worker only
// claims these.
func (r *Router) Types() []models.JobType {
	var types []models.JobType
	for _, t := range models.JobTypes {
		if _, ok := r.handlers[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// Dispatch runs the handler for job. A panicking handler is reported as a
// failed attempt rather than taking the worker down.
func (r *Router) Dispatch(ctx context.Context, job models.Job) (err error) {
	h, ok := r.handlers[job.Type]
	if !ok {
		return retry.MarkPermanent(fmt.Errorf("%w %q", ErrUnknownJobType, job.Type))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}
