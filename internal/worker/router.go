package worker

import (
	"context"
	"sort"

	"github.com/timmy/triage/internal/domain"
)

// Handler processes one claimed job. The returned value is stored as the job
// result; the error's classification decides whether the queue retries.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) (interface{}, error)

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) (interface{}, error) {
	return f(ctx, job)
}

// Router maps job types to handlers. It is populated at startup and read-only
// afterwards.
type Router struct {
	handlers map[domain.JobType]Handler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[domain.JobType]Handler)}
}

// Register binds h to jobType, replacing any previous binding.
func (r *Router) Register(jobType domain.JobType, h Handler) *Router {
	r.handlers[jobType] = h
	return r
}

// Types lists the registered job types in lexical order.
func (r *Router) Types() []domain.JobType {
	types := make([]domain.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Dispatch routes job to its handler.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: the claimed job.
// Returns:
//   - interface{}: the handler result.
//   - error: the handler error, or a ConfigurationError when no handler is
//     registered for the job type. The queue fails those without retry.
func (r *Router) Dispatch(ctx context.Context, job *domain.Job) (interface{}, error) {
	if !job.Type.Valid() {
		return nil, domain.NewConfigurationError("unknown job type %q", job.Type)
	}
	h, ok := r.handlers[job.Type]
	if !ok {
		return nil, domain.NewConfigurationError("no handler registered for job type %q", job.Type)
	}
	return h.Handle(ctx, job)
}
