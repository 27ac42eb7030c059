package worker

import (
	"context"
	"fmt"

	"github.com/timmy/triage/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Pool runs independent workers side by side.
type Pool struct {
	workers []*Worker
}

// NewPool creates size workers sharing queue and router. With tenants set,
// worker i claims only for tenants[i%len(tenants)]; otherwise every worker
// claims across all tenants.
func NewPool(queue Queue, router *Router, size int, tenants []string, opts Options) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{workers: make([]*Worker, 0, size)}
	for i := 0; i < size; i++ {
		o := opts
		o.Name = fmt.Sprintf("worker-%d", i+1)
		if len(tenants) > 0 {
			o.Filter = repository.ClaimFilter{TenantID: tenants[i%len(tenants)], Type: opts.Filter.Type}
		}
		p.workers = append(p.workers, New(queue, router, o))
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts every worker and blocks until ctx is cancelled and all of them
// have returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
