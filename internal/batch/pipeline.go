package batch

import (
	"context"
	"sync"

	"hyperglide/internal/router"
)

// executePipeline routes each command in b independently via the router,
// issues them concurrently, and reassembles the results in original
// command order (spec.md §4.8). raiseOnError=true collapses the whole
// result to the first error encountered, in command order, rather than a
// per-command error at the position it occurred.
func (e *Executor) executePipeline(ctx context.Context, b Batch, raiseOnError bool) ([]Result, error) {
	results := make([]Result, len(b.Commands))

	var wg sync.WaitGroup
	deadline := deadlineFrom(ctx, b.Timeout)
	for i, cmd := range b.Commands {
		wg.Add(1)
		go func(i int, cmd router.Command) {
			defer wg.Done()
			v, err := e.runner.One(ctx, cmd, b.RouteOverride, deadline, false)
			results[i] = Result{Value: v, Err: err}
		}(i, cmd)
	}
	wg.Wait()

	if raiseOnError {
		for _, r := range results {
			if r.Err != nil {
				return nil, r.Err
			}
		}
	}
	return results, nil
}
