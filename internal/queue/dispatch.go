package queue

import (
	"context"
	"sync"
)

// Dispatch runs a bounded pool of worker goroutines draining messages
// into handle, and returns once ctx is done and every worker has
// stopped. Pool sizes below one are clamped to one. Independent
// documents ingest concurrently through this pool; writes to the same
// canonical entity stay serialized by the pipeline's keyed locks.
func Dispatch[T any](ctx context.Context, workers int, messages <-chan T, handle func(T)) {
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-messages:
					if !ok {
						return
					}
					handle(m)
				}
			}
		}()
	}
	wg.Wait()
}
