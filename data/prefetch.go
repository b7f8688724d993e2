package data

import (
	"context"
	"sync"
)

type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Prefetch runs fn over jobs on a pool of workers and delivers the results
// in job order. At most 2*workers results are in flight. The channel is
// closed after the last job, after the first error, or when ctx is done; a
// ctx error is delivered as a final Result. Callers must drain the channel.
func Prefetch[J, T any](ctx context.Context, jobs []J, workers int, fn func(context.Context, J) (T, error)) <-chan Result[T] {
	if workers <= 0 {
		workers = 1
	}

	out := make(chan Result[T])
	ctx, cancel := context.WithCancel(ctx)

	// one slot per job, filled by workers and drained in order
	slots := make([]chan Result[T], len(jobs))
	for i := range slots {
		slots[i] = make(chan Result[T], 1)
	}

	// window bounds how far workers may run ahead of the consumer
	window := make(chan struct{}, 2*workers)
	next := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				v, err := fn(ctx, jobs[i])
				slots[i] <- Result[T]{Index: i, Value: v, Err: err}
			}
		}()
	}

	go func() {
		defer close(next)
		for i := range jobs {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case next <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			wg.Wait()
			close(out)
		}()
		for i := range jobs {
			var r Result[T]
			select {
			case r = <-slots[i]:
			case <-ctx.Done():
				out <- Result[T]{Index: i, Err: ctx.Err()}
				return
			}
			<-window

			select {
			case out <- r:
			case <-ctx.Done():
				out <- Result[T]{Index: i, Err: ctx.Err()}
				return
			}
			if r.Err != nil {
				return
			}
		}
	}()

	return out
}
