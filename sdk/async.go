package sdk

import "sync"

// Async is a bounded worker pool for running jobs concurrently. The first job
// error is retained and returned from Wait; remaining jobs still drain.
type Async interface {
	// Do queues a job for execution
	Do(fn func() error)
	// Wait blocks until all queued jobs have completed and returns the first error
	Wait() error
}

type async struct {
	wg   sync.WaitGroup
	ch   chan func() error
	mu   sync.Mutex
	err  error
	once sync.Once
}

var _ Async = (*async)(nil)

// NewAsync returns an Async that runs at most count jobs at a time
func NewAsync(count int) Async {
	if count <= 0 {
		count = 1
	}
	a := &async{
		ch: make(chan func() error),
	}
	for i := 0; i < count; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for fn := range a.ch {
				a.mu.Lock()
				failed := a.err != nil
				a.mu.Unlock()
				if failed {
					continue
				}
				if err := fn(); err != nil {
					a.mu.Lock()
					if a.err == nil {
						a.err = err
					}
					a.mu.Unlock()
				}
			}
		}()
	}
	return a
}

func (a *async) Do(fn func() error) {
	a.ch <- fn
}

func (a *async) Wait() error {
	a.once.Do(func() {
		close(a.ch)
	})
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
