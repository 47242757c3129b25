package storage

import "sync"

// Future is a handle to an asynchronous write.  Callbacks registered with
// AddDoneCallback run once the write has landed.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	finished  bool
	err       error
	callbacks []func(error)
}

// NewFuture returns an unfinished Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns a Future that finishes with its result.
func Go(fn func() error) *Future {
	f := NewFuture()
	go func() {
		f.Finish(fn())
	}()
	return f
}

// Finished returns an already finished Future.
func Finished(err error) *Future {
	f := NewFuture()
	f.Finish(err)
	return f
}

// Finish records the result and runs registered callbacks in the calling
// goroutine before Done is closed.  Only the first call has any effect.
func (f *Future) Finish(err error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
	close(f.done)
}

// AddDoneCallback registers fn to be called with the write's result.  If the
// Future has already finished, fn is called immediately.
func (f *Future) AddDoneCallback(fn func(error)) {
	f.mu.Lock()
	if !f.finished {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	err := f.err
	f.mu.Unlock()
	fn(err)
}

// Done returns a channel closed when the Future finishes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Future finishes and its callbacks have run, then
// returns its error.
func (f *Future) Wait() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
