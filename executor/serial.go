package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrStopped = errors.New("executor stopped")

// Serial runs submitted tasks one at a time on a single goroutine, in the
// order they were submitted. The queue is unbounded, so submitting never
// blocks, even when done from within a running task.
type Serial struct {
	mut     sync.Mutex
	queue   []func()
	signal  chan struct{}
	done    chan struct{}
	stopped bool
	name    string
	logger  log.Logger
}

// NewSerial creates an executor and starts its worker goroutine.
func NewSerial(name string, logger log.Logger) *Serial {
	s := &Serial{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		name:   name,
		logger: logger,
	}

	go s.loop()

	return s
}

// Submit enqueues a task. It returns false if the executor has been stopped
// and the task will never run.
func (s *Serial) Submit(task func()) bool {
	s.mut.Lock()

	if s.stopped {
		s.mut.Unlock()
		return false
	}

	s.queue = append(s.queue, task)
	s.mut.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}

	return true
}

// Stop prevents new tasks from being submitted and waits until the tasks
// already in the queue are drained.
func (s *Serial) Stop() {
	s.mut.Lock()

	if s.stopped {
		s.mut.Unlock()
		<-s.done

		return
	}

	s.stopped = true
	s.mut.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}

	<-s.done
}

// Len returns the number of tasks waiting in the queue.
func (s *Serial) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()

	return len(s.queue)
}

func (s *Serial) loop() {
	defer close(s.done)

	for {
		s.mut.Lock()
		tasks := s.queue
		s.queue = nil
		stopped := s.stopped
		s.mut.Unlock()

		for _, task := range tasks {
			s.run(task)
		}

		if len(tasks) > 0 {
			continue
		}

		if stopped {
			return
		}

		<-s.signal
	}
}

func (s *Serial) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "task panicked", "executor", s.name, "panic", fmt.Sprint(r))
		}
	}()

	task()
}

type result[T any] struct {
	value T
	err   error
	panic any
}

// Call runs fn on the executor and blocks until it completes, returning its
// result. A panic inside fn is re-raised in the calling goroutine. The wait
// is bounded only by ctx; the task itself still runs if ctx is cancelled
// after it has been submitted.
func Call[T any](ctx context.Context, s *Serial, fn func() (T, error)) (T, error) {
	var zero T

	ch := make(chan result[T], 1)

	ok := s.Submit(func() {
		var res result[T]

		defer func() {
			if r := recover(); r != nil {
				res.panic = r
			}

			ch <- res
		}()

		res.value, res.err = fn()
	})

	if !ok {
		return zero, ErrStopped
	}

	select {
	case res := <-ch:
		if res.panic != nil {
			panic(res.panic)
		}

		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Do is Call for functions that only return an error.
func Do(ctx context.Context, s *Serial, fn func() error) error {
	_, err := Call(ctx, s, func() (struct{}, error) {
		return struct{}{}, fn()
	})

	return err
}
