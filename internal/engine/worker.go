package engine

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
)

// ErrWorkerClosed is returned when submitting to a closed worker.
var ErrWorkerClosed = errors.New("engine: worker closed")

// Worker runs blocking inference jobs on a single goroutine locked to its
// OS thread. Backend calls never run on the caller's goroutine.
type Worker struct {
	jobs      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWorker starts the worker goroutine.
func NewWorker() *Worker {
	w := &Worker{
		jobs: make(chan func()),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()
	defer close(w.done)

	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.quit:
			return
		}
	}
}

// Close stops the worker after the running job, if any, returns.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.quit)
	})
	<-w.done
	return nil
}

type outcome[T any] struct {
	val T
	err error
}

// Submit hands fn to the worker and waits for its single result. When ctx
// ends first Submit returns ctx.Err(); the job keeps running and is
// expected to observe the same context or a stop flag.
func Submit[T any](ctx context.Context, w *Worker, fn func() (T, error)) (T, error) {
	var zero T
	result, err := enqueue(ctx, w, fn)
	if err != nil {
		return zero, err
	}
	select {
	case out := <-result:
		return out.val, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// SubmitWait is Submit for jobs that own shared state: once the worker has
// accepted fn, SubmitWait returns only after fn does, even when ctx ends
// first. A job that finishes cleanly after ctx ended reports ctx.Err().
func SubmitWait[T any](ctx context.Context, w *Worker, fn func() (T, error)) (T, error) {
	var zero T
	result, err := enqueue(ctx, w, fn)
	if err != nil {
		return zero, err
	}
	out := <-result
	if out.err == nil && ctx.Err() != nil {
		return out.val, ctx.Err()
	}
	return out.val, out.err
}

func enqueue[T any](ctx context.Context, w *Worker, fn func() (T, error)) (<-chan outcome[T], error) {
	result := make(chan outcome[T], 1)
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				result <- outcome[T]{err: fmt.Errorf("engine: job panicked: %v", r)}
			}
		}()
		v, err := fn()
		result <- outcome[T]{val: v, err: err}
	}

	select {
	case w.jobs <- job:
		return result, nil
	case <-w.quit:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
