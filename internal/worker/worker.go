// ============================================================================
// Catalog Notifier Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that delivers catalog notifications, each Worker runs in
//           an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the handler with a per-task timeout
//   3. Report the result through the pool's OnResult callback
//   4. Repeat until taskCh is closed and drained
//
// A panicking handler is converted into a failed Result; the Worker keeps
// running.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Worker represents a work execution unit
type Worker struct {
	id       int          // Worker unique identifier, used for logging
	taskCh   <-chan Task  // Task channel (read-only)
	handler  Handler      // Delivers one notification
	timeout  time.Duration
	onResult func(Result) // May be nil
}

func newWorker(id int, taskCh <-chan Task, handler Handler, timeout time.Duration, onResult func(Result)) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		handler:  handler,
		timeout:  timeout,
		onResult: onResult,
	}
}

// Run is the main loop of Worker; it returns once taskCh is closed and empty
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		timeout := task.Timeout
		if timeout <= 0 {
			timeout = w.timeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := w.execute(ctx, task)
		cancel()

		if w.onResult != nil {
			w.onResult(Result{
				JobID:    task.JobID,
				Name:     task.Name,
				Success:  err == nil,
				Error:    err,
				Duration: time.Since(start),
			})
		}
	}
}

// execute runs the handler, turning a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("worker %d: handler panic: %v", w.id, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return w.handler(ctx, task)
}
