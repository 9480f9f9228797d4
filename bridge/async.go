package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/ruteri/attested-lookup/common"
)

var (
	ErrInternal  = errors.New("internal error")
	ErrCancelled = errors.New("operation cancelled")
)

// Guard runs fn and converts a panic into an error wrapping ErrInternal.
func Guard(log *slog.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	return fn()
}

// CancellationID identifies a running operation.
type CancellationID uint64

// AsyncRunner runs operations on their own goroutines.
type AsyncRunner struct {
	log *slog.Logger
	wg  sync.WaitGroup

	mu      sync.Mutex
	next    CancellationID
	cancels map[CancellationID]context.CancelFunc
}

func NewAsyncRunner(log *slog.Logger) *AsyncRunner {
	if log == nil {
		log = common.DiscardLogger()
	}
	return &AsyncRunner{log: log, cancels: make(map[CancellationID]context.CancelFunc)}
}

// Run starts fn and calls complete exactly once with its outcome. A panic in
// fn completes with ErrInternal; a cancelled operation completes with an
// error wrapping ErrCancelled. A panic inside complete is logged and dropped,
// as there is nobody left to report it to.
func Run[T any](r *AsyncRunner, parent context.Context, fn func(ctx context.Context) (T, error), complete func(T, error)) CancellationID {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.next++
	id := r.next
	r.cancels[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(id)

		var result T
		err := Guard(r.log, func() error {
			var err error
			result, err = fn(ctx)
			return err
		})
		if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		_ = Guard(r.log, func() error {
			complete(result, err)
			return nil
		})
	}()
	return id
}

func (r *AsyncRunner) forget(id CancellationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}

// Cancel requests cancellation of a running operation. It reports whether
// the operation was still running.
func (r *AsyncRunner) Cancel(id CancellationID) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Pending is the number of operations not yet completed.
func (r *AsyncRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}

// Wait blocks until every started operation has completed.
func (r *AsyncRunner) Wait() {
	r.wg.Wait()
}
