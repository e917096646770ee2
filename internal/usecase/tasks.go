package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// TaskRunner runs background work tied to one parent context.
// Loops started with Go cancel the group when they fail; one-off jobs
// started with Spawn only log their errors.
type TaskRunner struct {
	group  *errgroup.Group
	ctx    context.Context
	logger *slog.Logger
}

// NewTaskRunner creates a TaskRunner bound to ctx.
func NewTaskRunner(ctx context.Context, logger *slog.Logger) *TaskRunner {
	g, gctx := errgroup.WithContext(ctx)
	return &TaskRunner{group: g, ctx: gctx, logger: logger.With("component", "tasks")}
}

// Context is cancelled when the parent is done or a Go task fails.
func (r *TaskRunner) Context() context.Context { return r.ctx }

// Go starts a long-running task. Its error cancels every other task.
func (r *TaskRunner) Go(name string, fn func(ctx context.Context) error) {
	r.group.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task %s panicked: %v", name, rec)
			}
		}()
		r.logger.Debug("Task started", slog.String("task", name))
		if err := fn(r.ctx); err != nil {
			r.logger.Error("Task failed", slog.String("task", name), slog.Any("error", err))
			return fmt.Errorf("task %s: %w", name, err)
		}
		r.logger.Debug("Task finished", slog.String("task", name))
		return nil
	})
}

// Spawn starts a one-off job whose failure is logged and otherwise ignored.
func (r *TaskRunner) Spawn(name string, fn func(ctx context.Context) error) {
	r.group.Go(func() error {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Job panicked", slog.String("job", name), slog.Any("panic", rec))
			}
		}()
		if err := fn(r.ctx); err != nil {
			r.logger.Warn("Job failed", slog.String("job", name), slog.Any("error", err))
		}
		return nil
	})
}

// Wait blocks until every task returns and reports the first Go failure.
func (r *TaskRunner) Wait() error {
	return r.group.Wait()
}
