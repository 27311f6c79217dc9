// Package maintenance runs the periodic sweep that keeps the engine's
// in-memory maps and on-disk worktrees consistent with the task table:
// worktrees whose task is gone or terminal are pruned, and process handles
// whose pid died without a wait notification are purged.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/climpire/climpire/internal/persistence"
)

type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (persistence.Task, error)
}

type Workspaces interface {
	TaskIDs() []string
	Rollback(ctx context.Context, taskID string) (bool, error)
}

// Sweeper prunes orphaned worktrees and stale process handles on a cron
// schedule.
type Sweeper struct {
	logger   *slog.Logger
	store    TaskReader
	trees    Workspaces
	schedule cron.Schedule

	staleHandles func() []string
	purgeHandle  func(taskID string)
}

// New parses the cron expression (standard five-field syntax plus @hourly
// style descriptors) and builds the sweeper. staleHandles must return task
// ids whose handle pid is no longer alive; purgeHandle removes one.
func New(logger *slog.Logger, spec string, store TaskReader, trees Workspaces, staleHandles func() []string, purgeHandle func(string)) (*Sweeper, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		logger:       logger,
		store:        store,
		trees:        trees,
		schedule:     sched,
		staleHandles: staleHandles,
		purgeHandle:  purgeHandle,
	}, nil
}

// Run blocks, sweeping on each schedule tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Safe to call directly, e.g. at startup.
func (s *Sweeper) Sweep(ctx context.Context) {
	prunedTrees := 0
	for _, taskID := range s.trees.TaskIDs() {
		task, err := s.store.GetTask(ctx, taskID)
		orphaned := errors.Is(err, persistence.ErrTaskNotFound)
		if err != nil && !orphaned {
			s.logger.Warn("maintenance: load task", "task_id", taskID, "error", err)
			continue
		}
		if !orphaned && !task.Status.IsTerminal() {
			continue
		}
		if rolled, err := s.trees.Rollback(ctx, taskID); err != nil {
			s.logger.Warn("maintenance: prune worktree", "task_id", taskID, "error", err)
		} else if rolled {
			prunedTrees++
		}
	}

	purgedHandles := 0
	for _, taskID := range s.staleHandles() {
		s.purgeHandle(taskID)
		purgedHandles++
	}

	if prunedTrees > 0 || purgedHandles > 0 {
		s.logger.Info("maintenance: sweep complete",
			"pruned_worktrees", prunedTrees, "purged_handles", purgedHandles)
	}
}
