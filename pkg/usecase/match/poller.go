package match

import (
	"context"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/policy"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartCommentary starts the commentary poller. It returns false if it is already running.
func (t *Tracker) StartCommentary(ctx context.Context) bool {
	return t.start(ctx, policy.TaskCommentary, func(ctx context.Context) error {
		_, err := t.RefreshCommentary(ctx)
		return err
	})
}

// StartIndexing starts the index poller. It returns false if it is already running.
func (t *Tracker) StartIndexing(ctx context.Context) bool {
	return t.start(ctx, policy.TaskIndex, func(ctx context.Context) error {
		_, err := t.RefreshIndex(ctx)
		return err
	})
}

// Running reports whether the poller of task is running
func (t *Tracker) Running(task policy.Task) bool {
	t.pollersMu.Lock()
	defer t.pollersMu.Unlock()
	_, ok := t.pollers[task]
	return ok
}

// start runs cycle until Stop or Shutdown. The poller outlives ctx's cancellation but keeps its values.
func (t *Tracker) start(ctx context.Context, task policy.Task, cycle func(ctx context.Context) error) bool {
	t.pollersMu.Lock()
	defer t.pollersMu.Unlock()

	if _, ok := t.pollers[task]; ok {
		return false
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &poller{cancel: cancel, done: make(chan struct{})}
	t.pollers[task] = p

	go func() {
		defer close(p.done)
		t.poll(pctx, task, cycle)
	}()

	logging.From(ctx).Info("poller started", "task", task)
	return true
}

func (t *Tracker) poll(ctx context.Context, task policy.Task, cycle func(ctx context.Context) error) {
	logger := logging.From(ctx).With("task", task)

	for {
		input := policy.Input{Task: task, Status: model.MatchStatusUnknown}
		if sel, err := t.Selection(); err == nil {
			input.Selected = true
			if err := cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				input.Failed = true
				logger.Warn("poller cycle failed", logging.ErrAttr(err))
			}
			input.Status = t.currentStatus(sel.Match.ID)
		}

		interval := t.interval(ctx, input)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("poller stopped")
			return
		case <-timer.C:
		}
	}
}

func (t *Tracker) currentStatus(id model.MatchID) model.MatchStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.selection == nil || t.selection.Match.ID != id {
		return model.MatchStatusUnknown
	}
	return t.selection.Match.Status
}

func (t *Tracker) interval(ctx context.Context, input policy.Input) time.Duration {
	if t.policy == nil {
		return fallbackInterval
	}
	d, err := t.policy.Interval(ctx, input)
	if err != nil {
		logging.From(ctx).Warn("failed to decide poll interval", "input", input, logging.ErrAttr(err))
		return fallbackInterval
	}
	return d
}

// Stop cancels the poller of task and waits until it exits
func (t *Tracker) Stop(ctx context.Context, task policy.Task) error {
	t.pollersMu.Lock()
	p, ok := t.pollers[task]
	delete(t.pollers, task)
	t.pollersMu.Unlock()

	if !ok {
		return nil
	}

	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "gave up waiting for poller", goerr.V("task", task))
	}
}

// Shutdown stops every poller and waits for all of them
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.pollersMu.Lock()
	tasks := make([]policy.Task, 0, len(t.pollers))
	for task := range t.pollers {
		tasks = append(tasks, task)
	}
	t.pollersMu.Unlock()

	var eg errgroup.Group
	for _, task := range tasks {
		eg.Go(func() error {
			return t.Stop(ctx, task)
		})
	}
	return eg.Wait()
}
