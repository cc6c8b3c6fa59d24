// Package jobs runs periodic maintenance: removing expired IP blocks and
// sessions that no request will ever touch again.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Task is one cleanup step. Run returns how many records it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

type Sweeper struct {
	interval time.Duration
	tasks    []Task
	log      *slog.Logger
}

func NewSweeper(interval time.Duration, log *slog.Logger, tasks ...Task) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{interval: interval, tasks: tasks, log: log}
}

// RunOnce runs every task once. A failing task does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, t := range s.tasks {
		n, err := t.Run(ctx)
		if err != nil {
			s.log.Error("cleanup task failed", "task", t.Name, "error", err)
			continue
		}
		if n > 0 {
			s.log.Info("cleanup task removed records", "task", t.Name, "removed", n)
		}
	}
}

// Run calls RunOnce every interval until ctx is done. A non-positive
// interval disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
