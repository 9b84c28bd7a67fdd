package incentive

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

var (
	metricsSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_incentive_sweeps_total",
		Help: "Sweeper passes executed",
	})

	metricsAutoEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_incentive_auto_evaluations_total",
		Help: "System auto-evaluations issued",
	})

	metricsExpiredTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_incentive_expired_tasks_total",
		Help: "Tasks failed by deadline enforcement",
	})
)

// RunSweeper drives the engine's periodic duties until ctx is cancelled:
// deadline enforcement and auto-evaluation of tasks whose creator never
// responded within the horizon.
func (e *Engine) RunSweeper(ctx context.Context) {
	interval := e.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("incentive sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("auto_eval_horizon", e.config.AutoEvalHorizon),
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("incentive sweeper stopped")
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep runs one sweeper pass. It is idempotent: tasks that already carry
// an evaluation are skipped, and a concurrent user evaluation winning the
// race is not an error.
func (e *Engine) Sweep() {
	metricsSweeps.Inc()

	expired := e.chain.ExpireOverdueTasks()
	if len(expired) > 0 {
		metricsExpiredTasks.Add(float64(len(expired)))
		e.logger.Warn("overdue tasks failed", zap.Int("count", len(expired)))
	}

	horizon := e.now().Add(-e.config.AutoEvalHorizon)
	for _, task := range e.chain.GetTasksByStatus(chain.TaskStatusCompleted) {
		if task.CompletedAt == nil || task.CompletedAt.After(horizon) {
			continue
		}
		if _, err := e.chain.GetEvaluation(task.ID); err == nil {
			continue // user evaluation exists; auto-evaluation is suppressed
		}

		if _, err := e.autoEvaluate(task.ID); err != nil {
			if errors.Is(err, chain.ErrAlreadyEvaluated) {
				continue
			}
			e.logger.Error("auto-evaluation failed",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
			continue
		}
		metricsAutoEvaluations.Inc()
		e.logger.Info("task auto-evaluated",
			zap.String("task_id", task.ID.String()),
			zap.Int("quality", e.config.AutoEvalQuality),
		)
	}
}
