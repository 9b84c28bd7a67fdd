// Package incentive drives the post-completion feedback loop: it turns
// evaluations into task scores, propagates reputation and capability
// updates through the registry, and releases escrowed rewards.
package incentive

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

var (
	metricsEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_incentive_evaluations_total",
		Help: "Evaluations processed by evaluator kind",
	}, []string{"kind"})

	metricsRewardsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_incentive_rewards_released_total",
		Help: "Total reward released to agents",
	})

	metricsTaskScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmesh_incentive_task_scores",
		Help:    "Task score distribution",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
)

// Config holds the engine's policy knobs.
type Config struct {
	// BurnRemainder destroys the unearned part of the reward instead of
	// refunding the creator.
	BurnRemainder bool

	// AutoEvalHorizon is how long a completed task may stay unevaluated
	// before the sweeper scores it.
	AutoEvalHorizon time.Duration

	// AutoEvalQuality is the flat quality a system auto-evaluation assigns.
	AutoEvalQuality int

	// SweepInterval is the sweeper's polling cadence.
	SweepInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		BurnRemainder:   false,
		AutoEvalHorizon: 48 * time.Hour,
		AutoEvalQuality: 60,
		SweepInterval:   time.Minute,
	}
}

// Engine is the incentive engine. Its address must match the chain's
// authorized engine account.
type Engine struct {
	chain   *chain.Chain
	address chain.Address
	config  *Config
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an incentive engine bound to the chain.
func New(c *chain.Chain, address chain.Address, config *Config, logger *zap.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		chain:   c,
		address: address,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the engine's time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SubmitUserEvaluation processes the creator's evaluation of a completed
// task. Exactly one evaluation sticks per task: if the sweeper already
// auto-evaluated, this rejects with ErrAlreadyEvaluated.
func (e *Engine) SubmitUserEvaluation(taskID chain.TaskID, quality int, tagScores map[string]int, evaluator chain.Address) (int, error) {
	return e.evaluate(taskID, quality, tagScores, evaluator, chain.EvaluatorUser, nil)
}

// SubmitTeamEvaluation is SubmitUserEvaluation with per-agent quality
// signals for collaboration tasks. Participants absent from perAgent fall
// back to the overall quality.
func (e *Engine) SubmitTeamEvaluation(taskID chain.TaskID, quality int, tagScores map[string]int, evaluator chain.Address, perAgent map[chain.Address]int) (int, error) {
	return e.evaluate(taskID, quality, tagScores, evaluator, chain.EvaluatorUser, perAgent)
}

// autoEvaluate scores a task that passed the auto-evaluation horizon
// without a user evaluation.
func (e *Engine) autoEvaluate(taskID chain.TaskID) (int, error) {
	return e.evaluate(taskID, e.config.AutoEvalQuality, nil, e.address, chain.EvaluatorSystem, nil)
}

func (e *Engine) evaluate(taskID chain.TaskID, quality int, tagScores map[string]int, evaluator chain.Address, kind chain.EvaluatorKind, perAgent map[chain.Address]int) (int, error) {
	task, err := e.chain.GetTask(taskID)
	if err != nil {
		return 0, err
	}
	if task.Status != chain.TaskStatusCompleted {
		return 0, fmt.Errorf("%w: status %s", chain.ErrNotEvaluable, task.Status)
	}
	participants := participantsOf(task)
	if len(participants) == 0 {
		return 0, fmt.Errorf("%w: task has no participants", chain.ErrNotEvaluable)
	}

	evaluatedAt := e.now()
	if task.CompletedAt != nil {
		evaluatedAt = *task.CompletedAt
	}
	delayRatio, err := e.chain.DelayRatio(taskID, evaluatedAt)
	if err != nil {
		return 0, err
	}

	params := e.chain.Params()
	taskScore := chain.TaskScoreFrom(quality, delayRatio, params.Alpha, params.Delta)

	// Recording the evaluation is the once-only gate: everything after it
	// runs exactly once per task.
	err = e.chain.RecordEvaluation(e.address, &chain.Evaluation{
		TaskID:     taskID,
		Quality:    quality,
		TagScores:  tagScores,
		Evaluator:  evaluator,
		Kind:       kind,
		DelayRatio: delayRatio,
		TaskScore:  taskScore,
	})
	if err != nil {
		return 0, err
	}

	metricsEvaluations.WithLabelValues(string(kind)).Inc()
	metricsTaskScores.Observe(float64(taskScore))

	// Propagate feedback and compute payouts. Reward splits equally among
	// participants, scaled per agent by its own task score.
	payouts := make(map[chain.Address]int64, len(participants))
	share := task.Reward / int64(len(participants))
	var released int64
	for _, addr := range participants {
		agentQuality := quality
		if q, ok := perAgent[addr]; ok {
			agentQuality = q
		}
		agentScore := chain.TaskScoreFrom(agentQuality, delayRatio, params.Alpha, params.Delta)

		if _, err := e.chain.ApplyTaskFeedback(e.address, addr, taskID, agentQuality, delayRatio, tagScores); err != nil {
			e.logger.Error("failed to apply task feedback",
				zap.String("task_id", taskID.String()),
				zap.String("agent", addr.String()),
				zap.Error(err),
			)
			continue
		}

		payout := share * int64(agentScore) / 100
		payouts[addr] = payout
		released += payout

		if _, err := e.chain.RecordLearningEvent(addr, chain.TaskEvaluationPayload{
			TaskID:     taskID,
			Quality:    agentQuality,
			DelayRatio: delayRatio,
			TaskScore:  agentScore,
			TagScores:  tagScores,
		}, ""); err != nil {
			e.logger.Error("failed to record learning event",
				zap.String("agent", addr.String()),
				zap.Error(err),
			)
		}
	}

	if err := e.chain.SettleTask(e.address, taskID, payouts, e.config.BurnRemainder); err != nil {
		return taskScore, fmt.Errorf("failed to settle task %s: %w", taskID, err)
	}
	metricsRewardsReleased.Add(float64(released))

	e.logger.Info("evaluation processed",
		zap.String("task_id", taskID.String()),
		zap.String("kind", string(kind)),
		zap.Int("quality", quality),
		zap.Int("delay_ratio", delayRatio),
		zap.Int("task_score", taskScore),
		zap.Int64("released", released),
	)
	return taskScore, nil
}

func participantsOf(task *chain.Task) []chain.Address {
	if len(task.AssignedAgents) > 0 {
		return task.AssignedAgents
	}
	if task.AssignedAgent != nil {
		return []chain.Address{*task.AssignedAgent}
	}
	return nil
}
