// Package worker implements the autonomous agent loop: sync state from
// the chain, scan open tasks, score and bid, execute assigned work through
// an LLM provider, and learn from evaluation feedback.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/llm"
	"github.com/agentmesh/agentmesh/libs/storage"
)

var (
	metricsIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_worker_scan_iterations_total",
		Help: "Worker scan iterations executed",
	})

	metricsBidsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_worker_bids_total",
		Help: "Bids submitted by outcome",
	}, []string{"outcome"})

	metricsTasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_worker_tasks_executed_total",
		Help: "Tasks executed by outcome",
	}, []string{"outcome"})

	metricsFeedbackApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_worker_feedback_applied_total",
		Help: "Evaluation feedback events folded into local strategy",
	})
)

// Config holds the worker loop's tunables.
type Config struct {
	PollingInterval  time.Duration // open-task scan cadence
	SyncInterval     time.Duration // full chain resync cadence
	MaxWorkload      int           // backpressure cap (L_max)
	UtilityThreshold int           // minimum internal utility to bid
	ExplorationInit  float64
	ExplorationFloor float64
	ExplorationDecay float64
	LearningRate     float64
	RingBufferSize   int
	CallTimeout      time.Duration // per external call (chain, llm, store)
}

// DefaultConfig returns the canonical worker settings.
func DefaultConfig() *Config {
	return &Config{
		PollingInterval:  30 * time.Second,
		SyncInterval:     300 * time.Second,
		MaxWorkload:      10,
		UtilityThreshold: 30,
		ExplorationInit:  0.10,
		ExplorationFloor: 0.01,
		ExplorationDecay: 0.99,
		LearningRate:     0.05,
		RingBufferSize:   20,
		CallTimeout:      60 * time.Second,
	}
}

// Worker is one agent's long-running process.
type Worker struct {
	chain    *chain.Chain
	provider llm.Provider
	store    storage.ContentStore
	signer   *Signer
	strategy *Strategy
	config   *Config
	logger   *zap.Logger

	// Evaluations already folded into the local strategy.
	processedFeedback map[chain.TaskID]bool
}

// New creates a worker for the agent behind signer. The agent must already
// be registered on the chain.
func New(c *chain.Chain, provider llm.Provider, store storage.ContentStore, signer *Signer, strategy *Strategy, config *Config, logger *zap.Logger) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		chain:             c,
		provider:          provider,
		store:             store,
		signer:            signer,
		strategy:          strategy,
		config:            config,
		logger:            logger.With(zap.String("agent", signer.Address().String())),
		processedFeedback: make(map[chain.TaskID]bool),
	}
}

// Address returns the worker's agent address.
func (w *Worker) Address() chain.Address {
	return w.signer.Address()
}

// Run drives the loop until ctx is cancelled. The worker exits at the next
// suspension point on shutdown and never starts a bid it cannot finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting",
		zap.Duration("polling_interval", w.config.PollingInterval),
		zap.Duration("sync_interval", w.config.SyncInterval),
	)

	if err := w.Sync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	scanTicker := time.NewTicker(w.config.PollingInterval)
	defer scanTicker.Stop()
	syncTicker := time.NewTicker(w.config.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-syncTicker.C:
			if err := w.Sync(); err != nil {
				w.logger.Error("sync failed, iteration discarded", zap.Error(err))
			}
		case <-scanTicker.C:
			w.Iterate(ctx)
		}
	}
}

// Iterate performs one full pass: learn from new evaluations, execute
// assigned tasks, then scan and bid. Errors are local to the iteration.
func (w *Worker) Iterate(ctx context.Context) {
	metricsIterations.Inc()

	w.observeFeedback()
	w.executeAssigned(ctx)
	w.scanAndBid(ctx)
}

// Sync refreshes the local strategy mirror from the chain.
func (w *Worker) Sync() error {
	addr := w.signer.Address()
	state, err := w.chain.GetAgentLearningState(addr)
	if err != nil {
		return err
	}
	params, err := w.chain.GetAgentBiddingStrategy(addr)
	if err != nil {
		return err
	}

	// Resolve the capability combinations behind the recent history so
	// type preferences survive restarts.
	taskCaps := make(map[chain.TaskID][]string, len(state.RecentTasks))
	for _, taskID := range state.RecentTasks {
		if task, err := w.chain.GetTask(taskID); err == nil {
			taskCaps[taskID] = task.RequiredCapabilities
		}
	}

	w.strategy.SyncFromChain(state, params, taskCaps)
	return nil
}

// scanAndBid enumerates open tasks and places at most one bid per task the
// worker qualifies for.
func (w *Worker) scanAndBid(ctx context.Context) {
	addr := w.signer.Address()
	reputation := w.strategy.Reputation()
	workload := w.strategy.Workload()

	if workload >= w.config.MaxWorkload {
		w.logger.Debug("workload cap reached, not bidding", zap.Int("workload", workload))
		return
	}

	for _, task := range w.chain.GetTasksByStatus(chain.TaskStatusOpen) {
		if ctx.Err() != nil {
			return
		}
		if reputation < task.MinReputation {
			continue
		}
		if !w.chain.IsBiddingOpen(task.ID) {
			continue
		}
		if w.chain.HasAgentBid(task.ID, addr) {
			continue
		}

		chainUtility := w.chain.CalculateUtility(addr, task.RequiredCapabilities, task.Reward, workload)
		utility := w.strategy.BidUtility(int(chainUtility), task.RequiredCapabilities)
		if !w.strategy.ShouldBid(utility, task.RequiredCapabilities) {
			continue
		}

		amount := w.strategy.BidAmount(utility, task.MinBid, task.MaxBid)
		bid := w.signer.SignBid(task.ID, utility, amount)
		if err := w.chain.PlaceBid(bid); err != nil {
			metricsBidsSubmitted.WithLabelValues("rejected").Inc()
			w.logger.Warn("bid rejected",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
			continue
		}

		metricsBidsSubmitted.WithLabelValues("ok").Inc()
		w.logger.Info("bid submitted",
			zap.String("task_id", task.ID.String()),
			zap.Int("utility", utility),
			zap.Int64("amount", amount),
			zap.Uint64("nonce", bid.Nonce),
		)
	}
}

// executeAssigned starts and completes tasks the auction assigned to this
// agent. Collaboration tasks (team assignments) are driven by the
// orchestrator, not here.
func (w *Worker) executeAssigned(ctx context.Context) {
	addr := w.signer.Address()
	for _, task := range w.chain.GetTasksByAgent(addr) {
		if ctx.Err() != nil {
			return
		}
		if task.Status != chain.TaskStatusAssigned || len(task.AssignedAgents) > 1 {
			continue
		}
		if task.AssignedAgent == nil || *task.AssignedAgent != addr {
			continue
		}

		if err := w.chain.StartTask(addr, task.ID); err != nil {
			w.logger.Warn("failed to start task",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
			continue
		}
		w.executeTask(ctx, task)
	}
}

// executeTask runs the LLM, pins the artifact and reports completion. A
// failed execution fails the task so the escrow returns to the creator.
func (w *Worker) executeTask(ctx context.Context, task *chain.Task) {
	addr := w.signer.Address()
	callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
	defer cancel()

	system := fmt.Sprintf(
		"You are %s, an autonomous agent skilled in: %v. Produce a complete, self-contained answer.",
		addr, task.RequiredCapabilities,
	)
	prompt := fmt.Sprintf("Task: %s\n\n%s", task.Title, task.Description)

	output, err := w.provider.ExecuteWithSystem(callCtx, prompt, system)
	if err != nil {
		metricsTasksExecuted.WithLabelValues("llm_error").Inc()
		w.logger.Error("task execution failed",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
		if failErr := w.chain.FailTask(addr, task.ID, "llm execution failed"); failErr != nil {
			w.logger.Error("failed to fail task", zap.Error(failErr))
		}
		return
	}

	artifact := taskArtifact{
		Agent:      addr.String(),
		Output:     output,
		ProducedAt: time.Now().UTC(),
		TaskID:     task.ID.String(),
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		metricsTasksExecuted.WithLabelValues("artifact_error").Inc()
		w.logger.Error("failed to serialize artifact", zap.Error(err))
		return
	}
	hash, err := w.store.Pin(callCtx, data)
	if err != nil {
		metricsTasksExecuted.WithLabelValues("pin_error").Inc()
		w.logger.Error("failed to pin artifact",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
		return
	}

	if err := w.chain.CompleteTask(addr, task.ID, hash); err != nil {
		metricsTasksExecuted.WithLabelValues("complete_error").Inc()
		w.logger.Error("failed to report completion",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
		return
	}

	metricsTasksExecuted.WithLabelValues("ok").Inc()
	w.logger.Info("task executed",
		zap.String("task_id", task.ID.String()),
		zap.String("result", hash),
	)
}

// taskArtifact is the pinned execution result. Field order fixes the
// canonical JSON key order (agent, output, produced_at, task_id).
type taskArtifact struct {
	Agent      string    `json:"agent"`
	Output     string    `json:"output"`
	ProducedAt time.Time `json:"produced_at"`
	TaskID     string    `json:"task_id"`
}

// observeFeedback folds fresh evaluations of this agent's tasks into the
// local strategy, ahead of the slower authoritative resync.
func (w *Worker) observeFeedback() {
	addr := w.signer.Address()
	for _, task := range w.chain.GetTasksByAgent(addr) {
		if task.Status != chain.TaskStatusCompleted || w.processedFeedback[task.ID] {
			continue
		}
		eval, err := w.chain.GetEvaluation(task.ID)
		if err != nil {
			continue // not evaluated yet
		}

		w.strategy.ProcessFeedback(task.RequiredCapabilities, eval.Quality, eval.DelayRatio, eval.TaskScore, eval.TagScores)
		w.processedFeedback[task.ID] = true
		metricsFeedbackApplied.Inc()

		// Push the tuned parameters back so the registry reflects the
		// worker's self-assessment between engine updates.
		confidence, riskTolerance := w.strategy.Parameters()
		if err := w.chain.UpdateBiddingStrategy(addr, addr, confidence, riskTolerance); err != nil {
			w.logger.Warn("failed to push bidding strategy", zap.Error(err))
		}

		if err := w.Sync(); err != nil {
			w.logger.Warn("post-feedback sync failed", zap.Error(err))
		}

		w.logger.Info("feedback observed",
			zap.String("task_id", task.ID.String()),
			zap.Int("task_score", eval.TaskScore),
		)
	}
}
