// Package collab implements the multi-agent collaboration orchestrator:
// team assembly, round-robin turn-taking over an LLM provider, transcript
// aggregation, artifact pinning and on-chain anchoring.
package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/llm"
	"github.com/agentmesh/agentmesh/libs/policy"
	"github.com/agentmesh/agentmesh/libs/storage"
)

var (
	metricsCollaborations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_collaborations_total",
		Help: "Collaborations run by outcome",
	}, []string{"outcome"})

	metricsRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_collaboration_rounds_total",
		Help: "Collaboration rounds by outcome",
	}, []string{"outcome"})

	metricsTeamSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmesh_collaboration_team_size",
		Help:    "Assembled team sizes",
		Buckets: prometheus.LinearBuckets(1, 1, 8),
	})
)

// Config holds the orchestrator's tunables.
type Config struct {
	MaxRounds      int           // speaking turns before the summary
	MaxTeamSize    int           // hard cap on team assembly
	MaxRetries     int           // per-call retry cap
	RetryBaseDelay time.Duration // first backoff step, doubled per retry
	CallTimeout    time.Duration // per LLM call
	ParallelRounds bool          // run rounds concurrently when independent
}

// DefaultConfig returns the canonical collaboration settings.
func DefaultConfig() *Config {
	return &Config{
		MaxRounds:      5,
		MaxTeamSize:    4,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		CallTimeout:    60 * time.Second,
		ParallelRounds: false,
	}
}

// Result is the outcome of a finished collaboration.
type Result struct {
	CollaborationID string
	ContentHash     string
	Team            []chain.Address
	Transcript      []llm.Message
	FailedRounds    int
}

// Orchestrator runs collaborations over the chain, the selection policy,
// an LLM provider and the content store.
type Orchestrator struct {
	chain    *chain.Chain
	policy   *policy.Policy
	provider llm.Provider
	store    storage.ContentStore
	config   *Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a collaboration orchestrator.
func New(c *chain.Chain, p *policy.Policy, provider llm.Provider, store storage.ContentStore, config *Config, logger *zap.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		chain:    c,
		policy:   p,
		provider: provider,
		store:    store,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the orchestrator's time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Run executes a collaboration for an Open task: assemble a team, take
// turns, summarize, pin the canonical record and anchor its hash. More
// than half the rounds failing fails the task.
func (o *Orchestrator) Run(ctx context.Context, taskID chain.TaskID) (*Result, error) {
	task, err := o.chain.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != chain.TaskStatusOpen {
		return nil, fmt.Errorf("%w: task status %s", chain.ErrIllegalState, task.Status)
	}

	team := o.policy.SelectTeam(o.chain.GetAllAgents(), task, o.config.MaxTeamSize)
	if len(team) == 0 {
		metricsCollaborations.WithLabelValues("no_team").Inc()
		return nil, fmt.Errorf("no eligible agents for task %s", taskID)
	}
	metricsTeamSize.Observe(float64(len(team)))

	addresses := make([]chain.Address, len(team))
	names := make([]string, len(team))
	for i, member := range team {
		addresses[i] = member.Address
		names[i] = member.Name
	}

	collabID := uuid.New().String()
	if err := o.chain.AssignTask(taskID, addresses...); err != nil {
		return nil, fmt.Errorf("failed to assign team: %w", err)
	}
	if err := o.chain.AnnounceCollaboration(collabID, taskID, addresses); err != nil {
		return nil, err
	}
	if err := o.chain.StartTask(addresses[0], taskID); err != nil {
		return nil, fmt.Errorf("failed to start collaboration: %w", err)
	}

	o.logger.Info("collaboration running",
		zap.String("collaboration_id", collabID),
		zap.String("task_id", taskID.String()),
		zap.Strings("team", names),
	)

	transcript := []llm.Message{
		{Role: "system", Content: o.systemMessage(task, team)},
		{Role: "user", Content: fmt.Sprintf("Task: %s\n\n%s", task.Title, task.Description)},
	}

	var responses []llm.Message
	var failed int
	if o.config.ParallelRounds {
		responses, failed = o.runParallelRounds(ctx, task, team, transcript)
	} else {
		responses, failed = o.runSequentialRounds(ctx, task, team, transcript)
	}
	transcript = append(transcript, responses...)

	if failed > o.config.MaxRounds/2 {
		metricsCollaborations.WithLabelValues("failed").Inc()
		o.logger.Error("collaboration failed",
			zap.String("collaboration_id", collabID),
			zap.Int("failed_rounds", failed),
		)
		if failErr := o.chain.FailTask(addresses[0], taskID, "collaboration rounds failed"); failErr != nil {
			o.logger.Error("failed to fail task", zap.Error(failErr))
		}
		return nil, fmt.Errorf("collaboration %s failed: %d of %d rounds errored", collabID, failed, o.config.MaxRounds)
	}

	// Closing summary by the team lead.
	summaryPrompt := fmt.Sprintf(
		"Summarize the team's work on %q and state the final solution. Note each agent's contribution.",
		task.Title,
	)
	summary, err := o.callWithRetry(ctx, o.rolePrompt(team[0], task, transcript, summaryPrompt))
	if err != nil {
		metricsRounds.WithLabelValues("failed").Inc()
		transcript = append(transcript, llm.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("[round skipped: summary failed: %v]", err),
		})
	} else {
		transcript = append(transcript, llm.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("%s (summary): %s", team[0].Name, summary),
		})
	}

	record := &Record{
		Agents:          addressStrings(addresses),
		CollaborationID: collabID,
		Conversation:    transcript,
		TaskID:          taskID.String(),
		TaskTitle:       task.Title,
		Timestamp:       o.now().Unix(),
	}
	hash, err := record.Pin(ctx, o.store)
	if err != nil {
		metricsCollaborations.WithLabelValues("pin_error").Inc()
		return nil, fmt.Errorf("failed to pin collaboration record: %w", err)
	}

	if err := o.chain.CompleteTask(addresses[0], taskID, hash); err != nil {
		return nil, fmt.Errorf("failed to complete collaboration task: %w", err)
	}
	if err := o.chain.RecordCollaboration(chain.CollaborationPointer{
		CollaborationID: collabID,
		TaskID:          taskID,
		ContentHash:     hash,
		Participants:    addresses,
	}); err != nil {
		return nil, fmt.Errorf("failed to anchor collaboration: %w", err)
	}

	metricsCollaborations.WithLabelValues("ok").Inc()
	o.logger.Info("collaboration completed",
		zap.String("collaboration_id", collabID),
		zap.String("content_hash", hash),
		zap.Int("failed_rounds", failed),
	)
	return &Result{
		CollaborationID: collabID,
		ContentHash:     hash,
		Team:            addresses,
		Transcript:      transcript,
		FailedRounds:    failed,
	}, nil
}

// runSequentialRounds drives the canonical turn-taking transcript: each
// speaker sees everything said before its turn.
func (o *Orchestrator) runSequentialRounds(ctx context.Context, task *chain.Task, team []*chain.Agent, base []llm.Message) ([]llm.Message, int) {
	var responses []llm.Message
	failed := 0
	for round := 0; round < o.config.MaxRounds; round++ {
		speaker := team[round%len(team)]
		prompt := o.rolePrompt(speaker, task, append(base, responses...), fmt.Sprintf(
			"Round %d of %d. Contribute your expertise to the solution.",
			round+1, o.config.MaxRounds,
		))

		response, err := o.callWithRetry(ctx, prompt)
		if err != nil {
			failed++
			metricsRounds.WithLabelValues("failed").Inc()
			o.logger.Warn("collaboration round skipped",
				zap.Int("round", round+1),
				zap.String("speaker", speaker.Name),
				zap.Error(err),
			)
			responses = append(responses, llm.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("[round %d skipped: %s unavailable]", round+1, speaker.Name),
			})
			continue
		}
		metricsRounds.WithLabelValues("ok").Inc()
		responses = append(responses, llm.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("%s: %s", speaker.Name, response),
		})
	}
	return responses, failed
}

// runParallelRounds runs independent rounds concurrently, bounded by the
// team size. Each speaker sees only the shared base transcript; responses
// land in round order.
func (o *Orchestrator) runParallelRounds(ctx context.Context, task *chain.Task, team []*chain.Agent, base []llm.Message) ([]llm.Message, int) {
	responses := make([]llm.Message, o.config.MaxRounds)
	failures := make([]bool, o.config.MaxRounds)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(len(team))
	for round := 0; round < o.config.MaxRounds; round++ {
		round := round
		speaker := team[round%len(team)]
		group.Go(func() error {
			prompt := o.rolePrompt(speaker, task, base, fmt.Sprintf(
				"Round %d of %d. Contribute your expertise to the solution.",
				round+1, o.config.MaxRounds,
			))
			response, err := o.callWithRetry(groupCtx, prompt)
			if err != nil {
				failures[round] = true
				metricsRounds.WithLabelValues("failed").Inc()
				responses[round] = llm.Message{
					Role:    "assistant",
					Content: fmt.Sprintf("[round %d skipped: %s unavailable]", round+1, speaker.Name),
				}
				return nil // a skipped round is not fatal to the group
			}
			metricsRounds.WithLabelValues("ok").Inc()
			responses[round] = llm.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("%s: %s", speaker.Name, response),
			}
			return nil
		})
	}
	_ = group.Wait()

	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}
	return responses, failed
}

// callWithRetry executes one LLM call with bounded exponential backoff.
func (o *Orchestrator) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	delay := o.config.RetryBaseDelay
	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
		response, err := o.provider.Execute(callCtx, prompt)
		cancel()
		if err == nil {
			return response, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("llm call exhausted %d retries: %w", o.config.MaxRetries, lastErr)
}

// rolePrompt renders the accumulated transcript plus a directive for one
// speaker, framed by its capability set.
func (o *Orchestrator) rolePrompt(speaker *chain.Agent, task *chain.Task, transcript []llm.Message, directive string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, specialized in: %s.\n", speaker.Name, strings.Join(speaker.CapabilityTags, ", "))
	fmt.Fprintf(&b, "You are collaborating on the task %q.\n\n", task.Title)
	b.WriteString("Conversation so far:\n")
	for _, msg := range transcript {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}
	b.WriteString("\n")
	b.WriteString(directive)
	return b.String()
}

func (o *Orchestrator) systemMessage(task *chain.Task, team []*chain.Agent) string {
	names := make([]string, len(team))
	for i, member := range team {
		names[i] = fmt.Sprintf("%s (%s)", member.Name, strings.Join(member.CapabilityTags, ", "))
	}
	return fmt.Sprintf(
		"A team of agents collaborates on %q. Team: %s. Each agent contributes from its specialty; the final round produces the agreed solution.",
		task.Title, strings.Join(names, "; "),
	)
}

func addressStrings(addrs []chain.Address) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out
}
