package chain

import (
	"crypto/ed25519"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// RegisterParams carries the inputs for RegisterAgent.
type RegisterParams struct {
	Address           Address
	PublicKey         ed25519.PublicKey
	Name              string
	Kind              AgentKind
	CapabilityTags    []string
	CapabilityWeights []int
	InitialReputation int
	InitialConfidence int
}

// RegisterAgent creates the registry record for an address. Registration
// over a deactivated agent is allowed and starts from fresh state; an
// active agent at the same address rejects with ErrAlreadyRegistered.
func (c *Chain) RegisterAgent(p RegisterParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateCapabilities(p.CapabilityTags, p.CapabilityWeights); err != nil {
		metricsTxTotal.WithLabelValues("register_agent", "rejected").Inc()
		return err
	}
	if p.InitialReputation < 0 || p.InitialReputation > 100 {
		metricsTxTotal.WithLabelValues("register_agent", "rejected").Inc()
		return fmt.Errorf("%w: reputation %d", ErrOutOfRange, p.InitialReputation)
	}
	if p.InitialConfidence < 0 || p.InitialConfidence > 100 {
		metricsTxTotal.WithLabelValues("register_agent", "rejected").Inc()
		return fmt.Errorf("%w: confidence %d", ErrOutOfRange, p.InitialConfidence)
	}
	if existing, ok := c.agents[p.Address]; ok && existing.Active {
		metricsTxTotal.WithLabelValues("register_agent", "rejected").Inc()
		return ErrAlreadyRegistered
	}

	if _, ok := c.agents[p.Address]; !ok {
		c.agentOrder = append(c.agentOrder, p.Address)
	}

	now := c.now()
	c.agents[p.Address] = &Agent{
		Address:           p.Address,
		PublicKey:         append(ed25519.PublicKey(nil), p.PublicKey...),
		Name:              p.Name,
		Kind:              p.Kind,
		CapabilityTags:    append([]string(nil), p.CapabilityTags...),
		CapabilityWeights: append([]int(nil), p.CapabilityWeights...),
		Reputation:        p.InitialReputation,
		Active:            true,
		RegisteredAt:      now,
		Confidence:        p.InitialConfidence,
		RiskTolerance:     50,
		StrategyUpdatedAt: now,
	}

	metricsTxTotal.WithLabelValues("register_agent", "ok").Inc()
	c.logger.Info("agent registered",
		zap.String("address", p.Address.String()),
		zap.String("name", p.Name),
		zap.String("kind", string(p.Kind)),
		zap.Int("reputation", p.InitialReputation),
	)
	c.emit(AgentRegistered{Address: p.Address, Name: p.Name, Kind: p.Kind})
	return nil
}

// DeactivateAgent soft-deletes an agent. The address remains known and may
// re-register later.
func (c *Chain) DeactivateAgent(addr Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return ErrAgentNotFound
	}
	if !agent.Active {
		return ErrAgentInactive
	}
	agent.Active = false

	metricsTxTotal.WithLabelValues("deactivate_agent", "ok").Inc()
	c.logger.Info("agent deactivated", zap.String("address", addr.String()))
	c.emit(AgentDeactivated{Address: addr})
	return nil
}

// ActivateAgent reinstates a deactivated agent. Stale workload does not
// survive reactivation.
func (c *Chain) ActivateAgent(addr Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Active {
		return ErrAlreadyRegistered
	}
	agent.Active = true
	agent.Workload = 0

	metricsTxTotal.WithLabelValues("activate_agent", "ok").Inc()
	c.logger.Info("agent activated", zap.String("address", addr.String()))
	c.emit(AgentActivated{Address: addr})
	return nil
}

// SetCapabilities replaces the agent's capability vector.
func (c *Chain) SetCapabilities(addr Address, tags []string, weights []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return ErrAgentNotFound
	}
	if err := validateCapabilities(tags, weights); err != nil {
		metricsTxTotal.WithLabelValues("set_capabilities", "rejected").Inc()
		return err
	}

	agent.CapabilityTags = append([]string(nil), tags...)
	agent.CapabilityWeights = append([]int(nil), weights...)

	metricsTxTotal.WithLabelValues("set_capabilities", "ok").Inc()
	c.logger.Info("capabilities updated",
		zap.String("address", addr.String()),
		zap.Strings("tags", tags),
	)
	c.emit(CapabilitiesUpdated{Address: addr, Tags: tags, Weights: weights})
	return nil
}

// UpdateBiddingStrategy sets the agent's strategy parameters. Only the
// agent itself or the incentive engine may call; the timestamp advances
// monotonically.
func (c *Chain) UpdateBiddingStrategy(caller, addr Address, confidence, riskTolerance int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return ErrAgentNotFound
	}
	if caller != addr && caller != c.engine {
		metricsTxTotal.WithLabelValues("update_bidding_strategy", "rejected").Inc()
		return ErrUnauthorized
	}
	if confidence < 0 || confidence > 100 || riskTolerance < 0 || riskTolerance > 100 {
		metricsTxTotal.WithLabelValues("update_bidding_strategy", "rejected").Inc()
		return fmt.Errorf("%w: confidence=%d risk_tolerance=%d", ErrOutOfRange, confidence, riskTolerance)
	}

	agent.Confidence = confidence
	agent.RiskTolerance = riskTolerance
	now := c.now()
	if now.After(agent.StrategyUpdatedAt) {
		agent.StrategyUpdatedAt = now
	}

	metricsTxTotal.WithLabelValues("update_bidding_strategy", "ok").Inc()
	c.emit(BiddingStrategyUpdated{Address: addr, Confidence: confidence, RiskTolerance: riskTolerance})
	return nil
}

// GetAgent returns a copy of the registry record.
func (c *Chain) GetAgent(addr Address) (*Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[addr]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.clone(), nil
}

// GetAllAgents returns all registry records in registration order.
func (c *Chain) GetAllAgents() []*Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Agent, 0, len(c.agentOrder))
	for _, addr := range c.agentOrder {
		out = append(out, c.agents[addr].clone())
	}
	return out
}

// LearningState is the worker-facing slice of an agent's registry record.
type LearningState struct {
	Reputation        int
	CapabilityTags    []string
	CapabilityWeights []int
	Workload          int
	RecentTasks       []TaskID
	RecentScores      []int
}

// GetAgentLearningState returns the fields a worker syncs before bidding.
func (c *Chain) GetAgentLearningState(addr Address) (*LearningState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[addr]
	if !ok {
		return nil, ErrAgentNotFound
	}

	state := &LearningState{
		Reputation:        agent.Reputation,
		CapabilityTags:    append([]string(nil), agent.CapabilityTags...),
		CapabilityWeights: append([]int(nil), agent.CapabilityWeights...),
		Workload:          agent.Workload,
	}
	for _, h := range agent.History {
		state.RecentTasks = append(state.RecentTasks, h.TaskID)
		state.RecentScores = append(state.RecentScores, h.Score)
	}
	return state, nil
}

// BiddingStrategy is the on-chain view of an agent's strategy parameters.
type BiddingStrategy struct {
	Confidence    int
	RiskTolerance int
	LastUpdated   int64
}

// GetAgentBiddingStrategy returns the agent's current strategy parameters.
func (c *Chain) GetAgentBiddingStrategy(addr Address) (*BiddingStrategy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[addr]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &BiddingStrategy{
		Confidence:    agent.Confidence,
		RiskTolerance: agent.RiskTolerance,
		LastUpdated:   agent.StrategyUpdatedAt.Unix(),
	}, nil
}

// ApplyTaskFeedback folds an evaluation into the agent's capability
// weights, reputation, history ring and bidding strategy. Incentive engine
// only.
func (c *Chain) ApplyTaskFeedback(caller, addr Address, taskID TaskID, quality, delayRatio int, tagScores map[string]int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.engine {
		metricsTxTotal.WithLabelValues("apply_task_feedback", "rejected").Inc()
		return 0, ErrUnauthorized
	}
	agent, ok := c.agents[addr]
	if !ok {
		return 0, ErrAgentNotFound
	}
	if quality < 0 || quality > 100 || delayRatio < 0 || delayRatio > 100 {
		return 0, fmt.Errorf("%w: quality=%d delay=%d", ErrOutOfRange, quality, delayRatio)
	}

	// Capability weight EMA: only tags mentioned in the evaluation move.
	var updatedTags []string
	var oldWeights, newWeights []int
	for i, tag := range agent.CapabilityTags {
		score, mentioned := tagScores[tag]
		if !mentioned {
			continue
		}
		old := agent.CapabilityWeights[i]
		agent.CapabilityWeights[i] = clampInt(emaWeight(old, score, c.params.Mu), 0, 100)
		updatedTags = append(updatedTags, tag)
		oldWeights = append(oldWeights, old)
		newWeights = append(newWeights, agent.CapabilityWeights[i])
	}

	// Task score and reputation EMA.
	taskScore := TaskScoreFrom(quality, delayRatio, c.params.Alpha, c.params.Delta)
	oldReputation := agent.Reputation
	agent.Reputation = clampInt(int(math.Round(
		c.params.Beta*float64(agent.Reputation)+(1-c.params.Beta)*float64(taskScore))), 0, 100)

	// History ring.
	agent.History = append(agent.History, TaskScore{TaskID: taskID, Score: taskScore})
	if len(agent.History) > c.params.RingBufferSize {
		agent.History = agent.History[len(agent.History)-c.params.RingBufferSize:]
	}
	agent.TasksCompleted++

	c.autoTuneStrategyLocked(agent, taskScore)

	if len(updatedTags) > 0 {
		c.recordLearningLocked(addr, CapabilityUpdatePayload{
			Tags:       updatedTags,
			OldWeights: oldWeights,
			NewWeights: newWeights,
		}, "")
	}

	metricsTxTotal.WithLabelValues("apply_task_feedback", "ok").Inc()
	c.logger.Info("task feedback applied",
		zap.String("address", addr.String()),
		zap.String("task_id", taskID.String()),
		zap.Int("task_score", taskScore),
		zap.Int("reputation_old", oldReputation),
		zap.Int("reputation_new", agent.Reputation),
	)
	return taskScore, nil
}

// autoTuneStrategyLocked applies the post-feedback strategy adjustments.
// Called with c.mu held.
func (c *Chain) autoTuneStrategyLocked(agent *Agent, taskScore int) {
	avg := agent.AverageRecentScore()
	confidenceStep := int(math.Round(c.params.Eta * 100))
	riskStep := int(math.Round(c.params.Eta * 60))

	if avg >= 70 {
		agent.Confidence = minInt(100, agent.Confidence+confidenceStep)
	} else if avg >= 0 && avg <= 50 {
		agent.Confidence = maxInt(30, agent.Confidence-confidenceStep)
	}

	if agent.Reputation >= 70 && taskScore >= 70 {
		agent.RiskTolerance = minInt(80, agent.RiskTolerance+riskStep)
	} else if agent.Reputation <= 40 || taskScore <= 40 {
		agent.RiskTolerance = maxInt(20, agent.RiskTolerance-riskStep)
	}

	now := c.now()
	if now.After(agent.StrategyUpdatedAt) {
		agent.StrategyUpdatedAt = now
	}

	c.recordLearningLocked(agent.Address, BiddingUpdatePayload{
		Confidence:    agent.Confidence,
		RiskTolerance: agent.RiskTolerance,
	}, "")
	c.emit(BiddingStrategyUpdated{
		Address:       agent.Address,
		Confidence:    agent.Confidence,
		RiskTolerance: agent.RiskTolerance,
	})
}

// TaskScoreFrom combines quality and timeliness into the task score
// T = alpha*q + delta*(100-d), rounded to the nearest integer.
func TaskScoreFrom(quality, delayRatio int, alpha, delta float64) int {
	return clampInt(int(math.Round(
		alpha*float64(quality)+delta*float64(100-delayRatio))), 0, 100)
}

// emaWeight applies w' = round((mu*w + (100-mu)*s) / 100).
func emaWeight(weight, score, mu int) int {
	return int(math.Round(float64(mu*weight+(100-mu)*score) / 100.0))
}

func validateCapabilities(tags []string, weights []int) error {
	if len(tags) != len(weights) {
		return ErrLengthMismatch
	}
	for i, w := range weights {
		if w < 0 || w > 100 {
			return fmt.Errorf("%w: weight %d for tag %q", ErrOutOfRange, w, tags[i])
		}
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
