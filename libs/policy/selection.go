// Package policy implements the off-chain agent selection scoring used by
// the collaboration orchestrator to assemble teams. Workers do not call it
// when deciding whether to bid; their bids rest on the on-chain utility
// view as adjusted by their local Strategy.
package policy

import (
	"sort"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

// Weights are the composite-score component weights. They sum to 1.
type Weights struct {
	Capability float64
	Reputation float64
	Workload   float64
	History    float64
}

// DefaultWeights returns the canonical component weights.
func DefaultWeights() Weights {
	return Weights{
		Capability: 0.40,
		Reputation: 0.25,
		Workload:   0.15,
		History:    0.20,
	}
}

// Policy scores agents against tasks.
type Policy struct {
	weights Weights
	maxLoad int
	logger  *zap.Logger
}

// New creates a selection policy. maxLoad is the workload cap above which
// agents are excluded from team assembly.
func New(weights Weights, maxLoad int, logger *zap.Logger) *Policy {
	if maxLoad <= 0 {
		maxLoad = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{weights: weights, maxLoad: maxLoad, logger: logger}
}

// CapabilityScore computes the capability-match component. An agent with
// no overlap scores zero and is excluded. Partial coverage is penalized:
// full cover keeps the average matched weight, half cover keeps 75% of it.
func (p *Policy) CapabilityScore(agent *chain.Agent, required []string) float64 {
	if len(required) == 0 {
		return 0
	}
	matchSum := 0
	matched := 0
	for _, tag := range required {
		if w := agent.CapabilityWeight(tag); w >= 0 {
			matchSum += w
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	avgWeight := float64(matchSum) / float64(matched) / 100.0
	coverage := float64(matched) / float64(len(required))
	return avgWeight * (0.5 + 0.5*coverage)
}

// WorkloadScore decreases linearly from 1 at zero load to 0 at the cap.
func (p *Policy) WorkloadScore(agent *chain.Agent) float64 {
	score := 1.0 - float64(agent.Workload)/float64(p.maxLoad)
	if score < 0 {
		return 0
	}
	return score
}

// HistoryScore blends completion volume with average recent performance.
// Agents with no completed tasks get the neutral 0.5.
func (p *Policy) HistoryScore(agent *chain.Agent) float64 {
	if agent.TasksCompleted == 0 {
		return 0.5
	}
	volume := float64(agent.TasksCompleted) / 20.0
	if volume > 1 {
		volume = 1
	}
	avg := agent.AverageRecentScore()
	if avg < 0 {
		avg = 50
	}
	return 0.4*volume + 0.6*float64(avg)/100.0
}

// Score computes the composite selection score S(A, T) in [0, 1]. A zero
// capability match yields zero regardless of the other components.
func (p *Policy) Score(agent *chain.Agent, task *chain.Task) float64 {
	capScore := p.CapabilityScore(agent, task.RequiredCapabilities)
	if capScore == 0 {
		return 0
	}
	rep := float64(agent.Reputation) / 100.0
	wl := p.WorkloadScore(agent)
	hist := p.HistoryScore(agent)

	total := p.weights.Capability*capScore +
		p.weights.Reputation*rep +
		p.weights.Workload*wl +
		p.weights.History*hist

	p.logger.Debug("agent scored",
		zap.String("agent", agent.Address.String()),
		zap.String("task", task.ID.String()),
		zap.Float64("capability", capScore),
		zap.Float64("reputation", rep),
		zap.Float64("workload", wl),
		zap.Float64("history", hist),
		zap.Float64("total", total),
	)
	return total
}

// eligible filters to active agents meeting the task's reputation floor.
func (p *Policy) eligible(agents []*chain.Agent, task *chain.Task) []*chain.Agent {
	var out []*chain.Agent
	for _, agent := range agents {
		if !agent.Active {
			continue
		}
		if agent.Reputation < task.MinReputation {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// SelectBest returns the highest-scoring eligible agent, or nil when no
// agent scores above zero.
func (p *Policy) SelectBest(agents []*chain.Agent, task *chain.Task) *chain.Agent {
	var best *chain.Agent
	bestScore := 0.0
	for _, agent := range p.eligible(agents, task) {
		if score := p.Score(agent, task); score > bestScore {
			best = agent
			bestScore = score
		}
	}
	return best
}

// SelectTeam assembles a collaboration team. Agents are visited in
// descending score order; one joins when it covers a capability the team
// lacks (or the team is empty). If requirements stay uncovered after the
// pass, remaining top-ranked agents fill the team up to maxTeam. Agents at
// or past the workload cap never join: starting a collaboration must not
// push a participant over the cap.
func (p *Policy) SelectTeam(agents []*chain.Agent, task *chain.Task, maxTeam int) []*chain.Agent {
	if maxTeam <= 0 {
		maxTeam = 4
	}

	type scored struct {
		agent *chain.Agent
		score float64
	}
	var ranked []scored
	for _, agent := range p.eligible(agents, task) {
		if agent.Workload >= p.maxLoad {
			continue
		}
		if score := p.Score(agent, task); score > 0 {
			ranked = append(ranked, scored{agent, score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	required := make(map[string]bool, len(task.RequiredCapabilities))
	for _, tag := range task.RequiredCapabilities {
		required[tag] = true
	}
	covered := make(map[string]bool)
	var team []*chain.Agent
	chosen := make(map[chain.Address]bool)

	allCovered := func() bool {
		for tag := range required {
			if !covered[tag] {
				return false
			}
		}
		return true
	}

	for _, entry := range ranked {
		if len(team) >= maxTeam || allCovered() {
			break
		}
		contributes := false
		for _, tag := range entry.agent.CapabilityTags {
			if required[tag] && !covered[tag] {
				contributes = true
				break
			}
		}
		if contributes || len(team) == 0 {
			team = append(team, entry.agent)
			chosen[entry.agent.Address] = true
			for _, tag := range entry.agent.CapabilityTags {
				if required[tag] {
					covered[tag] = true
				}
			}
		}
	}

	// Requirements still uncovered: take the best remaining agents anyway.
	if !allCovered() {
		for _, entry := range ranked {
			if len(team) >= maxTeam {
				break
			}
			if chosen[entry.agent.Address] {
				continue
			}
			team = append(team, entry.agent)
			chosen[entry.agent.Address] = true
		}
	}

	p.logger.Info("team selected",
		zap.String("task", task.ID.String()),
		zap.Int("team_size", len(team)),
		zap.Int("required", len(required)),
	)
	return team
}
