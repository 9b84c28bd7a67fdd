package worker

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

// Strategy is a worker's local, fast-reacting copy of its on-chain
// learning state. It applies the same EMA laws as the registry so the
// agent adapts immediately after feedback, then reconciles with the chain
// on the next sync.
type Strategy struct {
	mu     sync.Mutex
	logger *zap.Logger
	rng    *rand.Rand

	// Mirrored chain state.
	reputation   int
	capabilities map[string]float64
	workload     int
	recentScores []int

	// Bidding parameters.
	confidence          float64 // 0..1
	riskTolerance       float64 // 0..1
	workloadSensitivity float64 // 0.1..0.5
	explorationRate     float64

	// Per task-type preference EMA, keyed by the sorted capability combination.
	typePreferences map[string]float64

	config *Config
}

// NewStrategy creates a worker strategy with the configured starting
// parameters. rng may be nil; tests inject a seeded source.
func NewStrategy(config *Config, rng *rand.Rand, logger *zap.Logger) *Strategy {
	if config == nil {
		config = DefaultConfig()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{
		logger:              logger,
		rng:                 rng,
		capabilities:        make(map[string]float64),
		typePreferences:     make(map[string]float64),
		confidence:          0.8,
		riskTolerance:       0.5,
		workloadSensitivity: 0.3,
		explorationRate:     config.ExplorationInit,
		config:              config,
	}
}

// TypeKey canonicalizes a capability combination for preference tracking.
func TypeKey(caps []string) string {
	sorted := append([]string(nil), caps...)
	sort.Strings(sorted)
	return strings.Join(sorted, "_")
}

// SyncFromChain replaces the local mirror with authoritative chain state
// and refreshes type preferences from the recent-history ring.
func (s *Strategy) SyncFromChain(state *chain.LearningState, strategy *chain.BiddingStrategy, taskCaps map[chain.TaskID][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reputation = state.Reputation
	s.workload = state.Workload
	s.capabilities = make(map[string]float64, len(state.CapabilityTags))
	for i, tag := range state.CapabilityTags {
		s.capabilities[tag] = float64(state.CapabilityWeights[i])
	}
	s.recentScores = append([]int(nil), state.RecentScores...)
	s.confidence = float64(strategy.Confidence) / 100.0
	s.riskTolerance = float64(strategy.RiskTolerance) / 100.0

	// Seed or refresh preferences for the capability combinations behind
	// the recent scores.
	for i, taskID := range state.RecentTasks {
		caps, ok := taskCaps[taskID]
		if !ok || len(caps) == 0 {
			continue
		}
		key := TypeKey(caps)
		score := float64(state.RecentScores[i])
		if pref, ok := s.typePreferences[key]; ok {
			s.typePreferences[key] = 0.8*pref + 0.2*score
		} else {
			s.typePreferences[key] = score
		}
	}

	s.logger.Debug("strategy synced from chain",
		zap.Int("reputation", s.reputation),
		zap.Int("workload", s.workload),
		zap.Int("capabilities", len(s.capabilities)),
		zap.Float64("confidence", s.confidence),
	)
}

// Reputation returns the mirrored reputation.
func (s *Strategy) Reputation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reputation
}

// Workload returns the mirrored workload.
func (s *Strategy) Workload() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workload
}

// ExplorationRate returns the current epsilon.
func (s *Strategy) ExplorationRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.explorationRate
}

// Parameters returns the current bidding parameters on the chain's 0-100
// scale.
func (s *Strategy) Parameters() (confidence, riskTolerance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(math.Round(s.confidence * 100)), int(math.Round(s.riskTolerance * 100))
}

// BidUtility computes the agent's internal utility for a task, blending
// the contract's estimate with the local capability match, type-preference
// bias, workload penalty, confidence scaling and exploration jitter.
func (s *Strategy) BidUtility(chainUtility int, taskCaps []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	capMatch := s.capabilityMatchLocked(taskCaps)
	typeBias := 0.0
	if pref, ok := s.typePreferences[TypeKey(taskCaps)]; ok {
		typeBias = (pref - 50) * 0.2 // -10 to +10
	}
	workloadPenalty := float64(s.workload) * s.workloadSensitivity * 10

	adjusted := float64(chainUtility)*0.70 + capMatch*0.20 + typeBias - workloadPenalty
	adjusted *= s.confidence

	if s.rng.Float64() < s.explorationRate {
		jitter := -10 + s.rng.Float64()*30 // uniform [-10, +20]
		adjusted += jitter
		s.logger.Debug("exploration jitter applied", zap.Float64("jitter", jitter))
	}

	return clamp(int(math.Round(adjusted)), 0, 100)
}

// capabilityMatchLocked is the average local weight over the matched
// required tags, in [0, 100]. Called with s.mu held.
func (s *Strategy) capabilityMatchLocked(taskCaps []string) float64 {
	sum := 0.0
	matched := 0
	for _, tag := range taskCaps {
		if w, ok := s.capabilities[tag]; ok {
			sum += w
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return sum / float64(matched)
}

// ShouldBid gates a candidate task on the utility threshold and the
// type-preference avoid territory. An exploration roll can override the
// avoidance so poor early experiences don't lock a task type out forever.
func (s *Strategy) ShouldBid(utility int, taskCaps []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if utility < s.config.UtilityThreshold {
		return false
	}
	if pref, ok := s.typePreferences[TypeKey(taskCaps)]; ok && pref < 40 {
		if s.rng.Float64() >= s.explorationRate {
			s.logger.Debug("task type avoided",
				zap.String("type", TypeKey(taskCaps)),
				zap.Float64("preference", pref),
			)
			return false
		}
	}
	return true
}

// BidAmount prices a bid: higher utility and higher risk tolerance both
// push toward the aggressive (low) end of the range. A small jitter breaks
// ties between agents with identical parameters.
func (s *Strategy) BidAmount(utility int, minBid, maxBid int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	bidRange := float64(maxBid - minBid)
	position := (1 - float64(utility)/100.0) * (1 - s.riskTolerance)
	amount := float64(minBid) + bidRange*position

	jitter := (s.rng.Float64()*2 - 1) * 0.05 * bidRange
	amount += jitter

	result := int64(math.Round(amount))
	if result < minBid {
		result = minBid
	}
	if result > maxBid {
		result = maxBid
	}
	return result
}

// ProcessFeedback applies evaluation feedback locally: the registry's EMA
// laws on the capability mirror, the type-preference update, the strategy
// auto-tuning rules and the exploration decay. The chain applies the same
// laws authoritatively; the local copy just reacts without waiting for the
// next sync.
func (s *Strategy) ProcessFeedback(taskCaps []string, quality, delayRatio, taskScore int, tagScores map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tag, score := range tagScores {
		if w, ok := s.capabilities[tag]; ok {
			s.capabilities[tag] = (70*w + 30*float64(score)) / 100
		}
	}

	key := TypeKey(taskCaps)
	if pref, ok := s.typePreferences[key]; ok {
		s.typePreferences[key] = 0.8*pref + 0.2*float64(taskScore)
	} else {
		s.typePreferences[key] = float64(taskScore)
	}

	s.recentScores = append(s.recentScores, taskScore)
	if len(s.recentScores) > s.config.RingBufferSize {
		s.recentScores = s.recentScores[len(s.recentScores)-s.config.RingBufferSize:]
	}

	s.adjustLocked(taskScore)

	s.logger.Info("feedback processed locally",
		zap.String("type", key),
		zap.Int("task_score", taskScore),
		zap.Float64("preference", s.typePreferences[key]),
		zap.Float64("confidence", s.confidence),
		zap.Float64("exploration_rate", s.explorationRate),
	)
}

// adjustLocked runs the auto-tuning rules. Called with s.mu held.
func (s *Strategy) adjustLocked(taskScore int) {
	eta := s.config.LearningRate

	if len(s.recentScores) > 0 {
		sum := 0
		for _, score := range s.recentScores {
			sum += score
		}
		avg := sum / len(s.recentScores)
		if avg >= 70 {
			s.confidence = math.Min(1.0, s.confidence+eta)
		} else if avg <= 50 {
			s.confidence = math.Max(0.3, s.confidence-eta)
		}
	}

	if s.reputation >= 70 && taskScore >= 70 {
		s.riskTolerance = math.Min(0.8, s.riskTolerance+eta*0.6)
	} else if s.reputation <= 40 || taskScore <= 40 {
		s.riskTolerance = math.Max(0.2, s.riskTolerance-eta*0.6)
	}

	if s.workload > 5 {
		s.workloadSensitivity = math.Min(0.5, s.workloadSensitivity+eta)
	} else if s.workload < 2 {
		s.workloadSensitivity = math.Max(0.1, s.workloadSensitivity-eta)
	}

	s.explorationRate = math.Max(
		s.config.ExplorationFloor,
		s.explorationRate*s.config.ExplorationDecay,
	)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
