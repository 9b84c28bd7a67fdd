package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// Address identifies an agent or task creator account (20 bytes).
type Address [20]byte

// AddressFromPublicKey derives an account address from an ed25519 public key.
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	sum := sha3.Sum256(pub)
	var addr Address
	copy(addr[:], sum[12:32])
	return addr
}

// AddressFromHex parses a 0x-prefixed 40-hex-digit address.
func AddressFromHex(s string) (Address, error) {
	var addr Address
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("invalid address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero account.
func (a Address) IsZero() bool {
	return a == Address{}
}

// TaskID is a 32-byte task identifier.
type TaskID [32]byte

func (id TaskID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// TaskIDFromHex parses a 0x-prefixed 64-hex-digit task ID.
func TaskIDFromHex(s string) (TaskID, error) {
	var id TaskID
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid task id %q: %w", s, err)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("invalid task id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// AgentKind classifies registered agents.
type AgentKind string

const (
	AgentKindLLM          AgentKind = "llm"
	AgentKindOrchestrator AgentKind = "orchestrator"
	AgentKindEvaluator    AgentKind = "evaluator"
)

// TaskScore is one entry in an agent's recent-history ring buffer.
type TaskScore struct {
	TaskID TaskID `json:"task_id"`
	Score  int    `json:"score"`
}

// Agent is the on-chain registry record for one agent account.
type Agent struct {
	Address           Address           `json:"address"`
	PublicKey         ed25519.PublicKey `json:"public_key"`
	Name              string            `json:"name"`
	Kind              AgentKind         `json:"kind"`
	CapabilityTags    []string          `json:"capability_tags"`
	CapabilityWeights []int             `json:"capability_weights"`
	Reputation        int               `json:"reputation"`
	Active            bool              `json:"active"`
	RegisteredAt      time.Time         `json:"registered_at"`
	Workload          int               `json:"workload"`
	TasksCompleted    int               `json:"tasks_completed"`

	// Bidding strategy parameters, tuned by the incentive engine.
	Confidence        int       `json:"confidence"`
	RiskTolerance     int       `json:"risk_tolerance"`
	StrategyUpdatedAt time.Time `json:"strategy_updated_at"`

	// Ring buffer of the most recent task scores, capacity Params.RingBufferSize.
	History []TaskScore `json:"history"`
}

// CapabilityWeight returns the agent's weight for a tag, or -1 if absent.
func (a *Agent) CapabilityWeight(tag string) int {
	for i, t := range a.CapabilityTags {
		if t == tag {
			return a.CapabilityWeights[i]
		}
	}
	return -1
}

// AverageRecentScore is the mean task score over the history ring,
// or -1 when the ring is empty.
func (a *Agent) AverageRecentScore() int {
	if len(a.History) == 0 {
		return -1
	}
	sum := 0
	for _, h := range a.History {
		sum += h.Score
	}
	return sum / len(a.History)
}

func (a *Agent) clone() *Agent {
	c := *a
	c.PublicKey = append(ed25519.PublicKey(nil), a.PublicKey...)
	c.CapabilityTags = append([]string(nil), a.CapabilityTags...)
	c.CapabilityWeights = append([]int(nil), a.CapabilityWeights...)
	c.History = append([]TaskScore(nil), a.History...)
	return &c
}

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is the on-chain task record.
type Task struct {
	ID                   TaskID     `json:"id"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	MinReputation        int        `json:"min_reputation"`
	Reward               int64      `json:"reward"`
	MinBid               int64      `json:"min_bid"`
	MaxBid               int64      `json:"max_bid"`
	Complexity           int        `json:"complexity"`
	Creator              Address    `json:"creator"`
	Status               TaskStatus `json:"status"`

	// Assignment: AssignedAgent is set for single-agent tasks;
	// AssignedAgents carries the full team for collaborations.
	AssignedAgent  *Address  `json:"assigned_agent,omitempty"`
	AssignedAgents []Address `json:"assigned_agents,omitempty"`

	Deadline        time.Time  `json:"deadline"`
	BiddingDeadline time.Time  `json:"bidding_deadline"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	// Result holds the content hash of the pinned artifact, once completed.
	Result string `json:"result,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	c.AssignedAgents = append([]Address(nil), t.AssignedAgents...)
	if t.AssignedAgent != nil {
		addr := *t.AssignedAgent
		c.AssignedAgent = &addr
	}
	if t.AssignedAt != nil {
		ts := *t.AssignedAt
		c.AssignedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// participants returns all agents assigned to the task.
func (t *Task) participants() []Address {
	if len(t.AssignedAgents) > 0 {
		return t.AssignedAgents
	}
	if t.AssignedAgent != nil {
		return []Address{*t.AssignedAgent}
	}
	return nil
}

// Bid is one agent's sealed offer for a task.
type Bid struct {
	TaskID      TaskID    `json:"task_id"`
	Bidder      Address   `json:"bidder"`
	Utility     int       `json:"utility"`
	Amount      int64     `json:"amount"`
	Signature   []byte    `json:"signature"`
	Nonce       uint64    `json:"nonce"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// BidDigest is the message agents sign when placing a bid.
func BidDigest(taskID TaskID, bidder Address, utility int, amount int64, nonce uint64) []byte {
	h := sha3.New256()
	h.Write(taskID[:])
	h.Write(bidder[:])
	fmt.Fprintf(h, "|%d|%d|%d", utility, amount, nonce)
	return h.Sum(nil)
}

// EvaluatorKind distinguishes user evaluations from the system sweeper.
type EvaluatorKind string

const (
	EvaluatorUser   EvaluatorKind = "user"
	EvaluatorSystem EvaluatorKind = "system"
)

// Evaluation is the frozen post-completion assessment of a task.
type Evaluation struct {
	TaskID     TaskID         `json:"task_id"`
	Quality    int            `json:"quality"`
	TagScores  map[string]int `json:"tag_scores"`
	Evaluator  Address        `json:"evaluator"`
	Kind       EvaluatorKind  `json:"kind"`
	DelayRatio int            `json:"delay_ratio"`
	TaskScore  int            `json:"task_score"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CollaborationPointer anchors an off-chain collaboration record.
type CollaborationPointer struct {
	CollaborationID string    `json:"collaboration_id"`
	TaskID          TaskID    `json:"task_id"`
	ContentHash     string    `json:"content_hash"`
	Participants    []Address `json:"participants"`
	RecordedAt      time.Time `json:"recorded_at"`
}
