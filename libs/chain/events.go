package chain

import (
	"encoding/json"
	"time"
)

// Event is implemented by every chain event payload.
type Event interface {
	EventName() string
}

type AgentRegistered struct {
	Address Address   `json:"address"`
	Name    string    `json:"name"`
	Kind    AgentKind `json:"kind"`
}

type AgentDeactivated struct {
	Address Address `json:"address"`
}

type AgentActivated struct {
	Address Address `json:"address"`
}

type CapabilitiesUpdated struct {
	Address Address  `json:"address"`
	Tags    []string `json:"tags"`
	Weights []int    `json:"weights"`
}

type BiddingStrategyUpdated struct {
	Address       Address `json:"address"`
	Confidence    int     `json:"confidence"`
	RiskTolerance int     `json:"risk_tolerance"`
}

type TaskCreated struct {
	TaskID  TaskID  `json:"task_id"`
	Creator Address `json:"creator"`
	Reward  int64   `json:"reward"`
}

type TaskOpened struct {
	TaskID          TaskID    `json:"task_id"`
	BiddingDeadline time.Time `json:"bidding_deadline"`
}

type TaskAssigned struct {
	TaskID TaskID    `json:"task_id"`
	Agents []Address `json:"agents"`
}

type TaskStarted struct {
	TaskID TaskID  `json:"task_id"`
	Agent  Address `json:"agent"`
}

type TaskCompleted struct {
	TaskID TaskID  `json:"task_id"`
	Agent  Address `json:"agent"`
	Result string  `json:"result"`
}

type TaskFailed struct {
	TaskID TaskID `json:"task_id"`
	Reason string `json:"reason"`
}

type TaskCancelled struct {
	TaskID TaskID `json:"task_id"`
}

type BidPlaced struct {
	TaskID  TaskID  `json:"task_id"`
	Bidder  Address `json:"bidder"`
	Utility int     `json:"utility"`
	Amount  int64   `json:"amount"`
}

type AuctionFinalized struct {
	TaskID TaskID   `json:"task_id"`
	Winner *Address `json:"winner,omitempty"`
	Bids   int      `json:"bids"`
}

type TaskEvaluated struct {
	TaskID    TaskID        `json:"task_id"`
	Quality   int           `json:"quality"`
	TaskScore int           `json:"task_score"`
	Kind      EvaluatorKind `json:"kind"`
}

type LearningEventRecorded struct {
	EventID uint64            `json:"event_id"`
	Agent   Address           `json:"agent"`
	Kind    LearningEventKind `json:"kind"`
}

type AgentCollaborationStarted struct {
	CollaborationID string    `json:"collaboration_id"`
	TaskID          TaskID    `json:"task_id"`
	Participants    []Address `json:"participants"`
}

func (AgentRegistered) EventName() string           { return "AgentRegistered" }
func (AgentDeactivated) EventName() string          { return "AgentDeactivated" }
func (AgentActivated) EventName() string            { return "AgentActivated" }
func (CapabilitiesUpdated) EventName() string       { return "CapabilitiesUpdated" }
func (BiddingStrategyUpdated) EventName() string    { return "BiddingStrategyUpdated" }
func (TaskCreated) EventName() string               { return "TaskCreated" }
func (TaskOpened) EventName() string                { return "TaskOpened" }
func (TaskAssigned) EventName() string              { return "TaskAssigned" }
func (TaskStarted) EventName() string               { return "TaskStarted" }
func (TaskCompleted) EventName() string             { return "TaskCompleted" }
func (TaskFailed) EventName() string                { return "TaskFailed" }
func (TaskCancelled) EventName() string             { return "TaskCancelled" }
func (BidPlaced) EventName() string                 { return "BidPlaced" }
func (AuctionFinalized) EventName() string          { return "AuctionFinalized" }
func (TaskEvaluated) EventName() string             { return "TaskEvaluated" }
func (LearningEventRecorded) EventName() string     { return "LearningEventRecorded" }
func (AgentCollaborationStarted) EventName() string { return "AgentCollaborationStarted" }

// LearningEventKind enumerates the closed set of learning event payloads.
type LearningEventKind string

const (
	LearningTaskEvaluation   LearningEventKind = "task_evaluation"
	LearningCapabilityUpdate LearningEventKind = "capability_update"
	LearningBiddingUpdate    LearningEventKind = "bidding_update"
	LearningCollaboration    LearningEventKind = "collaboration"
)

// LearningPayload is the closed sum of learning-event bodies.
type LearningPayload interface {
	LearningKind() LearningEventKind
}

type TaskEvaluationPayload struct {
	TaskID     TaskID         `json:"task_id"`
	Quality    int            `json:"quality"`
	DelayRatio int            `json:"delay_ratio"`
	TaskScore  int            `json:"task_score"`
	TagScores  map[string]int `json:"tag_scores,omitempty"`
}

type CapabilityUpdatePayload struct {
	Tags       []string `json:"tags"`
	OldWeights []int    `json:"old_weights"`
	NewWeights []int    `json:"new_weights"`
}

type BiddingUpdatePayload struct {
	Confidence    int `json:"confidence"`
	RiskTolerance int `json:"risk_tolerance"`
}

type CollaborationPayload struct {
	CollaborationID string    `json:"collaboration_id"`
	TaskID          TaskID    `json:"task_id"`
	ContentHash     string    `json:"content_hash"`
	Participants    []Address `json:"participants"`
}

func (TaskEvaluationPayload) LearningKind() LearningEventKind   { return LearningTaskEvaluation }
func (CapabilityUpdatePayload) LearningKind() LearningEventKind { return LearningCapabilityUpdate }
func (BiddingUpdatePayload) LearningKind() LearningEventKind    { return LearningBiddingUpdate }
func (CollaborationPayload) LearningKind() LearningEventKind    { return LearningCollaboration }

// LearningEvent is one append-only audit record.
type LearningEvent struct {
	ID         uint64            `json:"event_id"`
	Agent      Address           `json:"agent_address"`
	Kind       LearningEventKind `json:"kind"`
	Payload    LearningPayload   `json:"payload"`
	ProducedAt time.Time         `json:"produced_at"`
	TxAnchor   string            `json:"tx_anchor,omitempty"`
}

// MarshalJSON keeps the payload next to its kind tag.
func (e LearningEvent) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID         uint64            `json:"event_id"`
		Agent      string            `json:"agent_address"`
		Kind       LearningEventKind `json:"kind"`
		Payload    LearningPayload   `json:"payload"`
		ProducedAt time.Time         `json:"produced_at"`
		TxAnchor   string            `json:"tx_anchor,omitempty"`
	}
	return json.Marshal(alias{
		ID:         e.ID,
		Agent:      e.Agent.String(),
		Kind:       e.Kind,
		Payload:    e.Payload,
		ProducedAt: e.ProducedAt,
		TxAnchor:   e.TxAnchor,
	})
}
