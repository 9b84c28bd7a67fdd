package chain

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

var (
	metricsTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_chain_transactions_total",
		Help: "Chain state mutations by operation and outcome",
	}, []string{"op", "outcome"})

	metricsEventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_chain_events_emitted_total",
		Help: "Total chain events emitted",
	})

	metricsOpenTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmesh_chain_open_tasks",
		Help: "Tasks currently accepting bids",
	})
)

// Params holds the update-law constants and market limits. All EMA laws
// operate on integers in [0,100] with explicit rounding.
type Params struct {
	Mu             int     // capability EMA retention, percent
	Alpha          float64 // quality weight in task score
	Delta          float64 // timeliness weight in task score
	Beta           float64 // reputation EMA retention
	Eta            float64 // learning rate for strategy auto-tuning
	RingBufferSize int     // recent-history ring capacity
	MaxEmptyRounds int     // empty auction rounds before cancellation
	BiddingWindow  time.Duration
}

// DefaultParams returns the canonical market constants.
func DefaultParams() *Params {
	return &Params{
		Mu:             70,
		Alpha:          0.6,
		Delta:          0.4,
		Beta:           0.8,
		Eta:            0.05,
		RingBufferSize: 20,
		MaxEmptyRounds: 3,
		BiddingWindow:  5 * time.Minute,
	}
}

// Chain is the authoritative in-process ledger for agents, tasks, bids,
// evaluations and learning events. A single mutex serializes every state
// mutation; views take the read lock. It stands in for the contract layer:
// callers observe the same guards and events a deployed contract would
// enforce.
type Chain struct {
	mu     sync.RWMutex
	logger *zap.Logger
	params *Params

	agents     map[Address]*Agent
	agentOrder []Address

	tasks       map[TaskID]*Task
	taskOrder   []TaskID
	taskCounter uint64

	bids        map[TaskID][]*Bid
	bidNonces   map[Address]uint64
	emptyRounds map[TaskID]int

	balances map[Address]int64
	escrow   map[TaskID]int64
	burned   int64

	evaluations map[TaskID]*Evaluation

	learning    []LearningEvent
	learningSeq uint64

	collaborations map[string]*CollaborationPointer

	// engine is the only address allowed to apply feedback and settle escrow.
	engine Address

	subMu       sync.Mutex
	subscribers map[int]chan Event
	subSeq      int

	now func() time.Time
}

// New creates an empty chain. The engine address is granted the incentive
// engine's exclusive rights (ApplyTaskFeedback, SettleTask).
func New(params *Params, engine Address, logger *zap.Logger) *Chain {
	if params == nil {
		params = DefaultParams()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		logger:         logger,
		params:         params,
		agents:         make(map[Address]*Agent),
		tasks:          make(map[TaskID]*Task),
		bids:           make(map[TaskID][]*Bid),
		bidNonces:      make(map[Address]uint64),
		emptyRounds:    make(map[TaskID]int),
		balances:       make(map[Address]int64),
		escrow:         make(map[TaskID]int64),
		evaluations:    make(map[TaskID]*Evaluation),
		collaborations: make(map[string]*CollaborationPointer),
		subscribers:    make(map[int]chan Event),
		engine:         engine,
		now:            time.Now,
	}
}

// Params returns the chain's market constants.
func (c *Chain) Params() *Params {
	return c.params
}

// EngineAddress returns the authorized incentive engine account.
func (c *Chain) EngineAddress() Address {
	return c.engine
}

// SetClock overrides the chain's time source. Test hook.
func (c *Chain) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Fund credits an account with native tokens. Faucet-style helper standing
// in for funded genesis accounts.
func (c *Chain) Fund(addr Address, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] += amount
	c.logger.Debug("account funded",
		zap.String("address", addr.String()),
		zap.Int64("amount", amount),
	)
}

// Balance returns the account's liquid balance.
func (c *Chain) Balance(addr Address) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[addr]
}

// Burned returns the total amount destroyed by settlement remainders.
func (c *Chain) Burned() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.burned
}

// Subscribe registers an event listener. Events emitted after the call are
// delivered to the returned channel; slow consumers drop events rather than
// block the chain. The cancel function releases the subscription.
func (c *Chain) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	c.subMu.Lock()
	id := c.subSeq
	c.subSeq++
	c.subscribers[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// emit fans an event out to all subscribers. Called with c.mu held.
func (c *Chain) emit(ev Event) {
	metricsEventsEmitted.Inc()

	c.subMu.Lock()
	for _, sub := range c.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full. Chain progress wins over delivery.
		}
	}
	c.subMu.Unlock()
}

// RecordLearningEvent appends an audit record. The log is append-only.
func (c *Chain) RecordLearningEvent(agent Address, payload LearningPayload, txAnchor string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.agents[agent]; !ok {
		metricsTxTotal.WithLabelValues("record_learning_event", "rejected").Inc()
		return 0, ErrAgentNotFound
	}
	return c.recordLearningLocked(agent, payload, txAnchor), nil
}

// recordLearningLocked appends without re-validating the agent. Called with
// c.mu held.
func (c *Chain) recordLearningLocked(agent Address, payload LearningPayload, txAnchor string) uint64 {
	c.learningSeq++
	ev := LearningEvent{
		ID:         c.learningSeq,
		Agent:      agent,
		Kind:       payload.LearningKind(),
		Payload:    payload,
		ProducedAt: c.now(),
		TxAnchor:   txAnchor,
	}
	c.learning = append(c.learning, ev)
	metricsTxTotal.WithLabelValues("record_learning_event", "ok").Inc()
	c.emit(LearningEventRecorded{EventID: ev.ID, Agent: agent, Kind: ev.Kind})
	return ev.ID
}

// GetLearningEvents returns the agent's audit records in append order.
func (c *Chain) GetLearningEvents(agent Address) []LearningEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]LearningEvent, 0)
	for _, ev := range c.learning {
		if ev.Agent == agent {
			out = append(out, ev)
		}
	}
	return out
}

// AllLearningEvents returns the full audit log in append order.
func (c *Chain) AllLearningEvents() []LearningEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]LearningEvent(nil), c.learning...)
}

// AnnounceCollaboration emits the start-of-collaboration event.
func (c *Chain) AnnounceCollaboration(collabID string, taskID TaskID, participants []Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	c.logger.Info("collaboration started",
		zap.String("collaboration_id", collabID),
		zap.String("task_id", taskID.String()),
		zap.Int("participants", len(participants)),
	)
	c.emit(AgentCollaborationStarted{
		CollaborationID: collabID,
		TaskID:          taskID,
		Participants:    append([]Address(nil), participants...),
	})
	return nil
}

// RecordCollaboration anchors an off-chain collaboration record.
func (c *Chain) RecordCollaboration(ptr CollaborationPointer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[ptr.TaskID]
	if !ok {
		return ErrTaskNotFound
	}

	stored := ptr
	stored.RecordedAt = c.now()
	c.collaborations[ptr.CollaborationID] = &stored

	if task.Status == TaskStatusCompleted && task.Result == "" {
		task.Result = ptr.ContentHash
	}

	for _, participant := range ptr.Participants {
		if _, ok := c.agents[participant]; !ok {
			continue
		}
		c.recordLearningLocked(participant, CollaborationPayload{
			CollaborationID: ptr.CollaborationID,
			TaskID:          ptr.TaskID,
			ContentHash:     ptr.ContentHash,
			Participants:    ptr.Participants,
		}, "")
	}

	c.logger.Info("collaboration recorded",
		zap.String("collaboration_id", ptr.CollaborationID),
		zap.String("task_id", ptr.TaskID.String()),
		zap.String("content_hash", ptr.ContentHash),
	)
	return nil
}

// GetCollaboration returns an anchored collaboration pointer.
func (c *Chain) GetCollaboration(id string) (*CollaborationPointer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ptr, ok := c.collaborations[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *ptr
	copied.Participants = append([]Address(nil), ptr.Participants...)
	return &copied, nil
}

// newTaskID derives a fresh task identifier from the creator, title and a
// chain-local counter.
func (c *Chain) newTaskID(creator Address, title string) TaskID {
	c.taskCounter++
	h := sha3.New256()
	h.Write(creator[:])
	h.Write([]byte(title))
	h.Write([]byte{
		byte(c.taskCounter >> 56), byte(c.taskCounter >> 48),
		byte(c.taskCounter >> 40), byte(c.taskCounter >> 32),
		byte(c.taskCounter >> 24), byte(c.taskCounter >> 16),
		byte(c.taskCounter >> 8), byte(c.taskCounter),
	})
	var id TaskID
	copy(id[:], h.Sum(nil))
	return id
}
