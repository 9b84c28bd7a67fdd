package chain

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CreateTaskParams carries the inputs for CreateTask.
type CreateTaskParams struct {
	Creator              Address
	Title                string
	Description          string
	RequiredCapabilities []string
	MinReputation        int
	Reward               int64
	MinBid               int64
	MaxBid               int64
	Complexity           int
	Deadline             time.Time
	BiddingWindow        time.Duration // zero means the chain default
}

// CreateTask escrows the reward and records the task in Created status.
// Publishing (OpenTask) makes it visible to bidders.
func (c *Chain) CreateTask(p CreateTaskParams) (TaskID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero TaskID
	now := c.now()

	if p.Reward <= 0 {
		metricsTxTotal.WithLabelValues("create_task", "rejected").Inc()
		return zero, fmt.Errorf("%w: reward %d", ErrOutOfRange, p.Reward)
	}
	if !p.Deadline.After(now) {
		metricsTxTotal.WithLabelValues("create_task", "rejected").Inc()
		return zero, fmt.Errorf("%w: deadline must be in the future", ErrOutOfRange)
	}
	if p.MinBid <= 0 || p.MaxBid < p.MinBid {
		metricsTxTotal.WithLabelValues("create_task", "rejected").Inc()
		return zero, fmt.Errorf("%w: bid bounds [%d, %d]", ErrOutOfRange, p.MinBid, p.MaxBid)
	}
	if p.MinReputation < 0 || p.MinReputation > 100 {
		metricsTxTotal.WithLabelValues("create_task", "rejected").Inc()
		return zero, fmt.Errorf("%w: min_reputation %d", ErrOutOfRange, p.MinReputation)
	}
	if c.balances[p.Creator] < p.Reward {
		metricsTxTotal.WithLabelValues("create_task", "rejected").Inc()
		return zero, ErrInsufficientFunds
	}

	id := c.newTaskID(p.Creator, p.Title)
	window := p.BiddingWindow
	if window <= 0 {
		window = c.params.BiddingWindow
	}

	c.balances[p.Creator] -= p.Reward
	c.escrow[id] = p.Reward

	task := &Task{
		ID:                   id,
		Title:                p.Title,
		Description:          p.Description,
		RequiredCapabilities: append([]string(nil), p.RequiredCapabilities...),
		MinReputation:        p.MinReputation,
		Reward:               p.Reward,
		MinBid:               p.MinBid,
		MaxBid:               p.MaxBid,
		Complexity:           p.Complexity,
		Creator:              p.Creator,
		Status:               TaskStatusCreated,
		Deadline:             p.Deadline,
		BiddingDeadline:      now.Add(window),
		CreatedAt:            now,
	}
	c.tasks[id] = task
	c.taskOrder = append(c.taskOrder, id)

	metricsTxTotal.WithLabelValues("create_task", "ok").Inc()
	c.logger.Info("task created",
		zap.String("task_id", id.String()),
		zap.String("title", p.Title),
		zap.String("creator", p.Creator.String()),
		zap.Int64("reward", p.Reward),
	)
	c.emit(TaskCreated{TaskID: id, Creator: p.Creator, Reward: p.Reward})
	return id, nil
}

// OpenTask publishes a Created task, starting its bidding window.
func (c *Chain) OpenTask(caller Address, id TaskID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if caller != task.Creator {
		return ErrUnauthorized
	}
	if task.Status != TaskStatusCreated {
		metricsTxTotal.WithLabelValues("open_task", "rejected").Inc()
		return fmt.Errorf("%w: %s -> open", ErrIllegalState, task.Status)
	}

	task.Status = TaskStatusOpen
	metricsOpenTasks.Inc()

	metricsTxTotal.WithLabelValues("open_task", "ok").Inc()
	c.logger.Info("task opened for bidding",
		zap.String("task_id", id.String()),
		zap.Time("bidding_deadline", task.BiddingDeadline),
	)
	c.emit(TaskOpened{TaskID: id, BiddingDeadline: task.BiddingDeadline})
	return nil
}

// AssignTask transitions Open -> Assigned for the given agents. A single
// agent is the normal auction path; multiple agents form a collaboration
// team. Workload counters increment here and decrement at the terminal
// transition.
func (c *Chain) AssignTask(id TaskID, agents ...Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignTaskLocked(id, agents)
}

func (c *Chain) assignTaskLocked(id TaskID, agents []Address) error {
	task, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusOpen {
		metricsTxTotal.WithLabelValues("assign_task", "rejected").Inc()
		return fmt.Errorf("%w: %s -> assigned", ErrIllegalState, task.Status)
	}
	if len(agents) == 0 {
		return fmt.Errorf("%w: no agents to assign", ErrOutOfRange)
	}
	for _, addr := range agents {
		agent, ok := c.agents[addr]
		if !ok {
			return ErrAgentNotFound
		}
		if !agent.Active {
			return ErrAgentInactive
		}
	}

	now := c.now()
	task.Status = TaskStatusAssigned
	task.AssignedAt = &now
	if len(agents) == 1 {
		addr := agents[0]
		task.AssignedAgent = &addr
	}
	task.AssignedAgents = append([]Address(nil), agents...)
	for _, addr := range agents {
		c.agents[addr].Workload++
	}
	metricsOpenTasks.Dec()

	metricsTxTotal.WithLabelValues("assign_task", "ok").Inc()
	c.logger.Info("task assigned",
		zap.String("task_id", id.String()),
		zap.Int("team_size", len(agents)),
	)
	c.emit(TaskAssigned{TaskID: id, Agents: append([]Address(nil), agents...)})
	return nil
}

// StartTask transitions Assigned -> InProgress. Only an assigned agent may
// start its own task.
func (c *Chain) StartTask(caller Address, id TaskID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusAssigned {
		metricsTxTotal.WithLabelValues("start_task", "rejected").Inc()
		return fmt.Errorf("%w: %s -> in_progress", ErrIllegalState, task.Status)
	}
	if !taskHasParticipant(task, caller) {
		return ErrUnauthorized
	}

	task.Status = TaskStatusInProgress
	metricsTxTotal.WithLabelValues("start_task", "ok").Inc()
	c.logger.Info("task started",
		zap.String("task_id", id.String()),
		zap.String("agent", caller.String()),
	)
	c.emit(TaskStarted{TaskID: id, Agent: caller})
	return nil
}

// CompleteTask transitions InProgress -> Completed and records the result
// content hash. Escrow stays locked until the incentive engine settles.
func (c *Chain) CompleteTask(caller Address, id TaskID, result string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusInProgress {
		metricsTxTotal.WithLabelValues("complete_task", "rejected").Inc()
		return fmt.Errorf("%w: %s -> completed", ErrIllegalState, task.Status)
	}
	if !taskHasParticipant(task, caller) {
		return ErrUnauthorized
	}

	now := c.now()
	task.Status = TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result
	c.releaseWorkloadLocked(task)

	metricsTxTotal.WithLabelValues("complete_task", "ok").Inc()
	c.logger.Info("task completed",
		zap.String("task_id", id.String()),
		zap.String("agent", caller.String()),
		zap.String("result", result),
	)
	c.emit(TaskCompleted{TaskID: id, Agent: caller, Result: result})
	return nil
}

// FailTask transitions Assigned|InProgress -> Failed and refunds escrow to
// the creator. Callable by a participant, the creator, or the engine
// (deadline enforcement).
func (c *Chain) FailTask(caller Address, id TaskID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failTaskLocked(caller, id, reason)
}

func (c *Chain) failTaskLocked(caller Address, id TaskID, reason string) error {
	task, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusAssigned && task.Status != TaskStatusInProgress {
		metricsTxTotal.WithLabelValues("fail_task", "rejected").Inc()
		return fmt.Errorf("%w: %s -> failed", ErrIllegalState, task.Status)
	}
	if !taskHasParticipant(task, caller) && caller != task.Creator && caller != c.engine {
		return ErrUnauthorized
	}

	task.Status = TaskStatusFailed
	c.releaseWorkloadLocked(task)
	c.refundEscrowLocked(task)

	metricsTxTotal.WithLabelValues("fail_task", "ok").Inc()
	c.logger.Warn("task failed",
		zap.String("task_id", id.String()),
		zap.String("reason", reason),
	)
	c.emit(TaskFailed{TaskID: id, Reason: reason})
	return nil
}

// CancelTask transitions Created|Open|Assigned -> Cancelled and refunds the
// escrowed reward. Creator or engine only.
func (c *Chain) CancelTask(caller Address, id TaskID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelTaskLocked(caller, id)
}

func (c *Chain) cancelTaskLocked(caller Address, id TaskID) error {
	task, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case TaskStatusCreated, TaskStatusOpen, TaskStatusAssigned:
	default:
		metricsTxTotal.WithLabelValues("cancel_task", "rejected").Inc()
		return fmt.Errorf("%w: %s -> cancelled", ErrIllegalState, task.Status)
	}
	if caller != task.Creator && caller != c.engine {
		return ErrUnauthorized
	}

	if task.Status == TaskStatusOpen {
		metricsOpenTasks.Dec()
	}
	task.Status = TaskStatusCancelled
	c.releaseWorkloadLocked(task)
	c.refundEscrowLocked(task)

	metricsTxTotal.WithLabelValues("cancel_task", "ok").Inc()
	c.logger.Info("task cancelled", zap.String("task_id", id.String()))
	c.emit(TaskCancelled{TaskID: id})
	return nil
}

// ExpireOverdueTasks fails every Assigned or InProgress task whose deadline
// has passed. Returns the expired task IDs. Driven by the incentive
// engine's sweeper.
func (c *Chain) ExpireOverdueTasks() []TaskID {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []TaskID
	for _, id := range c.taskOrder {
		task := c.tasks[id]
		if task.Status != TaskStatusAssigned && task.Status != TaskStatusInProgress {
			continue
		}
		if now.After(task.Deadline) {
			if err := c.failTaskLocked(c.engine, id, "deadline exceeded"); err == nil {
				expired = append(expired, id)
			}
		}
	}
	return expired
}

// DelayRatio computes min(100, 100*(at-assigned)/(deadline-assigned)) for a
// task, the timeliness input to the task score. Unassigned tasks score 0.
func (c *Chain) DelayRatio(id TaskID, at time.Time) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task, ok := c.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	if task.AssignedAt == nil {
		return 0, nil
	}
	total := task.Deadline.Sub(*task.AssignedAt)
	if total <= 0 {
		return 100, nil
	}
	elapsed := at.Sub(*task.AssignedAt)
	if elapsed <= 0 {
		return 0, nil
	}
	ratio := int(100 * elapsed / total)
	return clampInt(ratio, 0, 100), nil
}

// RecordEvaluation freezes the evaluation for a Completed task. Exactly one
// evaluation may exist per task: later submissions, user or system, reject
// with ErrAlreadyEvaluated. Incentive engine only.
func (c *Chain) RecordEvaluation(caller Address, eval *Evaluation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.engine {
		metricsTxTotal.WithLabelValues("record_evaluation", "rejected").Inc()
		return ErrUnauthorized
	}
	task, ok := c.tasks[eval.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusCompleted {
		metricsTxTotal.WithLabelValues("record_evaluation", "rejected").Inc()
		return fmt.Errorf("%w: status %s", ErrNotEvaluable, task.Status)
	}
	if _, exists := c.evaluations[eval.TaskID]; exists {
		metricsTxTotal.WithLabelValues("record_evaluation", "rejected").Inc()
		return ErrAlreadyEvaluated
	}
	if eval.Quality < 0 || eval.Quality > 100 {
		return fmt.Errorf("%w: quality %d", ErrOutOfRange, eval.Quality)
	}

	stored := *eval
	stored.Timestamp = c.now()
	stored.TagScores = make(map[string]int, len(eval.TagScores))
	for tag, s := range eval.TagScores {
		if s < 0 || s > 100 {
			return fmt.Errorf("%w: tag score %d for %q", ErrOutOfRange, s, tag)
		}
		stored.TagScores[tag] = s
	}
	c.evaluations[eval.TaskID] = &stored

	metricsTxTotal.WithLabelValues("record_evaluation", "ok").Inc()
	c.logger.Info("task evaluated",
		zap.String("task_id", eval.TaskID.String()),
		zap.Int("quality", eval.Quality),
		zap.Int("task_score", stored.TaskScore),
		zap.String("kind", string(eval.Kind)),
	)
	c.emit(TaskEvaluated{
		TaskID:    eval.TaskID,
		Quality:   eval.Quality,
		TaskScore: stored.TaskScore,
		Kind:      eval.Kind,
	})
	return nil
}

// GetEvaluation returns the frozen evaluation for a task, if any.
func (c *Chain) GetEvaluation(id TaskID) (*Evaluation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eval, ok := c.evaluations[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *eval
	copied.TagScores = make(map[string]int, len(eval.TagScores))
	for tag, s := range eval.TagScores {
		copied.TagScores[tag] = s
	}
	return &copied, nil
}

// SettleTask pays the listed agents out of the task's escrow and returns
// (or burns) the remainder. Incentive engine only; a task settles once.
func (c *Chain) SettleTask(caller Address, id TaskID, payouts map[Address]int64, burnRemainder bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.engine {
		metricsTxTotal.WithLabelValues("settle_task", "rejected").Inc()
		return ErrUnauthorized
	}
	task, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusCompleted {
		metricsTxTotal.WithLabelValues("settle_task", "rejected").Inc()
		return fmt.Errorf("%w: status %s", ErrNotEvaluable, task.Status)
	}
	locked, ok := c.escrow[id]
	if !ok {
		metricsTxTotal.WithLabelValues("settle_task", "rejected").Inc()
		return fmt.Errorf("%w: escrow already settled", ErrIllegalState)
	}

	var total int64
	for _, amount := range payouts {
		if amount < 0 {
			return fmt.Errorf("%w: negative payout", ErrOutOfRange)
		}
		total += amount
	}
	if total > locked {
		return fmt.Errorf("%w: payouts %d exceed escrow %d", ErrOutOfRange, total, locked)
	}

	for addr, amount := range payouts {
		c.balances[addr] += amount
	}
	remainder := locked - total
	if remainder > 0 {
		if burnRemainder {
			c.burned += remainder
		} else {
			c.balances[task.Creator] += remainder
		}
	}
	delete(c.escrow, id)

	metricsTxTotal.WithLabelValues("settle_task", "ok").Inc()
	c.logger.Info("task settled",
		zap.String("task_id", id.String()),
		zap.Int64("paid", total),
		zap.Int64("remainder", remainder),
		zap.Bool("burned", burnRemainder && remainder > 0),
	)
	return nil
}

// EscrowedAmount returns the reward still locked for a task (0 if settled).
func (c *Chain) EscrowedAmount(id TaskID) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.escrow[id]
}

// GetTask returns a copy of the task record.
func (c *Chain) GetTask(id TaskID) (*Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task, ok := c.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

// GetAllTasks returns every task in creation order.
func (c *Chain) GetAllTasks() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Task, 0, len(c.taskOrder))
	for _, id := range c.taskOrder {
		out = append(out, c.tasks[id].clone())
	}
	return out
}

// GetTasksByAgent returns every task the agent participates in.
func (c *Chain) GetTasksByAgent(addr Address) []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Task
	for _, id := range c.taskOrder {
		if taskHasParticipant(c.tasks[id], addr) {
			out = append(out, c.tasks[id].clone())
		}
	}
	return out
}

// GetTasksByStatus returns tasks currently in the given status.
func (c *Chain) GetTasksByStatus(status TaskStatus) []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Task
	for _, id := range c.taskOrder {
		if c.tasks[id].Status == status {
			out = append(out, c.tasks[id].clone())
		}
	}
	return out
}

// releaseWorkloadLocked decrements workload for all participants. Called
// with c.mu held, once per task lifetime (at the terminal transition).
func (c *Chain) releaseWorkloadLocked(task *Task) {
	for _, addr := range task.participants() {
		if agent, ok := c.agents[addr]; ok && agent.Workload > 0 {
			agent.Workload--
		}
	}
}

// refundEscrowLocked returns any locked reward to the creator. Called with
// c.mu held.
func (c *Chain) refundEscrowLocked(task *Task) {
	if locked, ok := c.escrow[task.ID]; ok {
		c.balances[task.Creator] += locked
		delete(c.escrow, task.ID)
	}
}

func taskHasParticipant(task *Task, addr Address) bool {
	for _, p := range task.participants() {
		if p == addr {
			return true
		}
	}
	return false
}
