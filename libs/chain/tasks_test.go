package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTaskEscrowsReward(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	c.Fund(creator, 150)

	id, err := c.CreateTask(CreateTaskParams{
		Creator:              creator,
		Title:                "escrowed",
		RequiredCapabilities: []string{"nlp"},
		Reward:               100,
		MinBid:               10,
		MaxBid:               100,
		Deadline:             clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(50), c.Balance(creator))
	assert.Equal(t, int64(100), c.EscrowedAmount(id))

	task, err := c.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCreated, task.Status)
}

func TestCreateTaskValidation(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}

	_, err := c.CreateTask(CreateTaskParams{
		Creator:  creator,
		Reward:   100,
		MinBid:   10,
		MaxBid:   100,
		Deadline: clock.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	c.Fund(creator, 1000)
	_, err = c.CreateTask(CreateTaskParams{
		Creator:  creator,
		Reward:   100,
		MinBid:   10,
		MaxBid:   100,
		Deadline: clock.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = c.CreateTask(CreateTaskParams{
		Creator:  creator,
		Reward:   100,
		MinBid:   50,
		MaxBid:   10,
		Deadline: clock.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestLifecycleHappyPath(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "worker", []string{"nlp"}, []int{70}, 50)

	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	require.NoError(t, c.AssignTask(id, agent.addr))
	require.NoError(t, c.StartTask(agent.addr, id))
	require.NoError(t, c.CompleteTask(agent.addr, id, "QmResultHash"))

	task, err := c.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
	assert.Equal(t, "QmResultHash", task.Result)
	assert.NotNil(t, task.CompletedAt)
	require.NotNil(t, task.AssignedAgent)
	assert.Equal(t, agent.addr, *task.AssignedAgent)

	// Workload returned to zero at the terminal transition.
	got, err := c.GetAgent(agent.addr)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Workload)

	// Escrow remains locked until the incentive engine settles.
	assert.Equal(t, int64(100), c.EscrowedAmount(id))
}

func TestIllegalTransitionsRejected(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "worker", []string{"nlp"}, []int{70}, 50)
	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)

	// Cannot start or complete an Open task.
	assert.ErrorIs(t, c.StartTask(agent.addr, id), ErrIllegalState)
	assert.ErrorIs(t, c.CompleteTask(agent.addr, id, "x"), ErrIllegalState)

	require.NoError(t, c.AssignTask(id, agent.addr))
	assert.ErrorIs(t, c.AssignTask(id, agent.addr), ErrIllegalState)

	require.NoError(t, c.StartTask(agent.addr, id))
	require.NoError(t, c.CompleteTask(agent.addr, id, "x"))

	// Terminal tasks are immutable.
	assert.ErrorIs(t, c.StartTask(agent.addr, id), ErrIllegalState)
	assert.ErrorIs(t, c.CancelTask(creator, id), ErrIllegalState)
	assert.ErrorIs(t, c.FailTask(agent.addr, id, "late"), ErrIllegalState)
}

func TestOnlyAssignedAgentMayDrive(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	worker := registerTestAgent(t, c, "worker", []string{"nlp"}, []int{70}, 50)
	bystander := registerTestAgent(t, c, "bystander", []string{"nlp"}, []int{70}, 50)

	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	require.NoError(t, c.AssignTask(id, worker.addr))

	assert.ErrorIs(t, c.StartTask(bystander.addr, id), ErrUnauthorized)
	require.NoError(t, c.StartTask(worker.addr, id))
	assert.ErrorIs(t, c.CompleteTask(bystander.addr, id, "x"), ErrUnauthorized)
}

func TestCancelRefundsEscrow(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)

	require.NoError(t, c.CancelTask(creator, id))
	assert.Equal(t, int64(100), c.Balance(creator))
	assert.Equal(t, int64(0), c.EscrowedAmount(id))
}

func TestFailRefundsEscrowAndReleasesWorkload(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "worker", []string{"nlp"}, []int{70}, 50)
	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)

	require.NoError(t, c.AssignTask(id, agent.addr))
	require.NoError(t, c.FailTask(agent.addr, id, "gave up"))

	assert.Equal(t, int64(100), c.Balance(creator))
	got, err := c.GetAgent(agent.addr)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Workload)
}

func TestExpireOverdueTasks(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "slow", []string{"nlp"}, []int{70}, 50)

	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	require.NoError(t, c.AssignTask(id, agent.addr))
	require.NoError(t, c.StartTask(agent.addr, id))

	// Not yet due.
	assert.Empty(t, c.ExpireOverdueTasks())

	clock.Advance(25 * time.Hour)
	expired := c.ExpireOverdueTasks()
	require.Equal(t, []TaskID{id}, expired)

	task, err := c.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
}

func TestDelayRatio(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "timed", []string{"nlp"}, []int{70}, 50)

	c.Fund(creator, 100)
	id, err := c.CreateTask(CreateTaskParams{
		Creator:              creator,
		Title:                "timed",
		RequiredCapabilities: []string{"nlp"},
		Reward:               100,
		MinBid:               10,
		MaxBid:               100,
		Deadline:             clock.Now().Add(10 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, c.OpenTask(creator, id))
	require.NoError(t, c.AssignTask(id, agent.addr))

	assigned := clock.Now()
	d, err := c.DelayRatio(id, assigned.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 10, d)

	d, err = c.DelayRatio(id, assigned.Add(20*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 100, d, "delay ratio is capped at 100")
}

func TestRecordEvaluationExactlyOnce(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "worker", []string{"nlp"}, []int{70}, 50)

	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	require.NoError(t, c.AssignTask(id, agent.addr))
	require.NoError(t, c.StartTask(agent.addr, id))
	require.NoError(t, c.CompleteTask(agent.addr, id, "Qm1"))

	eval := &Evaluation{TaskID: id, Quality: 60, Evaluator: creator, Kind: EvaluatorSystem, DelayRatio: 0, TaskScore: 76}
	require.NoError(t, c.RecordEvaluation(testEngine, eval))

	// A later user evaluation is rejected once the auto-evaluation landed.
	userEval := &Evaluation{TaskID: id, Quality: 90, Evaluator: creator, Kind: EvaluatorUser}
	assert.ErrorIs(t, c.RecordEvaluation(testEngine, userEval), ErrAlreadyEvaluated)

	stored, err := c.GetEvaluation(id)
	require.NoError(t, err)
	assert.Equal(t, EvaluatorSystem, stored.Kind)
	assert.Equal(t, 60, stored.Quality)
}

func TestRecordEvaluationRequiresCompleted(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)

	err := c.RecordEvaluation(testEngine, &Evaluation{TaskID: id, Quality: 50, Kind: EvaluatorUser})
	assert.ErrorIs(t, err, ErrNotEvaluable)
}

func TestSettleTask(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "worker", []string{"nlp"}, []int{70}, 50)

	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	require.NoError(t, c.AssignTask(id, agent.addr))
	require.NoError(t, c.StartTask(agent.addr, id))
	require.NoError(t, c.CompleteTask(agent.addr, id, "Qm1"))

	// T=84: 84 to the winner, 16 back to the creator.
	require.NoError(t, c.SettleTask(testEngine, id, map[Address]int64{agent.addr: 84}, false))
	assert.Equal(t, int64(84), c.Balance(agent.addr))
	assert.Equal(t, int64(16), c.Balance(creator))
	assert.Equal(t, int64(0), c.EscrowedAmount(id))

	// Settlement happens once.
	assert.ErrorIs(t, c.SettleTask(testEngine, id, map[Address]int64{agent.addr: 1}, false), ErrIllegalState)
}

func TestSettleTaskBurnsRemainder(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}
	agent := registerTestAgent(t, c, "worker", []string{"nlp"}, []int{70}, 50)

	id := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	require.NoError(t, c.AssignTask(id, agent.addr))
	require.NoError(t, c.StartTask(agent.addr, id))
	require.NoError(t, c.CompleteTask(agent.addr, id, "Qm1"))

	require.NoError(t, c.SettleTask(testEngine, id, map[Address]int64{agent.addr: 70}, true))
	assert.Equal(t, int64(0), c.Balance(creator))
	assert.Equal(t, int64(30), c.Burned())
}

func TestGetTasksByStatus(t *testing.T) {
	c, clock := newTestChain(t)
	creator := Address{0xcc}

	open := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	cancelled := createOpenTask(t, c, clock, creator, []string{"nlp"}, 100)
	require.NoError(t, c.CancelTask(creator, cancelled))

	openTasks := c.GetTasksByStatus(TaskStatusOpen)
	require.Len(t, openTasks, 1)
	assert.Equal(t, open, openTasks[0].ID)
	require.Len(t, c.GetTasksByStatus(TaskStatusCancelled), 1)
}
