package incentive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/libs/chain"
)

// A task completed three days ago with no user evaluation gets the system
// auto-evaluation with q=60; a later user evaluation is rejected.
func TestSweeperAutoEvaluatesStaleTasks(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.registerAgent(t, "stale", 50)
	id := f.completedTask(t, 100, agent)

	// Not past the horizon yet: nothing happens.
	f.engine.Sweep()
	_, err := f.chain.GetEvaluation(id)
	require.Error(t, err)

	f.clock.Advance(72 * time.Hour)
	f.engine.Sweep()

	eval, err := f.chain.GetEvaluation(id)
	require.NoError(t, err)
	assert.Equal(t, chain.EvaluatorSystem, eval.Kind)
	assert.Equal(t, 60, eval.Quality)

	_, err = f.engine.SubmitUserEvaluation(id, 90, nil, f.creator)
	assert.ErrorIs(t, err, chain.ErrAlreadyEvaluated)
}

func TestSweeperSkipsUserEvaluatedTasks(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.registerAgent(t, "done", 50)
	id := f.completedTask(t, 100, agent)

	_, err := f.engine.SubmitUserEvaluation(id, 90, nil, f.creator)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	f.engine.Sweep()

	eval, err := f.chain.GetEvaluation(id)
	require.NoError(t, err)
	assert.Equal(t, chain.EvaluatorUser, eval.Kind, "auto-evaluation never overrides a user evaluation")
	assert.Equal(t, 90, eval.Quality)
}

func TestSweeperIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.registerAgent(t, "idem", 50)
	id := f.completedTask(t, 100, agent)

	f.clock.Advance(72 * time.Hour)
	f.engine.Sweep()
	balanceAfterFirst := f.chain.Balance(agent)

	f.engine.Sweep()
	f.engine.Sweep()
	assert.Equal(t, balanceAfterFirst, f.chain.Balance(agent), "repeat sweeps release nothing more")
}

func TestSweeperFailsOverdueTasks(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.registerAgent(t, "late", 50)

	f.chain.Fund(f.creator, 100)
	id, err := f.chain.CreateTask(chain.CreateTaskParams{
		Creator:              f.creator,
		Title:                "deadline task",
		RequiredCapabilities: []string{"nlp"},
		Reward:               100,
		MinBid:               10,
		MaxBid:               100,
		Deadline:             f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.chain.OpenTask(f.creator, id))
	require.NoError(t, f.chain.AssignTask(id, agent))
	require.NoError(t, f.chain.StartTask(agent, id))

	f.clock.Advance(2 * time.Hour)
	f.engine.Sweep()

	task, err := f.chain.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, chain.TaskStatusFailed, task.Status)
	assert.Equal(t, int64(100), f.chain.Balance(f.creator), "escrow refunded on deadline failure")
}
