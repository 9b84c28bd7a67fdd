package incentive

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

var engineAddr = chain.Address{0xee}

type fixture struct {
	chain   *chain.Chain
	engine  *Engine
	clock   *testClock
	creator chain.Address
}

type testClock struct {
	now time.Time
}

func (tc *testClock) Now() time.Time          { return tc.now }
func (tc *testClock) Advance(d time.Duration) { tc.now = tc.now.Add(d) }

func newFixture(t *testing.T, config *Config) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := chain.New(chain.DefaultParams(), engineAddr, zap.NewNop())
	c.SetClock(clock.Now)

	engine := New(c, engineAddr, config, zap.NewNop())
	engine.SetClock(clock.Now)

	return &fixture{chain: c, engine: engine, clock: clock, creator: chain.Address{0xcc}}
}

func (f *fixture) registerAgent(t *testing.T, name string, reputation int) chain.Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	addr := chain.AddressFromPublicKey(pub)
	require.NoError(t, f.chain.RegisterAgent(chain.RegisterParams{
		Address:           addr,
		PublicKey:         pub,
		Name:              name,
		Kind:              chain.AgentKindLLM,
		CapabilityTags:    []string{"data_analysis", "nlp"},
		CapabilityWeights: []int{80, 70},
		InitialReputation: reputation,
		InitialConfidence: 80,
	}))
	return addr
}

// completedTask drives a task to Completed with the given agents assigned.
func (f *fixture) completedTask(t *testing.T, reward int64, agents ...chain.Address) chain.TaskID {
	t.Helper()
	f.chain.Fund(f.creator, reward)
	id, err := f.chain.CreateTask(chain.CreateTaskParams{
		Creator:              f.creator,
		Title:                "evaluated task",
		RequiredCapabilities: []string{"data_analysis"},
		MinReputation:        30,
		Reward:               reward,
		MinBid:               10,
		MaxBid:               100,
		Deadline:             f.clock.Now().Add(10 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.chain.OpenTask(f.creator, id))
	require.NoError(t, f.chain.AssignTask(id, agents...))
	require.NoError(t, f.chain.StartTask(agents[0], id))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.chain.CompleteTask(agents[0], id, "QmResult"))
	return id
}

func TestUserEvaluationUpdatesAndPays(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.registerAgent(t, "solo", 50)
	id := f.completedTask(t, 100, agent)

	// Completed one hour into a ten-hour budget: d = 10.
	// T = 0.6*80 + 0.4*90 = 84.
	score, err := f.engine.SubmitUserEvaluation(id, 80, map[string]int{"data_analysis": 100}, f.creator)
	require.NoError(t, err)
	assert.Equal(t, 84, score)

	got, err := f.chain.GetAgent(agent)
	require.NoError(t, err)
	assert.Equal(t, 57, got.Reputation, "R' = round(0.8*50 + 0.2*84)")
	assert.Equal(t, 86, got.CapabilityWeights[0], "w' = round((70*80 + 30*100)/100)")

	// Payout is reward*T/100, remainder refunded to the creator.
	assert.Equal(t, int64(84), f.chain.Balance(agent))
	assert.Equal(t, int64(16), f.chain.Balance(f.creator))
	assert.Equal(t, int64(0), f.chain.EscrowedAmount(id))

	// A task_evaluation learning event was appended.
	events := f.chain.GetLearningEvents(agent)
	var found bool
	for _, ev := range events {
		if ev.Kind == chain.LearningTaskEvaluation {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEvaluationExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.registerAgent(t, "solo", 50)
	id := f.completedTask(t, 100, agent)

	_, err := f.engine.SubmitUserEvaluation(id, 80, nil, f.creator)
	require.NoError(t, err)

	_, err = f.engine.SubmitUserEvaluation(id, 90, nil, f.creator)
	assert.ErrorIs(t, err, chain.ErrAlreadyEvaluated)
}

func TestEvaluationRequiresCompletedTask(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent(t, "solo", 50)

	f.chain.Fund(f.creator, 100)
	id, err := f.chain.CreateTask(chain.CreateTaskParams{
		Creator:              f.creator,
		Title:                "open task",
		RequiredCapabilities: []string{"nlp"},
		Reward:               100,
		MinBid:               10,
		MaxBid:               100,
		Deadline:             f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = f.engine.SubmitUserEvaluation(id, 80, nil, f.creator)
	assert.ErrorIs(t, err, chain.ErrNotEvaluable)
}

func TestCollaborationRewardSplit(t *testing.T) {
	f := newFixture(t, nil)
	a := f.registerAgent(t, "a", 50)
	b := f.registerAgent(t, "b", 50)
	id := f.completedTask(t, 100, a, b)

	// d=10, T=84 for both; each share is 50, payout 50*84/100 = 42.
	_, err := f.engine.SubmitUserEvaluation(id, 80, nil, f.creator)
	require.NoError(t, err)

	assert.Equal(t, int64(42), f.chain.Balance(a))
	assert.Equal(t, int64(42), f.chain.Balance(b))
	assert.Equal(t, int64(16), f.chain.Balance(f.creator))
}

func TestCollaborationPerAgentSignals(t *testing.T) {
	f := newFixture(t, nil)
	strong := f.registerAgent(t, "strong", 50)
	weak := f.registerAgent(t, "weak", 50)
	id := f.completedTask(t, 100, strong, weak)

	// d=10. strong: T=0.6*100+0.4*90=96 -> 50*96/100=48.
	// weak: T=0.6*40+0.4*90=60 -> 50*60/100=30.
	_, err := f.engine.SubmitTeamEvaluation(id, 80, nil, f.creator, map[chain.Address]int{
		strong: 100,
		weak:   40,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(48), f.chain.Balance(strong))
	assert.Equal(t, int64(30), f.chain.Balance(weak))

	strongAgent, err := f.chain.GetAgent(strong)
	require.NoError(t, err)
	weakAgent, err := f.chain.GetAgent(weak)
	require.NoError(t, err)
	assert.Greater(t, strongAgent.Reputation, weakAgent.Reputation)
}

func TestBurnRemainder(t *testing.T) {
	config := DefaultConfig()
	config.BurnRemainder = true
	f := newFixture(t, config)
	agent := f.registerAgent(t, "solo", 50)
	id := f.completedTask(t, 100, agent)

	_, err := f.engine.SubmitUserEvaluation(id, 80, nil, f.creator)
	require.NoError(t, err)

	assert.Equal(t, int64(84), f.chain.Balance(agent))
	assert.Equal(t, int64(0), f.chain.Balance(f.creator))
	assert.Equal(t, int64(16), f.chain.Burned())
}
