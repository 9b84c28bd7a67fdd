package worker

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/incentive"
	"github.com/agentmesh/agentmesh/libs/llm"
	"github.com/agentmesh/agentmesh/libs/storage"
)

var engineAddr = chain.Address{0xee}

type testClock struct {
	now time.Time
}

func (tc *testClock) Now() time.Time          { return tc.now }
func (tc *testClock) Advance(d time.Duration) { tc.now = tc.now.Add(d) }

type harness struct {
	chain   *chain.Chain
	clock   *testClock
	worker  *Worker
	mock    *llm.Mock
	store   *storage.Memory
	creator chain.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := chain.New(chain.DefaultParams(), engineAddr, zap.NewNop())
	c.SetClock(clock.Now)

	signer, err := NewSigner()
	require.NoError(t, err)
	require.NoError(t, c.RegisterAgent(chain.RegisterParams{
		Address:           signer.Address(),
		PublicKey:         signer.PublicKey(),
		Name:              "worker-x",
		Kind:              chain.AgentKindLLM,
		CapabilityTags:    []string{"data_analysis", "nlp"},
		CapabilityWeights: []int{80, 70},
		InitialReputation: 50,
		InitialConfidence: 80,
	}))

	config := DefaultConfig()
	config.ExplorationInit = 0 // deterministic decisions in tests
	strategy := NewStrategy(config, rand.New(rand.NewSource(7)), zap.NewNop())
	mock := llm.NewMock(nil)
	store := storage.NewMemory()
	w := New(c, mock, store, signer, strategy, config, zap.NewNop())
	require.NoError(t, w.Sync())

	return &harness{
		chain:   c,
		clock:   clock,
		worker:  w,
		mock:    mock,
		store:   store,
		creator: chain.Address{0xcc},
	}
}

func (h *harness) openTask(t *testing.T, caps []string, minRep int) chain.TaskID {
	t.Helper()
	h.chain.Fund(h.creator, 100)
	id, err := h.chain.CreateTask(chain.CreateTaskParams{
		Creator:              h.creator,
		Title:                "analysis job",
		Description:          "analyze the provided dataset and summarize findings",
		RequiredCapabilities: caps,
		MinReputation:        minRep,
		Reward:               100,
		MinBid:               10,
		MaxBid:               100,
		Deadline:             h.clock.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, h.chain.OpenTask(h.creator, id))
	return id
}

// Register-and-bid scenario: a matching agent scans, bids within the task
// bounds, and wins the auction.
func TestWorkerScansAndBids(t *testing.T) {
	h := newHarness(t)
	id := h.openTask(t, []string{"data_analysis", "nlp"}, 30)

	h.worker.Iterate(context.Background())

	require.True(t, h.chain.HasAgentBid(id, h.worker.Address()))
	bids := h.chain.GetBids(id)
	require.Len(t, bids, 1)
	assert.GreaterOrEqual(t, bids[0].Amount, int64(10))
	assert.LessOrEqual(t, bids[0].Amount, int64(100))
	assert.GreaterOrEqual(t, bids[0].Utility, 30, "worker only bids above the utility gate")

	// A second iteration must not double-bid.
	h.worker.Iterate(context.Background())
	assert.Len(t, h.chain.GetBids(id), 1)
}

func TestWorkerSkipsTasksBelowReputationFloor(t *testing.T) {
	h := newHarness(t)
	id := h.openTask(t, []string{"data_analysis"}, 90)

	h.worker.Iterate(context.Background())
	assert.False(t, h.chain.HasAgentBid(id, h.worker.Address()))
}

func TestWorkerSkipsMismatchedTasks(t *testing.T) {
	h := newHarness(t)
	id := h.openTask(t, []string{"vision"}, 0)

	h.worker.Iterate(context.Background())
	assert.False(t, h.chain.HasAgentBid(id, h.worker.Address()))
}

// Workload gate: at L = L_max the worker must not bid at all.
func TestWorkerWorkloadGate(t *testing.T) {
	h := newHarness(t)
	id := h.openTask(t, []string{"data_analysis", "nlp"}, 0)

	h.worker.strategy.SyncFromChain(
		&chain.LearningState{
			Reputation:        90,
			CapabilityTags:    []string{"data_analysis", "nlp"},
			CapabilityWeights: []int{100, 100},
			Workload:          10,
		},
		&chain.BiddingStrategy{Confidence: 100, RiskTolerance: 50},
		nil,
	)

	h.worker.Iterate(context.Background())
	assert.False(t, h.chain.HasAgentBid(id, h.worker.Address()))
}

func TestWorkerExecutesAssignedTask(t *testing.T) {
	h := newHarness(t)
	id := h.openTask(t, []string{"data_analysis", "nlp"}, 30)
	h.mock.Script("the dataset shows a steady upward trend")

	h.worker.Iterate(context.Background())
	h.clock.Advance(10 * time.Minute)
	winner, err := h.chain.FinalizeAuction(id)
	require.NoError(t, err)
	require.Equal(t, h.worker.Address(), winner.Bidder)

	h.worker.Iterate(context.Background())

	task, err := h.chain.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, chain.TaskStatusCompleted, task.Status)
	require.NotEmpty(t, task.Result)

	// The pinned artifact carries the LLM output.
	var artifact struct {
		Agent  string `json:"agent"`
		Output string `json:"output"`
	}
	require.NoError(t, storage.GetJSON(context.Background(), h.store, task.Result, &artifact))
	assert.Equal(t, h.worker.Address().String(), artifact.Agent)
	assert.Contains(t, artifact.Output, "upward trend")
}

func TestWorkerFailsTaskOnLLMError(t *testing.T) {
	h := newHarness(t)
	id := h.openTask(t, []string{"data_analysis", "nlp"}, 30)
	h.mock.FailFirst(10)

	h.worker.Iterate(context.Background())
	h.clock.Advance(10 * time.Minute)
	_, err := h.chain.FinalizeAuction(id)
	require.NoError(t, err)

	h.worker.Iterate(context.Background())

	task, err := h.chain.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, chain.TaskStatusFailed, task.Status)
	assert.Equal(t, int64(100), h.chain.Balance(h.creator), "escrow returns to the creator")
}

func TestWorkerLearnsFromEvaluation(t *testing.T) {
	h := newHarness(t)
	engine := incentive.New(h.chain, engineAddr, nil, zap.NewNop())
	engine.SetClock(h.clock.Now)

	id := h.openTask(t, []string{"data_analysis", "nlp"}, 30)
	h.worker.Iterate(context.Background())
	h.clock.Advance(10 * time.Minute)
	_, err := h.chain.FinalizeAuction(id)
	require.NoError(t, err)
	h.worker.Iterate(context.Background())

	_, err = engine.SubmitUserEvaluation(id, 90, map[string]int{"data_analysis": 95}, h.creator)
	require.NoError(t, err)

	before, err := h.chain.GetAgent(h.worker.Address())
	require.NoError(t, err)

	h.worker.Iterate(context.Background())

	// The worker folded the feedback in: preference recorded, strategy
	// parameters pushed back to the chain.
	pref, ok := h.worker.strategy.typePreferences[TypeKey([]string{"data_analysis", "nlp"})]
	require.True(t, ok)
	assert.Greater(t, pref, 50.0)
	assert.Greater(t, before.Reputation, 50, "engine feedback raised reputation")

	// Feedback is processed once.
	h.worker.Iterate(context.Background())
	assert.Equal(t, 1, countFeedback(h.worker))
}

func countFeedback(w *Worker) int {
	n := 0
	for _, done := range w.processedFeedback {
		if done {
			n++
		}
	}
	return n
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	config := *h.worker.config
	config.PollingInterval = 10 * time.Millisecond
	config.SyncInterval = 10 * time.Millisecond
	h.worker.config = &config

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.worker.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
