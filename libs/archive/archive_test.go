package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func sampleEvent(id uint64, agent chain.Address, kind chain.LearningEventKind) chain.LearningEvent {
	var payload chain.LearningPayload
	switch kind {
	case chain.LearningBiddingUpdate:
		payload = chain.BiddingUpdatePayload{Confidence: 70, RiskTolerance: 50}
	default:
		payload = chain.TaskEvaluationPayload{TaskID: chain.TaskID{0x01}, Quality: 80, TaskScore: 84}
	}
	return chain.LearningEvent{
		ID:         id,
		Agent:      agent,
		Kind:       kind,
		Payload:    payload,
		ProducedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)
	agent := chain.Address{0x01}

	require.NoError(t, a.Record(ctx, sampleEvent(1, agent, chain.LearningTaskEvaluation)))
	require.NoError(t, a.Record(ctx, sampleEvent(2, agent, chain.LearningBiddingUpdate)))
	require.NoError(t, a.Record(ctx, sampleEvent(3, chain.Address{0x02}, chain.LearningTaskEvaluation)))

	rows, err := a.ListByAgent(ctx, agent)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(1), rows[0].EventID)
	assert.Equal(t, chain.LearningTaskEvaluation, rows[0].Kind)

	var payload chain.TaskEvaluationPayload
	require.NoError(t, json.Unmarshal(rows[0].Payload, &payload))
	assert.Equal(t, 84, payload.TaskScore)

	byKind, err := a.ListByKind(ctx, chain.LearningTaskEvaluation)
	require.NoError(t, err)
	assert.Len(t, byKind, 2)
}

func TestRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)
	agent := chain.Address{0x01}

	ev := sampleEvent(1, agent, chain.LearningTaskEvaluation)
	require.NoError(t, a.Record(ctx, ev))
	require.NoError(t, a.Record(ctx, ev), "replaying an archived event is a no-op")

	rows, err := a.ListByAgent(ctx, agent)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCountByKindAndPosition(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	last, err := a.LastEventID(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	require.NoError(t, a.Record(ctx, sampleEvent(1, chain.Address{0x01}, chain.LearningTaskEvaluation)))
	require.NoError(t, a.Record(ctx, sampleEvent(2, chain.Address{0x01}, chain.LearningBiddingUpdate)))
	require.NoError(t, a.Record(ctx, sampleEvent(5, chain.Address{0x02}, chain.LearningBiddingUpdate)))

	counts, err := a.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[chain.LearningTaskEvaluation])
	assert.Equal(t, 2, counts[chain.LearningBiddingUpdate])

	last, err = a.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
}

func TestBackfillFromChain(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	c := chain.New(chain.DefaultParams(), chain.Address{0xee}, zap.NewNop())
	agent := registerArchiveAgent(t, c)

	_, err := c.RecordLearningEvent(agent, chain.BiddingUpdatePayload{Confidence: 70, RiskTolerance: 50}, "")
	require.NoError(t, err)
	_, err = c.RecordLearningEvent(agent, chain.BiddingUpdatePayload{Confidence: 75, RiskTolerance: 50}, "")
	require.NoError(t, err)

	a.backfill(ctx, c)

	rows, err := a.ListByAgent(ctx, agent)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Backfilling again adds nothing.
	a.backfill(ctx, c)
	rows, err = a.ListByAgent(ctx, agent)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func registerArchiveAgent(t *testing.T, c *chain.Chain) chain.Address {
	t.Helper()
	addr := chain.Address{0x0a}
	require.NoError(t, c.RegisterAgent(chain.RegisterParams{
		Address:           addr,
		Name:              "archived",
		Kind:              chain.AgentKindLLM,
		CapabilityTags:    []string{"nlp"},
		CapabilityWeights: []int{50},
		InitialReputation: 50,
	}))
	return addr
}
