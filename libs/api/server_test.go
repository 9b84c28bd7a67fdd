package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/collab"
	"github.com/agentmesh/agentmesh/libs/incentive"
	"github.com/agentmesh/agentmesh/libs/llm"
	"github.com/agentmesh/agentmesh/libs/policy"
	"github.com/agentmesh/agentmesh/libs/storage"
	"github.com/agentmesh/agentmesh/libs/worker"
)

var engineAddr = chain.Address{0xee}

type apiFixture struct {
	chain  *chain.Chain
	server *Server
	clock  *testClock
}

type testClock struct {
	now time.Time
}

func (tc *testClock) Now() time.Time          { return tc.now }
func (tc *testClock) Advance(d time.Duration) { tc.now = tc.now.Add(d) }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := chain.New(chain.DefaultParams(), engineAddr, zap.NewNop())
	c.SetClock(clock.Now)

	engine := incentive.New(c, engineAddr, nil, zap.NewNop())
	engine.SetClock(clock.Now)

	pol := policy.New(policy.DefaultWeights(), 10, zap.NewNop())
	collabConfig := collab.DefaultConfig()
	collabConfig.RetryBaseDelay = time.Millisecond
	orch := collab.New(c, pol, llm.NewMock(nil), storage.NewMemory(), collabConfig, zap.NewNop())
	orch.SetClock(clock.Now)

	config := DefaultConfig()
	config.EnableRateLimit = false
	handlers := NewHandlers(c, engine, orch, 100*time.Millisecond, zap.NewNop())
	server := NewServer(config, handlers, nil, zap.NewNop())

	return &apiFixture{chain: c, server: server, clock: clock}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (string, json.RawMessage) {
	t.Helper()
	var env struct {
		Source string          `json:"source"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Source, env.Data
}

func (f *apiFixture) registerAgent(t *testing.T, name string) (*worker.Signer, string) {
	t.Helper()
	signer, err := worker.NewSigner()
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"public_key":         hex.EncodeToString(signer.PublicKey()),
		"name":               name,
		"capability_tags":    []string{"data_analysis", "nlp"},
		"capability_weights": []int{80, 70},
		"initial_reputation": 50,
		"initial_confidence": 80,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	_, data := decodeEnvelope(t, rec)
	var resp struct {
		Address string `json:"address"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	return signer, resp.Address
}

func (f *apiFixture) createTask(t *testing.T, creator string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"creator":               creator,
		"title":                 "api task",
		"description":           "work to be done",
		"required_capabilities": []string{"data_analysis", "nlp"},
		"min_reputation":        30,
		"reward":                100,
		"min_bid":               10,
		"max_bid":               100,
		"deadline_seconds":      86400,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	_, data := decodeEnvelope(t, rec)
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp.TaskID
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestRegisterAndListAgents(t *testing.T) {
	f := newAPIFixture(t)
	_, addr := f.registerAgent(t, "api-agent")

	rec := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	source, data := decodeEnvelope(t, rec)
	assert.Equal(t, "chain", source)

	var agents []agentView
	require.NoError(t, json.Unmarshal(data, &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, addr, agents[0].Address)

	// A repeat within the TTL serves from the off-chain cache.
	rec = f.do(t, http.MethodGet, "/api/v1/agents", nil)
	source, _ = decodeEnvelope(t, rec)
	assert.Equal(t, "cached", source)
}

func TestGetAgentNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/agents/0x0000000000000000000000000000000000000001", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
	assert.NotEmpty(t, apiErr.Message)
}

func TestDuplicateRegistrationConflict(t *testing.T) {
	f := newAPIFixture(t)
	signer, _ := f.registerAgent(t, "original")

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"public_key": hex.EncodeToString(signer.PublicKey()),
		"name":       "imposter",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFullTaskFlowOverAPI(t *testing.T) {
	f := newAPIFixture(t)
	signer, agentAddr := f.registerAgent(t, "bidder")

	creator := chain.Address{0xcc}
	f.chain.Fund(creator, 100)
	taskID := f.createTask(t, creator.String())

	// Place a signed bid through the API.
	parsedID, err := chain.TaskIDFromHex(taskID)
	require.NoError(t, err)
	bid := signer.SignBid(parsedID, 60, 50)
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/bid", taskID), map[string]interface{}{
		"bidder":    bid.Bidder.String(),
		"utility":   bid.Utility,
		"amount":    bid.Amount,
		"signature": hex.EncodeToString(bid.Signature),
		"nonce":     bid.Nonce,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// A duplicate bid maps to 409.
	dup := signer.SignBid(parsedID, 70, 40)
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/bid", taskID), map[string]interface{}{
		"bidder":    dup.Bidder.String(),
		"utility":   dup.Utility,
		"amount":    dup.Amount,
		"signature": hex.EncodeToString(dup.Signature),
		"nonce":     dup.Nonce,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Finalize after the bidding window.
	f.clock.Advance(10 * time.Minute)
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/finalize", taskID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, data := decodeEnvelope(t, rec)
	var finalized struct {
		Winner string `json:"winner"`
	}
	require.NoError(t, json.Unmarshal(data, &finalized))
	assert.Equal(t, agentAddr, finalized.Winner)

	// Complete and evaluate.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/complete", taskID), map[string]interface{}{
		"agent":  agentAddr,
		"result": "QmArtifact",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/evaluate", taskID), map[string]interface{}{
		"evaluator":  creator.String(),
		"quality":    80,
		"tag_scores": map[string]int{"data_analysis": 100},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A second evaluation is AlreadyEvaluated.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/evaluate", taskID), map[string]interface{}{
		"evaluator": creator.String(),
		"quality":   90,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Statistics reflect the learning loop.
	rec = f.do(t, http.MethodGet, "/api/v1/learning/agent-statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, data = decodeEnvelope(t, rec)
	var stats []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Len(t, stats, 1)
	assert.Greater(t, stats[0]["reputation"].(float64), float64(50))
}

func TestCollaborateOverAPI(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAgent(t, "teammate-a")
	f.registerAgent(t, "teammate-b")

	creator := chain.Address{0xcc}
	f.chain.Fund(creator, 100)
	taskID := f.createTask(t, creator.String())

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/collaborate", taskID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, data := decodeEnvelope(t, rec)
	var resp struct {
		CollaborationID string `json:"collaboration_id"`
		ContentHash     string `json:"content_hash"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.NotEmpty(t, resp.CollaborationID)
	assert.NotEmpty(t, resp.ContentHash)
}

func TestTaskListStatusFilter(t *testing.T) {
	f := newAPIFixture(t)
	creator := chain.Address{0xcc}
	f.chain.Fund(creator, 200)
	f.createTask(t, creator.String())

	rec := f.do(t, http.MethodGet, "/api/v1/tasks?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, data := decodeEnvelope(t, rec)
	var tasks []taskView
	require.NoError(t, json.Unmarshal(data, &tasks))
	assert.Len(t, tasks, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks?status=completed", nil)
	_, data = decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(data, &tasks))
	assert.Empty(t, tasks)
}

func TestFaucet(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/faucet", map[string]interface{}{
		"address": chain.Address{0xcc}.String(),
		"amount":  500,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(500), f.chain.Balance(chain.Address{0xcc}))
}

func TestInvalidTaskIDRejected(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/tasks/not-a-task-id", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "validation", apiErr.Code)
}
