package api

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/collab"
	"github.com/agentmesh/agentmesh/libs/incentive"
)

// Handlers serves the HTTP pass-through to the chain, with a short-lived
// off-chain cache for the list endpoints dashboards poll.
type Handlers struct {
	chain  *chain.Chain
	engine *incentive.Engine
	orch   *collab.Orchestrator
	cache  *gocache.Cache
	logger *zap.Logger
}

// NewHandlers creates the handler set. cacheTTL bounds how stale a cached
// list response may be.
func NewHandlers(c *chain.Chain, engine *incentive.Engine, orch *collab.Orchestrator, cacheTTL time.Duration, logger *zap.Logger) *Handlers {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		chain:  c,
		engine: engine,
		orch:   orch,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		logger: logger,
	}
}

// cachedList serves a list endpoint from cache when fresh, marking the
// response source accordingly.
func (h *Handlers) cachedList(c *gin.Context, key string, load func() interface{}) {
	if data, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, envelope{Source: "cached", Data: data})
		return
	}
	data := load()
	h.cache.SetDefault(key, data)
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: data})
}

func (h *Handlers) invalidate(keys ...string) {
	for _, key := range keys {
		h.cache.Delete(key)
	}
}

// abortWithError maps chain errors onto HTTP statuses with the
// {code, message, details} envelope.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, chain.ErrAgentNotFound), errors.Is(err, chain.ErrTaskNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, chain.ErrAlreadyRegistered), errors.Is(err, chain.ErrDuplicateBid),
		errors.Is(err, chain.ErrAlreadyEvaluated), errors.Is(err, chain.ErrIllegalState),
		errors.Is(err, chain.ErrBiddingClosed), errors.Is(err, chain.ErrBiddingOpen),
		errors.Is(err, chain.ErrNotEvaluable), errors.Is(err, chain.ErrNoBids),
		errors.Is(err, chain.ErrAgentInactive):
		status, code = http.StatusConflict, "illegal_state"
	case errors.Is(err, chain.ErrLengthMismatch), errors.Is(err, chain.ErrOutOfRange),
		errors.Is(err, chain.ErrBadNonce), errors.Is(err, chain.ErrBadSignature),
		errors.Is(err, chain.ErrInsufficientFunds):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, chain.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	}
	c.AbortWithStatusJSON(status, apiError{Code: code, Message: err.Error()})
}

func parseAddress(c *gin.Context, raw string) (chain.Address, bool) {
	addr, err := chain.AddressFromHex(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid address",
			Details: err.Error(),
		})
		return chain.Address{}, false
	}
	return addr, true
}

func parseTaskID(c *gin.Context) (chain.TaskID, bool) {
	id, err := chain.TaskIDFromHex(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid task id",
			Details: err.Error(),
		})
		return chain.TaskID{}, false
	}
	return id, true
}

// ListAgents returns all registry records.
func (h *Handlers) ListAgents(c *gin.Context) {
	h.cachedList(c, "agents", func() interface{} {
		agents := h.chain.GetAllAgents()
		views := make([]agentView, 0, len(agents))
		for _, agent := range agents {
			views = append(views, toAgentView(agent))
		}
		return views
	})
}

type registerAgentRequest struct {
	PublicKey         string   `json:"public_key" binding:"required"`
	Name              string   `json:"name" binding:"required"`
	Kind              string   `json:"kind"`
	CapabilityTags    []string `json:"capability_tags"`
	CapabilityWeights []int    `json:"capability_weights"`
	InitialReputation int      `json:"initial_reputation"`
	InitialConfidence int      `json:"initial_confidence"`
}

// RegisterAgent registers an agent from its public key.
func (h *Handlers) RegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "public_key must be a 32-byte hex string",
		})
		return
	}
	kind := chain.AgentKind(req.Kind)
	if kind == "" {
		kind = chain.AgentKindLLM
	}

	addr := chain.AddressFromPublicKey(pub)
	err = h.chain.RegisterAgent(chain.RegisterParams{
		Address:           addr,
		PublicKey:         pub,
		Name:              req.Name,
		Kind:              kind,
		CapabilityTags:    req.CapabilityTags,
		CapabilityWeights: req.CapabilityWeights,
		InitialReputation: req.InitialReputation,
		InitialConfidence: req.InitialConfidence,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	h.invalidate("agents")
	c.JSON(http.StatusCreated, envelope{Source: "chain", Data: gin.H{"address": addr.String()}})
}

// GetAgent returns one registry record.
func (h *Handlers) GetAgent(c *gin.Context) {
	addr, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	agent, err := h.chain.GetAgent(addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: toAgentView(agent)})
}

// GetAgentLearning returns the agent's learning state and audit trail.
func (h *Handlers) GetAgentLearning(c *gin.Context) {
	addr, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	state, err := h.chain.GetAgentLearningState(addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	strategy, err := h.chain.GetAgentBiddingStrategy(addr)
	if err != nil {
		abortWithError(c, err)
		return
	}

	recentTasks := make([]string, 0, len(state.RecentTasks))
	for _, id := range state.RecentTasks {
		recentTasks = append(recentTasks, id.String())
	}
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: gin.H{
		"reputation":         state.Reputation,
		"capability_tags":    state.CapabilityTags,
		"capability_weights": state.CapabilityWeights,
		"workload":           state.Workload,
		"recent_tasks":       recentTasks,
		"recent_scores":      state.RecentScores,
		"confidence":         strategy.Confidence,
		"risk_tolerance":     strategy.RiskTolerance,
		"strategy_updated":   strategy.LastUpdated,
		"learning_events":    h.chain.GetLearningEvents(addr),
	}})
}

// ListTasks returns tasks, optionally filtered by ?status=.
func (h *Handlers) ListTasks(c *gin.Context) {
	status := c.Query("status")
	key := "tasks:" + status
	h.cachedList(c, key, func() interface{} {
		var tasks []*chain.Task
		if status == "" {
			tasks = h.chain.GetAllTasks()
		} else {
			tasks = h.chain.GetTasksByStatus(chain.TaskStatus(status))
		}
		views := make([]taskView, 0, len(tasks))
		for _, task := range tasks {
			views = append(views, toTaskView(task))
		}
		return views
	})
}

type createTaskRequest struct {
	Creator              string   `json:"creator" binding:"required"`
	Title                string   `json:"title" binding:"required"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	MinReputation        int      `json:"min_reputation"`
	Reward               int64    `json:"reward" binding:"required"`
	MinBid               int64    `json:"min_bid"`
	MaxBid               int64    `json:"max_bid"`
	Complexity           int      `json:"complexity"`
	DeadlineSeconds      int64    `json:"deadline_seconds" binding:"required"`
	BiddingWindowSeconds int64    `json:"bidding_window_seconds"`
}

// CreateTask creates and publishes a task.
func (h *Handlers) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}
	creator, ok := parseAddress(c, req.Creator)
	if !ok {
		return
	}

	id, err := h.chain.CreateTask(chain.CreateTaskParams{
		Creator:              creator,
		Title:                req.Title,
		Description:          req.Description,
		RequiredCapabilities: req.RequiredCapabilities,
		MinReputation:        req.MinReputation,
		Reward:               req.Reward,
		MinBid:               req.MinBid,
		MaxBid:               req.MaxBid,
		Complexity:           req.Complexity,
		Deadline:             time.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second),
		BiddingWindow:        time.Duration(req.BiddingWindowSeconds) * time.Second,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.chain.OpenTask(creator, id); err != nil {
		abortWithError(c, err)
		return
	}

	h.invalidate("tasks:", "tasks:open", "tasks:created")
	c.JSON(http.StatusCreated, envelope{Source: "chain", Data: gin.H{"task_id": id.String()}})
}

// GetTask returns one task.
func (h *Handlers) GetTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := h.chain.GetTask(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: toTaskView(task)})
}

type placeBidRequest struct {
	Bidder    string `json:"bidder" binding:"required"`
	Utility   int    `json:"utility"`
	Amount    int64  `json:"amount" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Nonce     uint64 `json:"nonce" binding:"required"`
}

// PlaceBid submits a signed bid on behalf of an agent.
func (h *Handlers) PlaceBid(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}
	bidder, ok := parseAddress(c, req.Bidder)
	if !ok {
		return
	}
	signature, err := hex.DecodeString(req.Signature)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "signature must be hex",
		})
		return
	}

	err = h.chain.PlaceBid(&chain.Bid{
		TaskID:    id,
		Bidder:    bidder,
		Utility:   req.Utility,
		Amount:    req.Amount,
		Signature: signature,
		Nonce:     req.Nonce,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, envelope{Source: "chain", Data: gin.H{"task_id": id.String()}})
}

type assignTaskRequest struct {
	Agents []string `json:"agents" binding:"required"`
}

// AssignTask assigns a task to one or more agents directly.
func (h *Handlers) AssignTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req assignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}
	agents := make([]chain.Address, 0, len(req.Agents))
	for _, raw := range req.Agents {
		addr, ok := parseAddress(c, raw)
		if !ok {
			return
		}
		agents = append(agents, addr)
	}

	if err := h.chain.AssignTask(id, agents...); err != nil {
		abortWithError(c, err)
		return
	}
	h.invalidate("tasks:", "tasks:open", "tasks:assigned")
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: gin.H{"task_id": id.String()}})
}

// FinalizeAuction closes the bidding window and selects the winner.
func (h *Handlers) FinalizeAuction(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	winner, err := h.chain.FinalizeAuction(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.invalidate("tasks:", "tasks:open", "tasks:assigned")
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: gin.H{
		"task_id": id.String(),
		"winner":  winner.Bidder.String(),
		"amount":  winner.Amount,
	}})
}

type completeTaskRequest struct {
	Agent  string `json:"agent" binding:"required"`
	Result string `json:"result" binding:"required"`
}

// CompleteTask reports a finished task with its artifact hash.
func (h *Handlers) CompleteTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req completeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}
	agent, ok := parseAddress(c, req.Agent)
	if !ok {
		return
	}

	// A task assigned but not yet started is started implicitly.
	if task, err := h.chain.GetTask(id); err == nil && task.Status == chain.TaskStatusAssigned {
		if err := h.chain.StartTask(agent, id); err != nil {
			abortWithError(c, err)
			return
		}
	}
	if err := h.chain.CompleteTask(agent, id, req.Result); err != nil {
		abortWithError(c, err)
		return
	}
	h.invalidate("tasks:", "tasks:in_progress", "tasks:completed")
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: gin.H{"task_id": id.String()}})
}

type evaluateTaskRequest struct {
	Evaluator string         `json:"evaluator" binding:"required"`
	Quality   int            `json:"quality"`
	TagScores map[string]int `json:"tag_scores"`
	PerAgent  map[string]int `json:"per_agent_quality"`
}

// EvaluateTask submits the creator's evaluation.
func (h *Handlers) EvaluateTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req evaluateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}
	evaluator, ok := parseAddress(c, req.Evaluator)
	if !ok {
		return
	}

	var score int
	var err error
	if len(req.PerAgent) > 0 {
		perAgent := make(map[chain.Address]int, len(req.PerAgent))
		for raw, quality := range req.PerAgent {
			addr, ok := parseAddress(c, raw)
			if !ok {
				return
			}
			perAgent[addr] = quality
		}
		score, err = h.engine.SubmitTeamEvaluation(id, req.Quality, req.TagScores, evaluator, perAgent)
	} else {
		score, err = h.engine.SubmitUserEvaluation(id, req.Quality, req.TagScores, evaluator)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	h.invalidate("agents", "statistics")
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: gin.H{
		"task_id":    id.String(),
		"task_score": score,
	}})
}

// Collaborate runs the collaboration orchestrator on an open task.
func (h *Handlers) Collaborate(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	result, err := h.orch.Run(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	h.invalidate("tasks:", "tasks:open", "tasks:completed", "agents")
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: gin.H{
		"collaboration_id": result.CollaborationID,
		"content_hash":     result.ContentHash,
		"team":             addressStrings(result.Team),
		"failed_rounds":    result.FailedRounds,
	}})
}

// AgentStatistics aggregates the learning dashboard's summary view.
func (h *Handlers) AgentStatistics(c *gin.Context) {
	h.cachedList(c, "statistics", func() interface{} {
		agents := h.chain.GetAllAgents()
		stats := make([]gin.H, 0, len(agents))
		for _, agent := range agents {
			avg := agent.AverageRecentScore()
			if avg < 0 {
				avg = 0
			}
			stats = append(stats, gin.H{
				"address":         agent.Address.String(),
				"name":            agent.Name,
				"reputation":      agent.Reputation,
				"workload":        agent.Workload,
				"tasks_completed": agent.TasksCompleted,
				"average_score":   avg,
				"confidence":      agent.Confidence,
				"risk_tolerance":  agent.RiskTolerance,
				"learning_events": len(h.chain.GetLearningEvents(agent.Address)),
			})
		}
		return stats
	})
}

// Faucet credits an account for demo and simulation runs.
func (h *Handlers) Faucet(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
		Amount  int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiError{
			Code:    "validation",
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}
	addr, ok := parseAddress(c, req.Address)
	if !ok {
		return
	}
	h.chain.Fund(addr, req.Amount)
	c.JSON(http.StatusOK, envelope{Source: "chain", Data: gin.H{
		"address": addr.String(),
		"balance": h.chain.Balance(addr),
	}})
}

func addressStrings(addrs []chain.Address) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out
}
