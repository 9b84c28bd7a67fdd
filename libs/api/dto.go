package api

import (
	"time"

	"github.com/agentmesh/agentmesh/libs/chain"
)

// agentView is the JSON shape of a registry record.
type agentView struct {
	Address           string    `json:"address"`
	Name              string    `json:"name"`
	Kind              string    `json:"kind"`
	CapabilityTags    []string  `json:"capability_tags"`
	CapabilityWeights []int     `json:"capability_weights"`
	Reputation        int       `json:"reputation"`
	Active            bool      `json:"active"`
	Workload          int       `json:"workload"`
	TasksCompleted    int       `json:"tasks_completed"`
	Confidence        int       `json:"confidence"`
	RiskTolerance     int       `json:"risk_tolerance"`
	RegisteredAt      time.Time `json:"registered_at"`
}

func toAgentView(agent *chain.Agent) agentView {
	return agentView{
		Address:           agent.Address.String(),
		Name:              agent.Name,
		Kind:              string(agent.Kind),
		CapabilityTags:    agent.CapabilityTags,
		CapabilityWeights: agent.CapabilityWeights,
		Reputation:        agent.Reputation,
		Active:            agent.Active,
		Workload:          agent.Workload,
		TasksCompleted:    agent.TasksCompleted,
		Confidence:        agent.Confidence,
		RiskTolerance:     agent.RiskTolerance,
		RegisteredAt:      agent.RegisteredAt,
	}
}

// taskView is the JSON shape of a task record.
type taskView struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	MinReputation        int        `json:"min_reputation"`
	Reward               int64      `json:"reward"`
	MinBid               int64      `json:"min_bid"`
	MaxBid               int64      `json:"max_bid"`
	Complexity           int        `json:"complexity"`
	Creator              string     `json:"creator"`
	Status               string     `json:"status"`
	AssignedAgent        string     `json:"assigned_agent,omitempty"`
	AssignedAgents       []string   `json:"assigned_agents,omitempty"`
	Deadline             time.Time  `json:"deadline"`
	BiddingDeadline      time.Time  `json:"bidding_deadline"`
	CreatedAt            time.Time  `json:"created_at"`
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	Result               string     `json:"result,omitempty"`
}

func toTaskView(task *chain.Task) taskView {
	view := taskView{
		ID:                   task.ID.String(),
		Title:                task.Title,
		Description:          task.Description,
		RequiredCapabilities: task.RequiredCapabilities,
		MinReputation:        task.MinReputation,
		Reward:               task.Reward,
		MinBid:               task.MinBid,
		MaxBid:               task.MaxBid,
		Complexity:           task.Complexity,
		Creator:              task.Creator.String(),
		Status:               string(task.Status),
		Deadline:             task.Deadline,
		BiddingDeadline:      task.BiddingDeadline,
		CreatedAt:            task.CreatedAt,
		AssignedAt:           task.AssignedAt,
		CompletedAt:          task.CompletedAt,
		Result:               task.Result,
	}
	if task.AssignedAgent != nil {
		view.AssignedAgent = task.AssignedAgent.String()
	}
	for _, addr := range task.AssignedAgents {
		view.AssignedAgents = append(view.AssignedAgents, addr.String())
	}
	return view
}

// apiError is the error envelope: {code, message, details}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// envelope wraps every successful response with its provenance: "chain"
// for a fresh read, "cached" for one served from the off-chain cache.
type envelope struct {
	Source string      `json:"source"`
	Data   interface{} `json:"data"`
}
