package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/config"
	"github.com/agentmesh/agentmesh/libs/incentive"
	"github.com/agentmesh/agentmesh/libs/llm"
	"github.com/agentmesh/agentmesh/libs/storage"
	"github.com/agentmesh/agentmesh/libs/worker"
)

var (
	simAgents int
	simTasks  int
	simSeed   int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a self-contained market simulation with mock LLM agents",
	Long: `simulate seeds an embedded chain with agents and tasks, then runs
the full loop: scan, bid, auction, execution, evaluation and learning.
It prints the final reputations and balances so strategy changes can be
compared across runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation()
	},
}

func init() {
	simulateCmd.Flags().IntVarP(&simAgents, "agents", "n", 5, "number of agents")
	simulateCmd.Flags().IntVarP(&simTasks, "tasks", "t", 10, "number of tasks")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 1, "random seed")
}

func runSimulation() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	rng := rand.New(rand.NewSource(simSeed))

	// Short windows so a simulated round completes in seconds.
	params := cfg.ChainParams()
	params.BiddingWindow = 200 * time.Millisecond

	ledger := chain.New(params, engineAddress(), logger.Named("chain"))
	engine := incentive.New(ledger, engineAddress(), cfg.IncentiveConfig(), logger.Named("incentive"))
	store := storage.NewMemory()
	provider := llm.NewMock(logger.Named("llm"))

	creator := chain.Address{0xcc}
	ledger.Fund(creator, int64(simTasks)*200)

	workerCfg := cfg.WorkerConfig()
	workers := make([]*worker.Worker, 0, simAgents)
	for i := 0; i < simAgents; i++ {
		signer, err := worker.NewSigner()
		if err != nil {
			return err
		}
		caps := demoCapabilityPool[i%len(demoCapabilityPool)]
		weights := make([]int, len(caps))
		for j := range weights {
			weights[j] = 50 + rng.Intn(50)
		}
		err = ledger.RegisterAgent(chain.RegisterParams{
			Address:           signer.Address(),
			PublicKey:         signer.PublicKey(),
			Name:              fmt.Sprintf("sim-agent-%d", i+1),
			Kind:              chain.AgentKindLLM,
			CapabilityTags:    caps,
			CapabilityWeights: weights,
			InitialReputation: 40 + rng.Intn(30),
			InitialConfidence: 70 + rng.Intn(20),
		})
		if err != nil {
			return err
		}
		strategy := worker.NewStrategy(workerCfg, rand.New(rand.NewSource(rng.Int63())), logger.Named("strategy"))
		w := worker.New(ledger, provider, store, signer, strategy, workerCfg, logger.Named("worker"))
		if err := w.Sync(); err != nil {
			return err
		}
		workers = append(workers, w)
	}

	ctx := context.Background()
	for round := 0; round < simTasks; round++ {
		caps := demoCapabilityPool[rng.Intn(len(demoCapabilityPool))]
		taskID, err := ledger.CreateTask(chain.CreateTaskParams{
			Creator:              creator,
			Title:                fmt.Sprintf("simulated task %d", round+1),
			Description:          "produce the requested analysis",
			RequiredCapabilities: caps,
			MinReputation:        30,
			Reward:               100 + int64(rng.Intn(100)),
			MinBid:               10,
			MaxBid:               100,
			Complexity:           1 + rng.Intn(5),
			Deadline:             time.Now().Add(time.Hour),
		})
		if err != nil {
			return err
		}
		if err := ledger.OpenTask(creator, taskID); err != nil {
			return err
		}

		// Everyone scans and bids, then the auction settles.
		for _, w := range workers {
			w.Iterate(ctx)
		}
		time.Sleep(params.BiddingWindow + 50*time.Millisecond)
		if _, err := ledger.FinalizeAuction(taskID); err != nil {
			logger.Warn("auction produced no winner", zap.String("task_id", taskID.String()), zap.Error(err))
			continue
		}

		// The winner executes; the creator evaluates.
		for _, w := range workers {
			w.Iterate(ctx)
		}
		quality := 50 + rng.Intn(50)
		tagScores := make(map[string]int, len(caps))
		for _, tag := range caps {
			tagScores[tag] = 40 + rng.Intn(60)
		}
		if _, err := engine.SubmitUserEvaluation(taskID, quality, tagScores, creator); err != nil {
			logger.Warn("evaluation failed", zap.Error(err))
			continue
		}
		for _, w := range workers {
			w.Iterate(ctx)
		}
	}

	fmt.Println("simulation complete")
	for _, agent := range ledger.GetAllAgents() {
		fmt.Printf("%-14s reputation=%3d completed=%2d balance=%5d confidence=%3d risk=%3d\n",
			agent.Name, agent.Reputation, agent.TasksCompleted,
			ledger.Balance(agent.Address), agent.Confidence, agent.RiskTolerance)
	}
	return nil
}
