package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/agentmesh/agentmesh/libs/api"
	"github.com/agentmesh/agentmesh/libs/archive"
	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/collab"
	"github.com/agentmesh/agentmesh/libs/config"
	"github.com/agentmesh/agentmesh/libs/incentive"
	"github.com/agentmesh/agentmesh/libs/llm"
	"github.com/agentmesh/agentmesh/libs/policy"
	"github.com/agentmesh/agentmesh/libs/storage"
	"github.com/agentmesh/agentmesh/libs/worker"
	"github.com/agentmesh/agentmesh/libs/ws"
)

var serveWorkers int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a marketplace node: chain, API, event stream and sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&serveWorkers, "workers", "w", 0, "number of in-process demo workers to run")
}

// engineAddress is the incentive engine's well-known account.
func engineAddress() chain.Address {
	sum := sha3.Sum256([]byte("agentmesh/incentive-engine"))
	var addr chain.Address
	copy(addr[:], sum[12:32])
	return addr
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting agentmesh node",
		zap.String("api_host", cfg.APIHost),
		zap.Int("api_port", cfg.APIPort),
		zap.Int("workers", serveWorkers),
		zap.Bool("llm_mock", cfg.LLMMock),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := chain.New(cfg.ChainParams(), engineAddress(), logger.Named("chain"))
	engine := incentive.New(ledger, engineAddress(), cfg.IncentiveConfig(), logger.Named("incentive"))
	go engine.RunSweeper(ctx)

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	provider := buildProvider(cfg, logger)

	pol := policy.New(policy.DefaultWeights(), cfg.LMax, logger.Named("policy"))
	orch := collab.New(ledger, pol, provider, store, cfg.CollabConfig(), logger.Named("collab"))

	events := ws.NewHub(logger.Named("ws"))
	go events.Run(ctx)
	go events.Bridge(ctx, ledger)

	eventArchive, err := archive.Open(cfg.ArchivePath, logger.Named("archive"))
	if err != nil {
		return err
	}
	defer eventArchive.Close()
	go eventArchive.Follow(ctx, ledger)

	for i := 0; i < serveWorkers; i++ {
		w, err := spawnDemoWorker(ledger, provider, store, cfg, i, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("worker exited", zap.Error(err))
			}
		}()
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Host = cfg.APIHost
	apiConfig.Port = cfg.APIPort
	apiConfig.RateLimit = cfg.RateLimit
	apiConfig.MetricsPath = cfg.MetricsPath
	handlers := api.NewHandlers(ledger, engine, orch, 0, logger.Named("api"))
	server := api.NewServer(apiConfig, handlers, events, logger.Named("api"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	return server.Stop()
}

func buildStore(cfg *config.Config, logger *zap.Logger) (storage.ContentStore, error) {
	if cfg.IPFSAPIURL != "" {
		return storage.NewIPFS(cfg.IPFSAPIURL, cfg.IPFSGateway, logger.Named("ipfs")), nil
	}
	if cfg.StorageLocal {
		return storage.NewFile(cfg.StorageDir, logger.Named("storage"))
	}
	return storage.NewMemory(), nil
}

func buildProvider(cfg *config.Config, logger *zap.Logger) llm.Provider {
	if cfg.LLMMock {
		return llm.NewMock(logger.Named("llm"))
	}
	return llm.NewOpenAIClient("", cfg.LLMBaseURL, cfg.LLMModel, logger.Named("llm"))
}

// demoCapabilityPool seeds in-process workers with varied skills.
var demoCapabilityPool = [][]string{
	{"data_analysis", "nlp"},
	{"coding", "data_analysis"},
	{"nlp", "writing"},
	{"coding", "testing"},
	{"data_analysis", "visualization"},
}

func spawnDemoWorker(ledger *chain.Chain, provider llm.Provider, store storage.ContentStore, cfg *config.Config, index int, logger *zap.Logger) (*worker.Worker, error) {
	signer, err := worker.NewSigner()
	if err != nil {
		return nil, err
	}
	caps := demoCapabilityPool[index%len(demoCapabilityPool)]
	weights := make([]int, len(caps))
	for i := range weights {
		weights[i] = 60 + rand.Intn(30)
	}

	err = ledger.RegisterAgent(chain.RegisterParams{
		Address:           signer.Address(),
		PublicKey:         signer.PublicKey(),
		Name:              fmt.Sprintf("worker-%d", index+1),
		Kind:              chain.AgentKindLLM,
		CapabilityTags:    caps,
		CapabilityWeights: weights,
		InitialReputation: 50,
		InitialConfidence: 80,
	})
	if err != nil {
		return nil, err
	}

	workerCfg := cfg.WorkerConfig()
	strategy := worker.NewStrategy(workerCfg, nil, logger.Named("strategy"))
	return worker.New(ledger, provider, store, signer, strategy, workerCfg, logger.Named("worker")), nil
}
