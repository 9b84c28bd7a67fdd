package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/api"
	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/collab"
	"github.com/agentmesh/agentmesh/libs/config"
	"github.com/agentmesh/agentmesh/libs/incentive"
	"github.com/agentmesh/agentmesh/libs/policy"
	"github.com/agentmesh/agentmesh/libs/worker"
	"github.com/agentmesh/agentmesh/libs/ws"
)

var (
	agentName         string
	agentKey          string
	agentKeyFile      string
	agentCapabilities []string
	agentWeights      []int
	agentReputation   int
	agentConfidence   int
	agentNoAPI        bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a single worker agent",
	Long: `agent runs one worker: it registers the agent on the node's chain,
then drives the sync / scan / bid / execute / learn loop until interrupted.
The agent's identity comes from --key or --key-file (a private key printed
by "agentmesh keygen"); without either, a fresh keypair is generated.

The node's API surface is served alongside the worker so creators can
publish tasks to it; disable with --no-api for a loop-only process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentName, "name", "agent-1", "agent display name")
	agentCmd.Flags().StringVar(&agentKey, "key", "", "hex ed25519 private key (from keygen)")
	agentCmd.Flags().StringVar(&agentKeyFile, "key-file", "", "file holding the hex private key")
	agentCmd.Flags().StringSliceVar(&agentCapabilities, "capabilities", []string{"data_analysis", "nlp"}, "capability tags")
	agentCmd.Flags().IntSliceVar(&agentWeights, "weights", []int{80, 70}, "per-tag capability weights")
	agentCmd.Flags().IntVar(&agentReputation, "reputation", 50, "initial reputation")
	agentCmd.Flags().IntVar(&agentConfidence, "confidence", 80, "initial confidence")
	agentCmd.Flags().BoolVar(&agentNoAPI, "no-api", false, "do not serve the node API next to the worker")
}

// agentSigner resolves the worker identity from --key, --key-file or a
// fresh keypair.
func agentSigner() (*worker.Signer, error) {
	raw := agentKey
	if raw == "" && agentKeyFile != "" {
		data, err := os.ReadFile(agentKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return worker.NewSigner()
	}

	priv, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return worker.NewSignerFromKey(ed25519.PrivateKey(priv)), nil
}

func runAgent() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if len(agentCapabilities) != len(agentWeights) {
		return fmt.Errorf("capabilities and weights must have equal length (%d vs %d)",
			len(agentCapabilities), len(agentWeights))
	}

	signer, err := agentSigner()
	if err != nil {
		return err
	}

	logger.Info("starting agent",
		zap.String("name", agentName),
		zap.String("address", signer.Address().String()),
		zap.Strings("capabilities", agentCapabilities),
		zap.Bool("api", !agentNoAPI),
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

	err = ledger.RegisterAgent(chain.RegisterParams{
		Address:           signer.Address(),
		PublicKey:         signer.PublicKey(),
		Name:              agentName,
		Kind:              chain.AgentKindLLM,
		CapabilityTags:    agentCapabilities,
		CapabilityWeights: agentWeights,
		InitialReputation: agentReputation,
		InitialConfidence: agentConfidence,
	})
	if err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	workerCfg := cfg.WorkerConfig()
	strategy := worker.NewStrategy(workerCfg, nil, logger.Named("strategy"))
	w := worker.New(ledger, provider, store, signer, strategy, workerCfg, logger.Named("worker"))

	var server *api.Server
	errCh := make(chan error, 2)
	if !agentNoAPI {
		pol := policy.New(policy.DefaultWeights(), cfg.LMax, logger.Named("policy"))
		orch := collab.New(ledger, pol, provider, store, cfg.CollabConfig(), logger.Named("collab"))

		events := ws.NewHub(logger.Named("ws"))
		go events.Run(ctx)
		go events.Bridge(ctx, ledger)

		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.APIHost
		apiConfig.Port = cfg.APIPort
		apiConfig.RateLimit = cfg.RateLimit
		apiConfig.MetricsPath = cfg.MetricsPath
		handlers := api.NewHandlers(ledger, engine, orch, 0, logger.Named("api"))
		server = api.NewServer(apiConfig, handlers, events, logger.Named("api"))
		go func() {
			errCh <- server.Start()
		}()
	}

	go func() {
		errCh <- w.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			cancel()
			if server != nil {
				_ = server.Stop()
			}
			return err
		}
	}

	cancel()
	if server != nil {
		return server.Stop()
	}
	return nil
}
