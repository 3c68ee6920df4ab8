package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"balancerd/internal/agent"
	"balancerd/internal/common/fsutil"
	"balancerd/internal/config"
	"balancerd/internal/registry"
	"balancerd/pkg/types"
)

func newAgentCmd(root *rootOptions) *cobra.Command {
	var (
		balancerURL string
		name        string
		modelsDir   string
		model       string
		slots       int
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent that serves llama.cpp slots for a balancer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ac := &cfg.Agent
			flags := cmd.Flags()
			if flags.Changed("balancer-url") {
				ac.BalancerURL = balancerURL
			}
			if flags.Changed("name") {
				ac.Name = name
			}
			if flags.Changed("models-dir") {
				ac.ModelsDir = modelsDir
			}
			if flags.Changed("model") {
				ac.Model = model
			}
			if flags.Changed("slots") {
				ac.Slots = slots
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg.Agent, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&balancerURL, "balancer-url", "", "Balancer agent socket, e.g. ws://balancer:8095/api/v1/agent_socket")
	f.StringVar(&name, "name", "", "Display name reported to the balancer")
	f.StringVar(&modelsDir, "models-dir", config.DefaultModelsDir, "Directory local model paths are resolved against")
	f.StringVar(&model, "model", "", "Local model served until the balancer pushes a desired state")
	f.IntVar(&slots, "slots", 0, "Slots for --model")
	return cmd
}

// initialState turns the agent's local model settings into a desired state.
func initialState(ac config.AgentConfig) *types.DesiredState {
	if ac.Model == "" {
		return nil
	}
	n := ac.Slots
	if n == 0 {
		n = 1
	}
	return &types.DesiredState{
		Model:       types.ModelReference{Kind: types.ModelLocal, Path: ac.Model},
		Slots:       n,
		ContextSize: ac.ContextSize,
	}
}

func runAgent(ctx context.Context, ac config.AgentConfig, logger zerolog.Logger) error {
	modelsDir, err := fsutil.ExpandHome(ac.ModelsDir)
	if err != nil {
		return err
	}
	hfCache, err := fsutil.ExpandHome(ac.HuggingFaceCacheDir)
	if err != nil {
		return err
	}
	if models, err := registry.LoadDir(modelsDir); err != nil {
		logger.Warn().Err(err).Str("models_dir", modelsDir).Msg("models directory not readable")
	} else {
		for _, m := range models {
			logger.Debug().Str("model", m.Name).Str("path", m.Path).Msg("local model")
		}
		logger.Info().Int("count", len(models)).Str("models_dir", modelsDir).Msg("local models found")
	}
	if !agent.LlamaBuilt {
		logger.Warn().Msg("built without the llama tag; slots will fail to start")
	}

	a, err := agent.New(agent.Config{
		BalancerURL:    ac.BalancerURL,
		ID:             ac.ID,
		Name:           ac.Name,
		StatusInterval: ac.StatusInterval.Std(),
		Threads:        ac.Threads,
		Version:        version,
		Initial:        initialState(ac),
		Logger:         logger,
	}, agent.NewLlamaAdapter(ac.Threads), registry.NewResolver(modelsDir, hfCache, logger))
	if err != nil {
		return err
	}
	logger.Info().Str("agent_id", a.ID()).Str("balancer", ac.BalancerURL).Msg("agent starting")
	return a.Run(ctx)
}
