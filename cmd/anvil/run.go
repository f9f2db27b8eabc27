package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forgeworks/anvil/pkg/cache"
	"github.com/forgeworks/anvil/pkg/config"
	"github.com/forgeworks/anvil/pkg/core"
	"github.com/forgeworks/anvil/pkg/engine"
	"github.com/forgeworks/anvil/pkg/llm"
	"github.com/forgeworks/anvil/pkg/memory"
	"github.com/forgeworks/anvil/pkg/retrieval"
)

func newRunCommand() *cobra.Command {
	var (
		request    string
		name       string
		output     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run for a request",
		Example: `  # Run against the default configuration
  anvil run --request "Create a simple task API" --name taskapi --output ./out

  # Use durable stores and a config file
  anvil run --request "Create a blog platform" --config anvil.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(request) == "" {
				return fmt.Errorf("--request is required")
			}
			if name == "" {
				name = "project"
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			env, err := buildEnvironment(cfg)
			if err != nil {
				return err
			}
			defer env.Close()

			gen, err := buildGenerator(cfg.LLM)
			if err != nil {
				return err
			}

			eng := engine.New(env.store, env.memo, env.index, gen, nil, engine.Config{
				MaxSteps:       cfg.Engine.MaxSteps,
				StepTimeout:    cfg.Engine.StepTimeout,
				ScoreThreshold: cfg.Engine.ScoreThreshold,
				StageWeight:    cfg.Engine.StageWeight,
			}, env.logger)

			run, err := eng.Execute(cmd.Context(), request, name, output)
			if err != nil {
				return err
			}
			printSummary(cmd, run)
			return nil
		},
	}

	cmd.Flags().StringVarP(&request, "request", "r", "", "free-text project request")
	cmd.Flags().StringVarP(&name, "name", "n", "", "project name")
	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for run artifacts")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	return cmd
}

func printSummary(cmd *cobra.Command, run *core.Run) {
	cmd.Printf("Run %s: %s\n", run.ID, run.Status)
	if run.FinalScore != nil {
		cmd.Printf("Final score: %.1f\n", *run.FinalScore)
	}
	cmd.Printf("Steps: %d (%s)\n", len(run.Records), run.Duration())
	for _, rec := range run.Records {
		mark := "ok"
		if !rec.Success {
			mark = "FAIL"
		}
		cmd.Printf("  %2d. %-22s %-4s score=%.3f\n", rec.Seq, rec.Worker, mark, rec.SelectionScore)
	}
	if run.OutputDir != "" {
		cmd.Printf("Report: %s\n", filepath.Join(run.OutputDir, "RUN_REPORT.md"))
	}
}

// environment bundles the shared stores behind one Close. The generator is
// built separately by the commands that actually generate.
type environment struct {
	store  memory.Store
	memo   *cache.Memoizer
	index  *retrieval.Index
	cache  cache.Cache
	logger *zap.Logger
}

func (e *environment) Close() {
	if e.index != nil {
		_ = e.index.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.cache != nil {
		_ = e.cache.Close()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

// buildEnvironment assembles stores from the configuration: sqlite-backed
// under storage.dir, in-memory otherwise. On error the partially opened
// stores are closed before returning.
func buildEnvironment(cfg config.Config) (_ *environment, err error) {
	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	env := &environment{logger: logger}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	feedback := memory.FeedbackConfig{
		Threshold: cfg.Engine.ScoreThreshold,
		Delta:     cfg.Engine.FeedbackDelta,
	}

	if cfg.Storage.Dir != "" {
		if err = os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
			return nil, err
		}
		env.store, err = memory.NewSQLiteStore(filepath.Join(cfg.Storage.Dir, "memory.db"), feedback)
		if err != nil {
			return nil, err
		}
		env.index, err = retrieval.OpenSQLiteIndex(filepath.Join(cfg.Storage.Dir, "corpus.db"), logger)
		if err != nil {
			return nil, err
		}
		env.cache, err = cache.New(cache.Config{
			Type:       "sqlite",
			Path:       filepath.Join(cfg.Storage.Dir, "cache.db"),
			DefaultTTL: cfg.Storage.CacheTTL,
		})
	} else {
		env.store = memory.NewMemStore(feedback)
		env.index = retrieval.NewIndex(logger)
		env.cache, err = cache.New(cache.Config{Type: "memory", DefaultTTL: cfg.Storage.CacheTTL})
	}
	if err != nil {
		return nil, err
	}

	env.memo = cache.NewMemoizer(env.cache, cfg.Storage.CacheTTL)
	return env, nil
}

func buildGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Provider {
	case "static":
		// Offline mode: deterministic placeholder artifacts, useful for
		// exercising the pipeline without network access.
		return llm.NewStaticGenerator(nil).Fallback(map[string]interface{}{
			"summary": "offline placeholder",
			"score":   70.0,
		}), nil
	default:
		return llm.NewAnthropicGenerator(cfg.APIKey, cfg.Model)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
