package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/biosleuth/biosleuth/config"
	"github.com/biosleuth/biosleuth/internal/budget"
	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/gateway"
	"github.com/biosleuth/biosleuth/internal/gateway/openai"
	"github.com/biosleuth/biosleuth/internal/index"
	"github.com/biosleuth/biosleuth/internal/outline"
	"github.com/biosleuth/biosleuth/internal/registry"
	"github.com/biosleuth/biosleuth/internal/report"
	"github.com/biosleuth/biosleuth/internal/server"
	"github.com/biosleuth/biosleuth/internal/store"
	"github.com/biosleuth/biosleuth/internal/supervisor"
	"github.com/biosleuth/biosleuth/internal/telemetry"
	"github.com/biosleuth/biosleuth/internal/worker"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var question string
	var autoApprove bool
	var budgetSteps int
	var budgetTokens int64
	var budgetCost float64
	var budgetSeconds int64

	var run = &cobra.Command{
		Use:   "run",
		Short: "Research one question and print the cited report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if question == "" {
				return fmt.Errorf("--question is required")
			}
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := buildClient(cfg)
			if err != nil {
				return err
			}
			tele := telemetry.New(cfg.Telemetry)
			defer tele.Shutdown()
			client = telemetry.InstrumentClient(client, tele, server.ModelRates(cfg))

			ev, err := buildEvidenceStore(ctx, cfg)
			if err != nil {
				return err
			}
			reg := registry.New(nil)
			if cfg.Evidence.Index.Enabled {
				idx, err := index.New(ev)
				if err != nil {
					return err
				}
				ev = index.WrapStore(ev, idx)
				if err := reg.Register(idx.Tool()); err != nil {
					return err
				}
			}

			planner := outline.NewPlanner(client, server.RouteParams(cfg, cfg.LLM.Routing.Planning), nil)
			researcher := worker.New(client, server.RouteParams(cfg, cfg.LLM.Routing.Research), reg, ev, nil)
			synthesizer := report.NewSynthesizer(client, server.RouteParams(cfg, cfg.LLM.Routing.Synthesis), ev, nil)
			sup := supervisor.New(cfg.Agents, planner, researcher, synthesizer, reg, nil)

			opts := supervisor.Options{AutoApprove: autoApprove, RunBudget: runBudget(budgetSteps, budgetTokens, budgetCost, budgetSeconds)}
			rep, err := sup.Execute(ctx, question, opts)
			if err != nil {
				return err
			}
			fmt.Println(rep.Markdown())
			return nil
		},
	}
	run.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	run.Flags().StringVarP(&question, "question", "q", "", "research question")
	run.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the outline approval gate")
	run.Flags().IntVar(&budgetSteps, "budget-steps", 0, "total worker step limit (0 = unlimited)")
	run.Flags().Int64Var(&budgetTokens, "budget-tokens", 0, "total token limit (0 = unlimited)")
	run.Flags().Float64Var(&budgetCost, "budget-cost", 0, "total cost limit in dollars (0 = unlimited)")
	run.Flags().Int64Var(&budgetSeconds, "budget-seconds", 0, "wall-clock limit (0 = unlimited)")

	return run
}

func runBudget(steps int, tokens int64, cost float64, seconds int64) budget.Config {
	var b budget.Config
	if steps > 0 {
		b.MaxSteps = &steps
	}
	if tokens > 0 {
		b.MaxTokens = &tokens
	}
	if cost > 0 {
		b.MaxCost = &cost
	}
	if seconds > 0 {
		b.MaxTimeSeconds = &seconds
	}
	return b
}

func buildClient(cfg *config.Config) (gateway.Client, error) {
	for _, p := range cfg.LLM.Providers {
		if p.Type != "openai" {
			continue
		}
		apiKey := p.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not configured")
		}
		defaultModel := server.RouteParams(cfg, cfg.LLM.Routing.Fallback).Model
		client := openai.New(apiKey, defaultModel, p.MaxRetries, p.Timeout)
		if p.BaseURL != "" {
			client.SetBaseURL(p.BaseURL)
		}
		return client, nil
	}
	return nil, fmt.Errorf("no openai provider configured (llm.providers)")
}

func buildEvidenceStore(ctx context.Context, cfg *config.Config) (evidence.Store, error) {
	switch cfg.Evidence.Backend {
	case "redis":
		client, err := evidence.Conn(ctx, cfg.Evidence.Redis.Host, cfg.Evidence.Redis.Port,
			cfg.Evidence.Redis.Password, cfg.Evidence.Redis.DB, cfg.Evidence.Timeout)
		if err != nil {
			return nil, err
		}
		return evidence.NewRedisStore(client, "cli"), nil
	case "postgres":
		dsn := store.EnvDSN()
		if cfg.Storage.Postgres.DBName != "" {
			dsn = cfg.Storage.Postgres.DSN()
		}
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return evidence.NewPostgresStore(st.DB, "cli"), nil
	case "", "memory":
		return evidence.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", cfg.Evidence.Backend)
	}
}
