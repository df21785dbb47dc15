// apilab - a workbench for OpenAI-compatible chat APIs.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/bench"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/config"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/dispatch"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/history"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/model"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/orchestrator"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := parseArgs(os.Args[2:])

	// Ctrl-C cancels whatever exchange is in flight.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "test":
		err = handleTest(ctx, args)
	case "models":
		err = handleModels(ctx, args)
	case "ask":
		err = handleAsk(ctx, args)
	case "bench":
		err = handleBench(ctx, args)
	case "history":
		err = handleHistory(ctx, args)
	case "config":
		err = handleConfig(args)
	case "version":
		fmt.Printf("apilab %s (%s, built %s)\n", Version, GitCommit, BuildDate)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`apilab - workbench for OpenAI-compatible chat APIs

Usage:
  apilab test     [--profile name]                     probe the endpoint
  apilab models   [--profile name] [--refresh]         list available models
  apilab ask      <prompt> [--model id] [--no-stream]  one exchange
  apilab bench    --models a,b --prompts "p1;p2"       model-by-prompt sweep
                  [--concurrency n] [--timeout sec] [--rps n] [--stream]
  apilab history  [--limit n] [--model id]             persisted exchanges
  apilab config                                        show configuration
  apilab version                                       version info
`)
}

// newClient builds a transport client for the selected profile.
func newClient(cfg *config.Config, args *argParser) (*api.Client, error) {
	p, err := cfg.Profile(args.flag("profile", ""))
	if err != nil {
		return nil, err
	}
	return api.NewClient(p.ToTransport()), nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func handleTest(ctx context.Context, args *argParser) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := newClient(cfg, args)
	if err != nil {
		return err
	}

	fmt.Printf("probing %s (key %s)...\n", client.Profile().BaseURL, client.KeyFingerprint())
	check := client.TestConnection(ctx)
	if check.Success {
		fmt.Printf("ok (%.0fms)\n", float64(check.Elapsed.Milliseconds()))
		return nil
	}
	return fmt.Errorf("connection failed [%s]: %s (%.0fms)", check.Kind, check.Message, float64(check.Elapsed.Milliseconds()))
}

func handleModels(ctx context.Context, args *argParser) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := newClient(cfg, args)
	if err != nil {
		return err
	}

	models, err := client.ListModels(ctx, args.boolFlag("refresh"))
	if err != nil {
		return err
	}

	fmt.Printf("%-40s %-12s %10s  %s\n", "MODEL", "TYPE", "CONTEXT", "PRICE/1K (in/out)")
	for _, m := range models {
		price := "-"
		if m.HasPrice() {
			price = fmt.Sprintf("%.4f/%.4f", *m.InputPer1K, *m.OutputPer1K)
		}
		fmt.Printf("%-40s %-12s %10d  %s\n", m.ID, m.Type, m.ContextLength, price)
	}
	fmt.Printf("\n%d models\n", len(models))
	return nil
}

func handleAsk(ctx context.Context, args *argParser) error {
	if len(args.positional) == 0 {
		return fmt.Errorf("usage: apilab ask <prompt>")
	}
	prompt := strings.Join(args.positional, " ")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := newClient(cfg, args)
	if err != nil {
		return err
	}
	if !client.IsConfigured() {
		return fmt.Errorf("no API key configured (set APILAB_API_KEY or edit the config)")
	}

	store := model.NewStore()
	modelID := args.flag("model", client.Profile().Model)
	store.Create(modelID)

	orch := orchestrator.New(client, dispatch.NewGovernor(0), store, cfg)

	var onDelta func(string)
	if !args.boolFlag("no-stream") {
		onDelta = func(fragment string) { fmt.Print(fragment) }
	}

	result := orch.SendMessage(ctx, prompt, nil, onDelta)
	if onDelta == nil && !result.Failed() {
		fmt.Print(result.Text)
	}
	fmt.Println()

	if result.Failed() {
		return fmt.Errorf("%s", result.Reason())
	}

	if result.Usage != nil {
		line := fmt.Sprintf("[%d in / %d out tokens, %.1fs", result.Usage.Input, result.Usage.Output, result.Elapsed.Seconds())
		if result.Cost != nil {
			line += fmt.Sprintf(", %.6f %s", result.Cost.Total, result.Cost.Currency)
		}
		fmt.Fprintln(os.Stderr, line+"]")
	}

	recordAsk(ctx, cfg, modelID, prompt, result)
	return nil
}

// recordAsk persists the exchange when history is enabled. Failures to
// persist never fail the command.
func recordAsk(ctx context.Context, cfg *config.Config, modelID, prompt string, result *orchestrator.SendResult) {
	if !cfg.History.Enabled {
		return
	}
	path, err := cfg.HistoryPath()
	if err != nil {
		return
	}
	store, err := history.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: history unavailable: %v\n", err)
		return
	}
	defer store.Close()

	rec := history.Record{
		ExchangeID: result.ExchangeID,
		Model:      modelID,
		Prompt:     prompt,
		Response:   result.Text,
		Success:    !result.Failed(),
		Elapsed:    result.Elapsed,
	}
	if result.Usage != nil {
		rec.Usage = *result.Usage
	}
	if result.Cost != nil {
		rec.Cost = result.Cost.Total
		rec.Currency = result.Cost.Currency
	}
	if result.Err != nil {
		rec.ErrorKind = result.Err.Kind
		rec.Error = result.Err.Message
	}
	if err := store.RecordExchange(ctx, rec); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record exchange: %v\n", err)
	}
}

func handleBench(ctx context.Context, args *argParser) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	profile, err := cfg.Profile(args.flag("profile", ""))
	if err != nil {
		return err
	}

	models := splitList(args.flag("models", profile.Model))
	prompts := splitPrompts(args.flag("prompts", ""))
	if promptFile := args.flag("prompt-file", ""); promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				prompts = append(prompts, line)
			}
		}
	}
	if len(models) == 0 || models[0] == "" {
		return fmt.Errorf("no models given (--models a,b)")
	}
	if len(prompts) == 0 {
		return fmt.Errorf("no prompts given (--prompts \"p1;p2\" or --prompt-file)")
	}

	opts := bench.Options{
		Concurrency: args.intFlag("concurrency", cfg.Bench.Concurrency),
		Timeout:     time.Duration(args.intFlag("timeout", cfg.Bench.TimeoutSeconds)) * time.Second,
		RPS:         args.floatFlag("rps", cfg.Bench.RPS),
		Stream:      args.boolFlag("stream"),
	}

	factory := func(modelID string) *api.Client {
		p := profile.ToTransport()
		p.Model = modelID
		return api.NewClient(p)
	}

	runner := bench.NewRunner(factory, cfg.PriceOverride)
	cases := bench.Expand(models, prompts)
	fmt.Printf("running %d exchanges (%d models x %d prompts, concurrency %d)...\n",
		len(cases), len(models), len(prompts), opts.Concurrency)

	report, err := runner.Run(ctx, cases, opts)
	if err != nil {
		return err
	}
	printReport(report)
	recordSweep(ctx, cfg, report)
	return nil
}

// recordSweep persists a finished sweep when history is enabled.
// Failures to persist never fail the command.
func recordSweep(ctx context.Context, cfg *config.Config, report *bench.Report) {
	if !cfg.History.Enabled {
		return
	}
	path, err := cfg.HistoryPath()
	if err != nil {
		return
	}
	store, err := history.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: history unavailable: %v\n", err)
		return
	}
	defer store.Close()

	if err := store.RecordSweep(ctx, report); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record sweep: %v\n", err)
	}
}

func printReport(r *bench.Report) {
	fmt.Printf("\n%-40s %5s %5s %10s %10s %12s\n", "MODEL", "OK", "FAIL", "AVG", "FIRST-TOK", "COST")
	for _, stats := range r.PerModel {
		firstTok := "-"
		if stats.AvgFirstTok > 0 {
			firstTok = fmt.Sprintf("%.0fms", float64(stats.AvgFirstTok.Milliseconds()))
		}
		fmt.Printf("%-40s %5d %5d %9.1fs %10s %12.6f\n",
			stats.Model, stats.Succeeded, stats.Failed,
			stats.AvgElapsed.Seconds(), firstTok, stats.TotalCost)
	}
	fmt.Printf("\n%d succeeded, %d failed in %.1fs", r.Succeeded, r.Failed, r.Duration.Seconds())
	if r.TotalCost > 0 {
		fmt.Printf(", total cost %.6f %s", r.TotalCost, r.Currency)
	}
	fmt.Println()

	for _, ex := range r.Exchanges {
		if !ex.Success {
			fmt.Printf("  FAIL %s [%s]: %s\n", ex.Case.Model, ex.ErrorKind, ex.Error)
		}
	}
}

func handleHistory(ctx context.Context, args *argParser) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	path, err := cfg.HistoryPath()
	if err != nil {
		return err
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(ctx, args.intFlag("limit", 20))
	if err != nil {
		return err
	}
	for _, rec := range records {
		status := "ok"
		if !rec.Success {
			status = "fail:" + string(rec.ErrorKind)
		}
		fmt.Printf("%s  %-30s %-6s %6d tok  %.6f %s  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04"), rec.Model, status,
			rec.Usage.Total, rec.Cost, rec.Currency, previewLine(rec.Prompt, 40))
	}

	totals, err := store.Totals(ctx, args.flag("model", ""))
	if err != nil {
		return err
	}
	fmt.Printf("\n%d exchanges (%d ok), %d tokens, %.6f %s total\n",
		totals.Exchanges, totals.Succeeded, totals.Tokens, totals.Cost, totals.Currency)
	return nil
}

func handleConfig(args *argParser) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fmt.Printf("active profile: %s\n\n", cfg.ActiveProfile)
	for _, p := range cfg.Profiles {
		marker := " "
		if p.Name == cfg.ActiveProfile {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, p.Name)
		fmt.Printf("    base_url: %s\n", p.BaseURL)
		fmt.Printf("    api_key:  %s\n", p.MaskedKey())
		fmt.Printf("    model:    %s\n", p.Model)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitPrompts(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func previewLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
