package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-agent/internal/api"
	"github.com/miradorstack/mirador-agent/internal/approval"
	"github.com/miradorstack/mirador-agent/internal/cache"
	"github.com/miradorstack/mirador-agent/internal/config"
	"github.com/miradorstack/mirador-agent/internal/graph"
	"github.com/miradorstack/mirador-agent/internal/infra"
	"github.com/miradorstack/mirador-agent/internal/llm"
	"github.com/miradorstack/mirador-agent/internal/metrics"
	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/services"
	"github.com/miradorstack/mirador-agent/internal/skills"
	"github.com/miradorstack/mirador-agent/internal/tools"
	"github.com/miradorstack/mirador-agent/internal/utils"
	"github.com/miradorstack/mirador-agent/internal/webhook"
)

// app bundles the long-lived pieces every command bootstraps.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	cache  cache.Provider

	cacheCloser cache.Provider
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, cache: cache.NoopProvider{}}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, falling back to in-memory", slog.String("error", err.Error()))
			a.cache = cache.NewMemoryProvider()
		} else {
			a.cache = provider
			a.cacheCloser = provider
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.cacheCloser != nil {
		a.cacheCloser.Close()
	}
}

func (a *app) buildTools() *tools.Registry {
	reg := tools.NewRegistry()
	client := tools.NewObservabilityClient(a.cfg.Observability.Endpoint, a.cfg.Observability.Timeout)
	for _, t := range client.Tools() {
		reg.Register(t)
	}
	return reg
}

func (a *app) buildGraph() *graph.Graph {
	path := a.cfg.Graph.Path
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("service graph not loaded", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	g := graph.New(a.logger)
	if err := g.FromJSON(data); err != nil {
		a.logger.Warn("service graph invalid", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	nodes, edges := g.Len()
	a.logger.Info("service graph loaded", slog.Int("services", nodes), slog.Int("dependencies", edges))
	return g
}

func (a *app) buildInfra() *infra.Manager {
	if a.cfg.Infra.Endpoint == "" {
		return nil
	}
	return infra.NewManager(infra.Options{
		Provider:          infra.NewHTTPProvider(a.cfg.Infra.Endpoint, a.cfg.Infra.APIKey, a.cfg.Infra.TimeoutPerService),
		Regions:           a.cfg.Infra.Regions,
		Services:          a.cfg.Infra.Services,
		MaxConcurrency:    a.cfg.Infra.MaxConcurrency,
		TimeoutPerService: a.cfg.Infra.TimeoutPerService,
		CacheTTL:          a.cfg.Infra.CacheTTL,
		Cache:             a.cache,
		Logger:            a.logger,
	})
}

// buildApproval wires the protocol. interactive enables the terminal
// prompter; the Slack channel is used whenever a webhook URL is configured.
func (a *app) buildApproval(interactive bool) (*approval.Protocol, error) {
	opts := approval.Options{
		PendingDir: a.cfg.Approval.PendingDir,
		AuditDir:   a.cfg.Approval.AuditDir,
		Timeout:    a.cfg.Approval.Timeout,
		Cooldown:   a.cfg.Approval.Cooldown,
		Logger:     a.logger,
	}
	for _, risk := range a.cfg.Approval.AutoApprove {
		opts.AutoApprove = append(opts.AutoApprove, models.RiskLevel(strings.ToLower(risk)))
	}
	if a.cfg.Approval.OutOfBand && a.cfg.Approval.SlackWebhook != "" {
		opts.Notifier = approval.NewSlackNotifier(a.cfg.Approval.SlackWebhook, 5*time.Second)
	}
	if interactive {
		opts.Prompter = approval.NewTerminalPrompter()
	}
	return approval.New(opts)
}

func (a *app) buildInvestigator(interactive bool) (*services.Investigator, *graph.Graph, *approval.Protocol, error) {
	llmClient, err := llm.NewOpenAIClient(llm.OpenAIOptions{
		APIKey:      a.cfg.LLM.APIKey,
		Model:       a.cfg.LLM.Model,
		BaseURL:     a.cfg.LLM.BaseURL,
		Temperature: a.cfg.LLM.Temperature,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	approver, err := a.buildApproval(interactive)
	if err != nil {
		return nil, nil, nil, err
	}

	skillPack, err := skills.LoadDir(a.cfg.Skills.Dir)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(skillPack) > 0 {
		a.logger.Info("skills loaded", slog.Int("count", len(skillPack)))
	}

	g := a.buildGraph()
	investigator, err := services.NewInvestigator(services.Dependencies{
		Config:   a.cfg,
		LLM:      llmClient,
		Tools:    a.buildTools(),
		Infra:    a.buildInfra(),
		Graph:    g,
		Approval: approver,
		Skills:   skillPack,
		Cache:    a.cache,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return investigator, g, approver, nil
}

// startMetricsServer serves /metrics on addr until ctx is cancelled. A nil
// return means metrics are not configured.
func startMetricsServer(ctx context.Context, addr string, logger *slog.Logger, onExit func()) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", slog.String("error", err.Error()))
			if onExit != nil {
				onExit()
			}
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}()
	return server
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon: REST API, approval webhook and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			investigator, g, approver, err := a.buildInvestigator(false)
			if err != nil {
				return err
			}

			server, err := api.NewServer(a.cfg.API, api.NewHandler(investigator, g, a.logger).Routes())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			startMetricsServer(ctx, a.cfg.Metrics.Address, a.logger, stop)
			go approver.RunCleanupLoop(ctx, time.Hour, 24*time.Hour)

			if a.cfg.Webhook.SigningSecret != "" {
				hook := webhook.NewServer(webhook.Options{
					Port:          a.cfg.Webhook.Port,
					SigningSecret: a.cfg.Webhook.SigningSecret,
					PendingDir:    a.cfg.Approval.PendingDir,
					Logger:        a.logger,
				})
				go func() {
					if err := hook.ListenAndServe(ctx); err != nil {
						a.logger.Error("webhook server exited", slog.String("error", err.Error()))
						stop()
					}
				}()
			}

			go func() {
				a.logger.Info("api server listening", slog.String("address", server.Address()))
				if err := server.Start(); err != nil {
					a.logger.Error("api server exited", slog.String("error", err.Error()))
					stop()
				}
			}()

			<-ctx.Done()
			a.logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
			defer cancel()
			server.Shutdown(shutdownCtx)

			a.logger.Info("mirador-agent stopped")
			return nil
		},
	}
}

func newInvestigateCmd(configPath *string) *cobra.Command {
	var incidentID, sessionID string

	cmd := &cobra.Command{
		Use:   "investigate [query]",
		Short: "Run a single investigation and stream progress to the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			investigator, _, _, err := a.buildInvestigator(true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			startMetricsServer(ctx, a.cfg.Metrics.Address, a.logger, nil)

			query := strings.Join(args, " ")
			run, err := investigator.StartSession(query, incidentID, sessionID)
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				investigator.Cancel(run.ID)
			}()

			printEvents(cmd, run.Events)
			investigator.Release(run.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&incidentID, "incident-id", "", "incident identifier to associate with the run")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to resume or pin")
	return cmd
}

// printEvents streams progress to stderr; the final report goes to stdout.
func printEvents(cmd *cobra.Command, events <-chan models.Event) {
	out := cmd.OutOrStdout()
	progress := cmd.ErrOrStderr()
	for ev := range events {
		switch ev.Type {
		case models.EventPhaseTransition:
			fmt.Fprintf(progress, "== %s\n", ev.Phase)
		case models.EventThinking:
			fmt.Fprintf(progress, "   %s\n", strings.ReplaceAll(strings.TrimSpace(ev.Message), "\n", "\n   "))
		case models.EventToolStart:
			fmt.Fprintf(progress, " > %s\n", ev.Tool)
		case models.EventToolEnd:
			fmt.Fprintf(progress, " < %s [%s]\n", ev.Tool, ev.ResultID)
		case models.EventToolError:
			fmt.Fprintf(progress, " ! %s: %s\n", ev.Tool, ev.Err)
		case models.EventToolLimit:
			fmt.Fprintf(progress, " ! %s\n", ev.Message)
		case models.EventContextCleared:
			fmt.Fprintf(progress, " * %s\n", ev.Message)
		case models.EventKnowledgeRetrieved:
			fmt.Fprintf(progress, " * %s\n", ev.Message)
		case models.EventDone:
			fmt.Fprintf(out, "%s\n\ninvestigation: %s\n", ev.Answer, ev.InvestigationID)
		case models.EventCancelled:
			fmt.Fprintf(progress, "cancelled, findings saved under %s\n", ev.InvestigationID)
		}
	}
}

func newWebhookCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "webhook",
		Short: "Run only the signed approval webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Webhook.SigningSecret == "" {
				return fmt.Errorf("webhook signing secret not configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			startMetricsServer(ctx, a.cfg.Metrics.Address, a.logger, stop)

			// The receiver shares the pending dir with the protocol; sweep
			// abandoned rendezvous files here too.
			approver, err := a.buildApproval(false)
			if err != nil {
				return err
			}
			go approver.RunCleanupLoop(ctx, time.Hour, 24*time.Hour)

			hook := webhook.NewServer(webhook.Options{
				Port:          a.cfg.Webhook.Port,
				SigningSecret: a.cfg.Webhook.SigningSecret,
				PendingDir:    a.cfg.Approval.PendingDir,
				Logger:        a.logger,
			})
			return hook.ListenAndServe(ctx)
		},
	}
}

// resolveService accepts a service id or name and returns the node id.
func resolveService(g *graph.Graph, ref string) (string, error) {
	if _, ok := g.Get(ref); ok {
		return ref, nil
	}
	if node, ok := g.GetByName(ref); ok {
		return node.ID, nil
	}
	return "", fmt.Errorf("unknown service %q", ref)
}

func newGraphCmd(configPath *string) *cobra.Command {
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the service dependency graph",
	}

	graphCmd.AddCommand(&cobra.Command{
		Use:   "cycles",
		Short: "Detect dependency cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			g := a.buildGraph()
			if g == nil {
				return fmt.Errorf("no service graph configured")
			}
			cycles := g.DetectCycles()
			if len(cycles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cycles")
				return nil
			}
			for _, cycle := range cycles {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(cycle, " -> "))
			}
			return fmt.Errorf("%d dependency cycle(s) found", len(cycles))
		},
	})

	graphCmd.AddCommand(&cobra.Command{
		Use:   "path [from] [to]",
		Short: "Find a dependency path between two services",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			g := a.buildGraph()
			if g == nil {
				return fmt.Errorf("no service graph configured")
			}

			from, err := resolveService(g, args[0])
			if err != nil {
				return err
			}
			to, err := resolveService(g, args[1])
			if err != nil {
				return err
			}

			path := g.FindPath(from, to)
			if len(path) == 0 {
				return fmt.Errorf("no dependency path from %s to %s", from, to)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(path, " -> "))
			return nil
		},
	})

	var upstream bool
	var depth int
	impactCmd := &cobra.Command{
		Use:   "impact [service]",
		Short: "Show blast radius or upstream causes for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			g := a.buildGraph()
			if g == nil {
				return fmt.Errorf("no service graph configured")
			}

			id, err := resolveService(g, args[0])
			if err != nil {
				return err
			}

			paths := g.GetDownstreamImpact(id, depth)
			if upstream {
				paths = g.GetUpstreamImpact(id, depth)
			}
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s hops=%d criticality=%s via %s\n",
					p.Affected, p.Hops, p.Criticality, strings.Join(p.Path, " -> "))
			}
			return nil
		},
	}
	impactCmd.Flags().BoolVar(&upstream, "upstream", false, "walk dependents instead of dependencies")
	impactCmd.Flags().IntVar(&depth, "depth", 0, "maximum hops, 0 for unbounded")
	graphCmd.AddCommand(impactCmd)

	return graphCmd
}
