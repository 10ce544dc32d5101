package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Jgorzitza/HotDash-sub021/internal/audit"
	"github.com/Jgorzitza/HotDash-sub021/internal/config"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/queue"
	"github.com/Jgorzitza/HotDash-sub021/internal/router"
	"github.com/Jgorzitza/HotDash-sub021/internal/server"
	"github.com/Jgorzitza/HotDash-sub021/internal/trigger"
)

var (
	serveAddr            string
	serveArchiveCron     string
	serveReliabilityCron string
	serveRateRPS         float64
	serveRateBurst       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the opscore API server with the maintenance jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveArchiveCron, "archive-cron", "0 3 * * *", "cron expression for the stale-action archive sweep")
	serveCmd.Flags().StringVar(&serveReliabilityCron, "reliability-cron", "0 * * * *", "cron expression for the producer reliability recompute")
	serveCmd.Flags().Float64Var(&serveRateRPS, "rate-rps", 20, "per-caller sustained requests per second (0 disables)")
	serveCmd.Flags().IntVar(&serveRateBurst, "rate-burst", 40, "per-caller request burst")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> actor from OPSCORE_API_KEYS
// (comma-separated; each entry key or key:actor).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		actor := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			if a := strings.TrimSpace(part[idx+1:]); a != "" {
				actor = a
			}
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = actor
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if cfg.UsingDefaultSigningKey() {
		log.Warn().Msg("OPSCORE_SIGNING_KEY not set; audit signatures use a derived per-machine key")
	}

	policies, err := policy.LoadRuleSet(cfg.PoliciesFile)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	engine, err := policy.NewEngine(ctx, policies, policy.GateData{MaxAutoImpact: cfg.MaxAutoImpact})
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	rules, err := router.LoadRuleSet(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("loading handoff rules: %w", err)
	}
	rt, err := router.New(rules, engine, router.Config{
		ConfidenceFloor: cfg.ConfidenceFloor,
		ReviewThreshold: cfg.ReviewThreshold,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("handoff router: %w", err)
	}

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer auditStore.Close()

	queueStore, err := queue.NewStore(cfg.QueueDBPath())
	if err != nil {
		return fmt.Errorf("initializing action store: %w", err)
	}
	defer queueStore.Close()

	actionQueue := queue.New(queueStore, engine, auditStore, queue.Config{
		ArchiveAfter: time.Duration(cfg.ArchiveAfterDays) * 24 * time.Hour,
	}, log.Logger)

	scheduler := trigger.NewScheduler(actionQueue)
	if err := scheduler.RegisterJobs(serveArchiveCron, serveReliabilityCron); err != nil {
		return fmt.Errorf("registering maintenance jobs: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	apiKeys := parseAPIKeys(os.Getenv("OPSCORE_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("OPSCORE_API_KEYS not set; all API endpoints will return 401")
	}

	opts := []server.Option{
		server.WithCORSOrigins([]string{"*"}),
	}
	if serveRateRPS > 0 {
		opts = append(opts, server.WithRateLimiter(server.NewRateLimiter(serveRateRPS, serveRateBurst)))
	}

	srv := server.NewServer(rt, actionQueue, engine, auditStore, apiKeys, opts...)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", scheduler.Entries()).
		Int("handoff_rules", len(rules.Rules)).
		Int("abac_policies", len(policies.Policies)).
		Str("rule_version", policies.VersionTag).
		Msg("opscore_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
