package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Jgorzitza/HotDash-sub021/internal/config"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/queue"
)

var actionsLimit int

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect the local action queue",
}

// openLocalQueue wires a read-side queue over the local databases. The CLI
// commands do not transition items; that stays behind the API.
func openLocalQueue(cmd *cobra.Command) (*queue.Queue, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	policies, err := policy.LoadRuleSet(cfg.PoliciesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading policies: %w", err)
	}
	engine, err := policy.NewEngine(cmd.Context(), policies, policy.GateData{MaxAutoImpact: cfg.MaxAutoImpact})
	if err != nil {
		return nil, nil, fmt.Errorf("policy engine: %w", err)
	}

	store, err := queue.NewStore(cfg.QueueDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening action store: %w", err)
	}
	q := queue.New(store, engine, nil, queue.Config{}, zerolog.Nop())
	return q, func() { _ = store.Close() }, nil
}

var actionsTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Show pending actions ranked by score",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "actions.top")
		defer span.End()

		q, closeStore, err := openLocalQueue(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		ranked, err := q.TopActions(ctx, actionsLimit)
		if err != nil {
			return fmt.Errorf("ranking actions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(ranked) == 0 {
			fmt.Fprintln(out, "No pending actions.")
			return nil
		}
		fmt.Fprintf(out, "%-38s %-18s %-12s %-9s %8s\n", "ID", "AGENT", "TYPE", "RISK", "SCORE")
		for _, r := range ranked {
			fmt.Fprintf(out, "%-38s %-18s %-12s %-9s %8.1f\n",
				r.Item.ID, r.Item.Agent, r.Item.Type, r.Item.RiskTier, r.Score)
		}
		return nil
	},
}

var actionsProducersCmd = &cobra.Command{
	Use:   "producers",
	Short: "Show producer reliability tallies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "actions.producers")
		defer span.End()

		q, closeStore, err := openLocalQueue(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		stats, err := q.ProducerStats(ctx)
		if err != nil {
			return fmt.Errorf("loading producer stats: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(stats) == 0 {
			fmt.Fprintln(out, "No producers recorded.")
			return nil
		}
		fmt.Fprintf(out, "%-20s %9s %9s %9s %9s %12s %12s %8s\n",
			"AGENT", "SUBMITTED", "APPROVED", "REJECTED", "EXECUTED", "REVENUE28D", "RELIABILITY", "AVG ROI")
		for _, st := range stats {
			fmt.Fprintf(out, "%-20s %9d %9d %9d %9d %12.0f %11.0f%% %8.2f\n",
				st.Agent, st.Submitted, st.Approved, st.Rejected, st.Executed,
				st.RealizedRevenue28d, st.Reliability()*100, st.AvgRealizedROI)
		}
		return nil
	},
}

func init() {
	actionsTopCmd.Flags().IntVar(&actionsLimit, "limit", 20, "maximum actions to show (0 for all)")
	actionsCmd.AddCommand(actionsTopCmd)
	actionsCmd.AddCommand(actionsProducersCmd)
	rootCmd.AddCommand(actionsCmd)
}
