package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Jgorzitza/HotDash-sub021/internal/config"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/router"
)

var (
	validateRulesFile    string
	validatePoliciesFile string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate handoff rule and ABAC policy files",
	Long:  "Parses and validates the rule files, then compiles the Rego execution gates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, span := tracer.Start(ctx, "validate")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		rulesFile := validateRulesFile
		if rulesFile == "" {
			rulesFile = cfg.RulesFile
		}
		policiesFile := validatePoliciesFile
		if policiesFile == "" {
			policiesFile = cfg.PoliciesFile
		}

		policies, err := policy.LoadRuleSet(policiesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ Policy validation failed: %s\n", policiesFile)
			return fmt.Errorf("validation failed: %w", err)
		}

		// Creating the engine compiles the Rego gates, verifying correctness.
		if _, err := policy.NewEngine(ctx, policies, policy.GateData{MaxAutoImpact: cfg.MaxAutoImpact}); err != nil {
			fmt.Fprintf(os.Stderr, "✗ Gate compilation failed: %s\n", policiesFile)
			return fmt.Errorf("policy engine initialization failed: %w", err)
		}

		rules, err := router.LoadRuleSet(rulesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ Rule validation failed: %s\n", rulesFile)
			return fmt.Errorf("validation failed: %w", err)
		}

		log.Info().
			Str("rules_file", rulesFile).
			Str("policies_file", policiesFile).
			Str("version", policies.VersionTag).
			Msg("configuration validated")

		fmt.Printf("✓ Policies valid: %s\n", policiesFile)
		fmt.Printf("  Policies: %d\n", len(policies.Policies))
		fmt.Printf("  Version:  %s\n", policies.VersionTag)
		fmt.Printf("✓ Rules valid: %s\n", rulesFile)
		fmt.Printf("  Rules:  %d\n", len(rules.Rules))
		fmt.Printf("  Agents: %d\n", len(rules.Agents))
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateRulesFile, "rules", "", "handoff rules file (default from config)")
	validateCmd.Flags().StringVar(&validatePoliciesFile, "policies", "", "ABAC policy file (default from config)")
	rootCmd.AddCommand(validateCmd)
}
