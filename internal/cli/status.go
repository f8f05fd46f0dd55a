package cli

import (
	"fmt"
	"os"

	"github.com/KafClaw/autoflow/internal/config"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "autoflow %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		printHeader(w, "📊 autoflow status")
		fmt.Fprintf(w, "Version: %s\n", version)

		configPath, _ := config.ConfigPath()
		_, statErr := os.Stat(configPath)
		fmt.Fprintf(w, "Config:  %s %s\n", check(statErr == nil), configPath)

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(w, "Config error: %v\n", err)
			return err
		}
		fmt.Fprintf(w, "API Key: %s\n", check(cfg.Providers.OpenAI.APIKey != ""))
		fmt.Fprintf(w, "Model:   %s (orchestrator %s)\n", cfg.Model.Name, cfg.Model.Orchestrator())
		fmt.Fprintf(w, "Data:    %s\n", cfg.Paths.TimelinePath())
		fmt.Fprintf(w, "Kafka:   %s\n", check(cfg.Kafka.Enabled))
		fmt.Fprintf(w, "Slack:   %s\n", check(cfg.Slack.Enabled))
		fmt.Fprintf(w, "Metrics: %s\n", check(cfg.Metrics.Enabled))

		tl, skills, workflows, err := loadRegistries(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer tl.Close()
		counts, err := countRuntimeState(cmd.Context(), tl)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Skills:    %d (%d enabled)\n", len(skills.List()), len(skills.Enabled()))
		fmt.Fprintf(w, "Workflows: %d (%d enabled)\n", len(workflows.List()), len(workflows.Enabled()))
		fmt.Fprintf(w, "Jobs:      %d\n", counts.Jobs)
		fmt.Fprintf(w, "Waiting:   %d workflow runs, %d pending HITL requests\n", counts.WaitingWorkflowRuns, counts.PendingHitl)
		fmt.Fprintf(w, "Running:   %d workflow runs, %d skill runs\n", counts.RunningWorkflowRuns, counts.RunningRuns)
		return nil
	},
}
