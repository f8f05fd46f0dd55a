package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/registry"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/spf13/cobra"
)

var (
	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "Inspect scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE:  runJobsList,
	}
	jobsSyncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Reconcile scheduled jobs with the cron triggers of enabled definitions",
		RunE:  runJobsSync,
	}
)

func init() {
	jobsListCmd.Flags().String("kind", "", "Only jobs owned by skill or workflow")
	jobsListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	jobsSyncCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	jobsCmd.AddCommand(jobsListCmd, jobsSyncCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	asJSON, _ := cmd.Flags().GetBool("json")
	switch automation.OwnerKind(kind) {
	case "", automation.OwnerSkill, automation.OwnerWorkflow:
	default:
		return fmt.Errorf("unknown job kind %q (want skill or workflow)", kind)
	}
	return withTimeline(cmd, func(tl *timeline.TimelineService) error {
		jobs, err := tl.ListJobs(cmd.Context(), automation.OwnerKind(kind))
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, jobs)
		}
		if len(jobs) == 0 {
			fmt.Fprintln(w, "No scheduled jobs.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tOWNER\tSCHEDULE\tENABLED\tLAST RUN\tNEXT RUN")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n", j.ID, j.Kind(), j.OwnerID(), j.Schedule, j.Enabled,
				formatTime(j.LastRunAt), formatTime(&j.NextRunAt))
		}
		return tw.Flush()
	})
}

func runJobsSync(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withRegistries(cmd, func(cfg *config.Config, tl *timeline.TimelineService, skills *registry.Skills, workflows *registry.Workflows) error {
		res, err := syncJobs(cmd.Context(), cfg, tl, skills, workflows)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Jobs: %d created, %d updated, %d deleted\n", res.Created, res.Updated, res.Deleted)
		return nil
	})
}
