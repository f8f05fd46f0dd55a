package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/KafClaw/autoflow/internal/approval"
	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/orchestrator"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/spf13/cobra"
)

var (
	hitlCmd = &cobra.Command{
		Use:   "hitl",
		Short: "Answer workflows waiting for human input",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	hitlListCmd = &cobra.Command{
		Use:   "list",
		Short: "List human input requests",
		RunE:  runHitlList,
	}
	hitlRespondCmd = &cobra.Command{
		Use:   "respond ID RESPONSE",
		Short: "Answer a pending request and resume its workflow",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runHitlRespond,
	}
	hitlResumeCmd = &cobra.Command{
		Use:   "resume ID",
		Short: "Resume the workflow run of an answered request",
		Args:  cobra.ExactArgs(1),
		RunE:  runHitlResume,
	}
	hitlCancelCmd = &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending request (the workflow run stays waiting)",
		Args:  cobra.ExactArgs(1),
		RunE:  runHitlCancel,
	}
)

func init() {
	hitlListCmd.Flags().String("status", automation.HitlPending, "Only requests with this status (empty for all)")
	hitlListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	hitlRespondCmd.Flags().Bool("no-resume", false, "Record the response without resuming the workflow")
	hitlCmd.AddCommand(hitlListCmd, hitlRespondCmd, hitlResumeCmd, hitlCancelCmd)
	rootCmd.AddCommand(hitlCmd)
}

func runHitlList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	asJSON, _ := cmd.Flags().GetBool("json")
	return withTimeline(cmd, func(tl *timeline.TimelineService) error {
		reqs, err := approval.NewManager(tl, tl, nil).List(cmd.Context(), status)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, reqs)
		}
		if len(reqs) == 0 {
			fmt.Fprintln(w, "No human input requests.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWORKFLOW RUN\tSTATUS\tTIMEOUT\tPROMPT")
		for _, r := range reqs {
			prompt := oneLine(r.Prompt, 60)
			if len(r.Options) > 0 {
				prompt += " [" + strings.Join(r.Options, "/") + "]"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.WorkflowRunID, statusColor(r.Status), formatTime(r.TimeoutAt), prompt)
		}
		return tw.Flush()
	})
}

func runHitlRespond(cmd *cobra.Command, args []string) error {
	noResume, _ := cmd.Flags().GetBool("no-resume")
	id, response := args[0], strings.Join(args[1:], " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	req, err := rt.approvals.Respond(ctx, id, response, !noResume)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Recorded response for %s\n", req.ID)
	if noResume {
		return nil
	}

	rt.pool.Wait()
	run, err := rt.tl.GetWorkflowRun(ctx, req.WorkflowRunID)
	if err != nil {
		return err
	}
	printRunOutcome(w, run)
	return nil
}

func runHitlResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	run, err := rt.engine.ResumeFromCheckpoint(ctx, args[0])
	if err != nil && (run == nil || !automation.IsTerminal(run.Status) ||
		errors.Is(err, orchestrator.ErrNotWaiting) || errors.Is(err, orchestrator.ErrAlreadyResumed)) {
		return err
	}
	// A run that failed while resuming carries its error.
	printRunOutcome(cmd.OutOrStdout(), run)
	return nil
}

func printRunOutcome(w io.Writer, run *automation.WorkflowRun) {
	fmt.Fprintf(w, "Workflow run %s: %s\n", run.ID, statusColor(run.Status))
	if run.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", run.Error)
	}
}

func runHitlCancel(cmd *cobra.Command, args []string) error {
	return withTimeline(cmd, func(tl *timeline.TimelineService) error {
		if err := approval.NewManager(tl, tl, nil).Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
		return nil
	})
}
