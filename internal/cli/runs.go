package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/KafClaw/autoflow/internal/approval"
	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/spf13/cobra"
)

var (
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow and skill runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE:  runRunsList,
	}
	runsShowCmd = &cobra.Command{
		Use:   "show ID",
		Short: "Show a run and its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}
	runsCancelCmd = &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a workflow run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsCancel,
	}
)

func init() {
	runsListCmd.Flags().String("kind", "workflow", "Run kind: workflow or skill")
	runsListCmd.Flags().String("owner", "", "Only runs of this workflow or skill id")
	runsListCmd.Flags().String("status", "", "Only runs with this status")
	runsListCmd.Flags().Int("limit", 20, "Maximum runs to show")
	runsListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	runsShowCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCancelCmd)
	rootCmd.AddCommand(runsCmd)
}

func withTimeline(cmd *cobra.Command, fn func(tl *timeline.TimelineService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()
	return fn(tl)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	owner, _ := cmd.Flags().GetString("owner")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	filter := automation.RunFilter{OwnerID: owner, Status: status, Limit: limit}

	return withTimeline(cmd, func(tl *timeline.TimelineService) error {
		w := cmd.OutOrStdout()
		switch kind {
		case "workflow":
			runs, err := tl.ListWorkflowRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(w, runs)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSKILL RUNS\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.WorkflowID, statusColor(r.Status), len(r.SkillRunIDs), formatTime(&r.CreatedAt))
			}
			return tw.Flush()
		case "skill":
			runs, err := tl.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(w, runs)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSKILL\tSTATUS\tWORKFLOW RUN\tCREATED")
			for _, r := range runs {
				parent := r.WorkflowRunID
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.SkillID, statusColor(r.Status), parent, formatTime(&r.CreatedAt))
			}
			return tw.Flush()
		default:
			return fmt.Errorf("unknown run kind %q (want workflow or skill)", kind)
		}
	})
}

type runDetail struct {
	WorkflowRun *automation.WorkflowRun `json:"workflowRun,omitempty"`
	Run         *automation.Run         `json:"run,omitempty"`
	Pending     *automation.HitlRequest `json:"pendingHitl,omitempty"`
	Checkpoints []automation.Checkpoint `json:"checkpoints"`
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	id := args[0]
	return withTimeline(cmd, func(tl *timeline.TimelineService) error {
		ctx := cmd.Context()
		var d runDetail
		var owner automation.CheckpointOwner

		wfRun, err := tl.GetWorkflowRun(ctx, id)
		switch {
		case err == nil:
			d.WorkflowRun = wfRun
			owner = automation.ForWorkflowRun(id)
			if wfRun.Status == automation.RunWaitingForInput {
				if h, err := tl.PendingHitlForWorkflowRun(ctx, id); err == nil {
					d.Pending = h
				}
			}
		case errors.Is(err, automation.ErrNotFound):
			run, err := tl.GetRun(ctx, id)
			if err != nil {
				return fmt.Errorf("no workflow run or skill run %s: %w", id, err)
			}
			d.Run = run
			owner = automation.ForRun(id)
		default:
			return err
		}

		d.Checkpoints, err = tl.ListCheckpoints(ctx, owner)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		printRunDetail(cmd.OutOrStdout(), d)
		return nil
	})
}

func printRunDetail(w io.Writer, d runDetail) {
	if r := d.WorkflowRun; r != nil {
		fmt.Fprintf(w, "Workflow run %s\n", r.ID)
		fmt.Fprintf(w, "  Workflow:   %s\n", r.WorkflowID)
		fmt.Fprintf(w, "  Event:      %s\n", r.EventID)
		fmt.Fprintf(w, "  Status:     %s\n", statusColor(r.Status))
		fmt.Fprintf(w, "  Skill runs: %v\n", r.SkillRunIDs)
		fmt.Fprintf(w, "  Completed:  %s\n", formatTime(r.CompletedAt))
		if len(r.Output) > 0 {
			fmt.Fprintf(w, "  Output:     %s\n", oneLine(string(r.Output), 200))
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  Error:      %s\n", r.Error)
		}
		if d.Pending != nil {
			fmt.Fprintf(w, "  Waiting on: %s (%s)\n", d.Pending.ID, oneLine(d.Pending.Prompt, 80))
		}
	}
	if r := d.Run; r != nil {
		fmt.Fprintf(w, "Skill run %s\n", r.ID)
		fmt.Fprintf(w, "  Skill:     %s\n", r.SkillID)
		fmt.Fprintf(w, "  Event:     %s\n", r.EventID)
		fmt.Fprintf(w, "  Status:    %s\n", statusColor(r.Status))
		fmt.Fprintf(w, "  Completed: %s\n", formatTime(r.CompletedAt))
		if r.Output != "" {
			fmt.Fprintf(w, "  Output:    %s\n", oneLine(r.Output, 200))
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  Error:     %s\n", r.Error)
		}
	}
	fmt.Fprintf(w, "Checkpoints (%d):\n", len(d.Checkpoints))
	for _, cp := range d.Checkpoints {
		fmt.Fprintf(w, "  %3d  %-18s %s\n", cp.Sequence, cp.Type, oneLine(string(cp.Data), 80))
	}
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	return withTimeline(cmd, func(tl *timeline.TimelineService) error {
		run, err := approval.NewManager(tl, tl, nil).CancelRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow run %s %s\n", run.ID, statusColor(run.Status))
		return nil
	})
}
