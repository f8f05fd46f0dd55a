package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/registry"
	"github.com/KafClaw/autoflow/internal/scheduler"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	skillCmd = &cobra.Command{
		Use:   "skill",
		Short: "Manage skill definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	skillApplyCmd = &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Create or update skills from a YAML or JSON file",
		RunE:  runSkillApply,
	}
	skillListCmd = &cobra.Command{
		Use:   "list",
		Short: "List skills",
		RunE:  runSkillList,
	}
	skillDeleteCmd = &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a skill and its scheduled jobs",
		Args:  cobra.ExactArgs(1),
		RunE:  runSkillDelete,
	}

	workflowCmd = &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	workflowApplyCmd = &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Create or update workflows from a YAML or JSON file",
		RunE:  runWorkflowApply,
	}
	workflowListCmd = &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE:  runWorkflowList,
	}
	workflowDeleteCmd = &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a workflow and its scheduled jobs",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowDelete,
	}
)

func init() {
	for _, c := range []*cobra.Command{skillApplyCmd, workflowApplyCmd} {
		c.Flags().StringP("file", "f", "", "Definition file (- for stdin)")
		_ = c.MarkFlagRequired("file")
	}
	for _, c := range []*cobra.Command{skillListCmd, workflowListCmd} {
		c.Flags().Bool("json", false, "Output machine-readable JSON")
	}
	skillCmd.AddCommand(skillApplyCmd, skillListCmd, skillDeleteCmd)
	workflowCmd.AddCommand(workflowApplyCmd, workflowListCmd, workflowDeleteCmd)
	rootCmd.AddCommand(skillCmd, workflowCmd)
}

// decodeDefinitions reads every YAML document of r. JSON is accepted as a
// YAML subset. Definitions are enabled unless the document says otherwise.
func decodeDefinitions[T any](r io.Reader, seed func() T) ([]T, error) {
	dec := yaml.NewDecoder(r)
	var out []T
	for {
		def := seed()
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode definition %d: %w", len(out)+1, err)
		}
		out = append(out, def)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no definitions found")
	}
	return out, nil
}

func openDefinitionFile(cmd *cobra.Command) (io.ReadCloser, error) {
	path, _ := cmd.Flags().GetString("file")
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definitions: %w", err)
	}
	return f, nil
}

// validateSchedules rejects cron triggers the scheduler would skip.
func validateSchedules(cfg *config.Config, name string, triggers []automation.TriggerRule) error {
	for i, tr := range triggers {
		if !tr.IsCron() {
			continue
		}
		if err := scheduler.Validate(tr.Schedule, cfg.Scheduler.MinInterval); err != nil {
			return fmt.Errorf("%s: trigger %d: %w", name, i, err)
		}
	}
	return nil
}

// syncJobs reconciles scheduled jobs with the registries without taking
// the tick lock.
func syncJobs(ctx context.Context, cfg *config.Config, tl *timeline.TimelineService, skills *registry.Skills, workflows *registry.Workflows) (scheduler.SyncResult, error) {
	scfg := cfg.Scheduler
	scfg.LockPath = ""
	s := scheduler.New(scfg, tl, tl, nil, nil, nil)
	return s.SyncJobs(ctx, values(skills.List()), values(workflows.List()))
}

func withRegistries(cmd *cobra.Command, fn func(cfg *config.Config, tl *timeline.TimelineService, skills *registry.Skills, workflows *registry.Workflows) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tl, skills, workflows, err := loadRegistries(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer tl.Close()
	return fn(cfg, tl, skills, workflows)
}

func runSkillApply(cmd *cobra.Command, args []string) error {
	f, err := openDefinitionFile(cmd)
	if err != nil {
		return err
	}
	defer f.Close()
	defs, err := decodeDefinitions(f, func() automation.Skill { return automation.Skill{Enabled: true} })
	if err != nil {
		return err
	}
	return withRegistries(cmd, func(cfg *config.Config, tl *timeline.TimelineService, skills *registry.Skills, workflows *registry.Workflows) error {
		ctx := cmd.Context()
		for i := range defs {
			sk := &defs[i]
			if err := validateSchedules(cfg, sk.Name, sk.Triggers); err != nil {
				return err
			}
			var err error
			verb := "Created"
			if _, exists := skills.Get(sk.ID); sk.ID != "" && exists {
				verb = "Updated"
				err = skills.Update(ctx, sk)
			} else {
				err = skills.Create(ctx, sk)
			}
			if err != nil {
				return fmt.Errorf("apply skill %q: %w", sk.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s skill %s (%s)\n", verb, sk.Name, sk.ID)
		}
		res, err := syncJobs(ctx, cfg, tl, skills, workflows)
		if err != nil {
			return err
		}
		if res.Writes() > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Jobs: %d created, %d updated, %d deleted\n", res.Created, res.Updated, res.Deleted)
		}
		return nil
	})
}

func runWorkflowApply(cmd *cobra.Command, args []string) error {
	f, err := openDefinitionFile(cmd)
	if err != nil {
		return err
	}
	defer f.Close()
	defs, err := decodeDefinitions(f, func() automation.Workflow { return automation.Workflow{Enabled: true} })
	if err != nil {
		return err
	}
	return withRegistries(cmd, func(cfg *config.Config, tl *timeline.TimelineService, skills *registry.Skills, workflows *registry.Workflows) error {
		ctx := cmd.Context()
		for i := range defs {
			wf := &defs[i]
			if err := validateSchedules(cfg, wf.Name, wf.Triggers); err != nil {
				return err
			}
			for _, id := range wf.Skills {
				if _, ok := skills.Get(id); !ok {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: workflow %s references unknown skill %s\n", wf.Name, id)
				}
			}
			var err error
			verb := "Created"
			if _, exists := workflows.Get(wf.ID); wf.ID != "" && exists {
				verb = "Updated"
				err = workflows.Update(ctx, wf)
			} else {
				err = workflows.Create(ctx, wf)
			}
			if err != nil {
				return fmt.Errorf("apply workflow %q: %w", wf.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s workflow %s (%s)\n", verb, wf.Name, wf.ID)
		}
		res, err := syncJobs(ctx, cfg, tl, skills, workflows)
		if err != nil {
			return err
		}
		if res.Writes() > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Jobs: %d created, %d updated, %d deleted\n", res.Created, res.Updated, res.Deleted)
		}
		return nil
	})
}

func describeTriggers(triggers []automation.TriggerRule) string {
	parts := make([]string, 0, len(triggers))
	for _, tr := range triggers {
		if tr.IsCron() {
			parts = append(parts, "cron("+tr.Schedule+")")
			continue
		}
		parts = append(parts, tr.Source+":"+strings.Join(tr.Events, "|"))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func runSkillList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withRegistries(cmd, func(_ *config.Config, _ *timeline.TimelineService, skills *registry.Skills, _ *registry.Workflows) error {
		list := skills.List()
		if asJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No skills defined.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tENABLED\tTRIGGERS")
		for _, sk := range list {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", sk.ID, sk.Name, sk.Enabled, describeTriggers(sk.Triggers))
		}
		return tw.Flush()
	})
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withRegistries(cmd, func(_ *config.Config, _ *timeline.TimelineService, _ *registry.Skills, workflows *registry.Workflows) error {
		list := workflows.List()
		if asJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No workflows defined.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tENABLED\tSKILLS\tTRIGGERS")
		for _, wf := range list {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", wf.ID, wf.Name, wf.Enabled, strings.Join(wf.Skills, ","), describeTriggers(wf.Triggers))
		}
		return tw.Flush()
	})
}

func runSkillDelete(cmd *cobra.Command, args []string) error {
	return withRegistries(cmd, func(cfg *config.Config, tl *timeline.TimelineService, skills *registry.Skills, workflows *registry.Workflows) error {
		if err := skills.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete skill: %w", err)
		}
		if _, err := syncJobs(cmd.Context(), cfg, tl, skills, workflows); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted skill %s\n", args[0])
		return nil
	})
}

func runWorkflowDelete(cmd *cobra.Command, args []string) error {
	return withRegistries(cmd, func(cfg *config.Config, tl *timeline.TimelineService, skills *registry.Skills, workflows *registry.Workflows) error {
		if err := workflows.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		if _, err := syncJobs(cmd.Context(), cfg, tl, skills, workflows); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted workflow %s\n", args[0])
		return nil
	})
}
