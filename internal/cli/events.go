package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/notify"
	"github.com/spf13/cobra"
)

var (
	eventCmd = &cobra.Command{
		Use:   "event",
		Short: "Inspect and emit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	eventEmitCmd = &cobra.Command{
		Use:   "emit",
		Short: "Record an event and dispatch it in this process",
		RunE:  runEventEmit,
	}
	eventListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recent events",
		RunE:  runEventList,
	}
)

func init() {
	eventEmitCmd.Flags().String("source", "", "Event source (e.g. github)")
	eventEmitCmd.Flags().String("type", "", "Event type (e.g. push)")
	eventEmitCmd.Flags().String("payload", "{}", "JSON payload")
	eventEmitCmd.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	eventEmitCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	eventListCmd.Flags().Int("limit", 20, "Maximum events to show")
	eventListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	eventCmd.AddCommand(eventEmitCmd, eventListCmd)
	rootCmd.AddCommand(eventCmd)
}

type emitResult struct {
	Event         *automation.Event     `json:"event"`
	Notifications []notify.Notification `json:"notifications"`
}

func runEventEmit(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	typ, _ := cmd.Flags().GetString("type")
	payload, _ := cmd.Flags().GetString("payload")
	meta, _ := cmd.Flags().GetStringToString("meta")
	asJSON, _ := cmd.Flags().GetBool("json")

	source, typ = strings.TrimSpace(source), strings.TrimSpace(typ)
	if source == "" || typ == "" {
		return fmt.Errorf("--source and --type are required")
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("--payload is not valid JSON")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var got []notify.Notification
	collect := notify.Func(func(_ context.Context, n notify.Notification) { got = append(got, n) })

	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg, collect)
	if err != nil {
		return err
	}
	defer rt.close()

	ev := &automation.Event{Source: source, Type: typ, Payload: json.RawMessage(payload), Metadata: meta}
	if err := rt.tl.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if err := rt.dispatcher.OnEvent(ctx, ev); err != nil {
		return err
	}
	rt.pool.Wait()

	stored, err := rt.tl.GetEvent(ctx, ev.ID)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), emitResult{Event: stored, Notifications: got})
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Event %s (%s/%s): %s\n", stored.ID, stored.Source, stored.Type, statusColor(stored.Status))
	if len(got) == 0 {
		fmt.Fprintln(w, "No skills or workflows matched.")
	}
	for _, n := range got {
		line := "  " + n.Title
		if n.Error != "" {
			line += ": " + n.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func runEventList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()
	events, err := tl.ListEvents(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), events)
	}
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s/%s  %s  %s\n",
			ev.CreatedAt.Local().Format("2006-01-02 15:04:05"), ev.ID, ev.Source, ev.Type,
			statusColor(ev.Status), oneLine(string(ev.Payload), 60))
	}
	return nil
}
