package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/ingest"
	"github.com/KafClaw/autoflow/internal/scheduler"
	"github.com/spf13/cobra"
)

type doctorStatus string

const (
	doctorPass doctorStatus = "pass"
	doctorWarn doctorStatus = "warn"
	doctorFail doctorStatus = "fail"
)

type doctorCheck struct {
	Name    string       `json:"name"`
	Status  doctorStatus `json:"status"`
	Message string       `json:"message"`
}

type doctorReport struct {
	Checks []doctorCheck `json:"checks"`
}

func (r *doctorReport) add(name string, status doctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, doctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func (r doctorReport) failures() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == doctorFail {
			n++
		}
	}
	return n
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		checkKafka, _ := cmd.Flags().GetBool("check-kafka")
		report := runDoctor(cmd.Context(), checkKafka)
		if asJSON {
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			for _, c := range report.Checks {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", strings.ToUpper(string(c.Status)), c.Name, c.Message)
			}
		}
		if n := report.failures(); n > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", n)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	doctorCmd.Flags().Bool("check-kafka", false, "Dial the configured Kafka brokers and check topic visibility")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(ctx context.Context, checkKafka bool) doctorReport {
	var report doctorReport

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", doctorFail, "cannot resolve config path: %v", err)
		return report
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", doctorPass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", doctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", doctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", doctorFail, "config load failed: %v", err)
		return report
	}
	report.add("config_load", doctorPass, "config loaded successfully")

	if cfg.Providers.OpenAI.APIKey == "" {
		report.add("provider_key", doctorWarn, "no OpenAI API key configured; skills will fail at their first model call")
	} else {
		report.add("provider_key", doctorPass, "OpenAI API key configured")
	}

	doctorIntegrations(&report, cfg)
	if checkKafka && cfg.Kafka.Enabled {
		for _, r := range ingest.CheckConnectivity(ctx, cfg.Kafka, 10*time.Second) {
			if r.OK {
				report.add("kafka_connectivity", doctorPass, "%s: %s", r.Target, r.Detail)
				continue
			}
			msg := r.Target + ": " + r.Detail
			if r.Hint != "" {
				msg += " (" + r.Hint + ")"
			}
			report.add("kafka_connectivity", doctorFail, "%s", msg)
		}
	}

	tl, skills, workflows, err := loadRegistries(ctx, cfg)
	if err != nil {
		report.add("timeline", doctorFail, "%v", err)
		return report
	}
	defer tl.Close()
	report.add("timeline", doctorPass, "timeline open at %s", cfg.Paths.TimelinePath())

	badSchedules := 0
	for _, s := range skills.List() {
		if err := validateSchedules(cfg, "skill "+s.Name, s.Triggers); err != nil {
			report.add("schedule", doctorFail, "%v", err)
			badSchedules++
		}
		if s.ModelTier != "" {
			if _, ok := cfg.Model.Tiers[s.ModelTier]; !ok {
				report.add("model_tier", doctorWarn, "skill %s uses unknown model tier %q (default model is used)", s.Name, s.ModelTier)
			}
		}
	}
	for _, w := range workflows.List() {
		if err := validateSchedules(cfg, "workflow "+w.Name, w.Triggers); err != nil {
			report.add("schedule", doctorFail, "%v", err)
			badSchedules++
		}
		for _, id := range w.Skills {
			if _, ok := skills.Get(id); !ok {
				report.add("workflow_skills", doctorWarn, "workflow %s references unknown skill %s", w.Name, id)
			}
		}
	}
	if badSchedules == 0 {
		report.add("schedule", doctorPass, "%d skill(s) and %d workflow(s) have valid schedules (minimum interval %s)",
			len(skills.List()), len(workflows.List()), minInterval(cfg))
	}
	return report
}

func doctorIntegrations(report *doctorReport, cfg *config.Config) {
	if k := cfg.Kafka; k.Enabled {
		switch {
		case strings.TrimSpace(k.Brokers) == "":
			report.add("kafka", doctorFail, "kafka enabled but no brokers configured")
		case len(k.Topics) == 0:
			report.add("kafka", doctorFail, "kafka enabled but no topics configured")
		default:
			report.add("kafka", doctorPass, "consuming %s from %s as %s", strings.Join(k.Topics, ","), k.Brokers, k.ConsumerGroup)
		}
	}
	if s := cfg.Slack; s.Enabled {
		if s.Token == "" || s.Channel == "" {
			report.add("slack", doctorFail, "slack enabled but token or channel missing")
		} else {
			report.add("slack", doctorPass, "notifications go to %s", s.Channel)
		}
	}
	if m := cfg.Metrics; m.Enabled {
		host, _, err := net.SplitHostPort(m.Addr)
		switch {
		case err != nil:
			report.add("metrics", doctorFail, "invalid metrics address %q: %v", m.Addr, err)
		case !isLoopback(host):
			report.add("metrics", doctorWarn, "metrics listen on non-loopback address %s", m.Addr)
		default:
			report.add("metrics", doctorPass, "metrics on %s", m.Addr)
		}
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func minInterval(cfg *config.Config) string {
	if cfg.Scheduler.MinInterval > 0 {
		return cfg.Scheduler.MinInterval.String()
	}
	return scheduler.DefaultMinInterval.String()
}
