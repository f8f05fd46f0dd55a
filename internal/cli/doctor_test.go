package cli

import (
	"context"
	"strings"
	"testing"
)

func findCheck(r doctorReport, name string) (doctorCheck, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return doctorCheck{}, false
}

func TestDoctorFreshHomeWarnsWithoutFailing(t *testing.T) {
	isolateHome(t)
	report := runDoctor(context.Background(), false)
	if n := report.failures(); n != 0 {
		t.Fatalf("expected no failures, got %d: %+v", n, report.Checks)
	}
	if c, ok := findCheck(report, "config_file"); !ok || c.Status != doctorWarn {
		t.Fatalf("expected config_file warning, got %+v", c)
	}
	if c, ok := findCheck(report, "provider_key"); !ok || c.Status != doctorWarn {
		t.Fatalf("expected provider_key warning, got %+v", c)
	}
	if c, ok := findCheck(report, "schedule"); !ok || c.Status != doctorPass {
		t.Fatalf("expected schedule pass, got %+v", c)
	}
}

func TestDoctorFailsOnIncompleteIntegrations(t *testing.T) {
	isolateHome(t)
	t.Setenv("AUTOFLOW_KAFKA_ENABLED", "true")
	t.Setenv("AUTOFLOW_SLACK_ENABLED", "true")
	t.Setenv("AUTOFLOW_METRICS_ENABLED", "true")
	t.Setenv("AUTOFLOW_METRICS_ADDR", "0.0.0.0:9464")

	out, err := runRootCommand(t, "doctor")
	if err == nil {
		t.Fatalf("expected doctor to fail:\n%s", out)
	}
	for _, want := range []string{
		"[FAIL] kafka: kafka enabled but no brokers configured",
		"[FAIL] slack: slack enabled but token or channel missing",
		"[WARN] metrics: metrics listen on non-loopback address 0.0.0.0:9464",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("doctor output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctorReportsInvalidStoredSchedule(t *testing.T) {
	home := isolateHome(t)
	path := writeFile(t, home, "hourly.yaml", `name: hourly
instructions: Check.
modelTier: premium
triggers:
  - source: cron
    schedule: "0 * * * *"
`)
	if _, err := runRootCommand(t, "skill", "apply", "-f", path); err != nil {
		t.Fatalf("skill apply: %v", err)
	}
	t.Setenv("AUTOFLOW_SCHEDULER_MIN_INTERVAL", "2h")

	report := runDoctor(context.Background(), false)
	c, ok := findCheck(report, "schedule")
	if !ok || c.Status != doctorFail || !strings.Contains(c.Message, "hourly") {
		t.Fatalf("expected schedule failure for hourly, got %+v", c)
	}
	if c, ok := findCheck(report, "model_tier"); !ok || c.Status != doctorWarn {
		t.Fatalf("expected model_tier warning, got %+v", c)
	}
}
