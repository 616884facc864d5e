package metrics

import "testing"

func TestMetricName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "adds prefix", input: "run_transitions_total", expected: "flowplane_run_transitions_total"},
		{name: "keeps prefixed", input: "flowplane_custom_metric", expected: "flowplane_custom_metric"},
		{name: "blank returns prefix", input: "", expected: "flowplane_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MetricName(tt.input); got != tt.expected {
				t.Fatalf("MetricName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMetricNameWithSubsystem(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		subsystem  string
		metricName string
		expected   string
	}{
		{name: "subsystem and name", subsystem: "scheduler", metricName: "calls_total", expected: "flowplane_scheduler_calls_total"},
		{name: "subsystem trims underscore", subsystem: "_run_", metricName: "transitions_total", expected: "flowplane_run_transitions_total"},
		{name: "empty name", subsystem: "workflow", metricName: "", expected: "flowplane_workflow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MetricNameWithSubsystem(tt.subsystem, tt.metricName); got != tt.expected {
				t.Fatalf("MetricNameWithSubsystem(%q, %q) = %q, want %q", tt.subsystem, tt.metricName, got, tt.expected)
			}
		})
	}
}
