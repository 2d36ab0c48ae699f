package validation

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/metricstore/engine/internal/clock"
)

func TestMetricName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"cpu_usage", false},
		{"cpu.usage-total", false},
		{"Cpu123", false},
		{"", true},
		{"1cpu", true},
		{"cpu usage", true},
		{strings.Repeat("a", 256), true},
		{strings.Repeat("a", 255), false},
	}

	for _, c := range cases {
		err := MetricName(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("MetricName(%q) error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestLabelSchema_TooManyLabels(t *testing.T) {
	keys := make([]string, 11)
	for i := range keys {
		keys[i] = "k" + string(rune('a'+i))
	}
	if err := LabelSchema(keys); err == nil {
		t.Error("expected error for 11 labels")
	}

	if err := LabelSchema(keys[:10]); err != nil {
		t.Errorf("expected no error for 10 labels, got %v", err)
	}
}

func TestLabelValue_LengthBoundary(t *testing.T) {
	ok := strings.Repeat("v", 100)
	tooLong := strings.Repeat("v", 101)

	if err := LabelValue("k", ok); err != nil {
		t.Errorf("100-char value should be accepted, got %v", err)
	}
	if err := LabelValue("k", tooLong); err == nil {
		t.Error("101-char value should be rejected")
	}
}

func TestValue_RejectsNonFinite(t *testing.T) {
	if err := Value(math.Inf(1)); err == nil {
		t.Error("expected infinite value rejected")
	}
	nan := 0.0
	nan = nan / nan
	if err := Value(nan); err == nil {
		t.Error("expected NaN rejected")
	}
	if err := Value(42.5); err != nil {
		t.Errorf("finite value should be accepted, got %v", err)
	}
}

func TestSampleTime_Boundaries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	cases := []struct {
		name    string
		t       time.Time
		wantErr bool
	}{
		{"exactly 300s future accepted", now.Add(300 * time.Second), false},
		{"301s future rejected", now.Add(301 * time.Second), true},
		{"exactly 365d old accepted", now.Add(-365 * 24 * time.Hour), false},
		{"365d+1s old rejected", now.Add(-365*24*time.Hour - time.Second), true},
	}

	for _, c := range cases {
		err := SampleTime(c.t, clk)
		if (err != nil) != c.wantErr {
			t.Errorf("%s: SampleTime error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestTimeRange_SpanBoundary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := TimeRange(start, start.Add(90*24*time.Hour)); err != nil {
		t.Errorf("exactly 90d span should be accepted, got %v", err)
	}
	if err := TimeRange(start, start.Add(90*24*time.Hour+time.Second)); err == nil {
		t.Error("90d+1s span should be rejected")
	}
	if err := TimeRange(start, start); err == nil {
		t.Error("zero-length range should be rejected")
	}
}

func TestRetentionDays_DefaultsAndBounds(t *testing.T) {
	got, err := RetentionDays(0)
	if err != nil || got != 30 {
		t.Errorf("RetentionDays(0) = (%d, %v), want (30, nil)", got, err)
	}

	if _, err := RetentionDays(0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := RetentionDays(1826); err == nil {
		t.Error("expected error for retention above max")
	}
	if _, err := RetentionDays(1825); err != nil {
		t.Errorf("1825 days should be accepted, got %v", err)
	}
}
