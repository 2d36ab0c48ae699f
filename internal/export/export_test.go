package export

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func sampleResult() Result {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return Result{
		Metric:      "cpu_usage",
		Aggregation: "AVG",
		Interval:    "5m",
		Data: []Point{
			{Timestamp: base, Value: 42.5, Labels: map[string]string{"host": "a", "dc": "us-east"}},
			{Timestamp: base.Add(5 * time.Minute), Value: 10, Labels: nil},
		},
		TotalPoints: 2,
	}
}

func TestFormatJSON_RoundTrips(t *testing.T) {
	data, err := FormatJSON(sampleResult())
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if !strings.Contains(string(data), `"metric": "cpu_usage"`) {
		t.Errorf("expected pretty-printed metric field, got:\n%s", data)
	}

	got, err := ParseJSON(data)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	want := sampleResult()
	if got.Metric != want.Metric || got.Aggregation != want.Aggregation || got.Interval != want.Interval {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if len(got.Data) != 2 || got.Data[0].Value != 42.5 || got.Data[1].Value != 10 {
		t.Errorf("round trip lost point data: %+v", got.Data)
	}
	if got.Data[0].Labels["host"] != "a" {
		t.Errorf("round trip lost labels: %+v", got.Data[0].Labels)
	}
}

func TestFormatCSV_HeaderAndRows(t *testing.T) {
	data, err := FormatCSV(sampleResult())
	if err != nil {
		t.Fatalf("FormatCSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[0] != "timestamp,metric,value,labels" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "dc=us-east;host=a") {
		t.Errorf("expected sorted label pairs in row, got %q", lines[1])
	}
}

func TestFormatCSV_RoundTrips(t *testing.T) {
	want := sampleResult()
	data, err := FormatCSV(want)
	if err != nil {
		t.Fatalf("FormatCSV: %v", err)
	}

	got, err := ParseCSV(data)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if got.Metric != want.Metric || len(got.Data) != len(want.Data) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if got.Data[0].Value != want.Data[0].Value || got.Data[0].Labels["host"] != "a" {
		t.Errorf("round trip lost first row: %+v", got.Data[0])
	}
	if len(got.Data[1].Labels) != 0 {
		t.Errorf("expected empty labels for second row, got %+v", got.Data[1].Labels)
	}
}

func TestParseCSV_RejectsMalformedRow(t *testing.T) {
	_, err := ParseCSV([]byte("timestamp,metric,value,labels\nnot-a-time,cpu,1,\n"))
	if err == nil {
		t.Error("expected an error for an unparseable timestamp")
	}
}

func TestFormatLineProtocol_OmitsEmptyBraceGroup(t *testing.T) {
	result := sampleResult()
	data, err := FormatLineProtocol(result)
	if err != nil {
		t.Fatalf("FormatLineProtocol: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per point, got %d", len(lines))
	}

	if !strings.HasPrefix(lines[0], `cpu_usage{dc="us-east",host="a"} 42.5 `) {
		t.Errorf("unexpected labeled line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "cpu_usage 10 ") {
		t.Errorf("expected brace group omitted for unlabeled point, got %q", lines[1])
	}

	wantMillis := result.Data[1].Timestamp.UnixMilli()
	if !strings.HasSuffix(lines[1], strconv.FormatInt(wantMillis, 10)) {
		t.Errorf("expected trailing epoch millis %d, got %q", wantMillis, lines[1])
	}
}
