// Package export implements the ExportFormatter: rendering a query.Result
// as JSON, CSV, or InfluxDB-style line protocol, plus the inverse parsers
// used by tests to assert a format round-trips every data point.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	mserrors "github.com/metricstore/engine/internal/errors"
)

// Point mirrors query.Point without importing the query package, keeping
// export testable and reusable independent of the planner.
type Point struct {
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
}

// Result mirrors query.Result: the shape every formatter renders.
type Result struct {
	Metric      string
	Data        []Point
	Aggregation string
	Interval    string
	TotalPoints int
}

// jsonResult is the wire shape for FormatJSON/ParseJSON: timestamps render
// as RFC 3339 and labels as a plain object, not Go's zero-value defaults.
type jsonResult struct {
	Metric      string      `json:"metric"`
	Data        []jsonPoint `json:"data"`
	Aggregation string      `json:"aggregation"`
	Interval    string      `json:"interval"`
	TotalPoints int         `json:"totalPoints"`
}

type jsonPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// FormatJSON renders result as a pretty-printed JSON object
// {metric, data[], aggregation, interval, totalPoints}.
func FormatJSON(result Result) ([]byte, error) {
	out := toJSONResult(result)
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("marshal export json: %v", err))
	}
	return data, nil
}

// ParseJSON is the inverse of FormatJSON, used by round-trip tests.
func ParseJSON(data []byte) (Result, error) {
	var out jsonResult
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, mserrors.BadInput("export json", err.Error())
	}
	return fromJSONResult(out), nil
}

func toJSONResult(result Result) jsonResult {
	points := make([]jsonPoint, 0, len(result.Data))
	for _, p := range result.Data {
		points = append(points, jsonPoint{Timestamp: p.Timestamp, Value: p.Value, Labels: p.Labels})
	}
	return jsonResult{
		Metric:      result.Metric,
		Data:        points,
		Aggregation: result.Aggregation,
		Interval:    result.Interval,
		TotalPoints: result.TotalPoints,
	}
}

func fromJSONResult(out jsonResult) Result {
	points := make([]Point, 0, len(out.Data))
	for _, p := range out.Data {
		points = append(points, Point{Timestamp: p.Timestamp, Value: p.Value, Labels: p.Labels})
	}
	return Result{
		Metric:      out.Metric,
		Data:        points,
		Aggregation: out.Aggregation,
		Interval:    out.Interval,
		TotalPoints: len(points),
	}
}

var csvHeader = []string{"timestamp", "metric", "value", "labels"}

// FormatCSV renders result with header "timestamp,metric,value,labels" and
// one row per point. Labels render as "k=v;k=v" (keys sorted for
// determinism) joined inside a single RFC 4180-quoted field.
func FormatCSV(result Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("write csv header: %v", err))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("flush csv writer: %v", err))
	}
	// Rows are written directly because encoding/csv quotes a field only
	// when its content requires it.
	for _, p := range result.Data {
		fmt.Fprintf(&buf, "%s,%s,%s,\"%s\"\n",
			p.Timestamp.UTC().Format(time.RFC3339Nano),
			result.Metric,
			strconv.FormatFloat(p.Value, 'g', -1, 64),
			strings.ReplaceAll(formatLabels(p.Labels), `"`, `""`))
	}
	return buf.Bytes(), nil
}

// ParseCSV is the inverse of FormatCSV, used by round-trip tests. The
// metric and aggregation/interval fields of the returned Result carry only
// what CSV preserves: the metric name repeated per row, and no
// aggregation/interval (CSV has no header fields for those).
func ParseCSV(data []byte) (Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return Result{}, mserrors.BadInput("export csv", err.Error())
	}
	if len(records) == 0 {
		return Result{}, mserrors.BadInput("export csv", "missing header row")
	}

	var metric string
	var points []Point
	for _, row := range records[1:] {
		if len(row) != 4 {
			return Result{}, mserrors.BadInput("export csv", fmt.Sprintf("row has %d columns, want 4", len(row)))
		}
		ts, err := time.Parse(time.RFC3339Nano, row[0])
		if err != nil {
			return Result{}, mserrors.BadInput("export csv", fmt.Sprintf("invalid timestamp %q: %v", row[0], err))
		}
		v, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return Result{}, mserrors.BadInput("export csv", fmt.Sprintf("invalid value %q: %v", row[2], err))
		}
		metric = row[1]
		points = append(points, Point{Timestamp: ts, Value: v, Labels: parseLabels(row[3])})
	}

	return Result{Metric: metric, Data: points, TotalPoints: len(points)}, nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ";")
}

func parseLabels(s string) map[string]string {
	if s == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		labels[k] = v
	}
	return labels
}

// FormatLineProtocol renders result as one line per point:
// "<metric>{k="v",...} <value> <epochMillis>". An empty label set omits the
// brace group entirely.
func FormatLineProtocol(result Result) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range result.Data {
		buf.WriteString(result.Metric)
		if len(p.Labels) > 0 {
			buf.WriteByte('{')
			keys := make([]string, 0, len(p.Labels))
			for k := range p.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i, k := range keys {
				if i > 0 {
					buf.WriteByte(',')
				}
				fmt.Fprintf(&buf, "%s=%q", k, p.Labels[k])
			}
			buf.WriteByte('}')
		}
		fmt.Fprintf(&buf, " %s %d\n", strconv.FormatFloat(p.Value, 'g', -1, 64), p.Timestamp.UnixMilli())
	}
	return buf.Bytes(), nil
}
