// Package metrics - Metrics exporter
package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Exporter exports metrics in various formats
type Exporter struct {
	collector *Collector
}

// NewExporter creates a new metrics exporter
func NewExporter(collector *Collector) *Exporter {
	return &Exporter{
		collector: collector,
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (e *Exporter) ExportPrometheus() string {
	var sb strings.Builder

	sb.WriteString("# bondarb metrics\n")
	sb.WriteString(fmt.Sprintf("# Generated at %s\n\n", time.Now().Format(time.RFC3339)))

	systemMetrics := e.collector.GetSystemMetrics()
	if systemMetrics != nil {
		sb.WriteString("# HELP bondarb_uptime_seconds Daemon uptime in seconds\n")
		sb.WriteString("# TYPE bondarb_uptime_seconds gauge\n")
		sb.WriteString(fmt.Sprintf("bondarb_uptime_seconds %.0f\n", systemMetrics.Uptime.Seconds()))

		sb.WriteString("# HELP bondarb_active_clients Number of configured download clients reachable on the last poll\n")
		sb.WriteString("# TYPE bondarb_active_clients gauge\n")
		sb.WriteString(fmt.Sprintf("bondarb_active_clients %d\n", systemMetrics.ActiveClients))

		sb.WriteString("# HELP bondarb_active_streams Number of active playback sessions\n")
		sb.WriteString("# TYPE bondarb_active_streams gauge\n")
		sb.WriteString(fmt.Sprintf("bondarb_active_streams %d\n", systemMetrics.ActiveStreams))

		sb.WriteString("# HELP bondarb_active_reservations Number of live bandwidth reservations\n")
		sb.WriteString("# TYPE bondarb_active_reservations gauge\n")
		sb.WriteString(fmt.Sprintf("bondarb_active_reservations %d\n", systemMetrics.ActiveReservations))

		sb.WriteString("# HELP bondarb_memory_allocated_bytes Allocated memory in bytes\n")
		sb.WriteString("# TYPE bondarb_memory_allocated_bytes gauge\n")
		sb.WriteString(fmt.Sprintf("bondarb_memory_allocated_bytes %d\n", systemMetrics.AllocatedMemory))

		sb.WriteString("\n")
	}

	alerts := e.collector.GetUnresolvedAlerts()
	sb.WriteString("# HELP bondarb_unresolved_alerts Number of unresolved alerts\n")
	sb.WriteString("# TYPE bondarb_unresolved_alerts gauge\n")
	sb.WriteString(fmt.Sprintf("bondarb_unresolved_alerts %d\n", len(alerts)))
	sb.WriteString("\n")

	for name, ts := range e.collector.GetAllTimeSeries() {
		latest := ts.Latest()
		if latest == nil {
			continue
		}
		metric := sanitizeMetricName(name)
		sb.WriteString(fmt.Sprintf("# TYPE bondarb_%s gauge\n", metric))
		sb.WriteString(fmt.Sprintf("bondarb_%s%s %.6f\n", metric, promLabels(latest.Labels), latest.Value))
	}

	return sb.String()
}

func sanitizeMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '-' {
			return '_'
		}
		return r
	}, name)
}

func promLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ExportAggregatedJSON exports aggregated metrics in JSON format, backing
// GET /metrics/aggregated?window=.
func (e *Exporter) ExportAggregatedJSON(window AggregationWindow) (string, error) {
	aggregator := NewAggregator()
	data := make(map[string]interface{})

	aggregatedSeries := make(map[string]interface{})
	for name, ts := range e.collector.GetAllTimeSeries() {
		aggregated := aggregator.AggregateTimeSeries(ts, window)
		if aggregated != nil {
			aggregatedSeries[name] = map[string]interface{}{
				"window":  window.String(),
				"count":   aggregated.Count,
				"sum":     aggregated.Sum,
				"min":     aggregated.Min,
				"max":     aggregated.Max,
				"avg":     aggregated.Avg,
				"median":  aggregated.Median,
				"p95":     aggregated.P95,
				"p99":     aggregated.P99,
				"std_dev": aggregated.StdDev,
			}
		}
	}
	data["aggregated_series"] = aggregatedSeries
	data["window"] = window.String()
	data["duration_seconds"] = window.Duration().Seconds()

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}

	return string(jsonBytes), nil
}

