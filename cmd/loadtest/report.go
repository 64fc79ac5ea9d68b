package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Шаги сценария в отчёте.
const (
	stepScenario   = "scenario"
	stepPlaceOrder = "PlaceOrder"
	stepPay        = "StripeWebhook"
	stepListOrders = "ListUserOrders"
)

const (
	callsMetric   = "loadtest_step_calls_total"
	latencyMetric = "loadtest_step_latency_seconds"
)

// recorder копит результаты шагов в отдельном реестре prometheus. Квантили
// латентности считает Summary, отчёт собирается из Gather.
type recorder struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.SummaryVec
}

func newRecorder() *recorder {
	r := &recorder{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: callsMetric,
			Help: "Load test step calls by outcome code.",
		}, []string{"step", "code"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       latencyMetric,
			Help:       "Load test step latency.",
			Objectives: map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001},
			MaxAge:     24 * time.Hour,
		}, []string{"step"}),
	}
	r.registry.MustRegister(r.calls, r.latency)
	return r
}

func (r *recorder) observe(step string, took time.Duration, err error) {
	r.calls.WithLabelValues(step, stepCode(err)).Inc()
	r.latency.WithLabelValues(step).Observe(took.Seconds())
}

// timed выполняет fn и записывает длительность и исход шага.
func (r *recorder) timed(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.observe(step, time.Since(start), err)
	return err
}

type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type stepReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	Steps             map[string]stepReport `json:"steps"`
}

func (r *recorder) steps() (map[string]stepReport, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather load test metrics: %w", err)
	}

	steps := make(map[string]stepReport)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}

			name := labels["step"]
			step, ok := steps[name]
			if !ok {
				step.Codes = make(map[string]int64)
			}
			switch family.GetName() {
			case callsMetric:
				n := int64(metric.GetCounter().GetValue())
				step.Calls += n
				step.Codes[labels["code"]] += n
				if labels["code"] == codeOK {
					step.Success += n
				} else {
					step.Failed += n
				}
			case latencyMetric:
				step.LatencyMs = latencyFrom(metric.GetSummary())
			}
			steps[name] = step
		}
	}

	for name, step := range steps {
		step.ErrorRate = ratio(step.Failed, step.Calls)
		steps[name] = step
	}
	return steps, nil
}

func latencyFrom(summary *dto.Summary) latencySummary {
	var out latencySummary
	if summary.GetSampleCount() == 0 {
		return out
	}
	out.Avg = summary.GetSampleSum() / float64(summary.GetSampleCount()) * 1000
	for _, q := range summary.GetQuantile() {
		ms := q.GetValue() * 1000
		if math.IsNaN(ms) {
			continue
		}
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = ms
		case 0.95:
			out.P95 = ms
		case 0.99:
			out.P99 = ms
		}
	}
	return out
}

func (r *recorder) buildReport(startedAt time.Time, elapsed time.Duration) (report, error) {
	steps, err := r.steps()
	if err != nil {
		return report{}, err
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Steps:           steps,
	}
	if scenario, ok := steps[stepScenario]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if elapsed > 0 {
		result.RPS = float64(result.TotalScenarios) / elapsed.Seconds()
	}
	return result, nil
}

func (r report) print(w io.Writer, cfg config) {
	fmt.Fprintln(w, "Load test summary")
	fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, cfg.target(), r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios, r.ErrorRate)
	fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", r.DurationSeconds, r.RPS)
	fmt.Fprintf(w, "scenario latency ms: avg=%.2f p50=%.2f p95=%.2f p99=%.2f\n",
		r.ScenarioLatencyMs.Avg, r.ScenarioLatencyMs.P50, r.ScenarioLatencyMs.P95, r.ScenarioLatencyMs.P99)

	for _, name := range slices.Sorted(maps.Keys(r.Steps)) {
		if name == stepScenario {
			continue
		}
		step := r.Steps[name]
		fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, step.Calls, step.Success, step.Failed, step.ErrorRate, step.LatencyMs.P95)
	}
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(clean, append(data, '\n'), 0o600)
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
