// Benchmarks the agent engine end to end: scripted model turns through the
// iteration loop, tool dispatch, and session persistence, measured across
// concurrent runs. The model is scripted, so the numbers isolate engine
// overhead from provider latency.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/agents"
	"github.com/drover-dev/drover/pkg/memory"
	"github.com/drover-dev/drover/pkg/tool"
)

type Report struct {
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
	GitCommit   string    `json:"gitCommit,omitempty"`
	GitBranch   string    `json:"gitBranch,omitempty"`
	Environment string    `json:"environment"`
	Runs        int       `json:"runs"`
	Concurrency int       `json:"concurrency"`
	Failures    int       `json:"failures"`
	DurationSec float64   `json:"durationSeconds"`
	RunsPerSec  float64   `json:"runsPerSecond"`
	P50MS       float64   `json:"p50Ms"`
	P95MS       float64   `json:"p95Ms"`
	MaxMS       float64   `json:"maxMs"`
	ModelCalls  int64     `json:"modelCalls"`
	ToolCalls   int64     `json:"toolCalls"`
}

func main() {
	var (
		runs        = flag.Int("runs", 500, "Number of agent runs")
		concurrency = flag.Int("concurrency", 8, "Concurrent workers")
		outputFile  = flag.String("output", "", "Write the JSON report to this path")
		baseline    = flag.String("baseline", "", "Baseline JSON report for comparison")
		threshold   = flag.Float64("threshold", 0.8, "Fail when throughput drops below baseline*threshold")
		timeout     = flag.Duration("timeout", 5*time.Minute, "Overall benchmark timeout")
		ciMode      = flag.Bool("ci", false, "CI mode: fail on throughput regression")
	)
	flag.Parse()

	if err := run(*runs, *concurrency, *outputFile, *baseline, *threshold, *timeout, *ciMode); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(runs, concurrency int, outputFile, baselinePath string, threshold float64, timeout time.Duration, ciMode bool) error {
	if runs < 1 {
		return fmt.Errorf("runs must be positive")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// One shared store across all workers, one session per run.
	store := memory.NewInMemoryStore()
	defer func() { _ = store.Close() }()

	durations := make([]time.Duration, runs)
	var failures, modelCalls, toolCalls atomic.Int64

	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < runs; i++ {
		g.Go(func() error {
			runStart := time.Now()
			result, err := benchmarkRun(gctx, store, i)
			durations[i] = time.Since(runStart)
			if err != nil {
				failures.Add(1)
				return nil
			}
			modelCalls.Add(int64(result.Metadata.ModelCalls))
			toolCalls.Add(int64(len(result.ToolCalls)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(started)

	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })

	report := &Report{
		Version:     "1.0.0",
		GeneratedAt: time.Now(),
		GitCommit:   gitCommit(),
		GitBranch:   gitBranch(),
		Environment: environment(),
		Runs:        runs,
		Concurrency: concurrency,
		Failures:    int(failures.Load()),
		DurationSec: elapsed.Seconds(),
		RunsPerSec:  float64(runs) / elapsed.Seconds(),
		P50MS:       millis(percentile(sorted, 0.50)),
		P95MS:       millis(percentile(sorted, 0.95)),
		MaxMS:       millis(sorted[len(sorted)-1]),
		ModelCalls:  modelCalls.Load(),
		ToolCalls:   toolCalls.Load(),
	}

	printReport(report)

	if outputFile != "" {
		if err := saveReport(report, outputFile); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
	}

	if baselinePath != "" {
		base, err := loadReport(baselinePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not load baseline: %v\n", err)
		} else {
			change := 0.0
			if base.RunsPerSec > 0 {
				change = (report.RunsPerSec - base.RunsPerSec) / base.RunsPerSec * 100
			}
			fmt.Printf("\nBaseline %s (%s): %.1f runs/sec, change %+.1f%%\n",
				shortCommit(base.GitCommit), base.GeneratedAt.Format("2006-01-02"), base.RunsPerSec, change)

			if ciMode && report.RunsPerSec < base.RunsPerSec*threshold {
				return fmt.Errorf("throughput regression: %.1f runs/sec is below %.0f%% of baseline %.1f",
					report.RunsPerSec, threshold*100, base.RunsPerSec)
			}
		}
	}

	if report.Failures > 0 {
		return fmt.Errorf("%d of %d runs failed", report.Failures, runs)
	}
	return nil
}

// benchmarkRun executes one scripted conversation: a calculator call
// followed by a final answer.
func benchmarkRun(ctx context.Context, store agent.Memory, seq int) (*agent.RunResult, error) {
	model := agents.NewMockModel()
	model.AddToolCall("calculator", map[string]any{"expression": "(17 + 3) * 21"})
	model.AddText("The result is 420.")

	runner := agents.NewRunner(model,
		agents.WithName("bench"),
		agents.WithTools(tool.NewRegistry(tool.Calculator(), tool.Clock())),
		agents.WithMemory(store),
	)

	return runner.Run(ctx, agent.RunConfig{
		SystemPrompt: "You answer arithmetic questions with the calculator tool.",
		UserMessage:  "What is (17 + 3) * 21?",
		SessionID:    fmt.Sprintf("bench-%d", seq),
	})
}

func printReport(r *Report) {
	fmt.Printf("Agent engine benchmark (%s)\n", r.Environment)
	fmt.Printf("  runs:        %d across %d workers\n", r.Runs, r.Concurrency)
	fmt.Printf("  failures:    %d\n", r.Failures)
	fmt.Printf("  duration:    %.2fs\n", r.DurationSec)
	fmt.Printf("  throughput:  %.1f runs/sec\n", r.RunsPerSec)
	fmt.Printf("  latency:     p50 %.1fms  p95 %.1fms  max %.1fms\n", r.P50MS, r.P95MS, r.MaxMS)
	fmt.Printf("  model calls: %d  tool calls: %d\n", r.ModelCalls, r.ToolCalls)
}

func saveReport(r *Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func loadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- user-provided CLI argument
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// percentile expects sorted ascending durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func gitCommit() string {
	if commit := os.Getenv("GITHUB_SHA"); commit != "" {
		return commit
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func gitBranch() string {
	if ref := os.Getenv("GITHUB_REF_NAME"); ref != "" {
		return ref
	}
	out, err := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	if commit == "" {
		return "unknown"
	}
	return commit
}

func environment() string {
	if os.Getenv("CI") != "" {
		return "ci"
	}
	return "local"
}
