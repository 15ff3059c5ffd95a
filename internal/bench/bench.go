// Package bench provides benchmarking primitives for the tacotron bench command.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/go-tacotron/internal/tts"
)

// Synthesizer is the call being timed.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error)
}

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and decode metadata for a single synthesis run.
type RunResult struct {
	Index      int
	Cold       bool // true for the first run (cold-start)
	Duration   time.Duration
	Iterations int
	Frames     int
	StepTime   time.Duration
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Durations extracts the wall times of runs.
func Durations(runs []RunResult) []time.Duration {
	out := make([]time.Duration, len(runs))
	for i, r := range runs {
		out[i] = r.Duration
	}
	return out
}

// StepTime returns the mean wall time per decoder step. Returns 0 when no
// step ran.
func StepTime(total time.Duration, iterations int) time.Duration {
	if iterations <= 0 {
		return 0
	}
	return total / time.Duration(iterations)
}

// MeanStepTime averages StepTime over runs.
func MeanStepTime(runs []RunResult) time.Duration {
	var total time.Duration
	var steps int
	for _, r := range runs {
		total += r.Duration
		steps += r.Iterations
	}
	return StepTime(total, steps)
}

// Run times synth on req runs times. The first run is marked cold.
func Run(ctx context.Context, synth Synthesizer, req tts.Request, runs int) ([]RunResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("runs must be at least 1, got %d", runs)
	}

	results := make([]RunResult, 0, runs)
	for i := range runs {
		start := time.Now()
		res, err := synth.Synthesize(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("run %d failed: %w", i+1, err)
		}
		dur := time.Since(start)

		results = append(results, RunResult{
			Index:      i,
			Cold:       i == 0,
			Duration:   dur,
			Iterations: res.Iterations,
			Frames:     res.Frames,
			StepTime:   StepTime(dur, res.Iterations),
		})
	}

	return results, nil
}

// ---------------------------------------------------------------------------
// Step time threshold gate
// ---------------------------------------------------------------------------

// CheckStepThreshold returns an error if mean exceeds threshold. A zero
// threshold disables the gate.
func CheckStepThreshold(mean, threshold time.Duration) error {
	if threshold <= 0 {
		return nil
	}
	if mean > threshold {
		return fmt.Errorf("mean step time %s exceeds threshold %s", mean, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %6s  %7s  %9s\n", "Run", "Cold", "MS", "Steps", "Frames", "MS/step")
	fmt.Fprintln(sb, strings.Repeat("-", 52))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %6d  %7d  %9.3f\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			r.Iterations,
			r.Frames,
			ms(r.StepTime),
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 52))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (min)\n", "", "", ms(stats.Min))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (mean)\n", "", "", ms(stats.Mean))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (max)\n", "", "", ms(stats.Max))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	Iterations int     `json:"iterations"`
	Frames     int     `json:"frames"`
	StepMS     float64 `json:"step_ms"`
}

type jsonStats struct {
	MinMS      float64 `json:"min_ms"`
	MeanMS     float64 `json:"mean_ms"`
	MaxMS      float64 `json:"max_ms"`
	MeanStepMS float64 `json:"mean_step_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:      ms(stats.Min),
			MeanMS:     ms(stats.Mean),
			MaxMS:      ms(stats.Max),
			MeanStepMS: ms(MeanStepTime(runs)),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: ms(r.Duration),
			Iterations: r.Iterations,
			Frames:     r.Frames,
			StepMS:     ms(r.StepTime),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(jr)
}
