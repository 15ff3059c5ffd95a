package onnx

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// GraphRunner executes one graph with named inputs. Implementations must be
// safe for concurrent Run calls; the native Runner is, and so are the fakes
// used in tests.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// Graphs groups the runners of one loaded bundle. Close releases all of them.
type Graphs map[string]GraphRunner

// Runner returns the named runner or an error naming the missing graph.
func (g Graphs) Runner(name string) (GraphRunner, error) {
	r, ok := g[name]
	if !ok || r == nil {
		return nil, fmt.Errorf("%s graph not loaded", name)
	}

	return r, nil
}

func (g Graphs) Close() {
	for _, name := range slices.Sorted(maps.Keys(g)) {
		if r := g[name]; r != nil {
			r.Close()
		}
	}
}

// OpenGraphs creates one native runner per session. Runners created before
// a failure are closed before returning.
func OpenGraphs(sessions []Session, cfg RunnerConfig) (Graphs, error) {
	graphs := make(Graphs, len(sessions))
	for _, s := range sessions {
		r, err := NewRunner(s, cfg)
		if err != nil {
			graphs.Close()
			return nil, err
		}

		graphs[s.Name] = r
	}

	return graphs, nil
}

// checkInputs reports the first declared input missing from inputs.
// A graph declared without inputs accepts anything.
func checkInputs(graph string, declaredInputs []string, inputs map[string]*Tensor) error {
	for _, name := range declaredInputs {
		if t, ok := inputs[name]; !ok || t == nil {
			return fmt.Errorf("%s graph: missing input %q", graph, name)
		}
	}

	return nil
}

// declared reports whether name is in names; an empty list declares everything.
func declared(names []string, name string) bool {
	return len(names) == 0 || slices.Contains(names, name)
}
