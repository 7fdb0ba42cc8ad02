// Package recovery runs the startup steps that repair state a previous
// CounselPipe process left behind when it stopped mid-operation.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is one repair step run during startup.
type Recoverable interface {
	// Name identifies the step in logs and errors.
	Name() string
	// Recover repairs what it can and returns how many items it fixed.
	Recover(ctx context.Context) (int, error)
}

// Result reports one step's outcome.
type Result struct {
	Name      string
	Recovered int
	Err       error
}

// Manager runs registered steps in registration order.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a manager with the given steps.
func NewManager(rs ...Recoverable) *Manager {
	return &Manager{recoverables: rs}
}

// Register adds a step.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every step. A failing step does not stop the others; the
// returned error summarizes the failures.
func (m *Manager) RecoverAll(ctx context.Context) ([]Result, error) {
	slog.Info("Manager.RecoverAll: starting recovery", "steps", len(m.recoverables))

	results := make([]Result, 0, len(m.recoverables))
	failed := 0
	for _, r := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		n, err := r.Recover(ctx)
		results = append(results, Result{Name: r.Name(), Recovered: n, Err: err})
		if err != nil {
			slog.Error("Manager.RecoverAll: step failed", "step", r.Name(), "recovered", n, "error", err)
			failed++
			continue
		}
		slog.Debug("Manager.RecoverAll: step finished", "step", r.Name(), "recovered", n)
	}

	slog.Info("Manager.RecoverAll: recovery completed", "steps", len(m.recoverables), "failed", failed)
	if failed > 0 {
		return results, fmt.Errorf("recovery completed with %d errors out of %d steps", failed, len(m.recoverables))
	}
	return results, nil
}

// Total sums the items fixed across results.
func Total(results []Result) int {
	n := 0
	for _, r := range results {
		n += r.Recovered
	}
	return n
}
