package plansync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// PhaseStatus is the execution state of a plan phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// Phase is one ordered step of a plan.
type Phase struct {
	ID       string      `json:"id" yaml:"id"`
	Sequence int         `json:"sequence" yaml:"sequence"`
	Name     string      `json:"name" yaml:"name"`
	Status   PhaseStatus `json:"status" yaml:"status"`
}

// Plan is the document kept in .swarm/plan.json. Only the fields the
// automation core reads are decoded; everything else is ignored.
type Plan struct {
	ID     string  `json:"id" yaml:"id"`
	Title  string  `json:"title" yaml:"title"`
	Status string  `json:"status" yaml:"status"`
	Phases []Phase `json:"phases" yaml:"phases"`
}

// ActivePhase returns the lowest-sequence phase that has not completed, or
// nil when every phase is done.
func (p *Plan) ActivePhase() *Phase {
	if p == nil {
		return nil
	}
	phases := slices.Clone(p.Phases)
	slices.SortStableFunc(phases, func(a, b Phase) int { return a.Sequence - b.Sequence })
	for i := range phases {
		if phases[i].Status != PhaseCompleted {
			return &phases[i]
		}
	}
	return nil
}

// ParsePlan decodes a JSON or YAML plan document.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse plan: %w", err)
		}
		return &plan, nil
	}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &plan, nil
}

// LoadPlan reads the plan at path. A missing file yields a nil plan and no error.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// FileSync returns a SyncFunc that loads subDir/fileName under the synced directory.
func FileSync(subDir, fileName string) SyncFunc {
	return func(ctx context.Context, directory string) (*Plan, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return LoadPlan(filepath.Join(directory, subDir, fileName))
	}
}
