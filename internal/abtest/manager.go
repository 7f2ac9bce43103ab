// Package abtest implements deterministic, restart-stable variant assignment
// for A/B experiments keyed by routing tier.
package abtest

import (
	"hash/fnv"
	"time"

	"github.com/jordanhubbard/slimclaw/internal/tier"
)

// Status is the lifecycle state of an Experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Variant binds a model id to a relative weight within an experiment.
type Variant struct {
	ID     string
	Model  string
	Weight int
}

// Experiment is one A/B test, scoped to a single tier.
type Experiment struct {
	ID        string
	Tier      tier.Tier
	Variants  []Variant
	Status    Status
	StartedAt time.Time
}

// Assignment is the result of assigning a runId to an experiment's variant.
type Assignment struct {
	ExperimentID string
	Variant      Variant
}

// Manager holds an immutable set of experiments. Mutating the experiment
// list means constructing a new Manager — the manager itself never mutates
// after New returns.
type Manager struct {
	experiments []Experiment
}

// New builds a Manager from the given experiment list, preserving insertion
// order (first-inserted wins when multiple experiments qualify for a tier).
func New(experiments []Experiment) *Manager {
	cp := make([]Experiment, len(experiments))
	copy(cp, experiments)
	return &Manager{experiments: cp}
}

// ListExperiments returns the experiments unchanged, in the order supplied
// to New.
func (m *Manager) ListExperiments() []Experiment {
	return m.experiments
}

// Assign deterministically selects a variant for runId within the first
// active, started experiment matching tier. Returns nil if none qualifies.
func (m *Manager) Assign(t tier.Tier, runID string, now time.Time) *Assignment {
	for _, exp := range m.experiments {
		if exp.Tier != t || exp.Status != StatusActive {
			continue
		}
		if exp.StartedAt.After(now) {
			continue
		}
		variant, ok := assignVariant(exp.Variants, runID)
		if !ok {
			continue
		}
		return &Assignment{ExperimentID: exp.ID, Variant: variant}
	}
	return nil
}

// assignVariant walks variants in declared order, accumulating weight, and
// returns the first variant whose cumulative weight exceeds the runId's
// deterministic bucket. Stable across restarts because the hash, the weight
// sum, and the walk order are all pure functions of the experiment definition
// and the runId.
func assignVariant(variants []Variant, runID string) (Variant, bool) {
	var totalWeight int
	for _, v := range variants {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight <= 0 {
		return Variant{}, false
	}

	bucket := hashRunID(runID) % uint32(totalWeight)

	var cumulative int
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		cumulative += v.Weight
		if uint32(cumulative) > bucket {
			return v, true
		}
	}
	// Unreachable unless weights changed between sum and walk, which cannot
	// happen within a single call.
	return variants[len(variants)-1], true
}

// hashRunID computes the stable FNV-1a 32-bit hash of runId's UTF-8 bytes.
// Pinned to FNV-1a so assignments are comparable across reimplementations of
// this pipeline in other languages.
func hashRunID(runID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return h.Sum32()
}
