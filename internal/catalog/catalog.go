// Package catalog holds the registry of fraud indicators the risk engine
// evaluates. Indicators are static rule/statistical/ml definitions whose
// confidences drift as human verification outcomes confirm or contradict
// them. The catalog is read-mostly: the engine takes immutable snapshots,
// and only the learning hook mutates confidence, monotonically bounded.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrIndicatorNotFound = errors.New("indicator not found")

// Severity of a fraud indicator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for max-severity comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// BaseScore returns the fixed severity base score used for aggregation.
func (s Severity) BaseScore() float64 {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 80
	default:
		return 0
	}
}

// Method describes how an indicator is detected.
type Method string

const (
	MethodRule        Method = "rule"
	MethodStatistical Method = "statistical"
	MethodML          Method = "ml"
)

// Confidence bounds for the learning hook. Confidence never leaves this
// range regardless of how often an indicator is wrong.
const (
	MinConfidence = 0.3
	MaxConfidence = 1.0

	confidenceReward  = 0.02
	confidencePenalty = 0.05
)

// Indicator is one fraud-detection signal definition.
type Indicator struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Method      Method   `json:"method"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	// Categories restricts applicability; empty means all categories.
	Categories []string `json:"categories,omitempty"`
}

// AppliesTo reports whether the indicator applies to a business category.
func (i *Indicator) AppliesTo(category string) bool {
	if len(i.Categories) == 0 {
		return true
	}
	for _, c := range i.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Store persists learned indicator confidences across restarts.
type Store interface {
	LoadConfidences(ctx context.Context) (map[string]float64, error)
	SaveConfidence(ctx context.Context, indicatorID string, confidence float64) error
}

// Catalog is the in-process indicator registry.
type Catalog struct {
	mu         sync.RWMutex
	indicators map[string]*Indicator
	order      []string // stable iteration order
	store      Store
	logger     *slog.Logger
}

// New creates a catalog seeded with the given indicators. If store is
// non-nil, previously learned confidences override the seeded defaults.
func New(ctx context.Context, indicators []Indicator, store Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		indicators: make(map[string]*Indicator, len(indicators)),
		store:      store,
		logger:     logger,
	}
	for i := range indicators {
		ind := indicators[i]
		c.indicators[ind.ID] = &ind
		c.order = append(c.order, ind.ID)
	}

	if store != nil {
		learned, err := store.LoadConfidences(ctx)
		if err != nil {
			logger.Warn("failed to load learned confidences, using defaults", "error", err)
			return c
		}
		for id, conf := range learned {
			if ind, ok := c.indicators[id]; ok {
				ind.Confidence = clamp(conf)
			}
		}
	}
	return c
}

// Applicable returns copies of all indicators applying to a category,
// in registration order. The snapshot is safe to use without locking.
func (c *Catalog) Applicable(category string) []Indicator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Indicator, 0, len(c.order))
	for _, id := range c.order {
		ind := c.indicators[id]
		if ind.AppliesTo(category) {
			out = append(out, *ind)
		}
	}
	return out
}

// Get returns a copy of one indicator.
func (c *Catalog) Get(id string) (Indicator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ind, ok := c.indicators[id]
	if !ok {
		return Indicator{}, ErrIndicatorNotFound
	}
	return *ind, nil
}

// All returns copies of every indicator in registration order.
func (c *Catalog) All() []Indicator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Indicator, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.indicators[id])
	}
	return out
}

// Adjust applies the learning hook for one indicator: +0.02 when its
// implication matched the human decision, -0.05 otherwise, clamped to
// [0.3, 1.0]. Persistence is best-effort; the in-memory drift is the
// source of truth for this process.
func (c *Catalog) Adjust(ctx context.Context, indicatorID string, matched bool) (float64, error) {
	c.mu.Lock()
	ind, ok := c.indicators[indicatorID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrIndicatorNotFound
	}
	if matched {
		ind.Confidence = clamp(ind.Confidence + confidenceReward)
	} else {
		ind.Confidence = clamp(ind.Confidence - confidencePenalty)
	}
	newConf := ind.Confidence
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveConfidence(ctx, indicatorID, newConf); err != nil {
			c.logger.Warn("failed to persist indicator confidence",
				"indicator", indicatorID, "error", err)
		}
	}
	return newConf, nil
}

func clamp(v float64) float64 {
	if v < MinConfidence {
		return MinConfidence
	}
	if v > MaxConfidence {
		return MaxConfidence
	}
	return v
}
