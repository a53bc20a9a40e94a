// Package fraud implements the risk-scoring engine for reward transactions.
//
// Scoring walks the indicator catalog, dispatches each indicator to its
// detection method (rule, statistical, or ml), and aggregates triggered
// indicators into a 0-100 risk score with a level, confidence, and
// recommendation. Scoring is pure over its inputs so precomputation and
// replays always agree; the learning hook is the only mutation path and
// lives in the catalog.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/jplaza/payguard/internal/catalog"
)

var ErrAssessmentNotFound = errors.New("assessment not found")

// RiskLevel classifies an assessment outcome.
type RiskLevel string

const (
	LevelSafe     RiskLevel = "safe"
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// Recommendation returns the advisory action for a level. It is a pure
// function of the level.
func (l RiskLevel) Recommendation() string {
	switch l {
	case LevelCritical:
		return "flag for manual review"
	case LevelHigh:
		return "require verification"
	case LevelMedium:
		return "monitor"
	default:
		return "proceed normally"
	}
}

// TriggeredIndicator records one indicator that fired during assessment.
type TriggeredIndicator struct {
	IndicatorID  string           `json:"indicatorId"`
	Name         string           `json:"name"`
	Severity     catalog.Severity `json:"severity"`
	Confidence   float64          `json:"confidence"`
	Contribution float64          `json:"contribution"`
	Detail       string           `json:"detail,omitempty"`
}

// Assessment is the aggregated fraud-risk verdict for one transaction.
type Assessment struct {
	ID             string               `json:"id"`
	TransactionID  string               `json:"transactionId"`
	BatchID        string               `json:"batchId,omitempty"`
	BusinessID     string               `json:"businessId,omitempty"`
	RiskScore      float64              `json:"riskScore"`
	RiskLevel      RiskLevel            `json:"riskLevel"`
	Confidence     float64              `json:"confidence"`
	Recommendation string               `json:"recommendation"`
	Triggered      []TriggeredIndicator `json:"triggered,omitempty"`
	MLScore        *float64             `json:"mlScore,omitempty"`
	ContextMissing bool                 `json:"contextMissing,omitempty"`
	EvaluatedAt    time.Time            `json:"evaluatedAt"`
}

// Store persists assessments for later lookup by the auto-resolution path
// and for the verifier UI.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	GetByTransaction(ctx context.Context, transactionID string) (*Assessment, error)
	ListByBatch(ctx context.Context, batchID string) ([]*Assessment, error)
}
