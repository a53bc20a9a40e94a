package fraud

import (
	"context"
	"strings"

	"github.com/jplaza/payguard/internal/batch"
)

// Signal names produced by a Scorer. Each maps to one ml-method indicator
// in the catalog.
const (
	SignalContent = "content"
	SignalTiming  = "timing"
	SignalQuality = "quality"
)

// Features is the model input extracted from a transaction. Extraction is
// deterministic so repeated scoring of the same transaction agrees.
type Features struct {
	HasNarrative    bool
	NarrativeLength int
	HasQualityScore bool
	QualityScore    int
	HourOfDay       int
}

// ExtractFeatures builds model features from a transaction.
func ExtractFeatures(txn *batch.Transaction) Features {
	f := Features{
		NarrativeLength: len(strings.TrimSpace(txn.Narrative)),
		HourOfDay:       txn.Date.Hour(),
	}
	f.HasNarrative = f.NarrativeLength > 0
	if txn.QualityScore != nil {
		f.HasQualityScore = true
		f.QualityScore = *txn.QualityScore
	}
	return f
}

// MLScore is the scorer output contract: per-signal contributions plus a
// holistic 0-100 score with its own confidence in [0,1]. Any real model
// mounted behind Scorer must preserve this shape.
type MLScore struct {
	Signals    map[string]float64 `json:"signals"`  // signal name → 0-100
	Holistic   float64            `json:"holistic"` // 0-100
	Confidence float64            `json:"confidence"`
}

// Scorer is the pluggable ML hook.
type Scorer interface {
	Score(ctx context.Context, f Features) (MLScore, error)
}

// HeuristicScorer is the reference Scorer: lightweight feature scoring
// over narrative presence/length, quality score, and time of day. It
// stands in for a trained model and carries a modest fixed confidence.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(_ context.Context, f Features) (MLScore, error) {
	signals := map[string]float64{
		SignalContent: contentSignal(f),
		SignalTiming:  timingSignal(f),
		SignalQuality: qualitySignal(f),
	}
	holistic := signals[SignalContent]*0.4 + signals[SignalTiming]*0.3 + signals[SignalQuality]*0.3
	return MLScore{
		Signals:    signals,
		Holistic:   holistic,
		Confidence: 0.6,
	}, nil
}

func contentSignal(f Features) float64 {
	switch {
	case !f.HasNarrative:
		return 60 // silent feedback is the most common fabrication pattern
	case f.NarrativeLength < 10:
		return 55
	case f.NarrativeLength > 500:
		return 40
	default:
		return 10
	}
}

func timingSignal(f Features) float64 {
	switch {
	case f.HourOfDay < 6:
		return 70
	case f.HourOfDay >= 22:
		return 50
	default:
		return 10
	}
}

func qualitySignal(f Features) float64 {
	switch {
	case !f.HasQualityScore:
		return 50
	case f.QualityScore == 5 && !f.HasNarrative:
		return 55 // perfect score with nothing to say about it
	default:
		return 10
	}
}
