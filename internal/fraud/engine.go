package fraud

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jplaza/payguard/internal/batch"
	"github.com/jplaza/payguard/internal/catalog"
	"github.com/jplaza/payguard/internal/directory"
	"github.com/jplaza/payguard/internal/idgen"
	"github.com/jplaza/payguard/internal/logging"
	"github.com/jplaza/payguard/internal/metrics"
	"github.com/jplaza/payguard/internal/traces"
)

const (
	mlWeight       = 0.3
	mlTriggerFloor = 50.0

	velocityThreshold = 3
	velocityWindow    = time.Hour
	outlierZScore     = 3.0
	fallbackStdDev    = 0.3 // fraction of mean when no historical variance

	roundAmountFloor = 100
	roundAmountStep  = 50

	// Confidence multipliers for degraded input quality.
	noNarrativePenalty = 0.8
	noQualityPenalty   = 0.9
	cleanConfidence    = 0.9
)

// latest plausible hour for category-tagged feedback, by category.
var categoryDeadlines = map[string]int{
	"breakfast": 14,
	"brunch":    16,
	"lunch":     17,
}

// Engine scores transactions against the indicator catalog.
type Engine struct {
	catalog *catalog.Catalog
	scorer  Scorer
	store   Store
	workers int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithScorer(s Scorer) EngineOption { return func(e *Engine) { e.scorer = s } }
func WithStore(st Store) EngineOption  { return func(e *Engine) { e.store = st } }
func WithWorkers(n int) EngineOption   { return func(e *Engine) { e.workers = n } }

// NewEngine creates a fraud-risk engine. The default scorer is the
// heuristic reference implementation.
func NewEngine(cat *catalog.Catalog, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog: cat,
		scorer:  HeuristicScorer{},
		workers: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assess scores one transaction against the business context and its
// batch siblings. It never fails for missing or partial context; absent
// fields skip their indicators and degrade confidence instead. The result
// is a pure function of (txn, biz, siblings): re-assessing unchanged
// inputs yields the same score and level.
func (e *Engine) Assess(ctx context.Context, txn *batch.Transaction, biz *directory.Business, siblings []*batch.Transaction) *Assessment {
	ctx, span := traces.StartSpan(ctx, "fraud.Assess",
		traces.TransactionID(txn.ID), traces.BatchID(txn.BatchID))
	defer span.End()

	a := &Assessment{
		ID:            idgen.WithPrefix("fra_"),
		TransactionID: txn.ID,
		BatchID:       txn.BatchID,
		EvaluatedAt:   time.Now().UTC(),
	}
	if biz != nil {
		a.BusinessID = biz.ID
	} else {
		a.ContextMissing = true
	}

	var ml *MLScore
	if e.scorer != nil {
		score, err := e.scorer.Score(ctx, ExtractFeatures(txn))
		if err != nil {
			// The ml hook degrades to rule/statistical-only scoring.
			logging.L(ctx).Warn("ml scorer failed", "transaction", txn.ID, "error", err)
		} else {
			ml = &score
		}
	}

	category := ""
	if biz != nil {
		category = biz.Category
	}

	total := 0.0
	maxRank := 0
	for _, ind := range e.catalog.Applicable(category) {
		triggered, detail := e.evaluate(ind, txn, biz, siblings, ml)
		if !triggered {
			continue
		}
		contribution := ind.Severity.BaseScore() * ind.Confidence
		total += contribution
		if ind.Severity.Rank() > maxRank {
			maxRank = ind.Severity.Rank()
		}
		a.Triggered = append(a.Triggered, TriggeredIndicator{
			IndicatorID:  ind.ID,
			Name:         ind.Name,
			Severity:     ind.Severity,
			Confidence:   ind.Confidence,
			Contribution: contribution,
			Detail:       detail,
		})
	}

	if ml != nil {
		total = total*(1-mlWeight) + ml.Holistic*mlWeight
		h := math.Round(ml.Holistic*100) / 100
		a.MLScore = &h
	}

	a.RiskScore = math.Round(clampScore(total)*100) / 100
	a.RiskLevel = riskLevel(maxRank, a.RiskScore)
	a.Recommendation = a.RiskLevel.Recommendation()
	a.Confidence = math.Round(e.confidence(a.Triggered, txn)*100) / 100

	span.SetAttributes(traces.RiskLevel(string(a.RiskLevel)), traces.RiskScore(a.RiskScore))

	metrics.AssessmentsTotal.WithLabelValues(string(a.RiskLevel)).Inc()
	metrics.RiskScore.Observe(a.RiskScore)
	for _, ti := range a.Triggered {
		metrics.IndicatorTriggersTotal.WithLabelValues(ti.IndicatorID).Inc()
	}

	// Persist asynchronously; scoring never blocks on the store.
	if e.store != nil {
		go func(cp Assessment) {
			if err := e.store.Record(context.Background(), &cp); err != nil {
				logging.L(ctx).Warn("assessment persist failed", "transaction", cp.TransactionID, "error", err)
			}
		}(*a)
	}

	return a
}

// AssessBatch pre-scores a whole batch in parallel with a bounded worker
// pool. Results are returned in transaction order.
func (e *Engine) AssessBatch(ctx context.Context, txns []*batch.Transaction, biz *directory.Business) []*Assessment {
	out := make([]*Assessment, len(txns))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for i, txn := range txns {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, txn *batch.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = e.Assess(ctx, txn, biz, txns)
		}(i, txn)
	}
	wg.Wait()
	return out
}

// Feedback feeds a human verification outcome into the learning hook.
// A triggered indicator implied risk, so it matched when the human
// rejected the transaction. Adjustment is local to the indicators that
// fired; untriggered indicators are untouched.
func (e *Engine) Feedback(ctx context.Context, a *Assessment, humanRejected bool) {
	for _, ti := range a.Triggered {
		if _, err := e.catalog.Adjust(ctx, ti.IndicatorID, humanRejected); err != nil {
			logging.L(ctx).Warn("confidence adjust failed", "indicator", ti.IndicatorID, "error", err)
		}
	}
}

// Lookup returns the stored assessment for a transaction, if any.
func (e *Engine) Lookup(ctx context.Context, transactionID string) (*Assessment, error) {
	if e.store == nil {
		return nil, ErrAssessmentNotFound
	}
	return e.store.GetByTransaction(ctx, transactionID)
}

func (e *Engine) evaluate(ind catalog.Indicator, txn *batch.Transaction, biz *directory.Business, siblings []*batch.Transaction, ml *MLScore) (bool, string) {
	switch ind.ID {
	case catalog.AfterHours:
		return detectAfterHours(txn, biz)
	case catalog.CustomerVelocity:
		return detectCustomerVelocity(txn, siblings)
	case catalog.UnknownReference:
		return detectUnknownReference(txn, biz)
	case catalog.AmountOutlier:
		return detectAmountOutlier(txn, biz)
	case catalog.CategoryTiming:
		return detectCategoryTiming(txn)
	case catalog.RoundAmount:
		return detectRoundAmount(txn)
	case catalog.DuplicateNarrative:
		return detectDuplicateNarrative(txn, siblings)
	case catalog.MLContent:
		return detectSignal(ml, SignalContent)
	case catalog.MLTiming:
		return detectSignal(ml, SignalTiming)
	case catalog.MLQuality:
		return detectSignal(ml, SignalQuality)
	}
	return false, ""
}

func detectAfterHours(txn *batch.Transaction, biz *directory.Business) (bool, string) {
	if biz == nil {
		return false, ""
	}
	open, known := biz.IsOpenAt(txn.Date)
	if !known || open {
		return false, ""
	}
	day := txn.Date.Weekday()
	if biz.Hours[day].Closed {
		return true, fmt.Sprintf("transaction at %s on %s, business closed that day", txn.Date.Format("15:04"), day)
	}
	return true, fmt.Sprintf("transaction at %s outside %s hours %s-%s", txn.Date.Format("15:04"), day, biz.Hours[day].Open, biz.Hours[day].Close)
}

func detectCustomerVelocity(txn *batch.Transaction, siblings []*batch.Transaction) (bool, string) {
	if txn.CustomerRef == "" {
		return false, ""
	}
	cutoff := txn.Date.Add(-velocityWindow)
	count := 1 // the transaction under assessment
	for _, s := range siblings {
		if s.ID == txn.ID || s.CustomerRef != txn.CustomerRef {
			continue
		}
		if s.Date.After(cutoff) && !s.Date.After(txn.Date) {
			count++
		}
	}
	if count < velocityThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("%d transactions from the same customer within one hour", count)
}

func detectUnknownReference(txn *batch.Transaction, biz *directory.Business) (bool, string) {
	if biz == nil {
		return false, ""
	}
	bc := biz.Context
	if txn.StoreRef != "" && len(bc.Locations) > 0 && !containsFold(bc.Locations, txn.StoreRef) {
		return true, fmt.Sprintf("store reference %q not among known locations", txn.StoreRef)
	}
	if txn.Department != "" && len(bc.Departments) > 0 && !containsFold(bc.Departments, txn.Department) {
		return true, fmt.Sprintf("department %q not in business context", txn.Department)
	}
	if txn.StaffName != "" && len(bc.StaffNames) > 0 && !containsFold(bc.StaffNames, txn.StaffName) {
		return true, fmt.Sprintf("staff name %q not in business context", txn.StaffName)
	}
	return false, ""
}

func detectAmountOutlier(txn *batch.Transaction, biz *directory.Business) (bool, string) {
	if biz == nil || biz.Context.AvgTransactionValue == nil {
		return false, ""
	}
	amount, err := decimal.NewFromString(txn.Amount)
	if err != nil {
		return false, ""
	}
	mean := biz.Context.AvgTransactionValue.InexactFloat64()
	if mean <= 0 {
		return false, ""
	}
	sigma := mean * fallbackStdDev
	if biz.Context.BaselineStdDev != nil && biz.Context.BaselineStdDev.IsPositive() {
		sigma = biz.Context.BaselineStdDev.InexactFloat64()
	}
	z := (amount.InexactFloat64() - mean) / sigma
	if math.Abs(z) < outlierZScore {
		return false, ""
	}
	return true, fmt.Sprintf("amount %s is %.1f standard deviations from the mean %.2f", txn.Amount, z, mean)
}

func detectCategoryTiming(txn *batch.Transaction) (bool, string) {
	deadline, ok := categoryDeadlines[strings.ToLower(txn.Category)]
	if !ok {
		return false, ""
	}
	if txn.Date.Hour() < deadline {
		return false, ""
	}
	return true, fmt.Sprintf("%s-category transaction logged at %s, after %02d:00", txn.Category, txn.Date.Format("15:04"), deadline)
}

func detectRoundAmount(txn *batch.Transaction) (bool, string) {
	amount, err := decimal.NewFromString(txn.Amount)
	if err != nil {
		return false, ""
	}
	if amount.LessThan(decimal.NewFromInt(roundAmountFloor)) {
		return false, ""
	}
	if !amount.Mod(decimal.NewFromInt(roundAmountStep)).IsZero() {
		return false, ""
	}
	return true, fmt.Sprintf("suspiciously round amount %s", txn.Amount)
}

func detectDuplicateNarrative(txn *batch.Transaction, siblings []*batch.Transaction) (bool, string) {
	norm := normalizeNarrative(txn.Narrative)
	if len(norm) < 10 {
		return false, ""
	}
	for _, s := range siblings {
		if s.ID == txn.ID {
			continue
		}
		if normalizeNarrative(s.Narrative) == norm {
			return true, fmt.Sprintf("narrative identical to transaction %s", s.ID)
		}
	}
	return false, ""
}

func detectSignal(ml *MLScore, signal string) (bool, string) {
	if ml == nil {
		return false, ""
	}
	v, ok := ml.Signals[signal]
	if !ok || v < mlTriggerFloor {
		return false, ""
	}
	return true, fmt.Sprintf("%s signal scored %.0f", signal, v)
}

// riskLevel applies the decision table: the max triggered severity and the
// blended score each map to a level, and the more severe wins.
func riskLevel(maxSeverityRank int, score float64) RiskLevel {
	switch {
	case maxSeverityRank >= catalog.SeverityCritical.Rank() || score >= 80:
		return LevelCritical
	case maxSeverityRank >= catalog.SeverityHigh.Rank() || score >= 60:
		return LevelHigh
	case maxSeverityRank >= catalog.SeverityMedium.Rank() || score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelSafe
	}
}

// confidence averages triggered indicator confidences, scaled down when
// the transaction lacks a narrative or quality score. A clean result
// carries a fixed high confidence.
func (e *Engine) confidence(triggered []TriggeredIndicator, txn *batch.Transaction) float64 {
	if len(triggered) == 0 {
		return cleanConfidence
	}
	sum := 0.0
	for _, ti := range triggered {
		sum += ti.Confidence
	}
	conf := sum / float64(len(triggered))
	if strings.TrimSpace(txn.Narrative) == "" {
		conf *= noNarrativePenalty
	}
	if txn.QualityScore == nil {
		conf *= noQualityPenalty
	}
	return conf
}

func clampScore(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(needle)) {
			return true
		}
	}
	return false
}

func normalizeNarrative(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
