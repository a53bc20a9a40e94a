package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jplaza/payguard/internal/batch"
	"github.com/jplaza/payguard/internal/catalog"
	"github.com/jplaza/payguard/internal/directory"
)

func testEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	cat := catalog.New(context.Background(), catalog.Defaults(), nil, nil)
	return NewEngine(cat, opts...)
}

// cafeBusiness is open 08:00-18:00 every day except Sunday (closed).
func cafeBusiness() *directory.Business {
	avg := decimal.NewFromInt(20)
	biz := &directory.Business{
		ID:       "biz_cafe",
		Name:     "Corner Cafe",
		Status:   directory.StatusActive,
		Category: "cafe",
		Context: directory.BusinessContext{
			Version:             1,
			Departments:         []string{"Kitchen", "Front"},
			StaffNames:          []string{"Ana", "Luis"},
			Locations:           []string{"Main St"},
			AvgTransactionValue: &avg,
		},
	}
	for d := range biz.Hours {
		biz.Hours[d] = directory.DayHours{Open: "08:00", Close: "18:00"}
	}
	biz.Hours[time.Sunday] = directory.DayHours{Closed: true}
	return biz
}

// sunday returns a Sunday timestamp at the given hour.
func sunday(hour int) time.Time {
	return time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC) // 2025-06-01 is a Sunday
}

func monday(hour int) time.Time {
	return time.Date(2025, 6, 2, hour, 0, 0, 0, time.UTC)
}

func cleanTxn(id string) *batch.Transaction {
	quality := 4
	return &batch.Transaction{
		ID:           id,
		BatchID:      "bat_1",
		Date:         monday(12),
		Amount:       "19.75",
		CustomerRef:  "cust_" + id,
		StoreRef:     "Main St",
		Narrative:    "great cortado and friendly service at the counter",
		QualityScore: &quality,
	}
}

func TestCleanTransactionIsSafe(t *testing.T) {
	engine := testEngine(t)
	a := engine.Assess(context.Background(), cleanTxn("t1"), cafeBusiness(), nil)

	if a.RiskLevel != LevelSafe && a.RiskLevel != LevelLow {
		t.Errorf("clean transaction scored %s (score %.2f, triggered %v)", a.RiskLevel, a.RiskScore, a.Triggered)
	}
	if a.Recommendation != "proceed normally" {
		t.Errorf("expected proceed normally, got %q", a.Recommendation)
	}
}

func TestClosedDayForcesCritical(t *testing.T) {
	engine := testEngine(t)
	txn := cleanTxn("t1")
	txn.Date = sunday(3) // 03:00 on a closed day

	a := engine.Assess(context.Background(), txn, cafeBusiness(), nil)

	var afterHours *TriggeredIndicator
	for i := range a.Triggered {
		if a.Triggered[i].IndicatorID == catalog.AfterHours {
			afterHours = &a.Triggered[i]
		}
	}
	if afterHours == nil {
		t.Fatalf("after_hours did not trigger: %v", a.Triggered)
	}
	if afterHours.Severity != catalog.SeverityCritical {
		t.Errorf("after_hours severity = %s, want critical", afterHours.Severity)
	}
	if a.RiskLevel != LevelCritical {
		t.Errorf("risk level = %s, want critical (score %.2f)", a.RiskLevel, a.RiskScore)
	}
	if a.Recommendation != "flag for manual review" {
		t.Errorf("unexpected recommendation %q", a.Recommendation)
	}
}

func TestCriticalSeverityOverridesLowScore(t *testing.T) {
	// A critical indicator must force at least high regardless of the
	// blended score.
	engine := testEngine(t)
	txn := cleanTxn("t1")
	txn.Date = sunday(9) // closed day but otherwise unremarkable

	a := engine.Assess(context.Background(), txn, cafeBusiness(), nil)
	if a.RiskLevel != LevelCritical {
		t.Errorf("risk level = %s, want critical", a.RiskLevel)
	}
}

func TestAfterHoursRequiresKnownHours(t *testing.T) {
	engine := testEngine(t)
	biz := cafeBusiness()
	biz.Hours = [7]directory.DayHours{} // hours unknown

	txn := cleanTxn("t1")
	txn.Date = sunday(3)

	a := engine.Assess(context.Background(), txn, biz, nil)
	for _, ti := range a.Triggered {
		if ti.IndicatorID == catalog.AfterHours {
			t.Errorf("after_hours triggered with unknown hours")
		}
	}
}

func TestCustomerVelocityBurst(t *testing.T) {
	engine := testEngine(t)
	base := monday(12)
	var siblings []*batch.Transaction
	for i := 0; i < 3; i++ {
		txn := cleanTxn(fmt.Sprintf("t%d", i))
		txn.CustomerRef = "cust_burst"
		txn.Date = base.Add(time.Duration(i*10) * time.Minute)
		siblings = append(siblings, txn)
	}

	a := engine.Assess(context.Background(), siblings[2], cafeBusiness(), siblings)
	if !hasIndicator(a, catalog.CustomerVelocity) {
		t.Errorf("customer_velocity did not trigger: %v", a.Triggered)
	}

	// Two transactions an hour apart must not trigger.
	spread := []*batch.Transaction{siblings[0], siblings[2]}
	spread[1].Date = base.Add(2 * time.Hour)
	a = engine.Assess(context.Background(), spread[1], cafeBusiness(), spread)
	if hasIndicator(a, catalog.CustomerVelocity) {
		t.Errorf("customer_velocity triggered for spread-out transactions")
	}
}

func TestUnknownStaffReference(t *testing.T) {
	engine := testEngine(t)
	txn := cleanTxn("t1")
	txn.StaffName = "Nadia"

	a := engine.Assess(context.Background(), txn, cafeBusiness(), nil)
	if !hasIndicator(a, catalog.UnknownReference) {
		t.Errorf("unknown_reference did not trigger for unknown staff name")
	}

	txn.StaffName = "ana" // case-insensitive match against context
	a = engine.Assess(context.Background(), txn, cafeBusiness(), nil)
	if hasIndicator(a, catalog.UnknownReference) {
		t.Errorf("unknown_reference triggered for known staff name")
	}
}

func TestAmountOutlier(t *testing.T) {
	engine := testEngine(t)
	txn := cleanTxn("t1")
	txn.Amount = "95.00" // mean 20, fallback sigma 6 → z = 12.5

	a := engine.Assess(context.Background(), txn, cafeBusiness(), nil)
	if !hasIndicator(a, catalog.AmountOutlier) {
		t.Errorf("amount_outlier did not trigger for 95.00 against mean 20")
	}

	// With a wide explicit baseline the same amount is unremarkable.
	biz := cafeBusiness()
	wide := decimal.NewFromInt(40)
	biz.Context.BaselineStdDev = &wide
	a = engine.Assess(context.Background(), txn, biz, nil)
	if hasIndicator(a, catalog.AmountOutlier) {
		t.Errorf("amount_outlier triggered despite wide baseline")
	}
}

func TestCategoryTiming(t *testing.T) {
	engine := testEngine(t)
	txn := cleanTxn("t1")
	txn.Category = "breakfast"
	txn.Date = monday(15) // breakfast feedback at 15:00

	a := engine.Assess(context.Background(), txn, cafeBusiness(), nil)
	if !hasIndicator(a, catalog.CategoryTiming) {
		t.Errorf("category_timing did not trigger for late breakfast")
	}

	txn.Date = monday(9)
	a = engine.Assess(context.Background(), txn, cafeBusiness(), nil)
	if hasIndicator(a, catalog.CategoryTiming) {
		t.Errorf("category_timing triggered for morning breakfast")
	}
}

func TestDuplicateNarrative(t *testing.T) {
	engine := testEngine(t)
	a1 := cleanTxn("t1")
	a2 := cleanTxn("t2")
	a2.Narrative = "  Great CORTADO and friendly   service at the counter "
	siblings := []*batch.Transaction{a1, a2}

	a := engine.Assess(context.Background(), a2, cafeBusiness(), siblings)
	if !hasIndicator(a, catalog.DuplicateNarrative) {
		t.Errorf("duplicate_narrative did not trigger for normalized duplicate")
	}
}

func TestMissingBusinessDegradesGracefully(t *testing.T) {
	engine := testEngine(t)
	txn := cleanTxn("t1")
	txn.Date = sunday(3)

	a := engine.Assess(context.Background(), txn, nil, nil)
	if !a.ContextMissing {
		t.Errorf("ContextMissing not set")
	}
	if hasIndicator(a, catalog.AfterHours) {
		t.Errorf("after_hours triggered without business context")
	}
}

func TestConfidenceDegradation(t *testing.T) {
	engine := testEngine(t)

	// Clean result carries the fixed confidence.
	a := engine.Assess(context.Background(), cleanTxn("t1"), cafeBusiness(), nil)
	if len(a.Triggered) == 0 && a.Confidence != 0.9 {
		t.Errorf("clean confidence = %.2f, want 0.90", a.Confidence)
	}

	// Same triggering transaction with and without narrative/quality.
	full := cleanTxn("t2")
	full.Date = sunday(9)
	withBoth := engine.Assess(context.Background(), full, cafeBusiness(), nil)

	bare := cleanTxn("t3")
	bare.Date = sunday(9)
	bare.Narrative = ""
	bare.QualityScore = nil
	withNeither := engine.Assess(context.Background(), bare, cafeBusiness(), nil)

	if withNeither.Confidence >= withBoth.Confidence {
		t.Errorf("confidence did not degrade: %.2f >= %.2f", withNeither.Confidence, withBoth.Confidence)
	}
}

func TestAssessIsDeterministic(t *testing.T) {
	engine := testEngine(t)
	txn := cleanTxn("t1")
	txn.Date = sunday(3)
	biz := cafeBusiness()

	first := engine.Assess(context.Background(), txn, biz, nil)
	second := engine.Assess(context.Background(), txn, biz, nil)

	if first.RiskScore != second.RiskScore {
		t.Errorf("risk score changed across identical assessments: %.2f vs %.2f", first.RiskScore, second.RiskScore)
	}
	if first.RiskLevel != second.RiskLevel {
		t.Errorf("risk level changed across identical assessments: %s vs %s", first.RiskLevel, second.RiskLevel)
	}
	if first.Confidence != second.Confidence {
		t.Errorf("confidence changed across identical assessments")
	}
}

func TestScoreClampedTo100(t *testing.T) {
	engine := testEngine(t)
	quality := 5
	txn := &batch.Transaction{
		ID:           "t1",
		BatchID:      "bat_1",
		Date:         sunday(3),
		Amount:       "150.00",
		CustomerRef:  "cust_burst",
		StoreRef:     "Nowhere",
		StaffName:    "Ghost",
		Category:     "breakfast",
		QualityScore: &quality,
	}
	siblings := []*batch.Transaction{txn}
	for i := 0; i < 4; i++ {
		s := *txn
		s.ID = fmt.Sprintf("s%d", i)
		s.Date = txn.Date.Add(-time.Duration(i+1) * 5 * time.Minute)
		siblings = append(siblings, &s)
	}

	a := engine.Assess(context.Background(), txn, cafeBusiness(), siblings)
	if a.RiskScore > 100 {
		t.Errorf("risk score exceeds 100: %.2f", a.RiskScore)
	}
	if a.RiskLevel != LevelCritical {
		t.Errorf("risk level = %s, want critical", a.RiskLevel)
	}
}

func TestAssessBatchScoresEverything(t *testing.T) {
	engine := testEngine(t, WithStore(NewMemoryStore()), WithWorkers(4))
	var txns []*batch.Transaction
	for i := 0; i < 20; i++ {
		txns = append(txns, cleanTxn(fmt.Sprintf("t%d", i)))
	}

	out := engine.AssessBatch(context.Background(), txns, cafeBusiness())
	if len(out) != len(txns) {
		t.Fatalf("got %d assessments for %d transactions", len(out), len(txns))
	}
	for i, a := range out {
		if a == nil || a.TransactionID != txns[i].ID {
			t.Errorf("assessment %d out of order or missing", i)
		}
	}
}

func TestFeedbackAdjustsConfidence(t *testing.T) {
	cat := catalog.New(context.Background(), catalog.Defaults(), nil, nil)
	engine := NewEngine(cat)

	txn := cleanTxn("t1")
	txn.Date = sunday(9)
	a := engine.Assess(context.Background(), txn, cafeBusiness(), nil)
	if !hasIndicator(a, catalog.AfterHours) {
		t.Fatalf("after_hours did not trigger")
	}
	before, err := cat.Get(catalog.AfterHours)
	if err != nil {
		t.Fatal(err)
	}

	// Human approved despite the trigger: confidence drops.
	engine.Feedback(context.Background(), a, false)
	after, err := cat.Get(catalog.AfterHours)
	if err != nil {
		t.Fatal(err)
	}
	if after.Confidence >= before.Confidence {
		t.Errorf("confidence did not drop after mismatch: %.2f -> %.2f", before.Confidence, after.Confidence)
	}

	// Human rejected: confidence recovers.
	engine.Feedback(context.Background(), a, true)
	recovered, err := cat.Get(catalog.AfterHours)
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Confidence <= after.Confidence {
		t.Errorf("confidence did not rise after match")
	}
}

func hasIndicator(a *Assessment, id string) bool {
	for _, ti := range a.Triggered {
		if ti.IndicatorID == id {
			return true
		}
	}
	return false
}
