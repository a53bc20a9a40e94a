//go:build integration

package fraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jplaza/payguard/internal/catalog"
	"github.com/jplaza/payguard/internal/testutil"
)

func setupPGStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgAssessment(id, txnID string) *Assessment {
	return &Assessment{
		ID:             id,
		TransactionID:  txnID,
		BatchID:        "batch_pg_fraud",
		BusinessID:     "biz_pg",
		RiskScore:      35,
		RiskLevel:      LevelMedium,
		Confidence:     0.8,
		Recommendation: LevelMedium.Recommendation(),
		Triggered: []TriggeredIndicator{
			{
				IndicatorID:  catalog.AfterHours,
				Name:         "After-hours transaction",
				Severity:     catalog.SeverityMedium,
				Confidence:   0.7,
				Contribution: 35,
				Detail:       "02:14 local time",
			},
		},
		EvaluatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPostgres_AssessmentRoundTrip(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	a := pgAssessment("assess_pg_rt", "txn_pg_rt")
	ml := 62.5
	a.MLScore = &ml
	if err := store.Record(ctx, a); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := store.GetByTransaction(ctx, "txn_pg_rt")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if got.ID != "assess_pg_rt" || got.BatchID != "batch_pg_fraud" {
		t.Errorf("Assessment identity mismatch: %+v", got)
	}
	if got.RiskScore != 35 || got.RiskLevel != LevelMedium {
		t.Errorf("Expected score 35 medium, got %v %s", got.RiskScore, got.RiskLevel)
	}
	if got.MLScore == nil || *got.MLScore != 62.5 {
		t.Errorf("Expected ML score 62.5, got %v", got.MLScore)
	}
	if len(got.Triggered) != 1 {
		t.Fatalf("Expected 1 triggered indicator, got %d", len(got.Triggered))
	}
	ind := got.Triggered[0]
	if ind.IndicatorID != catalog.AfterHours || ind.Contribution != 35 {
		t.Errorf("Triggered indicator mismatch: %+v", ind)
	}
	if ind.Detail != "02:14 local time" {
		t.Errorf("Expected detail to round-trip, got %q", ind.Detail)
	}
}

func TestPostgres_AssessmentWithoutSignals(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	a := pgAssessment("assess_pg_clean", "txn_pg_clean")
	a.RiskScore = 0
	a.RiskLevel = LevelSafe
	a.Recommendation = LevelSafe.Recommendation()
	a.Triggered = nil
	a.ContextMissing = true
	if err := store.Record(ctx, a); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := store.GetByTransaction(ctx, "txn_pg_clean")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if got.MLScore != nil {
		t.Errorf("Expected nil ML score, got %v", *got.MLScore)
	}
	if len(got.Triggered) != 0 {
		t.Errorf("Expected no triggered indicators, got %+v", got.Triggered)
	}
	if !got.ContextMissing {
		t.Error("Expected contextMissing to round-trip")
	}
}

func TestPostgres_RescoringUpserts(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.Record(ctx, pgAssessment("assess_pg_v1", "txn_pg_upsert")); err != nil {
		t.Fatalf("First Record failed: %v", err)
	}

	rescored := pgAssessment("assess_pg_v2", "txn_pg_upsert")
	rescored.RiskScore = 80
	rescored.RiskLevel = LevelHigh
	rescored.Recommendation = LevelHigh.Recommendation()
	rescored.EvaluatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := store.Record(ctx, rescored); err != nil {
		t.Fatalf("Re-scoring Record failed: %v", err)
	}

	got, err := store.GetByTransaction(ctx, "txn_pg_upsert")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if got.ID != "assess_pg_v2" || got.RiskScore != 80 || got.RiskLevel != LevelHigh {
		t.Errorf("Expected the re-scored assessment, got %+v", got)
	}

	all, err := store.ListByBatch(ctx, "batch_pg_fraud")
	if err != nil {
		t.Fatalf("ListByBatch failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Upsert should keep one row per transaction, got %d", len(all))
	}
}

func TestPostgres_ListByBatchOrdersByTime(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	later := pgAssessment("assess_pg_b", "txn_pg_b")
	earlier := pgAssessment("assess_pg_a", "txn_pg_a")
	earlier.EvaluatedAt = later.EvaluatedAt.Add(-time.Minute)
	outside := pgAssessment("assess_pg_x", "txn_pg_x")
	outside.BatchID = "batch_pg_other"
	for _, a := range []*Assessment{later, earlier, outside} {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("Record %s failed: %v", a.ID, err)
		}
	}

	got, err := store.ListByBatch(ctx, "batch_pg_fraud")
	if err != nil {
		t.Fatalf("ListByBatch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 assessments, got %d", len(got))
	}
	if got[0].ID != "assess_pg_a" || got[1].ID != "assess_pg_b" {
		t.Errorf("Expected oldest first, got %s then %s", got[0].ID, got[1].ID)
	}
}

func TestPostgres_AssessmentNotFound(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	if _, err := store.GetByTransaction(context.Background(), "txn_pg_missing"); !errors.Is(err, ErrAssessmentNotFound) {
		t.Errorf("Expected ErrAssessmentNotFound, got %v", err)
	}
}
