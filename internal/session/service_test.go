package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplaza/payguard/internal/audit"
	"github.com/jplaza/payguard/internal/batch"
	"github.com/jplaza/payguard/internal/catalog"
	"github.com/jplaza/payguard/internal/directory"
	"github.com/jplaza/payguard/internal/fraud"
)

type fixture struct {
	service    *Service
	batches    *batch.Lifecycle
	store      *MemoryStore
	auditStore *audit.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := directory.NewMemoryStore()
	biz := &directory.Business{ID: "biz_1", Name: "Corner Cafe", Status: directory.StatusActive, Category: "cafe"}
	for d := range biz.Hours {
		biz.Hours[d] = directory.DayHours{Open: "07:00", Close: "22:00"}
	}
	dir.Put(biz)

	auditStore := audit.NewMemoryStore()
	trail := audit.NewTrail(auditStore)
	engine := fraud.NewEngine(catalog.New(context.Background(), catalog.Defaults(), nil, nil),
		fraud.WithStore(fraud.NewMemoryStore()))
	batches := batch.NewLifecycle(batch.NewMemoryStore(), dir, trail)
	store := NewMemoryStore()
	service := NewService(store, batches, engine, dir, trail, opts...)
	batches.SetSessions(service)
	return &fixture{service: service, batches: batches, store: store, auditStore: auditStore}
}

// release imports and releases a batch with n clean daytime transactions,
// returning (batchID, sessionID).
func (f *fixture) release(t *testing.T, n int) (string, string) {
	t.Helper()
	txns := make([]*batch.Transaction, n)
	for i := range txns {
		quality := 4
		txns[i] = &batch.Transaction{
			Date:         time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC).Add(time.Duration(i) * 2 * time.Hour),
			Amount:       "20.00",
			CustomerRef:  fmt.Sprintf("cust_%d", i),
			Narrative:    fmt.Sprintf("friendly visit number %d, quick service", i),
			QualityScore: &quality,
		}
	}
	b, err := f.batches.Create(context.Background(), batch.CreateRequest{
		BusinessID: "biz_1", Week: 23, Year: 2025, CreatedBy: "adm_1", Transactions: txns,
	})
	require.NoError(t, err)
	res, err := f.batches.Release(context.Background(), b.ID, batch.ReleaseRequest{ActorID: "adm_1"})
	require.NoError(t, err)
	require.NotNil(t, res.Batch, "release rejected: %+v", res.Rejection)
	return b.ID, res.SessionID
}

func TestOpenForBatchSeedsResultsAndScores(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 5)

	sess, err := f.service.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, sess.Status)
	assert.Equal(t, 5, sess.TotalTransactions)
	assert.Equal(t, float64(30), sess.AutoApprovalThreshold)
	assert.False(t, sess.Deadline.IsZero())

	results, err := f.service.Results(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.False(t, r.Decided())
		require.NotNil(t, r.RiskScore, "transaction %s was not pre-scored", r.TransactionID)
		assert.NotEmpty(t, r.AssessmentID)
	}
}

func TestOnlyOneActiveSessionPerBatch(t *testing.T) {
	f := newFixture(t)
	batchID, _ := f.release(t, 2)

	b, err := f.batches.Get(context.Background(), batchID)
	require.NoError(t, err)
	_, err = f.service.OpenForBatch(context.Background(), b, false)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestStartTransitionsSessionAndBatch(t *testing.T) {
	f := newFixture(t)
	batchID, sessionID := f.release(t, 2)

	sess, err := f.service.Start(context.Background(), sessionID, "ver_1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, sess.Status)
	require.NotNil(t, sess.StartedAt)

	// Second open is a no-op, not an error.
	again, err := f.service.Start(context.Background(), sessionID, "ver_2")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, again.Status)

	b, err := f.batches.Get(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusInProgress, b.Status)

	entries, err := f.auditStore.Query(context.Background(), audit.Filter{SessionID: sessionID, Event: audit.EventVerificationStarted})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordDecisionFlow(t *testing.T) {
	f := newFixture(t)
	batchID, sessionID := f.release(t, 3)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)

	// Decisions before start of session are rejected elsewhere; approve two,
	// reject one.
	for i, r := range results[:2] {
		res, err := f.service.RecordDecision(ctx, sessionID, DecisionRequest{
			TransactionID:  r.TransactionID,
			Decision:       DecisionApproved,
			VerifierID:     "ver_1",
			ElapsedSeconds: float64(3 + i),
		})
		require.NoError(t, err)
		assert.Equal(t, DecisionApproved, *res.Decision)
		assert.Equal(t, "ver_1", res.VerifiedBy)
	}

	progress, err := f.service.Progress(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Session.VerifiedTransactions)
	assert.InDelta(t, 66.67, progress.CompletionPercentage, 0.01)
	assert.Equal(t, 1, progress.PendingCount)

	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{
		TransactionID: results[2].TransactionID,
		Decision:      DecisionRejected,
		Reason:        ReasonNotFound,
		VerifierID:    "ver_1",
	})
	require.NoError(t, err)

	// Last decision completes the session and the batch.
	sess, err := f.service.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, 2, sess.ApprovedCount)
	assert.Equal(t, 1, sess.RejectedCount)
	require.NotNil(t, sess.CompletedAt)
	assert.Greater(t, sess.AverageRiskScore, 0.0)

	b, err := f.batches.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, b.Status)

	entries, err := f.auditStore.Query(ctx, audit.Filter{SessionID: sessionID, Event: audit.EventVerificationCompleted})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordDecisionValidation(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 2)
	ctx := context.Background()

	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	txnID := results[0].TransactionID

	// Session not started yet.
	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: txnID, Decision: DecisionApproved})
	assert.ErrorIs(t, err, ErrSessionNotActive)

	_, err = f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	// Rejection without a reason.
	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: txnID, Decision: DecisionRejected})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	// pending_review is reserved for auto-resolution.
	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: txnID, Decision: DecisionPendingReview})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	// Unknown transaction.
	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: "txr_nope", Decision: DecisionApproved})
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestRecordDecisionIsWriteOnce(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 2)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	txnID := results[0].TransactionID

	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: txnID, Decision: DecisionApproved, VerifierID: "ver_1"})
	require.NoError(t, err)

	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: txnID, Decision: DecisionRejected, Reason: ReasonDuplicate, VerifierID: "ver_2"})
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	// The first decision is unchanged.
	r, err := f.store.GetResult(ctx, sessionID, txnID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, *r.Decision)
	assert.Equal(t, "ver_1", r.VerifiedBy)
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 1)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	txnID := results[0].TransactionID

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := DecisionApproved
			req := DecisionRequest{TransactionID: txnID, Decision: decision, VerifierID: fmt.Sprintf("ver_%d", i)}
			if i%2 == 1 {
				req.Decision = DecisionRejected
				req.Reason = ReasonDuplicate
			}
			_, errs[i] = f.service.RecordDecision(ctx, sessionID, req)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one decision must win, errs: %v", errs)
}

func TestAutoResolutionScenario(t *testing.T) {
	// 150 transactions, 25 verified by hand, threshold 30: unverified
	// transactions below 30 are approved, the rest deferred, the batch is
	// auto_approved, and the audit trail carries one entry per resolved
	// transaction plus one summary.
	f := newFixture(t, WithThreshold(30))
	batchID, sessionID := f.release(t, 150)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, results, 150)

	for _, r := range results[:25] {
		_, err := f.service.RecordDecision(ctx, sessionID, DecisionRequest{
			TransactionID: r.TransactionID, Decision: DecisionApproved, VerifierID: "ver_1",
		})
		require.NoError(t, err)
	}

	// Pin controlled risk scores on the unverified remainder: 100 low
	// risk, 25 high risk.
	for i, r := range results[25:] {
		score := 12.0
		if i >= 100 {
			score = 55.0
		}
		require.NoError(t, f.store.AttachAssessment(ctx, sessionID, r.TransactionID, r.AssessmentID, score))
	}

	require.NoError(t, f.service.AutoResolve(ctx, sessionID))

	sess, err := f.service.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sess.Status)
	assert.Equal(t, 25+100, sess.ApprovedCount)
	assert.Equal(t, 0, sess.RejectedCount)

	resolved, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	approved, pending := 0, 0
	for _, r := range resolved {
		require.True(t, r.Decided(), "transaction %s left undecided", r.TransactionID)
		switch *r.Decision {
		case DecisionApproved:
			approved++
		case DecisionPendingReview:
			pending++
			assert.Empty(t, r.RejectionReason, "auto-resolution must never reject")
		}
	}
	assert.Equal(t, 125, approved)
	assert.Equal(t, 25, pending)

	b, err := f.batches.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusAutoApproved, b.Status)

	perTxn, err := f.auditStore.Query(ctx, audit.Filter{SessionID: sessionID, Event: audit.EventAutoApprovalTriggered, Limit: 500})
	require.NoError(t, err)
	assert.Len(t, perTxn, 125, "one audit entry per auto-resolved transaction")

	summary, err := f.auditStore.Query(ctx, audit.Filter{SessionID: sessionID, Event: audit.EventAutoResolutionSummary})
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, 100, summary[0].Metadata["autoApproved"])
	assert.Equal(t, 25, summary[0].Metadata["pendingReview"])
}

func TestAutoResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 3)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	require.NoError(t, f.service.AutoResolve(ctx, sessionID))
	before, err := f.auditStore.Query(ctx, audit.Filter{SessionID: sessionID, Limit: 200})
	require.NoError(t, err)

	require.NoError(t, f.service.AutoResolve(ctx, sessionID))
	after, err := f.auditStore.Query(ctx, audit.Filter{SessionID: sessionID, Limit: 200})
	require.NoError(t, err)

	assert.Equal(t, len(before), len(after), "repeated expiry must not duplicate audit entries")
}

func TestUnscoredTransactionsAreDeferred(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 2)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	// Strip the pre-computed scores to simulate a scoring outage.
	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	for _, r := range results {
		r.RiskScore = nil
		r.AssessmentID = ""
		require.NoError(t, f.store.UpdateResult(ctx, r))
	}

	require.NoError(t, f.service.AutoResolve(ctx, sessionID))

	resolved, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	for _, r := range resolved {
		assert.Equal(t, DecisionPendingReview, *r.Decision, "unscored transactions must not be auto-approved")
	}
}

func TestOverrideRecountsAndAudits(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 2)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	txnID := results[0].TransactionID

	// Override before any decision exists is refused.
	_, err = f.service.Override(ctx, sessionID, txnID, OverrideRequest{Decision: DecisionRejected, Reason: ReasonDuplicate, ActorID: "adm_1"})
	assert.ErrorIs(t, err, ErrNotDecided)

	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: txnID, Decision: DecisionApproved, VerifierID: "ver_1"})
	require.NoError(t, err)

	r, err := f.service.Override(ctx, sessionID, txnID, OverrideRequest{Decision: DecisionRejected, Reason: ReasonAmountMismatch, ActorID: "adm_1"})
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, *r.Decision)
	assert.Equal(t, ReasonAmountMismatch, r.RejectionReason)

	sess, err := f.service.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.ApprovedCount)
	assert.Equal(t, 1, sess.RejectedCount)
	assert.Equal(t, 1, sess.VerifiedTransactions)

	entries, err := f.auditStore.Query(ctx, audit.Filter{SessionID: sessionID, Event: audit.EventDecisionOverridden})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Metadata[audit.BypassFlag])
	assert.Equal(t, string(DecisionApproved), entries[0].BeforeState)
	assert.Equal(t, string(DecisionRejected), entries[0].AfterState)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 2)
	ctx := context.Background()
	_, err := f.service.Start(ctx, sessionID, "ver_1")
	require.NoError(t, err)

	sess, err := f.service.Pause(ctx, sessionID, "ver_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, sess.Status)
	assert.Equal(t, 1, sess.PauseCount)

	// Decisions are refused while paused.
	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)
	_, err = f.service.RecordDecision(ctx, sessionID, DecisionRequest{TransactionID: results[0].TransactionID, Decision: DecisionApproved})
	assert.ErrorIs(t, err, ErrSessionNotActive)

	sess, err = f.service.Resume(ctx, sessionID, "ver_1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, sess.Status)

	_, err = f.service.Resume(ctx, sessionID, "ver_1")
	assert.ErrorIs(t, err, ErrInvalidStatusChange)
}

func TestFlagTransaction(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 1)
	ctx := context.Background()

	results, err := f.service.Results(ctx, sessionID)
	require.NoError(t, err)

	r, err := f.service.Flag(ctx, sessionID, results[0].TransactionID, "looks odd", "ver_1")
	require.NoError(t, err)
	assert.True(t, r.Flagged)
	assert.Equal(t, "looks odd", r.FlagNote)
	assert.False(t, r.Decided(), "flagging must not decide the transaction")

	entries, err := f.auditStore.Query(ctx, audit.Filter{SessionID: sessionID, Event: audit.EventTransactionFlagged})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeadlineProviderView(t *testing.T) {
	f := newFixture(t)
	_, sessionID := f.release(t, 2)
	ctx := context.Background()

	targets, err := f.service.ActiveDeadlines(ctx, 100)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, sessionID, targets[0].SessionID)
	assert.Equal(t, "adm_1", targets[0].OwnerID)
	assert.False(t, targets[0].Deadline.IsZero())

	claimed, err := f.service.ClaimWarning(ctx, sessionID, 72)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = f.service.ClaimWarning(ctx, sessionID, 72)
	require.NoError(t, err)
	assert.False(t, claimed, "warning threshold must claim exactly once")

	targets, err = f.service.ActiveDeadlines(ctx, 100)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, []int{72}, targets[0].WarningsSent)
}

func TestCancelForBatchTearsDownSession(t *testing.T) {
	f := newFixture(t)
	batchID, sessionID := f.release(t, 2)
	ctx := context.Background()

	_, err := f.batches.Cancel(ctx, batchID, "imported twice", "adm_1")
	require.NoError(t, err)

	sess, err := f.service.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sess.Status)

	active, err := f.service.HasActiveSession(ctx, batchID)
	require.NoError(t, err)
	assert.False(t, active)
}
