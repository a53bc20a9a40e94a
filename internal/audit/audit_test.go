package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailAppendStampsIdentity(t *testing.T) {
	trail := NewTrail(NewMemoryStore())
	ctx := context.Background()

	id, err := trail.Append(ctx, &Entry{
		Event:   EventBatchCreated,
		Actor:   Actor{Type: "admin", ID: "adm_1"},
		BatchID: "bat_1",
	})
	require.NoError(t, err)
	assert.Contains(t, id, "aud_")

	entries, next, err := trail.Query(ctx, Filter{BatchID: "bat_1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.False(t, entries[0].RecordedAt.IsZero())
	assert.False(t, entries[0].OccurredAt.IsZero())
	assert.Empty(t, next)
}

func TestTrailQueryFilters(t *testing.T) {
	trail := NewTrail(NewMemoryStore())
	ctx := context.Background()

	_, err := trail.Append(ctx, &Entry{Event: EventTransactionApproved, SessionID: "vs_1", Actor: Actor{Type: "verifier", ID: "ver_1"}})
	require.NoError(t, err)
	_, err = trail.Append(ctx, &Entry{Event: EventTransactionRejected, SessionID: "vs_1", Actor: Actor{Type: "verifier", ID: "ver_2"}})
	require.NoError(t, err)
	_, err = trail.Append(ctx, &Entry{Event: EventTransactionApproved, SessionID: "vs_2", Actor: Actor{Type: "verifier", ID: "ver_1"}})
	require.NoError(t, err)

	entries, _, err := trail.Query(ctx, Filter{SessionID: "vs_1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, _, err = trail.Query(ctx, Filter{ActorID: "ver_1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, _, err = trail.Query(ctx, Filter{SessionID: "vs_1", Event: EventTransactionRejected})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ver_2", entries[0].Actor.ID)
}

func TestTrailQueryPaginationIsStable(t *testing.T) {
	trail := NewTrail(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := trail.Append(ctx, &Entry{Event: EventTransactionApproved, BatchID: "bat_pg"})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		entries, next, err := trail.Query(ctx, Filter{BatchID: "bat_pg", Cursor: cursor, Limit: 10})
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, seen[e.ID], "entry %s repeated across pages", e.ID)
			seen[e.ID] = true
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 25)
}

func TestTrailOrderedByRecordedAt(t *testing.T) {
	trail := NewTrail(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := trail.Append(ctx, &Entry{Event: EventBatchCreated, BusinessID: "biz_1"})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	entries, _, err := trail.Query(ctx, Filter{BusinessID: "biz_1"})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].RecordedAt.Before(entries[i-1].RecordedAt))
	}
}
