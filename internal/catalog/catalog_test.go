package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCatalog(t *testing.T, store Store) *Catalog {
	t.Helper()
	return New(context.Background(), Defaults(), store, discardLogger())
}

func TestDefaults_Complete(t *testing.T) {
	c := newTestCatalog(t, nil)

	all := c.All()
	require.NotEmpty(t, all)

	seen := map[Method]int{}
	for _, ind := range all {
		assert.NotEmpty(t, ind.ID)
		assert.NotEmpty(t, ind.Name)
		assert.GreaterOrEqual(t, ind.Confidence, MinConfidence)
		assert.LessOrEqual(t, ind.Confidence, MaxConfidence)
		assert.NotZero(t, ind.Severity.Rank(), "indicator %s has unknown severity", ind.ID)
		seen[ind.Method]++
	}

	// All three detection methods ship by default
	assert.Positive(t, seen[MethodRule])
	assert.Positive(t, seen[MethodStatistical])
	assert.Positive(t, seen[MethodML])
}

func TestApplicable_FiltersByCategory(t *testing.T) {
	c := newTestCatalog(t, nil)

	restaurant := c.Applicable("restaurant")
	retail := c.Applicable("retail")

	ids := func(inds []Indicator) map[string]bool {
		m := map[string]bool{}
		for _, i := range inds {
			m[i.ID] = true
		}
		return m
	}

	assert.True(t, ids(restaurant)[CategoryTiming])
	assert.False(t, ids(retail)[CategoryTiming])

	// Uncategorized indicators apply everywhere
	assert.True(t, ids(restaurant)[AfterHours])
	assert.True(t, ids(retail)[AfterHours])
}

func TestGet(t *testing.T) {
	c := newTestCatalog(t, nil)

	ind, err := c.Get(AfterHours)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, ind.Severity)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, ErrIndicatorNotFound)
}

func TestAdjust_RewardAndPenalty(t *testing.T) {
	c := newTestCatalog(t, nil)

	before, err := c.Get(CustomerVelocity)
	require.NoError(t, err)

	after, err := c.Adjust(context.Background(), CustomerVelocity, true)
	require.NoError(t, err)
	assert.InDelta(t, before.Confidence+0.02, after, 1e-9)

	after, err = c.Adjust(context.Background(), CustomerVelocity, false)
	require.NoError(t, err)
	assert.InDelta(t, before.Confidence+0.02-0.05, after, 1e-9)

	_, err = c.Adjust(context.Background(), "nope", true)
	assert.ErrorIs(t, err, ErrIndicatorNotFound)
}

func TestAdjust_ClampsAtBounds(t *testing.T) {
	c := newTestCatalog(t, nil)

	// Drive to the floor
	for i := 0; i < 50; i++ {
		_, err := c.Adjust(context.Background(), UnknownReference, false)
		require.NoError(t, err)
	}
	ind, _ := c.Get(UnknownReference)
	assert.Equal(t, MinConfidence, ind.Confidence)

	// Drive to the ceiling
	for i := 0; i < 50; i++ {
		_, err := c.Adjust(context.Background(), AfterHours, true)
		require.NoError(t, err)
	}
	ind, _ = c.Get(AfterHours)
	assert.Equal(t, MaxConfidence, ind.Confidence)
}

func TestAdjust_PersistsToStore(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCatalog(t, store)

	_, err := c.Adjust(context.Background(), AmountOutlier, false)
	require.NoError(t, err)

	saved, err := store.LoadConfidences(context.Background())
	require.NoError(t, err)
	assert.Contains(t, saved, AmountOutlier)
}

func TestNew_LoadsLearnedConfidences(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveConfidence(context.Background(), AfterHours, 0.5))

	c := newTestCatalog(t, store)
	ind, err := c.Get(AfterHours)
	require.NoError(t, err)
	assert.Equal(t, 0.5, ind.Confidence)
}

func TestNew_ClampsLearnedConfidences(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveConfidence(context.Background(), AfterHours, 2.0))

	c := newTestCatalog(t, store)
	ind, err := c.Get(AfterHours)
	require.NoError(t, err)
	assert.Equal(t, MaxConfidence, ind.Confidence)
}

type failingStore struct{}

func (failingStore) LoadConfidences(context.Context) (map[string]float64, error) {
	return nil, errors.New("store down")
}

func (failingStore) SaveConfidence(context.Context, string, float64) error {
	return errors.New("store down")
}

func TestCatalog_SurvivesStoreFailures(t *testing.T) {
	c := New(context.Background(), Defaults(), failingStore{}, discardLogger())

	// Seeded defaults remain usable
	ind, err := c.Get(AfterHours)
	require.NoError(t, err)
	assert.Equal(t, 0.95, ind.Confidence)

	// Adjust still drifts in memory despite persistence failing
	after, err := c.Adjust(context.Background(), AfterHours, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.97, after, 1e-9)
}
