package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// flakyStore fails ids listed in transient for the first N attempts and ids
// in permanent forever.
type flakyStore struct {
	mu         sync.Mutex
	calls      int
	batchSizes []int
	written    map[string]float64
	transient  map[string]int
	permanent  map[string]bool
	downCalls  int
	stopAfter  int // interrupt the next batch after this many writes
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		written:   make(map[string]float64),
		transient: make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (s *flakyStore) FetchRows(ctx context.Context, tenantID, populationID string) ([]*domain.Row, error) {
	return nil, nil
}

func (s *flakyStore) WriteRiskBatch(ctx context.Context, tenantID string, updates []domain.RiskUpdate) (*domain.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.batchSizes = append(s.batchSizes, len(updates))

	if s.downCalls > 0 {
		s.downCalls--
		return nil, errors.New("connection refused")
	}

	res := &domain.BatchResult{}
	for _, u := range updates {
		switch {
		case s.permanent[u.ID]:
			res.Failed = append(res.Failed, domain.ItemError{ID: u.ID, Error: "row not found"})
		case s.transient[u.ID] > 0:
			s.transient[u.ID]--
			res.Failed = append(res.Failed, domain.ItemError{ID: u.ID, Error: "deadlock", Retryable: true})
		default:
			if s.stopAfter > 0 && res.Written == s.stopAfter {
				s.stopAfter = 0
				return res, context.Canceled
			}
			s.written[u.ID] = u.RiskScore
			res.Written++
		}
	}
	return res, nil
}

func updates(n int) []domain.RiskUpdate {
	out := make([]domain.RiskUpdate, n)
	for i := range out {
		out[i] = domain.RiskUpdate{ID: fmt.Sprintf("row-%03d", i), RiskScore: float64(i % 100)}
	}
	return out
}

func fastConfig() domain.PersistConfig {
	return domain.PersistConfig{ChunkSize: 100, MaxAttempts: 3, RetryWait: time.Millisecond}
}

func TestWriteChunks(t *testing.T) {
	store := newFlakyStore()
	w := NewWriter(store, fastConfig())

	report, err := w.Write(context.Background(), "t1", updates(250))
	require.NoError(t, err)

	assert.Equal(t, 250, report.Written)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, []int{100, 100, 50}, store.batchSizes)
	assert.Len(t, store.written, 250)
}

func TestChunkSizeIsCapped(t *testing.T) {
	store := newFlakyStore()
	w := NewWriter(store, domain.PersistConfig{ChunkSize: 5000})

	_, err := w.Write(context.Background(), "t1", updates(150))
	require.NoError(t, err)
	assert.Equal(t, []int{100, 50}, store.batchSizes)
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	store := newFlakyStore()
	store.transient["row-007"] = 1
	store.transient["row-120"] = 5
	store.permanent["row-042"] = true
	w := NewWriter(store, fastConfig())

	report, err := w.Write(context.Background(), "t1", updates(150))
	require.NoError(t, err)

	assert.Equal(t, 148, report.Written)
	require.Len(t, report.Failed, 2)

	byID := map[string]domain.ItemError{}
	for _, f := range report.Failed {
		byID[f.ID] = f
	}
	assert.False(t, byID["row-042"].Retryable)
	assert.Equal(t, "row not found", byID["row-042"].Error)
	assert.True(t, byID["row-120"].Retryable)

	// first chunk: 1 retry for row-007; second chunk: 2 retries for row-120
	assert.Equal(t, []int{100, 1, 50, 1, 1}, store.batchSizes)
}

func TestWriteRetriesWholeBatchErrors(t *testing.T) {
	store := newFlakyStore()
	store.downCalls = 2
	w := NewWriter(store, fastConfig())

	report, err := w.Write(context.Background(), "t1", updates(10))
	require.NoError(t, err)
	assert.Equal(t, 10, report.Written)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 3, report.Attempts)
}

func TestWriteReportsExhaustedBatchErrors(t *testing.T) {
	store := newFlakyStore()
	store.downCalls = 10
	w := NewWriter(store, fastConfig())

	report, err := w.Write(context.Background(), "t1", updates(120))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Written)
	assert.Len(t, report.Failed, 120)
	for _, f := range report.Failed {
		assert.True(t, f.Retryable)
		assert.Equal(t, "connection refused", f.Error)
	}
}

func TestWriteStopsOnCancel(t *testing.T) {
	store := newFlakyStore()
	store.downCalls = 100
	w := NewWriter(store, domain.PersistConfig{ChunkSize: 10, MaxAttempts: 5, RetryWait: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := w.Write(ctx, "t1", updates(30))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, report.Failed, 30)
	assert.Equal(t, 1, report.Chunks)
}

func TestWriteCountsInterruptedBatch(t *testing.T) {
	store := newFlakyStore()
	store.stopAfter = 4
	w := NewWriter(store, domain.PersistConfig{ChunkSize: 10, MaxAttempts: 2, RetryWait: time.Millisecond})

	report, err := w.Write(context.Background(), "t1", updates(10))
	require.NoError(t, err)
	assert.Equal(t, 10, report.Written)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []int{10, 6}, store.batchSizes)
	assert.Len(t, store.written, 10)
}

func TestWriteEmpty(t *testing.T) {
	store := newFlakyStore()
	report, err := NewWriter(store, fastConfig()).Write(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Chunks)
	assert.Equal(t, 0, store.calls)
}
