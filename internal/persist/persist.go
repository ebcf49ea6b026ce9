// Package persist writes risk scores back to the row store in chunks.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Report is the outcome of a Write call.
// Rows not listed in Failed were written.
type Report struct {
	Written  int                `json:"written"`
	Failed   []domain.ItemError `json:"failed,omitempty"`
	Chunks   int                `json:"chunks"`
	Attempts int                `json:"attempts"`
}

// Writer persists risk updates in bounded chunks with per-chunk retry.
type Writer struct {
	store       domain.RowStore
	chunkSize   int
	maxAttempts int
	retryWait   time.Duration
}

// NewWriter creates a writer. Zero config values fall back to 100 rows per
// chunk, 3 attempts and a 200ms base wait.
func NewWriter(store domain.RowStore, cfg domain.PersistConfig) *Writer {
	w := &Writer{
		store:       store,
		chunkSize:   cfg.ChunkSize,
		maxAttempts: cfg.MaxAttempts,
		retryWait:   cfg.RetryWait,
	}
	if w.chunkSize <= 0 || w.chunkSize > 100 {
		w.chunkSize = 100
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.retryWait <= 0 {
		w.retryWait = 200 * time.Millisecond
	}
	return w
}

// Write persists updates chunk by chunk. Earlier chunks stay written when a
// later one fails. Retryable item failures and whole-chunk transport errors
// are retried with a linear backoff; what still fails is listed in the
// report. The error return is only set when ctx is done.
func (w *Writer) Write(ctx context.Context, tenantID string, updates []domain.RiskUpdate) (*Report, error) {
	report := &Report{}

	for start := 0; start < len(updates); start += w.chunkSize {
		end := min(start+w.chunkSize, len(updates))
		report.Chunks++

		if err := w.writeChunk(ctx, tenantID, updates[start:end], report); err != nil {
			for _, u := range updates[end:] {
				report.Failed = append(report.Failed, domain.ItemError{ID: u.ID, Error: err.Error(), Retryable: true})
			}
			return report, err
		}
	}

	if len(report.Failed) > 0 {
		metrics.PersistFailuresTotal.Add(float64(len(report.Failed)))
		slog.Warn("risk writes failed",
			"tenant_id", tenantID,
			"failed", len(report.Failed),
			"written", report.Written,
		)
	}
	return report, nil
}

func (w *Writer) writeChunk(ctx context.Context, tenantID string, chunk []domain.RiskUpdate, report *Report) error {
	pending := chunk

	for attempt := 1; ; attempt++ {
		report.Attempts++
		res, err := w.store.WriteRiskBatch(ctx, tenantID, pending)

		var retry []domain.ItemError
		processed := 0
		if res != nil {
			report.Written += res.Written
			for _, f := range res.Failed {
				if f.Retryable {
					retry = append(retry, f)
				} else {
					report.Failed = append(report.Failed, f)
				}
			}
			processed = min(res.Written+len(res.Failed), len(pending))
		}
		if err != nil {
			for _, u := range pending[processed:] {
				retry = append(retry, domain.ItemError{ID: u.ID, Error: err.Error(), Retryable: true})
			}
		}

		if len(retry) == 0 {
			return nil
		}
		if attempt >= w.maxAttempts {
			report.Failed = append(report.Failed, retry...)
			return nil
		}

		slog.Debug("retrying risk writes",
			"tenant_id", tenantID,
			"attempt", attempt,
			"pending", len(retry),
		)

		select {
		case <-ctx.Done():
			report.Failed = append(report.Failed, retry...)
			return fmt.Errorf("persist cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * w.retryWait):
		}

		pending = only(pending, retry)
	}
}

// only keeps the updates whose id appears in failed.
func only(updates []domain.RiskUpdate, failed []domain.ItemError) []domain.RiskUpdate {
	ids := make(map[string]struct{}, len(failed))
	for _, f := range failed {
		ids[f.ID] = struct{}{}
	}
	out := make([]domain.RiskUpdate, 0, len(failed))
	for _, u := range updates {
		if _, ok := ids[u.ID]; ok {
			out = append(out, u)
		}
	}
	return out
}
