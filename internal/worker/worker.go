// Package worker runs queued analysis requests from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Runner executes one analysis run.
type Runner interface {
	Run(ctx context.Context, req domain.AnalysisRequest) (*domain.Analysis, error)
}

// ErrTenantMismatch is returned when a payload names a tenant other than
// the one it was published under.
var ErrTenantMismatch = errors.New("payload tenant does not match message tenant")

// Worker consumes TopicAnalysisRequested and runs each request through the
// analysis pipeline.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits the worker to these tenants. Empty means every tenant.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to analysis requests for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{bus.AnyTenant}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAnalysisRequested, w.handleMessage)
		if err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	if len(w.GetStats().Topics) == 0 {
		return fmt.Errorf("no worker subscription could be started")
	}

	slog.Info("workers started",
		"tenant_count", len(tenants),
		"topic", domain.TopicAnalysisRequested,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var req domain.AnalysisRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse analysis request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	switch {
	case req.TenantID == "":
		req.TenantID = msg.TenantID
	case req.TenantID != msg.TenantID:
		slog.Warn("analysis request dropped",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"payload_tenant_id", req.TenantID,
		)
		return ErrTenantMismatch
	}

	// Stop cancels in-flight runs.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	start := time.Now()
	a, err := w.runner.Run(ctx, req)
	if err != nil {
		slog.Error("queued analysis failed",
			"tenant_id", req.TenantID,
			"population_id", req.PopulationID,
			"trace_id", req.TraceID,
			"error", err,
		)
		return err
	}

	slog.Info("queued analysis processed",
		"tenant_id", req.TenantID,
		"population_id", req.PopulationID,
		"analysis_id", a.ID,
		"cached", a.Cached,
		"flagged_rows", a.Report.FlaggedRows,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight runs.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
