package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type recordingRunner struct {
	mu   sync.Mutex
	reqs []domain.AnalysisRequest
	err  error
	done chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan struct{}, 10)}
}

func (r *recordingRunner) Run(ctx context.Context, req domain.AnalysisRequest) (*domain.Analysis, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.done <- struct{}{}
	if r.err != nil {
		return nil, r.err
	}
	return &domain.Analysis{ID: "a-1", TenantID: req.TenantID, PopulationID: req.PopulationID}, nil
}

func (r *recordingRunner) requests() []domain.AnalysisRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AnalysisRequest(nil), r.reqs...)
}

func (r *recordingRunner) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("runner was not called")
	}
}

func publish(t *testing.T, b domain.EventBus, tenantID string, req domain.AnalysisRequest) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), tenantID, domain.TopicAnalysisRequested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingRunner())

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicAnalysisRequested {
			t.Errorf("expected topic %s, got %s", domain.TopicAnalysisRequested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RunsQueuedRequest", func(t *testing.T) {
		runner := newRecordingRunner()
		w := NewWorker(eventBus, runner)
		w.Start(Config{TenantIDs: []string{"tenant-run"}})
		defer w.Stop()

		seed := uint64(99)
		publish(t, eventBus, "tenant-run", domain.AnalysisRequest{PopulationID: "pop-1", Seed: &seed, Force: true})
		runner.wait(t)

		got := runner.requests()[0]
		if got.TenantID != "tenant-run" {
			t.Errorf("expected tenant from message, got %q", got.TenantID)
		}
		if got.PopulationID != "pop-1" || !got.Force || got.Seed == nil || *got.Seed != 99 {
			t.Errorf("unexpected request: %+v", got)
		}
	})

	t.Run("AllTenants", func(t *testing.T) {
		runner := newRecordingRunner()
		w := NewWorker(eventBus, runner)
		w.Start(Config{})
		defer w.Stop()

		publish(t, eventBus, "tenant-x", domain.AnalysisRequest{PopulationID: "pop-x"})
		runner.wait(t)
		publish(t, eventBus, "tenant-y", domain.AnalysisRequest{PopulationID: "pop-y"})
		runner.wait(t)

		reqs := runner.requests()
		if len(reqs) != 2 || reqs[0].TenantID != "tenant-x" || reqs[1].TenantID != "tenant-y" {
			t.Errorf("expected one request per tenant, got %+v", reqs)
		}
	})

	t.Run("TenantMismatchDropped", func(t *testing.T) {
		runner := newRecordingRunner()
		w := NewWorker(eventBus, runner)

		payload, _ := json.Marshal(domain.AnalysisRequest{TenantID: "tenant-b", PopulationID: "pop-1"})
		err := w.handleMessage(context.Background(), &domain.Message{TenantID: "tenant-a", Payload: payload})
		if !errors.Is(err, ErrTenantMismatch) {
			t.Errorf("expected ErrTenantMismatch, got %v", err)
		}
		if len(runner.requests()) != 0 {
			t.Error("runner must not be called for a mismatched tenant")
		}
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingRunner())
		err := w.handleMessage(context.Background(), &domain.Message{TenantID: "tenant-a", Payload: []byte("{")})
		if err == nil {
			t.Error("expected error for invalid payload")
		}
	})

	t.Run("RunnerError", func(t *testing.T) {
		runner := newRecordingRunner()
		runner.err = errors.New("population not found")
		w := NewWorker(eventBus, runner)

		payload, _ := json.Marshal(domain.AnalysisRequest{PopulationID: "pop-1"})
		err := w.handleMessage(context.Background(), &domain.Message{TenantID: "tenant-a", Payload: payload})
		if err == nil || err.Error() != "population not found" {
			t.Errorf("expected runner error, got %v", err)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingRunner())
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if stats := w.GetStats(); stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestWorkerStartFailsWithoutSubscriptions(t *testing.T) {
	eventBus := bus.NewChannelBus(1)
	eventBus.Close()

	w := NewWorker(eventBus, newRecordingRunner())
	if err := w.Start(Config{TenantIDs: []string{"tenant-a"}}); err == nil {
		t.Error("expected Start to fail on a closed bus")
	}
}
