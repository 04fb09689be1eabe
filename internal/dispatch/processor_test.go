package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

type fakeAdvancer struct {
	processed atomic.Int32
	latency   time.Duration
	failFirst atomic.Bool
}

func (f *fakeAdvancer) Advance(ctx context.Context, planID string) (*AdvanceResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failFirst.CompareAndSwap(true, false) {
		return nil, xerrors.New(CodeJobProcessing, "transient advance failure")
	}
	f.processed.Add(1)
	return &AdvanceResult{PlanID: planID, Executed: 1, Done: 1}, nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	advancer := &fakeAdvancer{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(advancer, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		planID := fmt.Sprintf("plan-%d-%d", time.Now().UnixNano(), i)
		if _, err := service.Submit(ctx, SubmitRequest{PlanID: planID, Chain: "mainnet"}); err != nil {
			t.Fatalf("提交作业失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(advancer.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("作业未能及时处理，已完成 %d", advancer.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	advancer := &fakeAdvancer{}
	advancer.failFirst.Store(true)

	service := NewService(store, queue, 3)
	processor := NewProcessor(advancer, store, queue, queue, WithWorkerCount(2))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	job, err := service.Submit(ctx, SubmitRequest{PlanID: "plan-1-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 作业会先短暂进入 failed 状态再被重投，因此只等待最终成功。
	deadline := time.After(5 * time.Second)
	for {
		final, err := service.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.Status == StatusSucceeded {
			if final.Attempts < 2 {
				t.Fatalf("expected a retry, attempts = %d", final.Attempts)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("作业未在期限内成功: status=%s attempts=%d lastError=%q", final.Status, final.Attempts, final.LastError)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestServiceSubmitValidatesPlanID(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	if _, err := service.Submit(context.Background(), SubmitRequest{}); err == nil {
		t.Fatal("expected validation error for empty plan id")
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3)

	first, err := service.Submit(ctx, SubmitRequest{ID: "fixed", PlanID: "plan-1-1"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "fixed", PlanID: "plan-1-1"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID || second.Status != StatusPending {
		t.Fatalf("duplicate submit not idempotent: %+v vs %+v", first, second)
	}
}
