package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"ChainForge/internal/codegen"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/resources"
)

// scriptGen 把每个操作描述直接映射为一次调用，calldata 即描述文本。
type scriptGen struct{}

func (scriptGen) GenerateScript(_ context.Context, req codegen.Request) (*codegen.Script, error) {
	calls := make([]codegen.Call, 0, len(req.Operations))
	for _, op := range req.Operations {
		calls = append(calls, codegen.Call{
			To:    "0x000000000000000000000000000000000000dEaD",
			Value: "0",
			Data:  op,
		})
	}
	return &codegen.Script{Source: "// generated for " + req.Description, Calls: calls}, nil
}

// fakeBackend 在 calldata 为 "revert" 时模拟链上回滚。
type fakeBackend struct {
	mu       sync.Mutex
	executed []string
}

func (b *fakeBackend) Execute(_ context.Context, call codegen.Call) (string, error) {
	if call.Data == "revert" {
		return "", fmt.Errorf("execution reverted: demo failure")
	}
	b.mu.Lock()
	b.executed = append(b.executed, call.Data)
	b.mu.Unlock()
	return "0xhash", nil
}

func (b *fakeBackend) Endpoint() string { return "http://127.0.0.1:8545" }
func (b *fakeBackend) ChainID() uint64  { return 31337 }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	shared, err := resources.New(context.Background(), resources.Config{Codegen: scriptGen{}})
	if err != nil {
		t.Fatalf("resources.New failed: %v", err)
	}
	return NewEngine(shared)
}

func TestCreatePlanIDsPairwiseDistinct(t *testing.T) {
	engine := newTestEngine(t)
	groups := []OperationGroup{{Description: "g", Operations: []string{"op"}}}

	seen := make(map[string]struct{}, 200)
	for i := 0; i < 200; i++ {
		id, err := engine.CreatePlan(groups, &fakeBackend{})
		if err != nil {
			t.Fatalf("CreatePlan %d failed: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate plan id %q at iteration %d", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestCreatePlanValidation(t *testing.T) {
	engine := newTestEngine(t)

	if _, err := engine.CreatePlan(nil, &fakeBackend{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty groups: got %v, want CodeInvalidArgument", err)
	}
	groups := []OperationGroup{{Description: "g", Operations: []string{"op"}}}
	if _, err := engine.CreatePlan(groups, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("nil backend: got %v, want CodeInvalidArgument", err)
	}
}

func TestNextGroupsUnknownPlan(t *testing.T) {
	engine := newTestEngine(t)
	_, _, err := engine.NextGroups(context.Background(), "plan-0-0")
	if xerrors.CodeOf(err) != xerrors.CodePlanNotFound {
		t.Fatalf("got %v, want CodePlanNotFound", err)
	}
}

func TestNextGroupsEndToEnd(t *testing.T) {
	engine := newTestEngine(t)
	backend := &fakeBackend{}

	groups := []OperationGroup{
		{Description: "group_a", Operations: []string{"transfer 1 eth"}},
		{Description: "group_b", Operations: []string{"revert"}},
		{Description: "group_c", Operations: []string{"approve spender"}},
	}
	planID, err := engine.CreatePlan(groups, backend)
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	results, remaining, err := engine.NextGroups(context.Background(), planID)
	if err != nil {
		t.Fatalf("NextGroups failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	if results[0].Status != StatusDone {
		t.Fatalf("group_a status = %s, want done", results[0].Status)
	}
	if results[0].GeneratedCode == "" || len(results[0].Transactions) != 1 {
		t.Fatalf("group_a missing generated code or transactions: %+v", results[0])
	}
	if results[0].Transactions[0].RPCURL != backend.Endpoint() {
		t.Fatalf("transaction rpc_url = %q, want backend endpoint", results[0].Transactions[0].RPCURL)
	}

	if results[1].Status != StatusFailed {
		t.Fatalf("group_b status = %s, want failed", results[1].Status)
	}
	if !strings.Contains(results[1].Err, "revert") {
		t.Fatalf("group_b error %q does not mention revert", results[1].Err)
	}

	if results[2].Status != StatusDone {
		t.Fatalf("group_c status = %s, want done", results[2].Status)
	}

	// 已全部解决的计划上重复推进是安全的空操作。
	results, remaining, err = engine.NextGroups(context.Background(), planID)
	if err != nil {
		t.Fatalf("second NextGroups failed: %v", err)
	}
	if len(results) != 0 || remaining != 0 {
		t.Fatalf("resolved plan returned %d results, remaining %d", len(results), remaining)
	}
}

func TestFailureDoesNotTouchSiblings(t *testing.T) {
	engine := newTestEngine(t)
	groups := []OperationGroup{
		{Description: "ok", Operations: []string{"swap"}},
		{Description: "bad", Operations: []string{"revert"}},
	}
	planID, err := engine.CreatePlan(groups, &fakeBackend{})
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if _, _, err := engine.NextGroups(context.Background(), planID); err != nil {
		t.Fatalf("NextGroups failed: %v", err)
	}

	statuses, err := engine.Statuses(planID)
	if err != nil {
		t.Fatalf("Statuses failed: %v", err)
	}
	if statuses[0] != StatusDone || statuses[1] != StatusFailed {
		t.Fatalf("statuses = %v, want [done failed]", statuses)
	}
}

func TestDistinctPlansAdvanceConcurrently(t *testing.T) {
	engine := newTestEngine(t)
	groups := []OperationGroup{{Description: "g", Operations: []string{"op1", "op2"}}}

	const plans = 16
	ids := make([]string, plans)
	for i := range ids {
		id, err := engine.CreatePlan(groups, &fakeBackend{})
		if err != nil {
			t.Fatalf("CreatePlan %d failed: %v", i, err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make(chan error, plans)
	for _, id := range ids {
		wg.Add(1)
		go func(planID string) {
			defer wg.Done()
			results, remaining, err := engine.NextGroups(context.Background(), planID)
			if err != nil {
				errs <- err
				return
			}
			if len(results) != 1 || remaining != 0 {
				errs <- fmt.Errorf("plan %s: %d results, remaining %d", planID, len(results), remaining)
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestSnapshotWithExclusiveSerializes(t *testing.T) {
	snapshot := NewSnapshot(&fakeBackend{})

	// 非原子计数器在独占访问下并发累加不丢失。
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = snapshot.WithExclusive(context.Background(), func(Backend) error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	if counter != 64 {
		t.Fatalf("counter = %d, want 64", counter)
	}
}

func TestSnapshotWithExclusiveHonorsContext(t *testing.T) {
	snapshot := NewSnapshot(&fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := snapshot.WithExclusive(ctx, func(Backend) error {
		t.Fatal("callback must not run after cancellation")
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}
