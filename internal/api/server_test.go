package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainForge/internal/codegen"
	"ChainForge/internal/dispatch"
	"ChainForge/internal/plan"
	"ChainForge/internal/provider"
	"ChainForge/internal/resources"
)

// stubCodegen 把每个操作映射为一次对黑洞地址的空调用。
type stubCodegen struct{}

func (stubCodegen) GenerateScript(_ context.Context, req codegen.Request) (*codegen.Script, error) {
	calls := make([]codegen.Call, 0, len(req.Operations))
	for range req.Operations {
		calls = append(calls, codegen.Call{
			To:    "0x000000000000000000000000000000000000dEaD",
			Value: "0",
			Data:  "0x",
		})
	}
	return &codegen.Script{Source: "// generated for " + req.Description, Calls: calls}, nil
}

// stubNode 模拟一个最小的以太坊 JSON-RPC 节点。
func stubNode(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result string
		switch req.Method {
		case "eth_chainId":
			result = "0x7a69"
		case "eth_blockNumber":
			result = "0x10"
		case "eth_sendTransaction":
			result = "0x" + strings.Repeat("ab", 32)
		default:
			result = "0x0"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
}

func newTestServer(t *testing.T, node *httptest.Server) *Server {
	t.Helper()

	registry := provider.NewRegistry()
	if node != nil {
		if _, err := registry.Register("devnet", provider.ChainDefinition{
			Kind:    "external",
			ChainID: 31337,
			RPCURL:  node.URL,
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	shared, err := resources.New(context.Background(), resources.Config{Codegen: stubCodegen{}})
	if err != nil {
		t.Fatalf("resources.New failed: %v", err)
	}

	jobs := dispatch.NewService(dispatch.NewMemoryStore(), dispatch.NewMemoryQueue(8), 3)
	t.Cleanup(func() { _ = jobs.Close() })

	return NewServer(":0", registry, plan.NewEngine(shared), jobs)
}

func TestCreatePlanAndAdvance(t *testing.T) {
	node := stubNode(t)
	defer node.Close()
	server := newTestServer(t, node)

	body := `{"chain": "external:devnet", "groups": [{"description": "swap", "operations": ["approve", "swap"]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plans", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handlePlans(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created CreatePlanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.PlanID == "" || created.Remaining != 1 {
		t.Fatalf("unexpected create response: %+v", created)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/plans/"+created.PlanID+"/next", nil)
	rec = httptest.NewRecorder()
	server.handlePlanSubpath(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("advance status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var advanced AdvanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &advanced); err != nil {
		t.Fatalf("decode advance response: %v", err)
	}
	if len(advanced.Results) != 1 || advanced.Results[0].Status != plan.StatusDone {
		t.Fatalf("unexpected advance results: %+v", advanced.Results)
	}
	if advanced.Remaining != 0 {
		t.Fatalf("remaining should be 0, got %d", advanced.Remaining)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/plans/"+created.PlanID, nil)
	rec = httptest.NewRecorder()
	server.handlePlanSubpath(rec, req)

	var detail PlanDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail response: %v", err)
	}
	if len(detail.Statuses) != 1 || detail.Statuses[0] != plan.StatusDone {
		t.Fatalf("unexpected plan detail: %+v", detail)
	}
}

func TestCreatePlanRejectsBadInput(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/plans", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	server.handlePlans(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: got %d want %d", rec.Code, http.StatusBadRequest)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/plans", strings.NewReader(`{"chain": "ghost", "groups": [{"description": "g"}]}`))
	rec = httptest.NewRecorder()
	server.handlePlans(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unknown chain: got %d want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestPlanDetailUnknownPlan(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans/plan-missing", nil)
	rec := httptest.NewRecorder()
	server.handlePlanSubpath(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown plan: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestJobEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	job, err := server.jobs.Submit(context.Background(), dispatch.SubmitRequest{PlanID: "plan-1", Chain: "devnet"})
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	server.handleJobDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("job detail status: %d", rec.Code)
	}
	var got dispatch.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.ID != job.ID || got.PlanID != "plan-1" {
		t.Fatalf("unexpected job payload: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs?limit=5", nil)
	rec = httptest.NewRecorder()
	server.handleJobs(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("job list status: %d", rec.Code)
	}
	var list struct {
		Jobs []*dispatch.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode job list: %v", err)
	}
	if len(list.Jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(list.Jobs))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/absent", nil)
	rec = httptest.NewRecorder()
	server.handleJobDetail(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: got %d want %d", rec.Code, http.StatusNotFound)
	}
}
