package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ChainForge/internal/dispatch"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/plan"
	"ChainForge/internal/provider"
	"ChainForge/internal/userop"
)

// Server 负责暴露 REST 接口，驱动计划的创建与推进。
type Server struct {
	addr     string
	registry *provider.Registry
	engine   *plan.Engine
	jobs     *dispatch.Service
	ops      *userop.Pipeline
}

// NewServer 构造 API 服务实例。jobs 允许为 nil，此时异步提交不可用。
func NewServer(addr string, registry *provider.Registry, engine *plan.Engine, jobs *dispatch.Service) *Server {
	return &Server{addr: addr, registry: registry, engine: engine, jobs: jobs}
}

// WithUserOpPipeline 启用 /api/v1/userops 提交端点。
func (s *Server) WithUserOpPipeline(p *userop.Pipeline) *Server {
	s.ops = p
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plans", s.instrument("plans", s.handlePlans))
	mux.HandleFunc("/api/v1/plans/", s.instrument("plan_detail", s.handlePlanSubpath))
	mux.HandleFunc("/api/v1/providers", s.instrument("providers", s.handleProviders))
	mux.HandleFunc("/api/v1/jobs", s.instrument("jobs", s.handleJobs))
	mux.HandleFunc("/api/v1/jobs/", s.instrument("job_detail", s.handleJobDetail))
	mux.HandleFunc("/api/v1/userops", s.instrument("userops", s.handleUserOps))

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusRecorder 记录响应状态码，供指标中间件使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// CreatePlanRequest 描述创建执行计划的请求体。
type CreatePlanRequest struct {
	Chain  string                `json:"chain"`
	Groups []plan.OperationGroup `json:"groups"`
	Async  bool                  `json:"async"`
}

// CreatePlanResponse 返回新计划的标识，异步提交时附带作业标识。
type CreatePlanResponse struct {
	PlanID    string `json:"plan_id"`
	Remaining int    `json:"remaining"`
	JobID     string `json:"job_id,omitempty"`
}

// AdvanceResponse 返回一次推进的结果与剩余待执行组数。
type AdvanceResponse struct {
	PlanID    string             `json:"plan_id"`
	Results   []plan.GroupResult `json:"results"`
	Remaining int                `json:"remaining"`
}

// PlanDetail 描述计划当前的各组状态。
type PlanDetail struct {
	PlanID    string             `json:"plan_id"`
	Statuses  []plan.GroupStatus `json:"statuses"`
	Remaining int                `json:"remaining"`
}

// ProviderSummary 描述单条链实例的注册与使用情况。
type ProviderSummary struct {
	Name             string `json:"name"`
	Initialized      bool   `json:"initialized"`
	Requests         uint64 `json:"requests,omitempty"`
	AverageLatencyMS int64  `json:"average_latency_ms,omitempty"`
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreatePlan(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"plans": s.engine.Plans()})
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreatePlan 解析计划定义，挂载目标链的后端并注册计划。
func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	sel, ok := provider.ParseSelector(req.Chain)
	if !ok {
		http.Error(w, "chain 字段不是合法的链引用", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	client, err := s.registry.GetProviderBySelector(ctx, sel)
	if err != nil {
		writeError(w, err)
		return
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "查询链 ID 失败"))
		return
	}

	backend := plan.NewForkBackend(client, chainID.Uint64())
	if client.Instance().Kind() == provider.KindManaged {
		backend.WithImpersonation()
	}
	planID, err := s.engine.CreatePlan(req.Groups, backend)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := CreatePlanResponse{PlanID: planID, Remaining: len(req.Groups)}
	if req.Async {
		if s.jobs == nil {
			http.Error(w, "异步提交未启用", http.StatusServiceUnavailable)
			return
		}
		job, err := s.jobs.Submit(ctx, dispatch.SubmitRequest{PlanID: planID, Chain: sel.Name})
		if err != nil {
			writeError(w, err)
			return
		}
		resp.JobID = job.ID
	}

	writeJSON(w, http.StatusCreated, resp)
}

// handlePlanSubpath 分发 /api/v1/plans/{id} 与 /api/v1/plans/{id}/next。
func (s *Server) handlePlanSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/plans/")
	planID, action, _ := strings.Cut(rest, "/")
	if planID == "" {
		http.Error(w, "缺少计划 ID", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handlePlanDetail(w, r, planID)
	case action == "next" && r.Method == http.MethodPost:
		s.handleAdvance(w, r, planID)
	default:
		http.Error(w, "未知的计划操作", http.StatusNotFound)
	}
}

func (s *Server) handlePlanDetail(w http.ResponseWriter, _ *http.Request, planID string) {
	statuses, err := s.engine.Statuses(planID)
	if err != nil {
		writeError(w, err)
		return
	}
	remaining, err := s.engine.Remaining(planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanDetail{PlanID: planID, Statuses: statuses, Remaining: remaining})
}

// handleAdvance 同步执行计划中所有待执行的组，并返回逐组结果。
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request, planID string) {
	results, remaining, err := s.engine.NextGroups(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}

	done, failed := 0, 0
	for _, result := range results {
		switch result.Status {
		case plan.StatusDone:
			done++
		case plan.StatusFailed:
			failed++
		}
	}
	metrics.ObservePlanGroups("api", done, failed)

	writeJSON(w, http.StatusOK, AdvanceResponse{PlanID: planID, Results: results, Remaining: remaining})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	names := s.registry.Chains()
	summaries := make([]ProviderSummary, 0, len(names))
	for _, name := range names {
		summary := ProviderSummary{Name: name, Initialized: s.registry.IsInitialized(name)}
		if summary.Initialized {
			if snap, err := s.registry.MetricsSnapshot(name); err == nil {
				summary.Requests = snap.Requests
				summary.AverageLatencyMS = snap.AverageLatency.Milliseconds()
			}
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": summaries})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		http.Error(w, "作业服务未启用", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		http.Error(w, "作业服务未启用", http.StatusServiceUnavailable)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.Error(w, "缺少作业 ID", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UserOpRequest 描述一次用户操作提交。CallData 为 0x 前缀的十六进制。
type UserOpRequest struct {
	Sender   string `json:"sender"`
	CallData string `json:"call_data"`
}

// UserOpResponse 返回操作的终态与回执摘要。
type UserOpResponse struct {
	State   string          `json:"state"`
	OpHash  string          `json:"op_hash,omitempty"`
	Success bool            `json:"success,omitempty"`
	Receipt *userop.Receipt `json:"receipt,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// handleUserOps 通过已配置的流水线驱动一次完整的操作生命周期。
func (s *Server) handleUserOps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.ops == nil {
		http.Error(w, "用户操作流水线未启用", http.StatusServiceUnavailable)
		return
	}

	var req UserOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Sender) {
		http.Error(w, "sender 不是合法地址", http.StatusBadRequest)
		return
	}
	callData, err := hexutil.Decode(req.CallData)
	if err != nil && req.CallData != "" {
		http.Error(w, "call_data 不是合法的十六进制", http.StatusBadRequest)
		return
	}

	result, runErr := s.ops.Run(r.Context(), common.HexToAddress(req.Sender), callData)
	if runErr != nil && result == nil {
		writeError(w, runErr)
		return
	}

	resp := UserOpResponse{State: string(result.State), Reason: result.Reason, Receipt: result.Receipt}
	if (result.OpHash != common.Hash{}) {
		resp.OpHash = result.OpHash.Hex()
	}
	if result.Receipt != nil {
		resp.Success = result.Receipt.Success
	}
	status := http.StatusOK
	if result.State != userop.StateConfirmed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodePlanNotFound:
		status = http.StatusNotFound
	case xerrors.CodeProviderUnavailable:
		status = http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrJobConflict), errors.Is(err, dispatch.ErrJobCompleted):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
