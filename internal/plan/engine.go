package plan

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/resources"
	"ChainForge/pkg/logger"
)

// shardCount 必须是 2 的幂，便于用位运算取模。
const shardCount = 16

type shard struct {
	mu        sync.RWMutex
	executors map[string]*Executor
}

// Engine 管理全部执行计划。计划到执行器的映射按计划标识分片，
// 不相关的计划之间不存在任何锁竞争。
type Engine struct {
	shared  *resources.Context
	counter atomic.Uint64
	shards  [shardCount]*shard
}

// NewEngine 创建计划引擎。
func NewEngine(shared *resources.Context) *Engine {
	e := &Engine{shared: shared}
	for i := range e.shards {
		e.shards[i] = &shard{executors: make(map[string]*Executor)}
	}
	return e
}

func (e *Engine) shardFor(planID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(planID))
	return e.shards[h.Sum32()&(shardCount-1)]
}

// CreatePlan 为一组操作创建新计划，返回全局唯一的计划标识。
// 标识由高精度时间戳与单调计数器组合而成，背靠背调用也不会重复。
func (e *Engine) CreatePlan(groups []OperationGroup, backend Backend) (string, error) {
	if len(groups) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "计划至少需要一个操作组")
	}
	if backend == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "计划缺少后端快照")
	}

	planID := fmt.Sprintf("plan-%d-%d", time.Now().UnixNano(), e.counter.Add(1))
	executor := NewExecutorWithResources(groups, e.shared, NewSnapshot(backend))

	sh := e.shardFor(planID)
	sh.mu.Lock()
	sh.executors[planID] = executor
	sh.mu.Unlock()

	logger.Named("plan").Info("execution plan created",
		"plan_id", planID, "groups", len(groups), "chain_id", backend.ChainID())
	return planID, nil
}

// NextGroups 推进指定计划中所有 Todo 组。
// 未知计划返回 PlanNotFound，绝不隐式创建空计划。
func (e *Engine) NextGroups(ctx context.Context, planID string) ([]GroupResult, int, error) {
	executor, err := e.executor(planID)
	if err != nil {
		return nil, 0, err
	}
	results, remaining := executor.NextGroups(ctx)
	return results, remaining, nil
}

// Statuses 返回计划当前的状态数组副本，供进度查询使用。
func (e *Engine) Statuses(planID string) ([]GroupStatus, error) {
	executor, err := e.executor(planID)
	if err != nil {
		return nil, err
	}
	return executor.Statuses(), nil
}

// Remaining 返回计划中仍为 Todo 的组数量。
func (e *Engine) Remaining(planID string) (int, error) {
	executor, err := e.executor(planID)
	if err != nil {
		return 0, err
	}
	return executor.Remaining(), nil
}

// Plans 返回所有计划标识，按字典序排序。
func (e *Engine) Plans() []string {
	ids := make([]string, 0)
	for _, sh := range e.shards {
		sh.mu.RLock()
		for id := range sh.executors {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) executor(planID string) (*Executor, error) {
	sh := e.shardFor(planID)
	sh.mu.RLock()
	executor, ok := sh.executors[planID]
	sh.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodePlanNotFound, "未知的计划标识: "+planID)
	}
	return executor, nil
}
