package plan

import (
	"context"
	"sync"

	"ChainForge/internal/codegen"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/resources"
	"ChainForge/pkg/logger"
)

// Executor 串行执行一个计划的全部操作组。
// 状态数组只属于本执行器，所有修改都在 mu 保护下发生。
type Executor struct {
	mu       sync.Mutex
	groups   []OperationGroup
	statuses []GroupStatus
	shared   *resources.Context
	snapshot *Snapshot
}

// NewExecutorWithResources 创建绑定共享资源与后端快照的执行器，
// 所有组初始为 Todo。
func NewExecutorWithResources(groups []OperationGroup, shared *resources.Context, snapshot *Snapshot) *Executor {
	statuses := make([]GroupStatus, len(groups))
	for i := range statuses {
		statuses[i] = StatusTodo
	}
	return &Executor{
		groups:   groups,
		statuses: statuses,
		shared:   shared,
		snapshot: snapshot,
	}
}

// NextGroups 执行当前所有处于 Todo 状态的组，按组序返回结果，
// 并给出本次调用后仍为 Todo 的组数量。已全部解决的计划上重复调用
// 是安全的空操作。
func (e *Executor) NextGroups(ctx context.Context) ([]GroupResult, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]GroupResult, 0, len(e.groups))
	for i := range e.groups {
		if e.statuses[i] != StatusTodo {
			continue
		}
		result := e.executeGroup(ctx, i)
		e.statuses[i] = result.Status
		results = append(results, result)
	}

	remaining := 0
	for _, st := range e.statuses {
		if st == StatusTodo {
			remaining++
		}
	}
	return results, remaining
}

// ExecuteGroup 单独执行指定下标的组。越界返回 InvalidArgument。
func (e *Executor) ExecuteGroup(ctx context.Context, index int) (GroupResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.groups) {
		return GroupResult{}, xerrors.New(xerrors.CodeInvalidArgument, "操作组下标越界")
	}
	result := e.executeGroup(ctx, index)
	e.statuses[index] = result.Status
	return result, nil
}

// Statuses 返回状态数组的副本。
func (e *Executor) Statuses() []GroupStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]GroupStatus, len(e.statuses))
	copy(out, e.statuses)
	return out
}

// Remaining 返回仍为 Todo 的组数量。
func (e *Executor) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.statuses {
		if st == StatusTodo {
			n++
		}
	}
	return n
}

// executeGroup 在持有 e.mu 的前提下执行一个组。
// 组内全有或全无：任一调用失败整组记为 Failed，
// 但之前已 Done 的组提交到后端的状态不回滚。
func (e *Executor) executeGroup(ctx context.Context, index int) GroupResult {
	group := e.groups[index]
	result := GroupResult{
		Index:       index,
		Description: group.Description,
		Operations:  group.Operations,
	}
	log := logger.Named("plan")

	chainID := e.snapshot.ChainID()
	sources := make([]codegen.ContractSource, 0, len(group.Contracts))
	for _, addr := range group.Contracts {
		src, err := e.shared.SourceFetcher().FetchSource(ctx, chainID, addr)
		if err != nil {
			// 源码缺失不致命，代码生成在无源码时退化为按描述生成。
			log.Warn("contract source unavailable",
				"chain_id", chainID, "address", addr, "error", err)
			continue
		}
		sources = append(sources, *src)
	}

	script, err := e.shared.Codegen().GenerateScript(ctx, codegen.Request{
		Description: group.Description,
		Operations:  group.Operations,
		ChainID:     chainID,
		Sources:     sources,
	})
	if err != nil {
		result.Status = StatusFailed
		result.Err = xerrors.Wrap(xerrors.CodeGroupExecution, err, "代码生成失败").Error()
		return result
	}

	transactions := make([]TransactionData, 0, len(script.Calls))
	execErr := e.snapshot.WithExclusive(ctx, func(backend Backend) error {
		for _, call := range script.Calls {
			if _, err := backend.Execute(ctx, call); err != nil {
				return err
			}
			transactions = append(transactions, TransactionData{
				From:   call.From,
				To:     call.To,
				Value:  call.Value,
				Data:   call.Data,
				RPCURL: backend.Endpoint(),
			})
		}
		return nil
	})
	if execErr != nil {
		result.Status = StatusFailed
		result.Err = execErr.Error()
		log.Warn("group execution failed",
			"index", index, "description", group.Description, "error", execErr)
		return result
	}

	result.Status = StatusDone
	result.Transactions = transactions
	result.GeneratedCode = script.Source
	return result
}
