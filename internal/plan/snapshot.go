package plan

import (
	"context"
	"sync"

	"ChainForge/internal/codegen"
)

// Backend 是计划执行所依赖的可变分叉状态。
// 一个 Backend 只属于一个计划，绝不跨计划共享。
type Backend interface {
	// Execute 将一次调用应用到分叉状态，返回交易哈希。
	// 链上回滚以 error 形式返回。
	Execute(ctx context.Context, call codegen.Call) (string, error)
	// Endpoint 返回底层分叉的 RPC 地址。
	Endpoint() string
	// ChainID 返回目标链标识。
	ChainID() uint64
}

// Snapshot 以作用域方式暴露后端的独占访问：
// 调用方只能通过 WithExclusive 在回调内操作后端，
// 无论回调如何退出，锁都保证被释放。
type Snapshot struct {
	mu      sync.Mutex
	backend Backend
}

// NewSnapshot 将后端包装为独占快照。
func NewSnapshot(backend Backend) *Snapshot {
	return &Snapshot{backend: backend}
}

// ChainID 返回后端链标识。链标识在构造后不变，无需加锁。
func (s *Snapshot) ChainID() uint64 {
	return s.backend.ChainID()
}

// Endpoint 返回后端 RPC 地址。
func (s *Snapshot) Endpoint() string {
	return s.backend.Endpoint()
}

// WithExclusive 在持有独占锁的前提下执行回调。
func (s *Snapshot) WithExclusive(ctx context.Context, fn func(Backend) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.backend)
}
