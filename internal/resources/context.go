// Package resources 提供一次性初始化的共享资源上下文，
// 供所有执行计划复用同一个代码生成后端与源码获取器。
package resources

import (
	"context"

	"ChainForge/internal/codegen"
	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// Pinger 由支持探活的代码生成客户端实现。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config 聚合共享资源的全部依赖。
type Config struct {
	Codegen codegen.Client
	Fetcher SourceFetcher
}

// Context 持有进程级共享资源。构造成功后内部字段不再变化，
// 可以被任意多个执行器并发读取。
type Context struct {
	codegen codegen.Client
	fetcher SourceFetcher
}

// New 初始化共享资源上下文。代码生成后端不可达视为致命错误，
// 因为没有它任何操作组都无法执行。
func New(ctx context.Context, cfg Config) (*Context, error) {
	if cfg.Codegen == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "资源上下文缺少代码生成客户端")
	}

	if p, ok := cfg.Codegen.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "代码生成后端探活失败")
		}
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewCachingFetcher(NewEtherscanFetcher("", "", 0))
	}

	logger.Named("resources").Info("shared resource context initialized")
	return &Context{
		codegen: cfg.Codegen,
		fetcher: fetcher,
	}, nil
}

// Codegen 返回共享的代码生成客户端。
func (c *Context) Codegen() codegen.Client {
	return c.codegen
}

// SourceFetcher 返回共享的合约源码获取器。
func (c *Context) SourceFetcher() SourceFetcher {
	return c.fetcher
}
