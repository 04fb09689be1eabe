package codegen

import "context"

// Request 描述一次脚本生成任务：一个操作组及其相关的合约上下文。
type Request struct {
	Description string
	Operations  []string
	ChainID     uint64
	Sources     []ContractSource
}

// ContractSource 表示提供给代码生成后端的合约源码切片。
type ContractSource struct {
	ChainID uint64
	Address string
	Name    string
	Source  string
}

// Call 是从生成脚本中提取出的单笔链上调用。
type Call struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// Script 是代码生成后端返回的结构化结果：脚本源码与待执行的调用序列。
type Script struct {
	Source string `json:"source"`
	Calls  []Call `json:"calls"`
}

// Client 定义了调用代码生成后端的统一接口。
type Client interface {
	GenerateScript(ctx context.Context, req Request) (*Script, error)
}
