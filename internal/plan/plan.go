// Package plan 实现多链执行计划引擎：
// 每个计划由若干有序操作组构成，操作组按 Todo/Done/Failed 生命周期推进，
// 单个计划内的执行严格串行，不同计划之间完全并发。
package plan

// GroupStatus 表示操作组的生命周期状态。
type GroupStatus string

const (
	StatusTodo   GroupStatus = "todo"
	StatusDone   GroupStatus = "done"
	StatusFailed GroupStatus = "failed"
)

// OperationGroup 是一个原子的链上操作单元。加入计划后不可变更。
type OperationGroup struct {
	Description string   `json:"description"`
	Operations  []string `json:"operations"`
	// Contracts 列出操作涉及的合约地址，执行前会为其拉取已验证源码。
	Contracts []string `json:"contracts,omitempty"`
}

// TransactionData 是一次成功调用产生的交易载荷，不可变。
type TransactionData struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Value  string `json:"value"`
	Data   string `json:"data"`
	RPCURL string `json:"rpc_url"`
}

// GroupResult 记录单个操作组的执行结果。
// Status 为 Done 时 Transactions 与 GeneratedCode 有效，
// 为 Failed 时 Err 携带失败原因。
type GroupResult struct {
	Index         int               `json:"index"`
	Description   string            `json:"description"`
	Operations    []string          `json:"operations"`
	Status        GroupStatus       `json:"status"`
	Transactions  []TransactionData `json:"transactions,omitempty"`
	GeneratedCode string            `json:"generated_code,omitempty"`
	Err           string            `json:"error,omitempty"`
}
