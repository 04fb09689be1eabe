package plan

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ChainForge/internal/codegen"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/provider"
)

// ForkBackend 将注册表返回的 RPC 句柄适配为计划后端。
// 发送时依赖节点侧签名，配合 anvil 的账户解锁 / impersonate 能力。
type ForkBackend struct {
	client  *provider.Client
	chainID uint64

	// impersonate 为 true 时，指定了 from 的调用会先向节点申请
	// 冒充该地址。仅对 anvil 兼容后端有效。
	impersonate bool
}

// NewForkBackend 绑定客户端与链标识。
func NewForkBackend(client *provider.Client, chainID uint64) *ForkBackend {
	return &ForkBackend{client: client, chainID: chainID}
}

// WithImpersonation 启用发送前的账户冒充。
func (b *ForkBackend) WithImpersonation() *ForkBackend {
	b.impersonate = true
	return b
}

// Execute 将一次调用提交到分叉节点。
func (b *ForkBackend) Execute(ctx context.Context, call codegen.Call) (string, error) {
	var from, to *common.Address
	if call.From != "" {
		if !common.IsHexAddress(call.From) {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的 from 地址: "+call.From)
		}
		addr := common.HexToAddress(call.From)
		from = &addr
	}
	if call.To != "" {
		if !common.IsHexAddress(call.To) {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的 to 地址: "+call.To)
		}
		addr := common.HexToAddress(call.To)
		to = &addr
	}

	value := new(big.Int)
	if v := strings.TrimSpace(call.Value); v != "" {
		if _, ok := value.SetString(v, 10); !ok {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的 value: "+call.Value)
		}
	}

	var data []byte
	if d := strings.TrimSpace(call.Data); d != "" && d != "0x" {
		decoded, err := hexutil.Decode(d)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的 calldata")
		}
		data = decoded
	}

	if b.impersonate && from != nil {
		if err := b.client.ImpersonateAccount(ctx, *from); err != nil {
			return "", xerrors.Wrap(xerrors.CodeGroupExecution, err, "冒充账户失败: "+from.Hex())
		}
		defer func() {
			_ = b.client.StopImpersonatingAccount(ctx, *from)
		}()
	}

	hash, err := b.client.SendTransaction(ctx, from, to, value, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Endpoint 返回分叉节点的 RPC 地址。
func (b *ForkBackend) Endpoint() string {
	return b.client.Endpoint()
}

// ChainID 返回目标链标识。
func (b *ForkBackend) ChainID() uint64 {
	return b.chainID
}
