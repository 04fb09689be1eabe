package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "ChainForge/internal/errors"
)

// Envelope 是队列上流转的作业消息，除作业 ID 外携带路由用的计划与链标识，
// 消费端无需回查存储即可做标签与日志关联。权威状态仍以 Store 为准。
type Envelope struct {
	JobID  string `json:"job_id"`
	PlanID string `json:"plan_id,omitempty"`
	Chain  string `json:"chain,omitempty"`
}

// Encode 将消息序列化为队列载荷。
func (e Envelope) Encode() ([]byte, error) {
	if strings.TrimSpace(e.JobID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "队列消息缺少作业 ID")
	}
	return json.Marshal(e)
}

// DecodeEnvelope 解析队列载荷。为兼容手工投递的消息，
// 非 JSON 载荷整体视作作业 ID。
func DecodeEnvelope(payload []byte) (Envelope, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "队列消息为空")
	}
	if !strings.HasPrefix(raw, "{") {
		return Envelope{JobID: raw}, nil
	}
	var msg Envelope
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析队列消息失败")
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "队列消息缺少作业 ID")
	}
	return msg, nil
}

// jobEnvelope 由作业记录构造队列消息。
func jobEnvelope(job *Job) Envelope {
	return Envelope{JobID: job.ID, PlanID: job.PlanID, Chain: job.Chain}
}

// Handler 处理来自消息队列的作业消息。
type Handler func(ctx context.Context, msg Envelope) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, msg Envelope) error
	Close() error
}

// Consumer 负责从队列中消费作业。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
