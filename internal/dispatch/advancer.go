package dispatch

import (
	"context"
	"fmt"

	"ChainForge/internal/plan"
)

// EngineAdvancer 将计划引擎适配为作业处理器的推进能力。
type EngineAdvancer struct {
	engine *plan.Engine
}

// NewEngineAdvancer 绑定计划引擎。
func NewEngineAdvancer(engine *plan.Engine) *EngineAdvancer {
	return &EngineAdvancer{engine: engine}
}

// Advance 推进计划中所有 Todo 组，并汇总执行情况。
func (a *EngineAdvancer) Advance(ctx context.Context, planID string) (*AdvanceResult, error) {
	results, remaining, err := a.engine.NextGroups(ctx, planID)
	if err != nil {
		return nil, err
	}

	out := &AdvanceResult{
		PlanID:    planID,
		Executed:  len(results),
		Remaining: remaining,
	}
	for _, r := range results {
		switch r.Status {
		case plan.StatusDone:
			out.Done++
		case plan.StatusFailed:
			out.Failed++
		}
	}
	out.Summary = fmt.Sprintf("executed %d groups: %d done, %d failed, %d remaining",
		out.Executed, out.Done, out.Failed, out.Remaining)
	return out, nil
}

var _ Advancer = (*EngineAdvancer)(nil)
