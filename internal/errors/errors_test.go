package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeProviderUnavailable, cause, "dial mainnet-fork")

	if CodeOf(err) != CodeProviderUnavailable {
		t.Fatalf("错误码不匹配: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("应能通过 errors.Is 找到原始错误")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != CodeProviderUnavailable {
		t.Fatalf("多层包装后错误码丢失: %s", CodeOf(wrapped))
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodePlanNotFound, "plan-1 不存在")
	b := New(CodePlanNotFound, "plan-2 不存在")
	c := New(CodeNotFound, "别的资源")

	if !stdErrors.Is(a, b) {
		t.Fatal("相同错误码应视为同类错误")
	}
	if stdErrors.Is(a, c) {
		t.Fatal("不同错误码不应匹配")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("普通错误应映射为 UNKNOWN")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatal("nil 应映射为 UNKNOWN")
	}
}

func TestRegisteredAttributesDriveBehavior(t *testing.T) {
	const code Code = "TEST_TRANSIENT"
	Register(code, Attributes{
		Message:   "transient test failure",
		Severity:  SeverityWarning,
		Retryable: true,
		Alert:     false,
	})

	err := New(code, "发生瞬时故障")
	if !RetryableError(err) {
		t.Fatal("注册为可重试的错误码应可重试")
	}
	if ShouldAlert(err) {
		t.Fatal("未开启告警的错误码不应触发告警")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("严重级别不匹配: %s", SeverityOf(err))
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeInvalidArgument, "参数非法",
		WithSeverity(SeverityCritical),
		WithAlert(true),
		WithMetadata("field", "chain"),
	)

	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("选项未覆盖严重级别: %s", SeverityOf(err))
	}
	if !ShouldAlert(err) {
		t.Fatal("选项未覆盖告警开关")
	}
	if err.Metadata()["field"] != "chain" {
		t.Fatalf("元数据缺失: %+v", err.Metadata())
	}
}
