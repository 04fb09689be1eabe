package resources

import (
	"context"
	"sync/atomic"
	"testing"

	"ChainForge/internal/codegen"
	xerrors "ChainForge/internal/errors"
)

type countingFetcher struct {
	calls atomic.Int64
}

func (f *countingFetcher) FetchSource(_ context.Context, chainID uint64, address string) (*codegen.ContractSource, error) {
	f.calls.Add(1)
	return &codegen.ContractSource{ChainID: chainID, Address: address, Name: "Counter", Source: "contract Counter {}"}, nil
}

type stubCodegen struct{}

func (stubCodegen) GenerateScript(context.Context, codegen.Request) (*codegen.Script, error) {
	return &codegen.Script{Source: "contract S {}"}, nil
}

func TestCachingFetcherHitsInnerOnce(t *testing.T) {
	inner := &countingFetcher{}
	f := NewCachingFetcher(inner)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		src, err := f.FetchSource(ctx, 1, "0xABCD")
		if err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
		if src.Name != "Counter" {
			t.Fatalf("unexpected source name %q", src.Name)
		}
	}
	// 地址大小写不同但语义相同，应命中同一缓存项。
	if _, err := f.FetchSource(ctx, 1, "0xabcd"); err != nil {
		t.Fatalf("case-insensitive fetch failed: %v", err)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("inner fetcher called %d times, want 1", got)
	}

	// 不同链视为不同条目。
	if _, err := f.FetchSource(ctx, 10, "0xabcd"); err != nil {
		t.Fatalf("fetch on second chain failed: %v", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("inner fetcher called %d times after second chain, want 2", got)
	}
}

func TestNewRequiresCodegen(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected initialization error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInitialization {
		t.Fatalf("unexpected error code %v", xerrors.CodeOf(err))
	}
}

func TestNewDefaultsFetcher(t *testing.T) {
	rc, err := New(context.Background(), Config{Codegen: stubCodegen{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if rc.SourceFetcher() == nil {
		t.Fatal("expected a default source fetcher")
	}
	if rc.Codegen() == nil {
		t.Fatal("expected codegen handle")
	}
}
