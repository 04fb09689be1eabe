package plan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainForge/internal/codegen"
	"ChainForge/internal/provider"
)

// rpcRecorder 记录 JSON-RPC 方法调用顺序并返回固定结果。
func rpcRecorder(t *testing.T, methods *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*methods = append(*methods, req.Method)

		var result any
		switch req.Method {
		case "eth_sendTransaction":
			result = "0x" + strings.Repeat("cd", 32)
		default:
			result = true
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
}

func newForkClient(t *testing.T, url string) *provider.Client {
	t.Helper()
	registry := provider.NewRegistry()
	if _, err := registry.Register("fork", provider.ChainDefinition{
		Kind:    "external",
		ChainID: 31337,
		RPCURL:  url,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	client, err := registry.GetProvider(context.Background(), "fork")
	if err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	t.Cleanup(registry.Close)
	return client
}

func TestForkBackendImpersonatesSender(t *testing.T) {
	var methods []string
	server := rpcRecorder(t, &methods)
	defer server.Close()

	backend := NewForkBackend(newForkClient(t, server.URL), 31337).WithImpersonation()
	hash, err := backend.Execute(context.Background(), codegen.Call{
		From:  "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		To:    "0x000000000000000000000000000000000000dEaD",
		Value: "1",
		Data:  "0x",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.HasPrefix(hash, "0x") {
		t.Fatalf("unexpected tx hash %q", hash)
	}

	want := []string{"anvil_impersonateAccount", "eth_sendTransaction", "anvil_stopImpersonatingAccount"}
	if len(methods) != len(want) {
		t.Fatalf("unexpected call sequence %v", methods)
	}
	for i, m := range want {
		if methods[i] != m {
			t.Fatalf("call %d: got %s want %s", i, methods[i], m)
		}
	}
}

func TestForkBackendRejectsMalformedCall(t *testing.T) {
	var methods []string
	server := rpcRecorder(t, &methods)
	defer server.Close()

	backend := NewForkBackend(newForkClient(t, server.URL), 31337)

	if _, err := backend.Execute(context.Background(), codegen.Call{To: "not-an-address"}); err == nil {
		t.Fatal("非法地址应当报错")
	}
	if _, err := backend.Execute(context.Background(), codegen.Call{Value: "12.5"}); err == nil {
		t.Fatal("非法 value 应当报错")
	}
	if len(methods) != 0 {
		t.Fatalf("校验失败不应触达节点: %v", methods)
	}
}
