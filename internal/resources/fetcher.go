package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ChainForge/internal/codegen"
	xerrors "ChainForge/internal/errors"
)

// SourceFetcher resolves verified contract source for a chain/address pair.
type SourceFetcher interface {
	FetchSource(ctx context.Context, chainID uint64, address string) (*codegen.ContractSource, error)
}

type cacheKey struct {
	chainID uint64
	address string
}

// CachingFetcher wraps another fetcher with an in-memory cache. Entries
// never expire: verified source for a fixed address does not change.
type CachingFetcher struct {
	inner SourceFetcher

	mu    sync.RWMutex
	cache map[cacheKey]*codegen.ContractSource
}

// NewCachingFetcher 构建带缓存的源码获取器。
func NewCachingFetcher(inner SourceFetcher) *CachingFetcher {
	return &CachingFetcher{
		inner: inner,
		cache: make(map[cacheKey]*codegen.ContractSource),
	}
}

// FetchSource returns the cached entry when present, otherwise delegates
// to the inner fetcher and stores the result.
func (f *CachingFetcher) FetchSource(ctx context.Context, chainID uint64, address string) (*codegen.ContractSource, error) {
	key := cacheKey{chainID: chainID, address: strings.ToLower(address)}

	f.mu.RLock()
	if src, ok := f.cache[key]; ok {
		f.mu.RUnlock()
		return src, nil
	}
	f.mu.RUnlock()

	src, err := f.inner.FetchSource(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[key] = src
	f.mu.Unlock()
	return src, nil
}

// EtherscanFetcher pulls verified source from an Etherscan-compatible API.
type EtherscanFetcher struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewEtherscanFetcher 创建基于 Etherscan 系接口的源码获取器。
func NewEtherscanFetcher(baseURL, apiKey string, timeout time.Duration) *EtherscanFetcher {
	if baseURL == "" {
		baseURL = "https://api.etherscan.io/v2/api"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EtherscanFetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchSource queries the getsourcecode endpoint and returns the first
// verified entry for the address.
func (f *EtherscanFetcher) FetchSource(ctx context.Context, chainID uint64, address string) (*codegen.ContractSource, error) {
	query := url.Values{}
	query.Set("chainid", fmt.Sprintf("%d", chainID))
	query.Set("module", "contract")
	query.Set("action", "getsourcecode")
	query.Set("address", address)
	if f.apiKey != "" {
		query.Set("apikey", f.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "请求合约源码接口失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("合约源码接口返回状态 %d", resp.StatusCode))
	}

	var decoded struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  []struct {
			SourceCode   string `json:"SourceCode"`
			ContractName string `json:"ContractName"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "解析合约源码响应失败")
	}
	if decoded.Status != "1" || len(decoded.Result) == 0 || decoded.Result[0].SourceCode == "" {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("地址 %s 在 chain %d 上没有已验证的源码", address, chainID))
	}

	return &codegen.ContractSource{
		ChainID: chainID,
		Address: address,
		Name:    decoded.Result[0].ContractName,
		Source:  decoded.Result[0].SourceCode,
	}, nil
}
