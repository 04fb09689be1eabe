package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ChainForge/internal/codegen"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
)

// Config 描述了调用 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用大模型生成可执行的操作脚本。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供代码生成后端的 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// GenerateScript 调用后端生成脚本源码与调用序列。
func (c *Client) GenerateScript(ctx context.Context, req codegen.Request) (*codegen.Script, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建代码生成请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求代码生成后端失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("代码生成后端返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析代码生成响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("代码生成响应中没有有效的 choices")
	}

	return parseScript(decoded.Choices[0].Message.Content)
}

// Ping 验证后端可达性，供资源上下文在启动阶段做探活。
func (c *Client) Ping(ctx context.Context) error {
	endpoint := c.baseURL + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("代码生成后端不可达: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("代码生成后端返回状态 %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) buildPayload(req codegen.Request) ([]byte, error) {
	var prompt strings.Builder
	prompt.WriteString("为下列操作组生成一个 Solidity 执行脚本，并列出脚本将发起的链上调用。\n")
	fmt.Fprintf(&prompt, "目标链 chain_id: %d\n", req.ChainID)
	fmt.Fprintf(&prompt, "操作组描述: %s\n", req.Description)
	for i, op := range req.Operations {
		fmt.Fprintf(&prompt, "操作 %d: %s\n", i+1, op)
	}
	for _, src := range req.Sources {
		fmt.Fprintf(&prompt, "\n合约 %s (%s):\n%s\n", src.Name, src.Address, src.Source)
	}
	prompt.WriteString("\n仅输出 JSON：{\"source\": \"...\", \"calls\": [{\"to\": \"0x..\", \"value\": \"0\", \"data\": \"0x..\"}]}")

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": "你是链上操作脚本生成器，只输出严格的 JSON。"},
			{"role": "user", "content": prompt.String()},
		},
		"temperature": 0,
	}
	return json.Marshal(body)
}

// parseScript 从模型输出中提取 JSON 结构；容忍 Markdown 代码块包装。
func parseScript(content string) (*codegen.Script, error) {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		content = strings.TrimPrefix(content, "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}

	var script codegen.Script
	if err := json.Unmarshal([]byte(content), &script); err != nil {
		return nil, fmt.Errorf("代码生成输出不是合法 JSON: %w", err)
	}
	if strings.TrimSpace(script.Source) == "" {
		return nil, errors.New("代码生成输出缺少脚本源码")
	}
	return &script, nil
}
