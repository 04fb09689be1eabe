package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webhookTimeout 限制单次告警投递的耗时，避免拖慢处理器。
const webhookTimeout = 10 * time.Second

// DingTalkWebhook 通过钉钉机器人 webhook 投递告警文本。
type DingTalkWebhook struct {
	URL    string
	client *http.Client
}

// NewDingTalkWebhook 创建钉钉 webhook 发送器。
func NewDingTalkWebhook(url string) *DingTalkWebhook {
	return &DingTalkWebhook{
		URL:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 实现 DingTalkSender。
func (s *DingTalkWebhook) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.client, s.URL, payload)
}

// SlackWebhook 通过 incoming webhook 投递告警文本。
// incoming webhook 已绑定频道，channel 参数仅作为附注文本。
type SlackWebhook struct {
	URL    string
	client *http.Client
}

// NewSlackWebhook 创建 Slack webhook 发送器。
func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{
		URL:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 实现 SlackSender。
func (s *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	text := content
	if channel != "" {
		text = fmt.Sprintf("[%s] %s", channel, content)
	}
	return postJSON(ctx, s.client, s.URL, map[string]any{"text": text})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("投递告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("告警接口返回 %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
