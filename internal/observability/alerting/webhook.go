package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSender 以 JSON POST 方式投递消息，同时满足 Slack 与钉钉的 incoming webhook。
type WebhookSender struct {
	URL    string
	Format Channel
	Client *http.Client
}

// NewWebhookSender 创建 webhook 发送器。format 决定消息体结构。
func NewWebhookSender(url string, format Channel) *WebhookSender {
	return &WebhookSender{URL: url, Format: format, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Send 实现 DingTalkSender。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, s.body("", content))
}

// SendTo 实现 SlackSender 所需的带频道发送。
func (s *WebhookSender) SendTo(ctx context.Context, channel, content string) error {
	return s.post(ctx, s.body(channel, content))
}

func (s *WebhookSender) body(channel, content string) any {
	if s.Format == ChannelDingTalk {
		return map[string]any{"msgtype": "text", "text": map[string]string{"content": content}}
	}
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return payload
}

func (s *WebhookSender) post(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回 %d", resp.StatusCode)
	}
	return nil
}

// slackAdapter 将 WebhookSender 适配为 SlackSender。
type slackAdapter struct{ *WebhookSender }

func (a slackAdapter) Send(ctx context.Context, channel, content string) error {
	return a.SendTo(ctx, channel, content)
}

// NewSlackWebhookNotifier 基于 incoming webhook 构造 Slack 通知器。
func NewSlackWebhookNotifier(url, channel string) *SlackNotifier {
	return &SlackNotifier{Sender: slackAdapter{NewWebhookSender(url, ChannelSlack)}, ChannelID: channel}
}

// NewDingTalkWebhookNotifier 基于机器人 webhook 构造钉钉通知器。
func NewDingTalkWebhookNotifier(url string) *DingTalkNotifier {
	return &DingTalkNotifier{Sender: NewWebhookSender(url, ChannelDingTalk)}
}
