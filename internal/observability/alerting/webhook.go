package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// defaultWebhookTimeout 限制单次告警投递的耗时，
// 告警通道阻塞不能拖垮提案处理循环。
const defaultWebhookTimeout = 5 * time.Second

func webhookClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultWebhookTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警载荷失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("投递告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("告警端点返回 %d", resp.StatusCode)
	}
	return nil
}

// DingTalkWebhook 通过钉钉机器人 Webhook 投递文本消息。
type DingTalkWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 DingTalkSender。
func (s *DingTalkWebhook) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, webhookClient(s.Client), s.URL, payload)
}

// SlackWebhook 通过 Slack Incoming Webhook 投递消息。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 SlackSender。
func (s *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return postJSON(ctx, webhookClient(s.Client), s.URL, payload)
}

// SMTPSender 通过 SMTP 发送告警邮件。
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Send 实现 EmailSender。投递是同步的，调用方已给出超时上下文。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	if s.Host == "" || s.From == "" {
		return fmt.Errorf("SMTP 发送器缺少 host 或 from")
	}
	port := s.Port
	if port == 0 {
		port = 25
	}
	message := strings.Join([]string{
		"From: " + s.From,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		content,
	}, "\r\n")

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.Host, port)
	if err := smtp.SendMail(addr, auth, s.From, to, []byte(message)); err != nil {
		return fmt.Errorf("发送告警邮件失败: %w", err)
	}
	return nil
}
