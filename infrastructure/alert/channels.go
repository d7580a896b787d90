package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// LogChannel 日志告警通道
type LogChannel struct {
	logger *log.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, output *os.File) *LogChannel {
	if output == nil {
		output = os.Stdout
	}
	return &LogChannel{
		logger: log.New(output, "[ALERT] ", log.LstdFlags),
		name:   name,
	}
}

// Send 发送告警到日志
func (c *LogChannel) Send(alert Alert) error {
	msg := fmt.Sprintf("[%s] %s", alert.Level, alert.Message)
	if len(alert.Fields) > 0 {
		msg += " | Fields: "
		for k, v := range alert.Fields {
			msg += fmt.Sprintf("%s=%v ", k, v)
		}
	}
	c.logger.Println(msg)
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// DiscordChannel 通过 Discord webhook 推送告警。
// 发送失败只返回错误给 Manager 统计，绝不影响交易路径。
type DiscordChannel struct {
	name       string
	webhookURL string
	client     *http.Client
}

// NewDiscordChannel 创建 Discord webhook 通道
func NewDiscordChannel(name, webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		name:       name,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Send 发送告警到 Discord
func (c *DiscordChannel) Send(alert Alert) error {
	if c.webhookURL == "" {
		return fmt.Errorf("webhook url not set")
	}

	content := levelEmoji(alert.Level) + " " + alert.Message
	if len(alert.Fields) > 0 {
		content += " |"
		for k, v := range alert.Fields {
			content += fmt.Sprintf(" %s=%v", k, v)
		}
	}

	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}
	return nil
}

// Name 返回通道名称
func (c *DiscordChannel) Name() string {
	return c.name
}

func levelEmoji(level string) string {
	switch level {
	case "INFO":
		return "✅"
	case "WARNING":
		return "⚠️"
	case "ERROR", "CRITICAL":
		return "❌"
	default:
		return "🔔"
	}
}

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{
		name:   name,
		alerts: make([]Alert, 0),
	}
}

// Send 记录告警（用于测试验证）
func (c *MockChannel) Send(alert Alert) error {
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	return c.alerts
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.shouldErr = shouldErr
}

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int {
	return len(c.alerts)
}

// Clear 清空告警记录
func (c *MockChannel) Clear() {
	c.alerts = make([]Alert, 0)
}
