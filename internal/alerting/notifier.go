package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trove-guardian/internal/events"
)

// Notification 封装告警上下文。
type Notification struct {
	Event    events.RiskEvent
	Channels []string
}

// NewNotification wraps a risk event for delivery.
func NewNotification(ev events.RiskEvent, channels []string) Notification {
	return Notification{Event: ev, Channels: channels}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("address", note.Event.Address).
		Str("severity", note.Event.Severity).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	ev := note.Event
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Trove %s]\n", ev.Severity))
	builder.WriteString(fmt.Sprintf("Owner: %s\n", ev.Address))
	if ev.AgentID != "" {
		builder.WriteString(fmt.Sprintf("Agent: %s\n", ev.AgentID))
	}
	builder.WriteString(fmt.Sprintf("Trove: %s (%s, branch %d)\n", ev.TroveID, ev.CollateralSymbol, ev.BranchIndex))
	builder.WriteString(fmt.Sprintf("Collateral ratio: %s%% (strategy %s)\n", ev.CollateralRatio.StringFixed(2), ev.Strategy))
	builder.WriteString(fmt.Sprintf("Interest rate: %s%%", ev.InterestRate.StringFixed(2)))
	if ev.BranchAvgRate.IsPositive() {
		builder.WriteString(fmt.Sprintf(" (branch avg %s%%)", ev.BranchAvgRate.StringFixed(2)))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("Redemption risk: %s\n", ev.RedemptionRisk))
	builder.WriteString(fmt.Sprintf("Detail: %s\n", ev.Detail))
	if ev.Remediation != "" {
		builder.WriteString(fmt.Sprintf("Remediation: %s\n", ev.Remediation))
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC", ev.Timestamp.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
