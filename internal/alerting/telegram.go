package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	// APIBase overrides the Bot API endpoint.
	APIBase string
}

// TelegramAlerter sends alerts via Telegram.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultTelegramAPI
	}

	return &TelegramAlerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

// telegramMessage represents the Telegram API message format.
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// telegramResponse represents the Telegram API response.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, t.formatMessage(severity, message, fields...))
}

// SendSummary sends a formatted daily portfolio summary.
func (t *TelegramAlerter) SendSummary(ctx context.Context, summary PortfolioSummary) error {
	return t.send(ctx, t.formatSummary(summary))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	msg := telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(respBody, &telegramResp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if !telegramResp.OK {
		return fmt.Errorf("telegram API error: %s", telegramResp.Description)
	}

	return nil
}

// formatMessage formats the alert message for Telegram.
func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), message)

	if len(fields) > 0 {
		fieldsStr := FormatFields(fields...)
		if fieldsStr != "" {
			text += "\n\n<b>Details:</b>\n" + fieldsStr
		}
	}

	text += fmt.Sprintf("\n\n<i>%s</i>", time.Now().Format("2006-01-02 15:04:05 MST"))

	return text
}

// formatSummary formats a portfolio summary for Telegram.
func (t *TelegramAlerter) formatSummary(s PortfolioSummary) string {
	plEmoji := "📈"
	if s.TotalPL.IsNegative() {
		plEmoji = "📉"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `%s <b>Daily Portfolio Summary</b>
<b>Date:</b> %s

<b>Performance:</b>
• Starting Equity: $%s
• Ending Equity: $%s
• Daily P/L: $%s (%s%%)
• High Water Mark: $%s
• Drawdown: %s%%

<b>Activity:</b>
• Cycles: %d
• Orders Filled: %d | Rejected: %d
• Vetoes: %d

<b>Status:</b>
• Portfolio Breaker: %s
• Pipeline: %s`,
		plEmoji,
		s.Date.Format("2006-01-02"),
		s.StartingEquity.StringFixed(2),
		s.EndingEquity.StringFixed(2),
		s.TotalPL.StringFixed(2),
		s.ReturnPct.StringFixed(2),
		s.HighWaterMark.StringFixed(2),
		s.Drawdown.StringFixed(2),
		s.Cycles,
		s.OrdersFilled,
		s.OrdersRejected,
		s.Vetoes,
		boolToStatus(s.BreakerTripped),
		boolToStatus(s.Halted),
	)

	if len(s.Engines) > 0 {
		b.WriteString("\n\n<b>Engines:</b>")
		for _, e := range s.SortedEngines() {
			fmt.Fprintf(&b, "\n• %s: $%s (%d positions)", e.Name, e.Capital.StringFixed(2), e.Positions)
			if e.BreakerTripped {
				b.WriteString(" 🔴")
			}
		}
	}

	return b.String()
}

func boolToStatus(b bool) string {
	if b {
		return "🔴 Active"
	}
	return "🟢 Inactive"
}
