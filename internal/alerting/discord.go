package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordConfig holds configuration for the Discord webhook alerter.
type DiscordConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// DiscordAlerter posts alerts as webhook embeds.
type DiscordAlerter struct {
	cfg    DiscordConfig
	client *http.Client
	now    func() time.Time
}

// NewDiscordAlerter creates a new Discord alerter.
func NewDiscordAlerter(cfg DiscordConfig) *DiscordAlerter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &DiscordAlerter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Name returns the name of the alerter.
func (d *DiscordAlerter) Name() string {
	return "discord"
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Footer      discordFooter `json:"footer"`
	Timestamp   string        `json:"timestamp"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Embed sidebar colors.
const (
	colorBlue   = 0x3498db
	colorYellow = 0xf1c40f
	colorOrange = 0xe67e22
	colorRed    = 0xe74c3c
	colorGreen  = 0x2ecc71
)

func severityColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return colorRed
	case SeverityHigh:
		return colorOrange
	case SeverityWarning:
		return colorYellow
	default:
		return colorBlue
	}
}

// Alert posts an alert embed.
func (d *DiscordAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	desc := message
	if f := FormatFields(fields...); f != "" {
		desc += "\n\n" + f
	}
	return d.post(ctx, discordEmbed{
		Title:       fmt.Sprintf("%s %s", severity.Emoji(), severity.String()),
		Description: desc,
		Color:       severityColor(severity),
	})
}

// SendSummary posts the daily portfolio summary.
func (d *DiscordAlerter) SendSummary(ctx context.Context, summary PortfolioSummary) error {
	color := colorGreen
	if summary.TotalPL.IsNegative() || summary.BreakerTripped {
		color = colorRed
	}
	return d.post(ctx, discordEmbed{
		Title:       "Daily Portfolio Summary",
		Description: "```\n" + summary.Text() + "\n```",
		Color:       color,
	})
}

func (d *DiscordAlerter) post(ctx context.Context, embed discordEmbed) error {
	embed.Footer = discordFooter{Text: "allocator"}
	embed.Timestamp = d.now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord returned status: %d", resp.StatusCode)
	}
	return nil
}
