package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// DefaultCooldown is how long an identical alert is suppressed.
const DefaultCooldown = 10 * time.Minute

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     zerolog.Logger
	client     *http.Client
	recent     *cache.Cache
	cooldown   time.Duration
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped. Alerts with the same key are sent at
// most once per cooldown.
func NewDiscord(webhookURL string, logger zerolog.Logger, cooldown time.Duration) *Discord {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
		recent:     cache.New(cooldown, 2*cooldown),
		cooldown:   cooldown,
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// allow reports whether an alert with key may be sent now and starts its
// cooldown.
func (d *Discord) allow(key string) bool {
	return d.recent.Add(key, struct{}{}, d.cooldown) == nil
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Warn().Err(err).Msg("discord: failed to marshal message")
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Warn().Err(err).Msg("discord: failed to create request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn().Err(err).Msg("discord: failed to send webhook")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Warn().Int("status", resp.StatusCode).Msg("discord: webhook returned error status")
		}
	}()
}

// NotifyUpstreamFatal reports a transcription upstream failure. Returns false
// when the alert was suppressed or the notifier is disabled.
func (d *Discord) NotifyUpstreamFatal(ctx context.Context, sessionID, message string) bool {
	if !d.Enabled() || !d.allow("upstream:"+message) {
		return false
	}
	d.send(ctx, discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Transcription upstream failed",
			Description: fmt.Sprintf("```%s```", message),
			Color:       0xFF0000,
			Fields: []embedField{
				{Name: "Session", Value: fmt.Sprintf("`%s`", sessionID), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	})
	return true
}

// NotifyGenerationFailure reports a failed answer stage.
func (d *Discord) NotifyGenerationFailure(ctx context.Context, stage, message string) bool {
	if !d.Enabled() || !d.allow("generation:"+stage+":"+message) {
		return false
	}
	d.send(ctx, discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Answer generation failed",
			Description: fmt.Sprintf("```%s```", message),
			Color:       0xFFA500,
			Fields: []embedField{
				{Name: "Stage", Value: stage, Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	})
	return true
}
