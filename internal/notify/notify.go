// Package notify posts pipeline run summaries to an admin chat through the
// Telegram Bot API. Notification is optional and never interferes with the
// pipeline: send failures are logged and swallowed.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
)

// Notifier sends run summaries to a single chat.
type Notifier struct {
	bot    *bot.Bot
	chatID int64
	log    *slog.Logger
}

// New creates a Notifier. The token must be non-empty; callers decide
// whether notification is enabled before constructing one.
func New(token string, chatID int64, log *slog.Logger) (*Notifier, error) {
	if token == "" {
		return nil, fmt.Errorf("notifier bot token cannot be empty")
	}

	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Notifier{
		bot:    b,
		chatID: chatID,
		log:    log.With("component", "notifier"),
	}, nil
}

// RunReport is the cross-phase summary posted after a pipeline run.
type RunReport struct {
	ChannelsScraped int
	ChannelsTotal   int
	Messages        int
	MediaDownloaded int
	RowsLoaded      int
	Anomalies       int
	Detections      int
	Errors          []string
}

func (r RunReport) format() string {
	var sb strings.Builder
	sb.WriteString("Scrape run finished\n")
	fmt.Fprintf(&sb, "Channels: %d/%d\n", r.ChannelsScraped, r.ChannelsTotal)
	fmt.Fprintf(&sb, "Messages: %d (media %d)\n", r.Messages, r.MediaDownloaded)
	fmt.Fprintf(&sb, "Warehouse rows: %d (anomalies %d)\n", r.RowsLoaded, r.Anomalies)
	if r.Detections > 0 {
		fmt.Fprintf(&sb, "Image detections: %d\n", r.Detections)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&sb, "Error: %s\n", e)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Send posts the report. Failures are logged, never returned.
func (n *Notifier) Send(ctx context.Context, report RunReport) {
	if _, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   report.format(),
	}); err != nil {
		n.log.Error("Failed to send run summary notification", "error", err)
		return
	}
	n.log.Info("Run summary notification sent", "chat_id", n.chatID)
}
