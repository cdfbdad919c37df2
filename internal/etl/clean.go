// Package etl transforms raw ingested messages into a deduplicated,
// validated batch ready for scoring and warehouse loading.
package etl

import (
	"log/slog"
	"strings"
	"time"

	"github.com/teshager/medscrape/internal/model"
)

// CleanedMessage is a RawMessage with guaranteed invariants: unique
// (channel, message id), non-negative counters, a parsed timestamp, and
// either non-empty text or media present.
type CleanedMessage struct {
	ChannelName string
	MessageID   int64
	// MessageText is the raw platform text; trimming is applied only for
	// the empty-text filter, never to the stored value.
	MessageText string
	MessageDate time.Time
	Views       int64
	Forwards    int64
	HasMedia    bool
	ImagePath   string
	MediaType   model.MediaType
	Hashtags    []string

	// Raw preserves the full source record for the warehouse raw_json column.
	Raw model.RawMessage
}

// Key returns the natural key of the message.
func (m *CleanedMessage) Key() model.Key {
	return model.Key{Channel: m.ChannelName, MessageID: m.MessageID}
}

// Clean deduplicates and validates a batch of raw messages. It is a strict
// filter: rows are defaulted or dropped, never fabricated.
//
// Steps, in order:
//  1. deduplicate by (channel, message id), first occurrence wins;
//  2. default missing counters to 0 and coerce negatives to 0;
//  3. drop rows with neither (trimmed) text nor media;
//  4. parse the message date, dropping rows where it is missing or
//     unparsable.
func Clean(raw []model.RawMessage, log *slog.Logger) []CleanedMessage {
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[model.Key]bool, len(raw))
	var duplicates, emptyRows, badDates int

	cleaned := make([]CleanedMessage, 0, len(raw))
	for _, msg := range raw {
		key := msg.Key()
		if seen[key] {
			duplicates++
			continue
		}
		seen[key] = true

		views := msg.Views
		if views < 0 {
			views = 0
		}
		forwards := msg.Forwards
		if forwards < 0 {
			forwards = 0
		}

		if strings.TrimSpace(msg.MessageText) == "" && !msg.HasMedia {
			emptyRows++
			continue
		}

		date, ok := model.ParseDate(msg.MessageDate)
		if !ok {
			badDates++
			continue
		}

		cleaned = append(cleaned, CleanedMessage{
			ChannelName: msg.ChannelName,
			MessageID:   msg.MessageID,
			MessageText: msg.MessageText,
			MessageDate: date,
			Views:       views,
			Forwards:    forwards,
			HasMedia:    msg.HasMedia,
			ImagePath:   msg.ImagePath,
			MediaType:   msg.MediaType,
			Hashtags:    msg.Hashtags,
			Raw:         msg,
		})
	}

	log.Info("Cleaned raw messages",
		"input_count", len(raw),
		"output_count", len(cleaned),
		"duplicates_removed", duplicates,
		"empty_rows_dropped", emptyRows,
		"unparsable_dates_dropped", badDates)

	return cleaned
}
