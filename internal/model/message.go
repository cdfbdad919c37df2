// Package model defines the typed message records exchanged between the
// scraper, the partitioned file store, and the ETL stages.
package model

import (
	"strings"
	"time"
)

// MediaType classifies the attachment of a scraped message.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaImage    MediaType = "image"
	MediaDocument MediaType = "document"
	MediaNone     MediaType = ""
)

// RawMessage is one message as extracted from Telegram and persisted into
// the date-partitioned JSON tree. (channel_name, message_id) is the natural
// key; a message with neither text nor media is never persisted.
type RawMessage struct {
	MessageID   int64  `json:"message_id"`
	ChannelName string `json:"channel_name"`
	// MessageDate is the ISO-8601 platform timestamp, empty when the
	// platform did not supply one. Parsing happens in the cleaner.
	MessageDate string         `json:"message_date,omitempty"`
	MessageText string         `json:"message_text"`
	HasMedia    bool           `json:"has_media"`
	Views       int64          `json:"views"`
	Forwards    int64          `json:"forwards"`
	Reactions   map[string]int `json:"reactions"`
	ImagePath   string         `json:"image_path,omitempty"`
	MediaType   MediaType      `json:"media_type,omitempty"`
	Hashtags    []string       `json:"hashtags"`
	Mentions    []string       `json:"mentions"`
	URLs        []string       `json:"urls"`

	// Derived at extraction time from the fields above.
	MessageLength int  `json:"message_length"`
	HasLinks      bool `json:"has_links"`
	HasHashtags   bool `json:"has_hashtags"`
	HasMentions   bool `json:"has_mentions"`

	ScrapedAt string `json:"scraped_at"`
}

// Key identifies a message uniquely across channels.
type Key struct {
	Channel   string
	MessageID int64
}

// Key returns the natural key of the message.
func (m *RawMessage) Key() Key {
	return Key{Channel: m.ChannelName, MessageID: m.MessageID}
}

// Slugify converts a channel identifier into a filesystem-safe lowercase
// slug: the leading @ is dropped, dashes become underscores, and any
// remaining character outside [a-z0-9_] is stripped.
func Slugify(channel string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimPrefix(channel, "@")) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-':
			b.WriteByte('_')
		}
	}
	return b.String()
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses a message timestamp in any of the accepted layouts and
// returns it in UTC. The boolean reports whether parsing succeeded.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
