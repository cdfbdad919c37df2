package scraper

import (
	"time"
	"unicode/utf16"

	"github.com/gotd/td/tg"

	"github.com/teshager/medscrape/internal/model"
)

// Extract converts one platform message into a RawMessage. Service
// messages with neither text nor media yield nil, which means "no record"
// rather than an error. Derived fields (message length, entity presence flags) are
// computed here from the extracted lists, never stored as separate truth.
func Extract(msg *tg.Message, channelName string, scrapedAt time.Time) *model.RawMessage {
	_, hasMedia := msg.GetMedia()
	if msg.Message == "" && !hasMedia {
		return nil
	}

	views, _ := msg.GetViews()
	forwards, _ := msg.GetForwards()

	var messageDate string
	if msg.Date > 0 {
		messageDate = time.Unix(int64(msg.Date), 0).UTC().Format(time.RFC3339)
	}

	hashtags, mentions, urls := extractEntities(msg.Message, msg.Entities)

	return &model.RawMessage{
		MessageID:   int64(msg.ID),
		ChannelName: channelName,
		MessageDate: messageDate,
		MessageText: msg.Message,
		HasMedia:    hasMedia,
		Views:       int64(views),
		Forwards:    int64(forwards),
		Reactions:   extractReactions(msg),
		Hashtags:    hashtags,
		Mentions:    mentions,
		URLs:        urls,

		MessageLength: len(msg.Message),
		HasLinks:      len(urls) > 0,
		HasHashtags:   len(hashtags) > 0,
		HasMentions:   len(mentions) > 0,

		ScrapedAt: scrapedAt.UTC().Format(time.RFC3339),
	}
}

// extractEntities slices the message text using the platform's UTF-16
// offsets. Entities whose offsets fall outside the text are skipped rather
// than crashing extraction.
func extractEntities(text string, entities []tg.MessageEntityClass) (hashtags, mentions, urls []string) {
	encoded := utf16.Encode([]rune(text))
	slice := func(offset, length int) (string, bool) {
		if offset < 0 || length < 0 || offset+length > len(encoded) {
			return "", false
		}
		return string(utf16.Decode(encoded[offset : offset+length])), true
	}

	for _, entity := range entities {
		switch e := entity.(type) {
		case *tg.MessageEntityHashtag:
			if s, ok := slice(e.Offset, e.Length); ok {
				hashtags = append(hashtags, s)
			}
		case *tg.MessageEntityMention:
			if s, ok := slice(e.Offset, e.Length); ok {
				mentions = append(mentions, s)
			}
		case *tg.MessageEntityURL:
			if s, ok := slice(e.Offset, e.Length); ok {
				urls = append(urls, s)
			}
		case *tg.MessageEntityTextURL:
			urls = append(urls, e.URL)
		}
	}
	return hashtags, mentions, urls
}

// extractReactions tolerates missing or partial reaction structures and
// defaults to an empty mapping.
func extractReactions(msg *tg.Message) map[string]int {
	counts := make(map[string]int)
	reactions, ok := msg.GetReactions()
	if !ok {
		return counts
	}
	for _, result := range reactions.Results {
		if emoji, ok := result.Reaction.(*tg.ReactionEmoji); ok {
			counts[emoji.Emoticon] = result.Count
		}
	}
	return counts
}
