// Package scraper orchestrates the scrape phase: it walks the configured
// channels through one Telegram session, extracts messages and media, and
// persists each channel's batch into the date-partitioned store.
package scraper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gotd/td/tg"

	"github.com/teshager/medscrape/internal/model"
	"github.com/teshager/medscrape/internal/storage"
	"github.com/teshager/medscrape/internal/telegram"
)

// Source is the channel client surface the scraper needs. Implemented by
// *telegram.Client; faked in tests.
type Source interface {
	Resolve(ctx context.Context, username string) (*telegram.Channel, error)
	Messages(ctx context.Context, ch *telegram.Channel, limit int, fn func(msg *tg.Message) error) error
	DownloadMedia(ctx context.Context, media tg.MessageMediaClass, path string) error
}

// Summary reports the outcome of one scrape run.
type Summary struct {
	ChannelsTotal   int
	ChannelsScraped int
	Messages        int
	MediaDownloaded int
	SkippedChannels []string
}

// Scraper scrapes all configured channels sequentially over one session.
type Scraper struct {
	source      Source
	store       *storage.Store
	media       *mediaDownloader
	channels    []string
	maxMessages int
	log         *slog.Logger
	now         func() time.Time
}

// New creates a Scraper. The source must already be inside an
// authenticated session scope when ScrapeAll runs.
func New(source Source, store *storage.Store, channels []string, maxMessages int, log *slog.Logger) *Scraper {
	log = log.With("component", "scraper")
	return &Scraper{
		source:      source,
		store:       store,
		media:       &mediaDownloader{source: source, store: store, log: log},
		channels:    channels,
		maxMessages: maxMessages,
		log:         log,
		now:         time.Now,
	}
}

// ScrapeAll processes every configured channel in order. Channels the
// account cannot resolve or access are skipped and recorded in the
// summary; any other per-channel failure is logged and the run continues.
// Messages already extracted when a channel fails mid-stream are still
// flushed to disk, so partial progress survives.
func (s *Scraper) ScrapeAll(ctx context.Context) (*Summary, error) {
	summary := &Summary{ChannelsTotal: len(s.channels)}

	for _, channel := range s.channels {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		start := s.now()
		messages, mediaCount, err := s.scrapeChannel(ctx, channel)

		if len(messages) > 0 {
			if werr := s.store.WriteChannelMessages(channel, messages, s.now()); werr != nil {
				s.log.Error("Failed to persist channel batch", "channel", channel, "error", werr)
			} else {
				summary.Messages += len(messages)
				summary.MediaDownloaded += mediaCount
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, telegram.ErrChannelNotFound), errors.Is(err, telegram.ErrChannelPrivate):
				s.log.Warn("Cannot access channel, skipping", "channel", channel, "error", err)
			case ctx.Err() != nil:
				return summary, ctx.Err()
			default:
				s.log.Error("Channel scrape failed, continuing with remaining channels",
					"channel", channel,
					"messages_scraped", len(messages),
					"error", err)
			}
			summary.SkippedChannels = append(summary.SkippedChannels, channel)
			continue
		}

		summary.ChannelsScraped++
		s.log.Info("Channel scrape complete",
			"channel", channel,
			"message_count", len(messages),
			"media_count", mediaCount,
			"duration_ms", s.now().Sub(start).Milliseconds())
	}

	s.log.Info("Completed scraping all channels",
		"total_channels", summary.ChannelsTotal,
		"successful_channels", summary.ChannelsScraped,
		"total_messages", summary.Messages)
	return summary, nil
}

func (s *Scraper) scrapeChannel(ctx context.Context, channel string) ([]model.RawMessage, int, error) {
	ch, err := s.source.Resolve(ctx, channel)
	if err != nil {
		return nil, 0, err
	}

	slug := model.Slugify(channel)
	s.log.Info("Scraping channel", "channel", channel, "title", ch.Title, "max_messages", s.maxMessages)

	var messages []model.RawMessage
	mediaCount := 0
	err = s.source.Messages(ctx, ch, s.maxMessages, func(msg *tg.Message) error {
		raw := Extract(msg, channel, s.now())
		if raw == nil {
			return nil
		}

		if media, ok := msg.GetMedia(); ok {
			mediaType, relPath := s.media.Download(ctx, raw.MessageID, media, slug)
			raw.MediaType = mediaType
			raw.ImagePath = relPath
			if relPath != "" {
				mediaCount++
			}
		}

		messages = append(messages, *raw)
		if len(messages)%50 == 0 {
			s.log.Info("Scrape progress", "channel", channel, "message_count", len(messages))
		}
		return nil
	})
	return messages, mediaCount, err
}
