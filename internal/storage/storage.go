// Package storage implements the date-partitioned JSON file tree that acts
// as the hand-off boundary between the scrape phase and the ETL phase.
//
// Layout: {root}/telegram_messages/{YYYY-MM-DD}/{channel-slug}.json holds
// all messages for one channel on one UTC calendar day, and
// {root}/images/{channel-slug}/ holds downloaded media.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teshager/medscrape/internal/model"
)

const (
	messagesDirName = "telegram_messages"
	imagesDirName   = "images"
	shardDateLayout = "2006-01-02"

	// Shards are independent files, so reads can fan out.
	readConcurrency = 4
)

// Store reads and writes the partitioned message tree under one root.
type Store struct {
	root string
	log  *slog.Logger
}

// New creates a Store rooted at the given data directory.
func New(root string, log *slog.Logger) *Store {
	return &Store{root: root, log: log.With("component", "storage")}
}

// MessagesDir returns the root of the date-partitioned message tree.
func (s *Store) MessagesDir() string {
	return filepath.Join(s.root, messagesDirName)
}

// ImagesDir returns the root directory for downloaded media.
func (s *Store) ImagesDir() string {
	return filepath.Join(s.root, imagesDirName)
}

// ChannelImageDir returns (and creates) the image directory for a channel slug.
func (s *Store) ChannelImageDir(slug string) (string, error) {
	dir := filepath.Join(s.ImagesDir(), slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}
	return dir, nil
}

// WriteChannelMessages groups one channel's batch by the UTC calendar date
// of each message and merges every group into its shard file. Messages
// whose date is missing or unparsable fall back to the shard for now's
// date. Merging is union-by-(channel, message id): an incoming record
// replaces an existing one with the same key, since a re-scrape carries
// fresher engagement counts.
func (s *Store) WriteChannelMessages(channel string, messages []model.RawMessage, now time.Time) error {
	if len(messages) == 0 {
		s.log.Warn("No messages to save", "channel", channel)
		return nil
	}

	slug := model.Slugify(channel)
	byDate := make(map[string][]model.RawMessage)
	for _, msg := range messages {
		date := now.UTC()
		if parsed, ok := model.ParseDate(msg.MessageDate); ok {
			date = parsed
		}
		key := date.Format(shardDateLayout)
		byDate[key] = append(byDate[key], msg)
	}

	// Shards are independent; one failing date must not block the rest of
	// the batch.
	var errs []error
	for date, batch := range byDate {
		dir := filepath.Join(s.MessagesDir(), date)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Error("Failed to create shard directory, skipping date",
				"channel", channel,
				"date", date,
				"error", err)
			errs = append(errs, fmt.Errorf("failed to create shard directory %s: %w", dir, err))
			continue
		}

		path := filepath.Join(dir, slug+".json")
		if err := s.mergeShard(path, batch); err != nil {
			s.log.Error("Failed to write shard, skipping date",
				"channel", channel,
				"date", date,
				"error", err)
			errs = append(errs, fmt.Errorf("failed to write shard %s: %w", path, err))
			continue
		}

		s.log.Info("Saved messages",
			"channel", channel,
			"date", date,
			"message_count", len(batch),
			"file_path", path)
	}

	return errors.Join(errs...)
}

// mergeShard merges a batch into an existing shard file and rewrites it
// atomically (temp file + rename) so a crash mid-write never leaves a
// truncated shard behind.
func (s *Store) mergeShard(path string, batch []model.RawMessage) error {
	merged := make(map[model.Key]model.RawMessage)

	existing, err := readShard(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("Existing shard unreadable, replacing it", "file_path", path, "error", err)
		}
	} else {
		for _, msg := range existing {
			merged[msg.Key()] = msg
		}
	}

	for _, msg := range batch {
		merged[msg.Key()] = msg
	}

	out := make([]model.RawMessage, 0, len(merged))
	for _, msg := range merged {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelName != out[j].ChannelName {
			return out[i].ChannelName < out[j].ChannelName
		}
		return out[i].MessageID < out[j].MessageID
	})

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace shard: %w", err)
	}

	return nil
}

func readShard(path string) ([]model.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var messages []model.RawMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse shard: %w", err)
	}
	return messages, nil
}

// ReadAll walks the date-partitioned tree and flattens every shard into one
// slice. A missing root is not an error; it returns an empty slice with a
// warning. Shards that fail to parse are logged and skipped. Shards are
// read concurrently, but the result is stably ordered by (shard path, array
// index) so downstream first-seen deduplication stays deterministic.
func (s *Store) ReadAll(ctx context.Context) ([]model.RawMessage, error) {
	root := s.MessagesDir()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		s.log.Warn("Messages directory does not exist, nothing to ingest", "path", root)
		return nil, nil
	}

	var paths []string
	dateDirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages directory: %w", err)
	}
	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		shards, err := os.ReadDir(filepath.Join(root, dateDir.Name()))
		if err != nil {
			s.log.Warn("Failed to list shard directory, skipping", "date", dateDir.Name(), "error", err)
			continue
		}
		for _, shard := range shards {
			if shard.IsDir() || filepath.Ext(shard.Name()) != ".json" {
				continue
			}
			paths = append(paths, filepath.Join(root, dateDir.Name(), shard.Name()))
		}
	}
	sort.Strings(paths)

	results := make([][]model.RawMessage, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			messages, err := readShard(path)
			if err != nil {
				s.log.Warn("Failed to read shard, skipping", "file_path", path, "error", err)
				return nil
			}
			results[i] = messages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []model.RawMessage
	for _, batch := range results {
		all = append(all, batch...)
	}

	s.log.Info("Ingested raw messages", "message_count", len(all), "shard_count", len(paths))
	return all, nil
}
