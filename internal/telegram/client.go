// Package telegram implements the rate-limited MTProto channel client used
// by the scrape phase. It owns the single authenticated session, resolves
// channel usernames, streams channel history in chronological order, and
// downloads media, transparently absorbing FLOOD_WAIT throttling so the
// consumer never observes a gap.
package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

var (
	// ErrChannelNotFound reports a username that resolves to nothing.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrChannelPrivate reports a channel the account cannot access.
	ErrChannelPrivate = errors.New("channel is private or forbidden")
)

const (
	authMaxRetries = 3
	authRetryDelay = 5 * time.Second

	// historyPageSize is the messages.getHistory page limit.
	historyPageSize = 100
)

// Channel is a resolved channel handle.
type Channel struct {
	ID         int64
	AccessHash int64
	Username   string
	Title      string
}

func (c *Channel) inputPeer() *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
}

// Client holds one MTProto session. It is owned by a single scrape run at
// a time and must be used inside Run.
type Client struct {
	tg    *telegram.Client
	api   *tg.Client
	phone string
	log   *slog.Logger

	// sleep and getHistory are swapped out in tests.
	sleep      func(ctx context.Context, d time.Duration) error
	getHistory func(ctx context.Context, peer tg.InputPeerClass, offsetID, limit int) (tg.MessagesMessagesClass, error)
}

// NewClient creates a client whose session state persists in sessionFile.
// No connection is made until Run.
func NewClient(apiID int, apiHash, phone, sessionFile string, log *slog.Logger) *Client {
	tgClient := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionFile},
	})
	api := tgClient.API()
	return &Client{
		tg:    tgClient,
		api:   api,
		phone: phone,
		log:   log.With("component", "telegram"),
		sleep: sleepCtx,
		getHistory: func(ctx context.Context, peer tg.InputPeerClass, offsetID, limit int) (tg.MessagesMessagesClass, error) {
			return api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:     peer,
				OffsetID: offsetID,
				Limit:    limit,
			})
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects, authenticates, and invokes fn within the session scope.
// The connection is released on every exit path, including panics inside
// fn unwinding as errors and context cancellation.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.tg.Run(ctx, func(ctx context.Context) error {
		if err := c.authenticate(ctx); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		c.log.Info("Telegram session established")
		return fn(ctx)
	})
}

// authenticate signs in if necessary, retrying a bounded number of times
// with a fixed delay. FLOOD_WAIT pauses never count as failed attempts;
// they are resolved by waiting the server-specified duration and retrying
// the same operation.
func (c *Client) authenticate(ctx context.Context) error {
	flow := auth.NewFlow(
		auth.Constant(c.phone, "", auth.CodeAuthenticatorFunc(promptLoginCode)),
		auth.SendCodeOptions{},
	)

	attempt := 0
	for {
		err := c.tg.Auth().IfNecessary(ctx, flow)
		if err == nil {
			return nil
		}

		if wait, ok := tgerr.AsFloodWait(err); ok {
			c.log.Warn("Flood wait during authentication", "wait_seconds", wait.Seconds())
			if werr := c.sleep(ctx, wait+time.Second); werr != nil {
				return werr
			}
			continue
		}

		attempt++
		if attempt >= authMaxRetries {
			return err
		}
		c.log.Warn("Authentication attempt failed, retrying",
			"attempt", attempt,
			"retry_delay", authRetryDelay.String(),
			"error", err)
		if werr := c.sleep(ctx, authRetryDelay); werr != nil {
			return werr
		}
	}
}

func promptLoginCode(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Fprint(os.Stderr, "Enter the login code sent to your Telegram account: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read login code: %w", err)
	}
	return strings.TrimSpace(code), nil
}

// invoke runs one API operation, absorbing FLOOD_WAIT by waiting the
// server-specified duration and retrying the same operation in an explicit
// loop. Throttling is never surfaced as a failure; any other error is
// returned to the caller immediately.
func (c *Client) invoke(ctx context.Context, op func(ctx context.Context) error) error {
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return err
		}
		c.log.Warn("Rate limited, waiting before resuming", "wait_seconds", wait.Seconds())
		if werr := c.sleep(ctx, wait+time.Second); werr != nil {
			return werr
		}
	}
}

// Resolve looks up a channel by username. Unknown usernames map to
// ErrChannelNotFound and inaccessible channels to ErrChannelPrivate; both
// are non-fatal per-channel outcomes the caller is expected to skip.
func (c *Client) Resolve(ctx context.Context, username string) (*Channel, error) {
	username = strings.TrimPrefix(username, "@")

	var resolved *tg.ContactsResolvedPeer
	err := c.invoke(ctx, func(ctx context.Context) error {
		r, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: username,
		})
		resolved = r
		return err
	})
	if err != nil {
		switch {
		case tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID"):
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, username)
		case tgerr.Is(err, "CHANNEL_PRIVATE", "CHAT_ADMIN_REQUIRED"):
			return nil, fmt.Errorf("%w: %s", ErrChannelPrivate, username)
		}
		return nil, fmt.Errorf("failed to resolve channel %s: %w", username, err)
	}

	for _, chat := range resolved.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		hash, _ := ch.GetAccessHash()
		return &Channel{
			ID:         ch.ID,
			AccessHash: hash,
			Username:   username,
			Title:      ch.Title,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a channel", ErrChannelNotFound, username)
}

// Messages visits up to limit messages of the channel in chronological
// order. History pages arrive newest-first from the API, so the client
// pages through an explicit cursor loop, buffers up to limit messages, and
// then delivers them oldest-to-newest. FLOOD_WAIT mid-iteration pauses and
// resumes the same page; the visitor observes no gap and no duplicates.
// Returning an error from fn stops the iteration.
func (c *Client) Messages(ctx context.Context, ch *Channel, limit int, fn func(msg *tg.Message) error) error {
	peer := ch.inputPeer()

	var collected []*tg.Message
	offsetID := 0
	for len(collected) < limit {
		pageLimit := historyPageSize
		if remaining := limit - len(collected); remaining < pageLimit {
			pageLimit = remaining
		}

		var history tg.MessagesMessagesClass
		err := c.invoke(ctx, func(ctx context.Context) error {
			h, err := c.getHistory(ctx, peer, offsetID, pageLimit)
			history = h
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}

		batch := historyMessages(history)
		if len(batch) == 0 {
			break
		}

		for _, m := range batch {
			if msg, ok := m.(*tg.Message); ok && len(collected) < limit {
				collected = append(collected, msg)
			}
		}
		// Next page starts below the oldest message of this one.
		offsetID = batch[len(batch)-1].GetID()
	}

	for i := len(collected) - 1; i >= 0; i-- {
		if err := fn(collected[i]); err != nil {
			return err
		}
	}
	return nil
}

func historyMessages(history tg.MessagesMessagesClass) []tg.MessageClass {
	switch h := history.(type) {
	case *tg.MessagesMessages:
		return h.Messages
	case *tg.MessagesMessagesSlice:
		return h.Messages
	case *tg.MessagesChannelMessages:
		return h.Messages
	default:
		return nil
	}
}

// DownloadMedia downloads the file behind a photo or document media
// attachment to the given path.
func (c *Client) DownloadMedia(ctx context.Context, media tg.MessageMediaClass, path string) error {
	loc, ok := mediaLocation(media)
	if !ok {
		return fmt.Errorf("media has no downloadable file")
	}
	return c.invoke(ctx, func(ctx context.Context) error {
		_, err := downloader.NewDownloader().Download(c.api, loc).ToPath(ctx, path)
		return err
	})
}

func mediaLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photoClass, ok := m.GetPhoto()
		if !ok {
			return nil, false
		}
		photo, ok := photoClass.(*tg.Photo)
		if !ok {
			return nil, false
		}
		thumb, ok := largestPhotoSize(photo.Sizes)
		if !ok {
			return nil, false
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, true
	case *tg.MessageMediaDocument:
		docClass, ok := m.GetDocument()
		if !ok {
			return nil, false
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return nil, false
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, true
	}
	return nil, false
}

// largestPhotoSize picks the thumb type of the biggest available size.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, bool) {
	best := ""
	bestBytes := -1
	for _, s := range sizes {
		switch size := s.(type) {
		case *tg.PhotoSize:
			if size.Size > bestBytes {
				bestBytes = size.Size
				best = size.Type
			}
		case *tg.PhotoSizeProgressive:
			total := 0
			for _, n := range size.Sizes {
				if n > total {
					total = n
				}
			}
			if total > bestBytes {
				bestBytes = total
				best = size.Type
			}
		}
	}
	return best, best != ""
}
