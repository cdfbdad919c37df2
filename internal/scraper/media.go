package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gotd/td/tg"

	"github.com/teshager/medscrape/internal/model"
	"github.com/teshager/medscrape/internal/storage"
)

// classifyMedia maps a platform media attachment to its media type, the
// file extension to download with, and whether it should be downloaded at
// all. Photos become jpg; documents with an image MIME take the subtype
// extension (jpg when absent); other documents are recorded but not
// downloaded.
func classifyMedia(media tg.MessageMediaClass) (mediaType model.MediaType, ext string, download bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		return model.MediaPhoto, "jpg", true
	case *tg.MessageMediaDocument:
		docClass, ok := m.GetDocument()
		if !ok {
			return model.MediaDocument, "", false
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return model.MediaDocument, "", false
		}
		if subtype, found := strings.CutPrefix(doc.MimeType, "image/"); found {
			if subtype == "" {
				subtype = "jpg"
			}
			return model.MediaImage, subtype, true
		}
		return model.MediaDocument, "", false
	}
	return model.MediaNone, "", false
}

// mediaDownloader persists message attachments under the image tree with
// deterministic names: {slug}/{slug}_{message-id}.{ext}.
type mediaDownloader struct {
	source Source
	store  *storage.Store
	log    *slog.Logger
}

// Download fetches the attachment of one message. Any failure is logged
// and reported as an empty path; a missing image never aborts extraction
// of the surrounding message.
func (d *mediaDownloader) Download(ctx context.Context, messageID int64, media tg.MessageMediaClass, slug string) (model.MediaType, string) {
	mediaType, ext, download := classifyMedia(media)
	if !download {
		return mediaType, ""
	}

	dir, err := d.store.ChannelImageDir(slug)
	if err != nil {
		d.log.Error("Failed to prepare image directory", "channel_slug", slug, "error", err)
		return mediaType, ""
	}

	filename := fmt.Sprintf("%s_%d.%s", slug, messageID, ext)
	if err := d.source.DownloadMedia(ctx, media, filepath.Join(dir, filename)); err != nil {
		d.log.Error("Failed to download media, continuing without it",
			"message_id", messageID,
			"channel_slug", slug,
			"error", err)
		return mediaType, ""
	}

	d.log.Debug("Downloaded media", "message_id", messageID, "file", filename)
	return mediaType, filepath.ToSlash(filepath.Join("images", slug, filename))
}
