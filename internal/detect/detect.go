// Package detect enriches downloaded channel images with object labels
// from the Gemini API. Detection results feed the image_detections
// warehouse table; the pipeline runs without it when no API key is set.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/teshager/medscrape/internal/warehouse"
)

const detectPrompt = `Identify the distinct objects visible in this image. ` +
	`Respond with a JSON array where each element has a "label" string and a ` +
	`"confidence" number between 0 and 1.`

var labelListSchema = &genai.Schema{
	Type:        genai.TypeArray,
	Description: "Objects detected in the image.",
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"label":      {Type: genai.TypeString, Description: "Short lowercase object name."},
			"confidence": {Type: genai.TypeNumber, Description: "Detection confidence between 0 and 1."},
		},
		Required: []string{"label", "confidence"},
	},
}

type labelResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Detector labels scraped images through the Gemini API.
type Detector struct {
	client     *genai.Client
	model      string
	log        *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// New creates a Detector. The API key must be non-empty; callers decide
// whether detection is enabled before constructing one.
func New(ctx context.Context, apiKey, model string, log *slog.Logger) (*Detector, error) {
	if apiKey == "" {
		return nil, errors.New("detection API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	logger := log.With("component", "detector")
	logger.Info("Image detector initialized", "model", model)
	return &Detector{
		client:     client,
		model:      model,
		log:        logger,
		maxRetries: 2,
		retryDelay: 5 * time.Second,
	}, nil
}

// Run walks every image under imagesDir, labels it, and returns the
// detection rows. A failure on one image is logged and the walk continues.
func (d *Detector) Run(ctx context.Context, imagesDir string) ([]warehouse.Detection, error) {
	var detections []warehouse.Detection
	images := 0

	err := filepath.WalkDir(imagesDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry == nil && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		slug, messageID, ok := parseImageName(entry.Name())
		if !ok {
			d.log.Warn("Unrecognized image file name, skipping", "file", entry.Name())
			return nil
		}

		images++
		labels, err := d.labelImage(ctx, path)
		if err != nil {
			d.log.Error("Image detection failed, continuing with remaining images",
				"file", entry.Name(),
				"error", err)
			return nil
		}

		for _, l := range labels {
			detections = append(detections, warehouse.Detection{
				ChannelName: slug,
				MessageID:   messageID,
				Label:       l.Label,
				Confidence:  l.Confidence,
				ImagePath:   path,
				DetectedAt:  time.Now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return detections, err
	}

	d.log.Info("Image detection complete", "images", images, "detections", len(detections))
	return detections, nil
}

func (d *Detector) labelImage(ctx context.Context, path string) ([]labelResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(detectPrompt),
			genai.NewPartFromBytes(data, mimeType),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   labelListSchema,
	}

	resp, err := d.generateWithRetries(ctx, contents, cfg)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var labels []labelResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &labels); err != nil {
		return nil, fmt.Errorf("failed to parse detection response: %w", err)
	}
	return labels, nil
}

func (d *Detector) generateWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= d.maxRetries; i++ {
		resp, err = d.client.Models.GenerateContent(ctx, d.model, contents, cfg)
		if err == nil {
			return resp, nil
		}

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) && i < d.maxRetries {
			d.log.Warn("Gemini API call failed, retrying",
				"attempt", i+1,
				"code", apiErr.Code,
				"delay", d.retryDelay)
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

// parseImageName recovers the channel slug and message id from the
// deterministic file name {slug}_{message-id}.{ext}. Slugs may themselves
// contain underscores, so the id is the last underscore-separated part.
func parseImageName(name string) (slug string, messageID int64, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndex(base, "_")
	if i <= 0 || i == len(base)-1 {
		return "", 0, false
	}

	id, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], id, true
}
