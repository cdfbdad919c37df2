// Package pipeline orchestrates the scrape, detection, and ETL phases of a
// run. Phases hand data to each other only through the on-disk raw tree
// and the warehouse, so each phase can also run on its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teshager/medscrape/internal/analytics"
	"github.com/teshager/medscrape/internal/config"
	"github.com/teshager/medscrape/internal/detect"
	"github.com/teshager/medscrape/internal/etl"
	"github.com/teshager/medscrape/internal/notify"
	"github.com/teshager/medscrape/internal/scraper"
	"github.com/teshager/medscrape/internal/storage"
	"github.com/teshager/medscrape/internal/telegram"
	"github.com/teshager/medscrape/internal/warehouse"
)

// Pipeline wires the configured components together for one or more runs.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger
}

// New creates a Pipeline from loaded configuration.
func New(cfg *config.Config, log *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, log: log.With("component", "pipeline")}
}

func (p *Pipeline) store() *storage.Store {
	return storage.New(p.cfg.Scraper.DataDir, p.log)
}

// RunScrape executes the scrape phase: one authenticated session, all
// configured channels, raw batches written to the date-partitioned tree.
func (p *Pipeline) RunScrape(ctx context.Context) (*scraper.Summary, error) {
	tc := p.cfg.Telegram
	if tc.APIID == 0 || tc.APIHash == "" || tc.Phone == "" {
		return nil, errors.New("telegram api_id, api_hash, and phone are required for scraping")
	}
	if len(p.cfg.Scraper.Channels) == 0 {
		return nil, errors.New("no channels configured")
	}

	client := telegram.NewClient(tc.APIID, tc.APIHash, tc.Phone, tc.SessionFile, p.log)
	s := scraper.New(client, p.store(), p.cfg.Scraper.Channels, p.cfg.Scraper.MaxMessages, p.log)

	var summary *scraper.Summary
	err := client.Run(ctx, func(ctx context.Context) error {
		var err error
		summary, err = s.ScrapeAll(ctx)
		return err
	})
	if err != nil {
		return summary, fmt.Errorf("scrape phase failed: %w", err)
	}
	return summary, nil
}

// ETLResult reports the outcome of one ETL phase.
type ETLResult struct {
	RawMessages int
	Cleaned     int
	Anomalies   int
	RowsLoaded  int
	KPIs        analytics.KPIs
}

// RunETL reads every raw shard, cleans and scores the batch, and loads it
// into the warehouse. Raw files are never modified.
func (p *Pipeline) RunETL(ctx context.Context) (*ETLResult, error) {
	raw, err := p.store().ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("etl phase failed reading raw data: %w", err)
	}

	cleaned := etl.Clean(raw, p.log)
	scored := analytics.Score(cleaned, p.cfg.Analytics.RiskThreshold, p.log)

	result := &ETLResult{
		RawMessages: len(raw),
		Cleaned:     len(cleaned),
		KPIs:        analytics.ComputeKPIs(cleaned),
	}
	for _, m := range scored {
		if m.IsAnomaly {
			result.Anomalies++
		}
	}

	wh, err := warehouse.New(ctx, p.cfg.Warehouse.Driver, p.cfg.Warehouse.DSN, p.log)
	if err != nil {
		return nil, fmt.Errorf("etl phase failed opening warehouse: %w", err)
	}
	defer wh.Close()

	loaded, err := wh.LoadMessages(ctx, scored)
	if err != nil {
		return nil, fmt.Errorf("etl phase failed loading warehouse: %w", err)
	}
	result.RowsLoaded = loaded

	p.log.Info("ETL phase complete",
		"raw_messages", result.RawMessages,
		"cleaned", result.Cleaned,
		"anomalies", result.Anomalies,
		"rows_loaded", result.RowsLoaded,
		"total_views", result.KPIs.TotalViews,
		"avg_views", result.KPIs.AvgViewsPerMessage)
	return result, nil
}

// RunDetect labels downloaded images and loads the detections. Returns
// zero without error when detection is not configured.
func (p *Pipeline) RunDetect(ctx context.Context) (int, error) {
	if p.cfg.Detection.APIKey == "" {
		p.log.Info("Image detection not configured, skipping")
		return 0, nil
	}

	detector, err := detect.New(ctx, p.cfg.Detection.APIKey, p.cfg.Detection.Model, p.log)
	if err != nil {
		return 0, fmt.Errorf("detect phase failed: %w", err)
	}

	detections, err := detector.Run(ctx, p.store().ImagesDir())
	if err != nil {
		return 0, fmt.Errorf("detect phase failed: %w", err)
	}
	if len(detections) == 0 {
		return 0, nil
	}

	wh, err := warehouse.New(ctx, p.cfg.Warehouse.Driver, p.cfg.Warehouse.DSN, p.log)
	if err != nil {
		return 0, fmt.Errorf("detect phase failed opening warehouse: %w", err)
	}
	defer wh.Close()

	loaded, err := wh.LoadDetections(ctx, detections)
	if err != nil {
		return 0, fmt.Errorf("detect phase failed loading warehouse: %w", err)
	}
	return loaded, nil
}

// Run executes the full pipeline: scrape, detect, ETL, then the optional
// run-summary notification. Per-channel and per-image failures are already
// absorbed downstream; only phase-level failures surface here, and a
// failing phase still lets later phases run on whatever data exists.
func (p *Pipeline) Run(ctx context.Context) error {
	report := notify.RunReport{}
	var phaseErrs []error

	summary, err := p.RunScrape(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error("Scrape phase failed", "error", err)
		phaseErrs = append(phaseErrs, err)
		report.Errors = append(report.Errors, err.Error())
	}
	if summary != nil {
		report.ChannelsTotal = summary.ChannelsTotal
		report.ChannelsScraped = summary.ChannelsScraped
		report.Messages = summary.Messages
		report.MediaDownloaded = summary.MediaDownloaded
	}

	detections, err := p.RunDetect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error("Detect phase failed", "error", err)
		report.Errors = append(report.Errors, err.Error())
	}
	report.Detections = detections

	result, err := p.RunETL(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error("ETL phase failed", "error", err)
		phaseErrs = append(phaseErrs, err)
		report.Errors = append(report.Errors, err.Error())
	}
	if result != nil {
		report.RowsLoaded = result.RowsLoaded
		report.Anomalies = result.Anomalies
	}

	p.notifySummary(ctx, report)
	return errors.Join(phaseErrs...)
}

func (p *Pipeline) notifySummary(ctx context.Context, report notify.RunReport) {
	if p.cfg.Notify.BotToken == "" {
		return
	}

	notifier, err := notify.New(p.cfg.Notify.BotToken, p.cfg.Notify.ChatID, p.log)
	if err != nil {
		p.log.Error("Failed to create notifier", "error", err)
		return
	}
	notifier.Send(ctx, report)
}
