// Package warehouse loads scored messages and image detections into the
// relational warehouse. Writes are keyed by (channel_name, message_id) with
// insert-or-ignore semantics: the first write wins and replays are no-ops.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/teshager/medscrape/internal/analytics"
	"github.com/teshager/medscrape/migrations"
)

// Warehouse wraps the warehouse connection pool.
type Warehouse struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Detection is one labeled object found in a downloaded image.
type Detection struct {
	ChannelName string
	MessageID   int64
	Label       string
	Confidence  float64
	ImagePath   string
	DetectedAt  time.Time
}

// New opens the warehouse, applies embedded migrations, and returns the
// handle. Driver must be "sqlite" or "postgres". Failure to connect is
// fatal for the load phase; the caller's upstream scrape and clean results
// stay valid and re-loadable.
func New(ctx context.Context, driver, dsn string, log *slog.Logger) (*Warehouse, error) {
	db, err := sqlx.ConnectContext(ctx, sqlDriverName(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}

	if driver == "sqlite" {
		// SQLite does not support concurrent writers.
		db.SetMaxOpenConns(1)
	}

	if err := applyMigrations(db, driver); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("Failed to close warehouse after migration failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("Warehouse connected and migrations applied", "driver", driver)
	return &Warehouse{db: db, log: log.With("component", "warehouse")}, nil
}

// Close closes the warehouse connection pool.
func (w *Warehouse) Close() {
	if err := w.db.Close(); err != nil {
		w.log.Error("Failed to close warehouse connection", "error", err)
	}
}

func sqlDriverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func applyMigrations(db *sqlx.DB, driver string) error {
	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "postgres":
		d, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", d)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	default:
		d, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", d)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

const insertMessageQuery = `
	INSERT INTO telegram_messages (
		channel_name, message_id, message_text, message_date,
		views, forwards, media_path, media_type, hashtags,
		risk_score, is_anomaly, raw_json, scraped_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (channel_name, message_id) DO NOTHING`

// LoadMessages upserts a scored batch. A single row's failure is logged
// with its key and loading continues; the batch reports the number of rows
// actually inserted. Replaying the same batch inserts nothing.
func (w *Warehouse) LoadMessages(ctx context.Context, rows []analytics.ScoredMessage) (int, error) {
	if len(rows) == 0 {
		w.log.Warn("No rows to load into warehouse")
		return 0, nil
	}

	query := w.db.Rebind(insertMessageQuery)
	inserted := 0
	failed := 0
	for _, row := range rows {
		hashtags, err := json.Marshal(row.Hashtags)
		if err != nil {
			hashtags = []byte("[]")
		}
		rawJSON, err := json.Marshal(row.Raw)
		if err != nil {
			rawJSON = []byte("{}")
		}

		var mediaPath *string
		if row.ImagePath != "" {
			mediaPath = &row.ImagePath
		}

		res, err := w.db.ExecContext(ctx, query,
			row.ChannelName,
			row.MessageID,
			row.MessageText,
			row.MessageDate,
			row.Views,
			row.Forwards,
			mediaPath,
			string(row.MediaType),
			string(hashtags),
			row.RiskScore,
			row.IsAnomaly,
			string(rawJSON),
			row.Raw.ScrapedAt,
		)
		if err != nil {
			failed++
			w.log.Error("Failed to insert row, continuing",
				"channel", row.ChannelName,
				"message_id", row.MessageID,
				"error", err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	w.log.Info("Warehouse load complete",
		"row_count", len(rows),
		"inserted", inserted,
		"failed", failed)
	return inserted, nil
}

const insertDetectionQuery = `
	INSERT INTO image_detections (
		channel_name, message_id, label, confidence, image_path, detected_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (channel_name, message_id, label) DO NOTHING`

// LoadDetections upserts image detection rows with the same per-row
// failure policy as LoadMessages.
func (w *Warehouse) LoadDetections(ctx context.Context, rows []Detection) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	query := w.db.Rebind(insertDetectionQuery)
	inserted := 0
	for _, row := range rows {
		res, err := w.db.ExecContext(ctx, query,
			row.ChannelName,
			row.MessageID,
			row.Label,
			row.Confidence,
			row.ImagePath,
			row.DetectedAt,
		)
		if err != nil {
			w.log.Error("Failed to insert detection, continuing",
				"channel", row.ChannelName,
				"message_id", row.MessageID,
				"label", row.Label,
				"error", err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	return inserted, nil
}

// MessageCount reports the total number of loaded messages.
func (w *Warehouse) MessageCount(ctx context.Context) (int, error) {
	var count int
	if err := w.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM telegram_messages"); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
