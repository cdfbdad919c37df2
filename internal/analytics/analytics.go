// Package analytics computes engagement KPIs and batch-relative risk
// scores over cleaned message batches.
package analytics

import (
	"log/slog"

	"github.com/teshager/medscrape/internal/etl"
)

// DefaultRiskThreshold flags messages whose risk score exceeds it.
const DefaultRiskThreshold = 0.7

// ScoredMessage is a cleaned message annotated with its risk score.
// Instances are created once per scoring pass and not mutated afterward.
type ScoredMessage struct {
	etl.CleanedMessage

	// RiskScore is batch-relative: the same message scores differently
	// depending on the rest of the batch. Always in [0, 1].
	RiskScore float64
	IsAnomaly bool
}

// Score computes a risk score for every row of the batch and flags rows
// above the threshold. The score is
//
//	clamp((views*0.1 + forwards*2.0) / (max(views)+max(forwards)+1), 0, 1)
//
// with max taken over the whole batch. When the batch carries no engagement
// at all, every score is 0. An empty batch yields an empty result.
func Score(rows []etl.CleanedMessage, threshold float64, log *slog.Logger) []ScoredMessage {
	if len(rows) == 0 {
		return nil
	}

	var maxViews, maxForwards int64
	for _, row := range rows {
		if row.Views > maxViews {
			maxViews = row.Views
		}
		if row.Forwards > maxForwards {
			maxForwards = row.Forwards
		}
	}
	maxEngagement := maxViews + maxForwards

	scored := make([]ScoredMessage, 0, len(rows))
	anomalies := 0
	for _, row := range rows {
		var score float64
		if maxEngagement > 0 {
			score = (float64(row.Views)*0.1 + float64(row.Forwards)*2.0) / float64(maxEngagement+1)
			if score < 0 {
				score = 0
			} else if score > 1 {
				score = 1
			}
		}

		anomaly := score > threshold
		if anomaly {
			anomalies++
		}
		scored = append(scored, ScoredMessage{
			CleanedMessage: row,
			RiskScore:      score,
			IsAnomaly:      anomaly,
		})
	}

	log.Info("Scored messages",
		"message_count", len(scored),
		"anomaly_count", anomalies,
		"risk_threshold", threshold)

	return scored
}

// KPIs summarizes a cleaned batch for reporting.
type KPIs struct {
	TotalMessages      int
	TotalViews         int64
	AvgViewsPerMessage float64
	TotalForwards      int64
	ChannelsCount      int
	MediaMessages      int
	MessagesPerChannel map[string]int
}

// ComputeKPIs calculates key indicators over a cleaned batch. An empty
// batch yields zero-valued KPIs.
func ComputeKPIs(rows []etl.CleanedMessage) KPIs {
	kpis := KPIs{MessagesPerChannel: make(map[string]int)}
	for _, row := range rows {
		kpis.TotalMessages++
		kpis.TotalViews += row.Views
		kpis.TotalForwards += row.Forwards
		if row.HasMedia {
			kpis.MediaMessages++
		}
		kpis.MessagesPerChannel[row.ChannelName]++
	}
	kpis.ChannelsCount = len(kpis.MessagesPerChannel)
	if kpis.TotalMessages > 0 {
		kpis.AvgViewsPerMessage = float64(kpis.TotalViews) / float64(kpis.TotalMessages)
	}
	return kpis
}
