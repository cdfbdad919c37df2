package etl_test

import (
	"log/slog"
	"testing"

	"github.com/teshager/medscrape/internal/etl"
	"github.com/teshager/medscrape/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestCleanDeduplicatesFirstSeenWins(t *testing.T) {
	t.Parallel()

	raw := []model.RawMessage{
		{ChannelName: "C1", MessageID: 1, MessageText: "first", MessageDate: "2024-03-01T10:00:00Z", Views: 100},
		{ChannelName: "C1", MessageID: 1, MessageText: "second copy", MessageDate: "2024-03-01T10:00:00Z", Views: 999},
		{ChannelName: "C2", MessageID: 1, MessageText: "other channel", MessageDate: "2024-03-01T10:00:00Z"},
	}

	got := etl.Clean(raw, discard())
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].MessageText != "first" || got[0].Views != 100 {
		t.Errorf("dedup kept %q (views=%d), want first occurrence", got[0].MessageText, got[0].Views)
	}

	keys := make(map[model.Key]bool)
	for _, row := range got {
		if keys[row.Key()] {
			t.Fatalf("duplicate key %v in output", row.Key())
		}
		keys[row.Key()] = true
	}
}

func TestCleanDefaultsAndFilters(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   model.RawMessage
		kept    bool
		views   int64
		forward int64
	}{
		{
			name:  "negative counters coerced to zero",
			input: model.RawMessage{ChannelName: "C", MessageID: 1, MessageText: "x", MessageDate: "2024-03-01T10:00:00Z", Views: -5, Forwards: -1},
			kept:  true,
		},
		{
			name:  "no text no media dropped",
			input: model.RawMessage{ChannelName: "C", MessageID: 2, MessageText: "   ", MessageDate: "2024-03-01T10:00:00Z"},
			kept:  false,
		},
		{
			name:  "no text but media kept",
			input: model.RawMessage{ChannelName: "C", MessageID: 3, HasMedia: true, MessageDate: "2024-03-01T10:00:00Z"},
			kept:  true,
		},
		{
			name:  "unparsable date dropped even with media",
			input: model.RawMessage{ChannelName: "C", MessageID: 4, HasMedia: true, MessageDate: "garbled"},
			kept:  false,
		},
		{
			name:  "missing date dropped",
			input: model.RawMessage{ChannelName: "C", MessageID: 5, MessageText: "x"},
			kept:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := etl.Clean([]model.RawMessage{tc.input}, discard())
			if tc.kept && len(got) != 1 {
				t.Fatalf("row dropped, want kept")
			}
			if !tc.kept && len(got) != 0 {
				t.Fatalf("row kept, want dropped")
			}
			if tc.kept && (got[0].Views < 0 || got[0].Forwards < 0) {
				t.Errorf("negative counters survived: views=%d forwards=%d", got[0].Views, got[0].Forwards)
			}
		})
	}
}

func TestCleanPreservesRawText(t *testing.T) {
	t.Parallel()

	raw := []model.RawMessage{
		{ChannelName: "C", MessageID: 1, MessageText: "  padded  ", MessageDate: "2024-03-01T10:00:00Z"},
	}

	got := etl.Clean(raw, discard())
	if len(got) != 1 {
		t.Fatalf("row dropped, want kept")
	}
	if got[0].MessageText != "  padded  " {
		t.Errorf("stored text %q, want raw text preserved", got[0].MessageText)
	}
}

func TestCleanNeverGrowsInput(t *testing.T) {
	t.Parallel()

	raw := []model.RawMessage{
		{ChannelName: "C1", MessageID: 1, MessageText: "a", MessageDate: "2024-03-01T10:00:00Z"},
		{ChannelName: "C1", MessageID: 1, MessageText: "a", MessageDate: "2024-03-01T10:00:00Z"},
		{ChannelName: "C1", MessageID: 2, MessageDate: "2024-03-01T10:00:00Z"},
		{ChannelName: "C2", MessageID: 3, MessageText: "b", MessageDate: "bad"},
	}

	got := etl.Clean(raw, discard())
	if len(got) > len(raw) {
		t.Fatalf("output %d rows exceeds input %d", len(got), len(raw))
	}
}

func TestCleanEmptyInput(t *testing.T) {
	t.Parallel()

	if got := etl.Clean(nil, discard()); len(got) != 0 {
		t.Fatalf("got %d rows from empty input", len(got))
	}
}
