package telegram

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

func testClient(t *testing.T, slept *[]time.Duration) *Client {
	t.Helper()
	c := NewClient(1, "hash", "+10000000000", t.TempDir()+"/session.json", slog.New(slog.DiscardHandler))
	c.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return c
}

func TestInvokeResumesAfterFloodWait(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := testClient(t, &slept)

	calls := 0
	err := c.invoke(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return tgerr.New(420, "FLOOD_WAIT_5")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if calls != 2 {
		t.Errorf("operation ran %d times, want 2 (retry after flood wait)", calls)
	}
	if len(slept) != 1 || slept[0] < 5*time.Second {
		t.Errorf("slept %v, want one wait of at least the server-specified 5s", slept)
	}
}

func TestInvokeRepeatedFloodWaits(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := testClient(t, &slept)

	calls := 0
	err := c.invoke(context.Background(), func(context.Context) error {
		calls++
		if calls <= 3 {
			return tgerr.New(420, "FLOOD_WAIT_1")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if calls != 4 {
		t.Errorf("operation ran %d times, want 4 (throttling is never fatal)", calls)
	}
	if len(slept) != 3 {
		t.Errorf("slept %d times, want 3", len(slept))
	}
}

func TestInvokePassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := testClient(t, &slept)

	boom := errors.New("boom")
	calls := 0
	err := c.invoke(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("invoke error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1 (no retry for non-throttling errors)", calls)
	}
	if len(slept) != 0 {
		t.Errorf("slept %v, want no sleeps", slept)
	}
}

func TestSleepCtxHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepCtx(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepCtx on cancelled context = %v, want context.Canceled", err)
	}
}

// historyServer fakes messages.getHistory over a channel holding messages
// with IDs 1..total. Pages are served newest-first and capped at pageCap
// per request, like a real server capping large page limits. floodAt makes
// one raw call throttle.
type historyServer struct {
	total   int
	pageCap int
	floodAt int

	calls  int
	limits []int
}

func (h *historyServer) fetch(_ context.Context, _ tg.InputPeerClass, offsetID, limit int) (tg.MessagesMessagesClass, error) {
	h.calls++
	if h.calls == h.floodAt {
		return nil, tgerr.New(420, "FLOOD_WAIT_5")
	}
	h.limits = append(h.limits, limit)

	if h.pageCap > 0 && limit > h.pageCap {
		limit = h.pageCap
	}
	top := h.total
	if offsetID > 0 && offsetID-1 < top {
		top = offsetID - 1
	}

	var page []tg.MessageClass
	for id := top; id >= 1 && len(page) < limit; id-- {
		page = append(page, &tg.Message{ID: id, Date: 1700000000, Message: "m"})
	}
	return &tg.MessagesChannelMessages{Messages: page}, nil
}

func collectMessages(t *testing.T, c *Client, limit int) []int {
	t.Helper()
	var ids []int
	ch := &Channel{ID: 1, AccessHash: 2, Username: "chan"}
	err := c.Messages(context.Background(), ch, limit, func(msg *tg.Message) error {
		ids = append(ids, msg.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	return ids
}

func TestMessagesChronologicalAcrossPages(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := testClient(t, &slept)
	server := &historyServer{total: 12, pageCap: 5}
	c.getHistory = server.fetch

	ids := collectMessages(t, c, 20)

	if len(ids) != 12 {
		t.Fatalf("delivered %d messages, want all 12", len(ids))
	}
	for i, id := range ids {
		if id != i+1 {
			t.Fatalf("ids = %v, want 1..12 in chronological order", ids)
		}
	}
	if server.calls < 3 {
		t.Errorf("server saw %d calls, want at least 3 pages for 12 messages capped at 5", server.calls)
	}
}

func TestMessagesHonorsLimitAndClampsPageSize(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := testClient(t, &slept)
	server := &historyServer{total: 12}
	c.getHistory = server.fetch

	ids := collectMessages(t, c, 5)

	want := []int{8, 9, 10, 11, 12}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want the newest 5 delivered oldest-first", ids)
	}
	for i, id := range ids {
		if id != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if len(server.limits) == 0 || server.limits[0] != 5 {
		t.Errorf("requested page limits = %v, want first request clamped to the remaining 5", server.limits)
	}
}

func TestMessagesResumeAfterFloodWaitNoGapNoDuplicate(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := testClient(t, &slept)
	server := &historyServer{total: 12, pageCap: 4, floodAt: 2}
	c.getHistory = server.fetch

	ids := collectMessages(t, c, 10)

	if len(slept) != 1 || slept[0] < 5*time.Second {
		t.Fatalf("slept %v, want one wait of at least the server-specified 5s", slept)
	}
	if len(ids) != 10 {
		t.Fatalf("delivered %d messages, want 10", len(ids))
	}
	seen := make(map[int]bool)
	for i, id := range ids {
		if id != i+3 {
			t.Fatalf("ids = %v, want 3..12 with no gap", ids)
		}
		if seen[id] {
			t.Fatalf("ids = %v, message %d delivered twice", ids, id)
		}
		seen[id] = true
	}
}

func TestMessagesVisitorErrorStopsIteration(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := testClient(t, &slept)
	server := &historyServer{total: 6}
	c.getHistory = server.fetch

	boom := errors.New("boom")
	visits := 0
	ch := &Channel{ID: 1, AccessHash: 2, Username: "chan"}
	err := c.Messages(context.Background(), ch, 6, func(*tg.Message) error {
		visits++
		if visits == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Messages error = %v, want %v", err, boom)
	}
	if visits != 2 {
		t.Errorf("visitor ran %d times, want iteration stopped at 2", visits)
	}
}
