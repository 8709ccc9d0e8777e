package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/switchboard/internal/bus"
	"github.com/basket/switchboard/internal/persistence"
)

func insertTestDeadLetter(t *testing.T, store *persistence.Store, id string, category persistence.FailureCategory, eligible bool) {
	t.Helper()
	err := store.InsertDeadLetter(context.Background(), &persistence.DeadLetterEntry{
		ID:                id,
		OriginalRequestID: "orig-" + id,
		FailureReason:     "downstream returned 502",
		FailureCategory:   category,
		RetryCount:        2,
		OriginalPayload:   json.RawMessage(`{"normalized_text":"hello"}`),
		ReplayEligible:    eligible,
	})
	if err != nil {
		t.Fatalf("insert dead letter: %v", err)
	}
}

func TestInsertDeadLetter_ValidatesCategory(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	err := store.InsertDeadLetter(ctx, &persistence.DeadLetterEntry{
		ID: "dl-1", OriginalRequestID: "r", FailureCategory: "flaky",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid failure category") {
		t.Fatalf("expected category validation error, got %v", err)
	}

	// The CHECK constraint backs up the Go-side validation.
	_, err = store.DB().Exec(`INSERT INTO dead_letter_queue (id, original_request_id, source_table, failure_reason, failure_category, created_at)
		VALUES ('dl-2', 'r', 'message_inbox', 'x', 'flaky', '2026-03-02 12:00:00');`)
	if err == nil {
		t.Fatal("expected CHECK constraint to reject unknown category")
	}
}

func TestListReplayEligible_FilterAndOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	clock, advance := fixedClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	store.SetClock(clock)

	insertTestDeadLetter(t, store, "dl-1", persistence.CategoryTimeout, true)
	advance(time.Second)
	insertTestDeadLetter(t, store, "dl-2", persistence.CategoryDownstreamFailure, true)
	advance(time.Second)
	insertTestDeadLetter(t, store, "dl-3", persistence.CategoryTimeout, true)
	advance(time.Second)
	insertTestDeadLetter(t, store, "dl-4", persistence.CategoryTimeout, false)

	all, err := store.ListReplayEligible(ctx, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "dl-3" || all[2].ID != "dl-1" {
		t.Fatalf("unexpected eligible list: %+v", all)
	}
	timeouts, err := store.ListReplayEligible(ctx, 10, persistence.CategoryTimeout)
	if err != nil || len(timeouts) != 2 {
		t.Fatalf("timeout filter = %d rows err=%v", len(timeouts), err)
	}
	limited, _ := store.ListReplayEligible(ctx, 1, "")
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d rows", len(limited))
	}
}

func TestClaimDeadLetterReplay_AtMostOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	insertTestDeadLetter(t, store, "dl-1", persistence.CategoryTimeout, true)

	claimed, err := store.ClaimDeadLetterReplay(ctx, "dl-1", &persistence.Message{ID: "replay-1", NormalizedText: "hello"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ReplayedAt == nil || claimed.ReplayedRequestID != "replay-1" || claimed.ReplayOutcome != persistence.ReplaySuccess {
		t.Fatalf("unexpected claimed entry: %+v", claimed)
	}
	msg, _ := store.GetMessage(ctx, "replay-1")
	if msg == nil || msg.LifecycleState != persistence.StateAccepted {
		t.Fatalf("replayed message not inserted: %+v", msg)
	}

	_, err = store.ClaimDeadLetterReplay(ctx, "dl-1", &persistence.Message{ID: "replay-2"})
	if !errors.Is(err, persistence.ErrReplayNotClaimed) {
		t.Fatalf("second claim err = %v, want ErrReplayNotClaimed", err)
	}
	if msg, _ := store.GetMessage(ctx, "replay-2"); msg != nil {
		t.Fatal("rejected claim must not insert a message")
	}

	// replayed_at is write-once even for direct SQL.
	if _, err := store.DB().Exec(`UPDATE dead_letter_queue SET replayed_at = '2030-01-01 00:00:00' WHERE id = 'dl-1';`); err == nil {
		t.Fatal("expected write-once trigger to reject replayed_at change")
	}
}

func TestClaimDeadLetterReplay_PublishesAcceptedMessage(t *testing.T) {
	store, events := openTestStoreWithBus(t)
	ctx := context.Background()
	insertTestDeadLetter(t, store, "dl-1", persistence.CategoryTimeout, true)
	insertTestDeadLetter(t, store, "dl-2", persistence.CategoryTimeout, false)
	sub := events.Subscribe(bus.TopicMessageStateChanged)
	defer events.Unsubscribe(sub)

	if _, err := store.ClaimDeadLetterReplay(ctx, "dl-1", &persistence.Message{ID: "replay-1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.MessageStateChangedEvent)
		if !ok || payload.RequestID != "replay-1" || payload.NewState != string(persistence.StateAccepted) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("replayed message was not published")
	}

	if _, err := store.ClaimDeadLetterReplay(ctx, "dl-2", &persistence.Message{ID: "replay-2"}); !errors.Is(err, persistence.ErrReplayNotClaimed) {
		t.Fatalf("ineligible claim err = %v", err)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("rejected claim published %+v", ev)
	default:
	}
}

func TestClaimDeadLetterReplay_RollsBackOnInsertFailure(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	insertTestDeadLetter(t, store, "dl-1", persistence.CategoryTimeout, true)
	insertTestMessage(t, store, "taken")

	_, err := store.ClaimDeadLetterReplay(ctx, "dl-1", &persistence.Message{ID: "taken"})
	if err == nil || errors.Is(err, persistence.ErrReplayNotClaimed) {
		t.Fatalf("expected insert failure, got %v", err)
	}
	entry, _ := store.GetDeadLetter(ctx, "dl-1")
	if entry.ReplayedAt != nil || entry.ReplayedRequestID != "" {
		t.Fatalf("claim must roll back with the insert: %+v", entry)
	}

	if err := store.MarkReplayFailed(ctx, "dl-1"); err != nil {
		t.Fatalf("mark replay failed: %v", err)
	}
	entry, _ = store.GetDeadLetter(ctx, "dl-1")
	if entry.ReplayOutcome != persistence.ReplayFailed || entry.ReplayedAt != nil {
		t.Fatalf("unexpected entry after failed replay: %+v", entry)
	}

	// A later correct attempt still succeeds.
	if _, err := store.ClaimDeadLetterReplay(ctx, "dl-1", &persistence.Message{ID: "fresh"}); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
}

func TestClaimDeadLetterReplay_IneligibleAndMissing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	insertTestDeadLetter(t, store, "dl-1", persistence.CategoryPolicyViolation, false)

	if _, err := store.ClaimDeadLetterReplay(ctx, "dl-1", &persistence.Message{ID: "r1"}); !errors.Is(err, persistence.ErrReplayNotClaimed) {
		t.Fatalf("ineligible claim err = %v", err)
	}
	if _, err := store.ClaimDeadLetterReplay(ctx, "missing", &persistence.Message{ID: "r2"}); !errors.Is(err, persistence.ErrReplayNotClaimed) {
		t.Fatalf("missing claim err = %v", err)
	}
	if e, err := store.GetDeadLetter(ctx, "missing"); e != nil || err != nil {
		t.Fatalf("get missing = %v err=%v", e, err)
	}
}
