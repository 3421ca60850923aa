package proposal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/market"
	"github.com/wagerdome/wagerdome/pkg/store"
)

func newTestWorkflow() (*Workflow, *market.Service, *store.MemStore) {
	st := store.NewMemStore()
	log := zap.NewNop()
	m := market.New(st, nil, log)
	return New(st, m, nil, log), m, st
}

func submitParams() SubmitParams {
	return SubmitParams{
		Title:   "Will it rain tomorrow",
		Option1: "Yes",
		Option2: "No",
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow()

	p, err := w.Submit(ctx, 5, submitParams())
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != core.ProposalPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
	if p.EventID != 0 {
		t.Errorf("pending proposal has event_id %d", p.EventID)
	}
	if p.ReviewedAt != nil {
		t.Error("pending proposal has reviewed_at")
	}
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	w, m, _ := newTestWorkflow()
	p, _ := w.Submit(ctx, 5, submitParams())

	odds1 := decimal.NewFromFloat(1.5)
	odds2 := decimal.NewFromFloat(2.5)
	approved, event, err := w.Approve(ctx, p.ID, odds1, odds2)
	if err != nil {
		t.Fatal(err)
	}

	if approved.Status != core.ProposalApproved {
		t.Errorf("status = %s, want approved", approved.Status)
	}
	if approved.EventID != event.ID {
		t.Errorf("event_id = %d, want %d", approved.EventID, event.ID)
	}
	if approved.ReviewedAt == nil {
		t.Error("approved proposal missing reviewed_at")
	}
	if !event.IsActive {
		t.Error("approved event must be active")
	}
	if !event.Odds1.Equal(odds1) || !event.Odds2.Equal(odds2) {
		t.Errorf("event odds = %s/%s, want 1.5/2.5", event.Odds1, event.Odds2)
	}
	if event.Title != p.Title {
		t.Errorf("event title = %q, want %q", event.Title, p.Title)
	}

	// The proposal is terminal now: neither review works twice.
	if _, _, err := w.Approve(ctx, p.ID, odds1, odds2); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("second approve: err = %v, want ErrInvalidState", err)
	}
	if _, err := w.Reject(ctx, p.ID, "late"); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("reject after approve: err = %v, want ErrInvalidState", err)
	}

	// And exactly one event exists.
	events, _ := m.All(ctx)
	if len(events) != 1 {
		t.Errorf("%d events after double approve, want 1", len(events))
	}
}

func TestApproveBadOdds(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow()
	p, _ := w.Submit(ctx, 5, submitParams())

	_, _, err := w.Approve(ctx, p.ID, decimal.Zero, decimal.NewFromInt(2))
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
	// The proposal stays pending after a failed approval.
	got, _ := w.Get(ctx, p.ID)
	if got.Status != core.ProposalPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	w, m, _ := newTestWorkflow()
	p, _ := w.Submit(ctx, 5, submitParams())

	rejected, err := w.Reject(ctx, p.ID, "duplicate")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != core.ProposalRejected {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}
	if rejected.RejectReason != "duplicate" {
		t.Errorf("reason = %q, want duplicate", rejected.RejectReason)
	}
	if rejected.EventID != 0 {
		t.Errorf("rejected proposal has event_id %d", rejected.EventID)
	}

	// No event may exist for a rejected proposal.
	events, _ := m.All(ctx)
	if len(events) != 0 {
		t.Errorf("%d events after reject, want 0", len(events))
	}

	if _, _, err := w.Approve(ctx, p.ID, decimal.NewFromInt(2), decimal.NewFromInt(2)); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("approve after reject: err = %v, want ErrInvalidState", err)
	}
}

func TestReviewUnknownProposal(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow()

	if _, _, err := w.Approve(ctx, 9, decimal.NewFromInt(2), decimal.NewFromInt(2)); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("approve: err = %v, want ErrNotFound", err)
	}
	if _, err := w.Reject(ctx, 9, ""); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("reject: err = %v, want ErrNotFound", err)
	}
}

func TestPendingNewestFirst(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow()

	p1, _ := w.Submit(ctx, 1, submitParams())
	p2, _ := w.Submit(ctx, 2, submitParams())
	if _, err := w.Reject(ctx, p1.ID, ""); err != nil {
		t.Fatal(err)
	}
	p3, _ := w.Submit(ctx, 1, submitParams())

	pending, err := w.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != p3.ID || pending[1].ID != p2.ID {
		t.Errorf("order = %d,%d, want %d,%d", pending[0].ID, pending[1].ID, p3.ID, p2.ID)
	}
}

func TestRepairCompletesInterruptedApproval(t *testing.T) {
	ctx := context.Background()
	w, m, _ := newTestWorkflow()
	p, _ := w.Submit(ctx, 5, submitParams())

	// Simulate a crash after event creation but before the proposal
	// flip: the event exists and points at a still-pending proposal.
	event, err := m.Create(ctx, market.CreateParams{
		Title:      p.Title,
		Option1:    p.Option1,
		Option2:    p.Option2,
		Odds1:      decimal.NewFromInt(2),
		Odds2:      decimal.NewFromInt(2),
		ProposalID: p.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	repaired, err := w.Repair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}

	got, _ := w.Get(ctx, p.ID)
	if got.Status != core.ProposalApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.EventID != event.ID {
		t.Errorf("event_id = %d, want %d", got.EventID, event.ID)
	}
	if got.ReviewedAt == nil || got.ReviewedAt.After(time.Now().Add(time.Minute)) {
		t.Error("repaired proposal missing sane reviewed_at")
	}

	// A second sweep finds nothing.
	repaired, err = w.Repair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 {
		t.Errorf("second sweep repaired %d, want 0", repaired)
	}
}
