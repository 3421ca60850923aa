// Package proposal implements the moderation workflow for user-drafted
// events: pending proposals are approved with admin-supplied odds
// (creating a live event) or rejected, each exactly once.
package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/market"
	"github.com/wagerdome/wagerdome/pkg/metrics"
	"github.com/wagerdome/wagerdome/pkg/store"
)

// SubmitParams are the validated fields of a draft event.
type SubmitParams struct {
	Title       string
	Option1     string
	Option2     string
	Description string
	MediaRef    string
}

// Workflow manages the proposal collection.
type Workflow struct {
	store   store.Store
	markets *market.Service
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New returns a proposal workflow wired to the event lifecycle.
func New(st store.Store, m *market.Service, mx *metrics.Metrics, log *zap.Logger) *Workflow {
	return &Workflow{store: st, markets: m, metrics: mx, log: log}
}

// Submit queues a draft event for admin review. Proposals always start
// pending.
func (w *Workflow) Submit(ctx context.Context, userID int64, p SubmitParams) (*core.Proposal, error) {
	if p.Title == "" || p.Option1 == "" || p.Option2 == "" {
		return nil, fmt.Errorf("proposal title and options must be non-empty: %w", core.ErrInvalidArgument)
	}

	var prop core.Proposal
	err := w.store.Update(ctx, store.Proposals, func(recs store.Records) error {
		prop = core.Proposal{
			ID:          store.NextID(recs),
			UserID:      userID,
			Title:       p.Title,
			Description: p.Description,
			Option1:     p.Option1,
			Option2:     p.Option2,
			MediaRef:    p.MediaRef,
			Status:      core.ProposalPending,
			CreatedAt:   time.Now().UTC(),
		}
		return store.Encode(recs, prop.ID, prop)
	})
	if err != nil {
		return nil, err
	}

	if w.metrics != nil {
		w.metrics.ProposalsTotal.WithLabelValues("submitted").Inc()
	}
	w.log.Info("proposal submitted",
		zap.Int64("proposal_id", prop.ID),
		zap.Int64("user_id", userID),
		zap.String("title", prop.Title))
	return &prop, nil
}

// Get returns the proposal with the given id.
func (w *Workflow) Get(ctx context.Context, proposalID int64) (*core.Proposal, error) {
	recs, err := w.store.Load(ctx, store.Proposals)
	if err != nil {
		return nil, err
	}
	var prop core.Proposal
	if err := store.Decode(recs, proposalID, &prop); err != nil {
		return nil, fmt.Errorf("proposal: %w", err)
	}
	return &prop, nil
}

// Pending returns all proposals awaiting review, newest first.
func (w *Workflow) Pending(ctx context.Context) ([]core.Proposal, error) {
	all, err := w.all(ctx)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, p := range all {
		if p.Status == core.ProposalPending {
			pending = append(pending, p)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID > pending[j].ID })
	return pending, nil
}

// UserProposals returns the user's proposals, newest first, capped at
// limit.
func (w *Workflow) UserProposals(ctx context.Context, userID int64, limit int) ([]core.Proposal, error) {
	all, err := w.all(ctx)
	if err != nil {
		return nil, err
	}
	mine := all[:0]
	for _, p := range all {
		if p.UserID == userID {
			mine = append(mine, p)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].ID > mine[j].ID })
	if limit > 0 && len(mine) > limit {
		mine = mine[:limit]
	}
	return mine, nil
}

// Approve converts a pending proposal into a live event at the supplied
// odds, then marks the proposal approved with a link to the event. The
// event is created first; if the proposal update is interrupted, Repair
// finds the event through its proposal_id and finishes the transition.
func (w *Workflow) Approve(ctx context.Context, proposalID int64, odds1, odds2 decimal.Decimal) (*core.Proposal, *core.Event, error) {
	prop, err := w.Get(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if prop.Status != core.ProposalPending {
		return nil, nil, fmt.Errorf("proposal %d already reviewed: %w", proposalID, core.ErrInvalidState)
	}

	event, err := w.markets.Create(ctx, market.CreateParams{
		Title:       prop.Title,
		Option1:     prop.Option1,
		Option2:     prop.Option2,
		Odds1:       odds1,
		Odds2:       odds2,
		Description: prop.Description,
		MediaRef:    prop.MediaRef,
		ProposalID:  prop.ID,
	})
	if err != nil {
		return nil, nil, err
	}

	approved, err := w.markApproved(ctx, proposalID, event.ID)
	if err != nil {
		return nil, nil, err
	}

	if w.metrics != nil {
		w.metrics.ProposalsTotal.WithLabelValues("approved").Inc()
	}
	w.log.Info("proposal approved",
		zap.Int64("proposal_id", proposalID),
		zap.Int64("event_id", event.ID))
	return approved, event, nil
}

// Reject finalizes a pending proposal without creating an event.
func (w *Workflow) Reject(ctx context.Context, proposalID int64, reason string) (*core.Proposal, error) {
	var prop core.Proposal
	err := w.store.Update(ctx, store.Proposals, func(recs store.Records) error {
		if err := store.Decode(recs, proposalID, &prop); err != nil {
			return fmt.Errorf("proposal: %w", err)
		}
		if prop.Status != core.ProposalPending {
			return fmt.Errorf("proposal %d already reviewed: %w", proposalID, core.ErrInvalidState)
		}
		now := time.Now().UTC()
		prop.Status = core.ProposalRejected
		prop.ReviewedAt = &now
		prop.RejectReason = reason
		return store.Encode(recs, proposalID, prop)
	})
	if err != nil {
		return nil, err
	}

	if w.metrics != nil {
		w.metrics.ProposalsTotal.WithLabelValues("rejected").Inc()
	}
	w.log.Info("proposal rejected",
		zap.Int64("proposal_id", proposalID),
		zap.String("reason", reason))
	return &prop, nil
}

// Repair finishes approvals that were interrupted between event
// creation and the proposal update: an event carrying a proposal_id
// whose proposal is still pending gets its approval completed. Returns
// how many proposals were repaired.
func (w *Workflow) Repair(ctx context.Context) (int, error) {
	events, err := w.markets.All(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, ev := range events {
		if ev.ProposalID == 0 {
			continue
		}
		prop, err := w.Get(ctx, ev.ProposalID)
		if err != nil {
			w.log.Warn("event references unknown proposal",
				zap.Int64("event_id", ev.ID),
				zap.Int64("proposal_id", ev.ProposalID))
			continue
		}
		if prop.Status != core.ProposalPending {
			continue
		}
		if _, err := w.markApproved(ctx, prop.ID, ev.ID); err != nil {
			return repaired, err
		}
		repaired++
		w.log.Warn("repaired interrupted approval",
			zap.Int64("proposal_id", prop.ID),
			zap.Int64("event_id", ev.ID))
	}
	return repaired, nil
}

func (w *Workflow) markApproved(ctx context.Context, proposalID, eventID int64) (*core.Proposal, error) {
	var prop core.Proposal
	err := w.store.Update(ctx, store.Proposals, func(recs store.Records) error {
		if err := store.Decode(recs, proposalID, &prop); err != nil {
			return fmt.Errorf("proposal: %w", err)
		}
		if prop.Status != core.ProposalPending {
			return fmt.Errorf("proposal %d already reviewed: %w", proposalID, core.ErrInvalidState)
		}
		now := time.Now().UTC()
		prop.Status = core.ProposalApproved
		prop.ReviewedAt = &now
		prop.EventID = eventID
		return store.Encode(recs, proposalID, prop)
	})
	if err != nil {
		return nil, err
	}
	return &prop, nil
}

func (w *Workflow) all(ctx context.Context) ([]core.Proposal, error) {
	recs, err := w.store.Load(ctx, store.Proposals)
	if err != nil {
		return nil, err
	}
	props := make([]core.Proposal, 0, len(recs))
	for key, raw := range recs {
		var p core.Proposal
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("parse proposal %s: %w", key, err)
		}
		props = append(props, p)
	}
	return props, nil
}
