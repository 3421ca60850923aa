// Package market owns the event lifecycle: events are created active
// with fixed odds and transition exactly once to closed with a declared
// result. Closing does not move money; settlement is a separate step so
// it can be retried without re-closing.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/metrics"
	"github.com/wagerdome/wagerdome/pkg/store"
)

// CreateParams are the validated fields for a new event.
type CreateParams struct {
	Title       string
	Option1     string
	Option2     string
	Odds1       decimal.Decimal
	Odds2       decimal.Decimal
	Description string
	MediaRef    string
	// ProposalID is set when the event is born from an approved
	// proposal.
	ProposalID int64
}

// Service manages the event collection.
type Service struct {
	store   store.Store
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New returns an event lifecycle service over the given store.
func New(st store.Store, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{store: st, metrics: m, log: log}
}

// Create adds a new active event. Both odds must be positive and the
// title and option labels non-empty.
func (s *Service) Create(ctx context.Context, p CreateParams) (*core.Event, error) {
	if strings.TrimSpace(p.Title) == "" ||
		strings.TrimSpace(p.Option1) == "" ||
		strings.TrimSpace(p.Option2) == "" {
		return nil, fmt.Errorf("event title and options must be non-empty: %w", core.ErrInvalidArgument)
	}
	if p.Odds1.LessThanOrEqual(decimal.Zero) || p.Odds2.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("odds %s/%s must be positive: %w", p.Odds1, p.Odds2, core.ErrInvalidArgument)
	}

	var event core.Event
	err := s.store.Update(ctx, store.Events, func(recs store.Records) error {
		event = core.Event{
			ID:          store.NextID(recs),
			Title:       p.Title,
			Description: p.Description,
			Option1:     p.Option1,
			Option2:     p.Option2,
			Odds1:       p.Odds1,
			Odds2:       p.Odds2,
			MediaRef:    p.MediaRef,
			ProposalID:  p.ProposalID,
			IsActive:    true,
			Result:      core.OptionNone,
			CreatedAt:   time.Now().UTC(),
		}
		return store.Encode(recs, event.ID, event)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues("created").Inc()
		s.metrics.ActiveEvents.Inc()
	}
	s.log.Info("event created",
		zap.Int64("event_id", event.ID),
		zap.String("title", event.Title),
		zap.String("odds1", event.Odds1.String()),
		zap.String("odds2", event.Odds2.String()))
	return &event, nil
}

// Get returns the event with the given id.
func (s *Service) Get(ctx context.Context, eventID int64) (*core.Event, error) {
	recs, err := s.store.Load(ctx, store.Events)
	if err != nil {
		return nil, err
	}
	var event core.Event
	if err := store.Decode(recs, eventID, &event); err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	return &event, nil
}

// Active returns all events still open for betting, oldest first.
func (s *Service) Active(ctx context.Context) ([]core.Event, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, e := range all {
		if e.IsActive {
			active = append(active, e)
		}
	}
	return active, nil
}

// All returns every event, oldest first.
func (s *Service) All(ctx context.Context) ([]core.Event, error) {
	recs, err := s.store.Load(ctx, store.Events)
	if err != nil {
		return nil, err
	}
	events := make([]core.Event, 0, len(recs))
	for _, raw := range recs {
		var e core.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parse event: %w", err)
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// Close declares the result and flips the event inactive. This is the
// only place an event is ever deactivated; a closed event cannot be
// closed again or reopened.
func (s *Service) Close(ctx context.Context, eventID int64, result core.Option) (*core.Event, error) {
	if !result.Valid() {
		return nil, fmt.Errorf("result %s: %w", result, core.ErrInvalidArgument)
	}

	var event core.Event
	err := s.store.Update(ctx, store.Events, func(recs store.Records) error {
		if err := store.Decode(recs, eventID, &event); err != nil {
			return fmt.Errorf("event: %w", err)
		}
		if !event.IsActive {
			return fmt.Errorf("event %d already closed: %w", eventID, core.ErrInvalidState)
		}
		now := time.Now().UTC()
		event.IsActive = false
		event.Result = result
		event.ClosedAt = &now
		return store.Encode(recs, eventID, event)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues("closed").Inc()
		s.metrics.ActiveEvents.Dec()
	}
	s.log.Info("event closed",
		zap.Int64("event_id", event.ID),
		zap.String("result", event.Result.String()))
	return &event, nil
}
