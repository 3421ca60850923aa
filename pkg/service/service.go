// Package service is the inbound boundary of the core. The front-end
// adapter collects and validates fields, then hands the core a typed
// intent; the service checks the caller against the configured admin
// identity, runs the operation, and pushes resulting notices through
// the notification sink.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/betting"
	"github.com/wagerdome/wagerdome/pkg/ledger"
	"github.com/wagerdome/wagerdome/pkg/market"
	"github.com/wagerdome/wagerdome/pkg/notify"
	"github.com/wagerdome/wagerdome/pkg/proposal"
)

// Config carries the privileged identity. Exactly one external
// identity is the administrator; every admin-only operation checks the
// caller against it.
type Config struct {
	AdminID int64
}

// Service wires the core components behind the typed operation set.
type Service struct {
	cfg       Config
	ledger    *ledger.Ledger
	markets   *market.Service
	bets      *betting.Engine
	proposals *proposal.Workflow
	notifier  notify.Notifier
	printer   *message.Printer
	log       *zap.Logger
}

// New assembles the service.
func New(cfg Config, l *ledger.Ledger, m *market.Service, b *betting.Engine, p *proposal.Workflow, n notify.Notifier, log *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		ledger:    l,
		markets:   m,
		bets:      b,
		proposals: p,
		notifier:  n,
		printer:   message.NewPrinter(language.English),
		log:       log,
	}
}

func (s *Service) requireAdmin(actor int64) error {
	if actor != s.cfg.AdminID {
		return fmt.Errorf("identity %d is not the administrator: %w", actor, core.ErrPermissionDenied)
	}
	return nil
}

// RegisterOrFetchUser resolves the caller's user record, creating it
// with the starting balance on first contact.
func (s *Service) RegisterOrFetchUser(ctx context.Context, actor int64, username, firstName string) (*core.User, error) {
	u, _, err := s.ledger.FindOrCreateUser(ctx, actor, ledger.Profile{
		Username:  username,
		FirstName: firstName,
	})
	return u, err
}

// PlaceBet places the caller's wager on an active event.
func (s *Service) PlaceBet(ctx context.Context, actor, eventID int64, amount decimal.Decimal, option core.Option) (*core.Bet, error) {
	u, err := s.ledger.UserByExternal(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.bets.Place(ctx, u.ID, eventID, amount, option)
}

// SubmitProposal queues the caller's draft event and tells the admin.
func (s *Service) SubmitProposal(ctx context.Context, actor int64, p proposal.SubmitParams) (*core.Proposal, error) {
	u, err := s.ledger.UserByExternal(ctx, actor)
	if err != nil {
		return nil, err
	}
	prop, err := s.proposals.Submit(ctx, u.ID, p)
	if err != nil {
		return nil, err
	}
	s.send(ctx, s.cfg.AdminID, s.printer.Sprintf(
		"New event proposal #%d: %q (%s / %s)",
		prop.ID, prop.Title, prop.Option1, prop.Option2))
	return prop, nil
}

// CreateEvent opens a new market directly. Admin only.
func (s *Service) CreateEvent(ctx context.Context, actor int64, p market.CreateParams) (*core.Event, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.markets.Create(ctx, p)
}

// CloseEvent declares the result, settles every bet on the event, and
// sends each affected bettor a settlement summary. Admin only.
// Declaring the result and moving the money stay separate steps inside,
// so a failed settlement can be retried with SettleEvent without
// touching the event again.
func (s *Service) CloseEvent(ctx context.Context, actor, eventID int64, result core.Option) (*betting.Settlement, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	event, err := s.markets.Close(ctx, eventID, result)
	if err != nil {
		return nil, err
	}
	return s.settleAndNotify(ctx, event)
}

// SettleEvent re-runs settlement for an already-closed event. Admin
// only. Safe to call repeatedly: bets already marked are skipped.
func (s *Service) SettleEvent(ctx context.Context, actor, eventID int64) (*betting.Settlement, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	event, err := s.markets.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.IsActive || !event.Result.Valid() {
		return nil, fmt.Errorf("event %d has no declared result: %w", eventID, core.ErrInvalidState)
	}
	return s.settleAndNotify(ctx, event)
}

func (s *Service) settleAndNotify(ctx context.Context, event *core.Event) (*betting.Settlement, error) {
	res, err := s.bets.Settle(ctx, event.ID, event.Result)
	if err != nil {
		return nil, err
	}
	for userID, out := range res.Outcomes {
		u, err := s.ledger.User(ctx, userID)
		if err != nil {
			s.log.Warn("settled bettor vanished", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		s.send(ctx, u.ExternalID, s.summary(event, out))
	}
	return res, nil
}

// ApproveProposal converts a pending proposal into a live event and
// tells the proposer. Admin only.
func (s *Service) ApproveProposal(ctx context.Context, actor, proposalID int64, odds1, odds2 decimal.Decimal) (*core.Proposal, *core.Event, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, nil, err
	}
	prop, event, err := s.proposals.Approve(ctx, proposalID, odds1, odds2)
	if err != nil {
		return nil, nil, err
	}
	if u, uerr := s.ledger.User(ctx, prop.UserID); uerr == nil {
		s.send(ctx, u.ExternalID, s.printer.Sprintf(
			"Your proposal %q was approved! Event #%d is open at odds %s / %s.",
			prop.Title, event.ID, event.Odds1, event.Odds2))
	}
	return prop, event, nil
}

// RejectProposal finalizes a pending proposal and tells the proposer.
// Admin only.
func (s *Service) RejectProposal(ctx context.Context, actor, proposalID int64, reason string) (*core.Proposal, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	prop, err := s.proposals.Reject(ctx, proposalID, reason)
	if err != nil {
		return nil, err
	}
	if u, uerr := s.ledger.User(ctx, prop.UserID); uerr == nil {
		msg := s.printer.Sprintf("Your proposal %q was declined.", prop.Title)
		if reason != "" {
			msg += s.printer.Sprintf(" Reason: %s", reason)
		}
		s.send(ctx, u.ExternalID, msg)
	}
	return prop, nil
}

// AddBalance credits a user's balance and tells them. Admin only.
func (s *Service) AddBalance(ctx context.Context, actor, targetExternalID int64, amount decimal.Decimal) (*core.User, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	u, err := s.ledger.UserByExternal(ctx, targetExternalID)
	if err != nil {
		return nil, err
	}
	u, err = s.ledger.Credit(ctx, u.ID, amount)
	if err != nil {
		return nil, err
	}
	s.send(ctx, u.ExternalID, s.printer.Sprintf(
		"Your balance was topped up by %v coins. New balance: %v.",
		amountOf(amount), amountOf(u.Balance)))
	return u, nil
}

// summary renders one bettor's settlement outcome. The net result is
// computed by the engine before any wording is chosen, so every branch
// below has it available.
func (s *Service) summary(event *core.Event, out *betting.UserOutcome) string {
	var b strings.Builder
	b.WriteString(s.printer.Sprintf("Event %q finished: %s won.\n", event.Title, event.LabelFor(event.Result)))
	for _, bet := range out.Bets {
		label := event.LabelFor(bet.Option)
		if bet.IsWon != nil && *bet.IsWon {
			b.WriteString(s.printer.Sprintf("  WON  %s: %v -> %v coins (odds %s)\n",
				label, amountOf(bet.Amount), amountOf(bet.Payout()), bet.Odds))
		} else {
			b.WriteString(s.printer.Sprintf("  LOST %s: %v coins (odds %s)\n",
				label, amountOf(bet.Amount), bet.Odds))
		}
	}
	switch {
	case out.Net.IsPositive():
		b.WriteString(s.printer.Sprintf("You won %v coins.", amountOf(out.Net)))
	case out.Net.IsZero():
		b.WriteString(s.printer.Sprintf("You broke even (returned %v, staked %v).",
			amountOf(out.Returned), amountOf(out.Staked)))
	default:
		b.WriteString(s.printer.Sprintf("You lost %v coins.", amountOf(out.Net.Neg())))
	}
	return b.String()
}

// send delivers best effort: a notification failure is logged, never
// propagated into the ledger operation that triggered it.
func (s *Service) send(ctx context.Context, recipient int64, msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, recipient, msg); err != nil {
		s.log.Warn("notification failed",
			zap.Int64("recipient", recipient),
			zap.Error(err))
	}
}

// amountOf renders a balance amount for user-facing text. Whole
// numbers print without a fraction; the printer adds locale grouping.
func amountOf(d decimal.Decimal) any {
	if d.IsInteger() {
		return d.IntPart()
	}
	f, _ := d.Float64()
	return f
}
