// Package core provides the domain types shared by every part of the
// wagering ledger: users, events, bets, proposals and their state enums.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Option identifies one of the two sides of a binary event.
type Option int

const (
	// OptionNone means no side, e.g. an event without a declared result.
	OptionNone Option = 0
	Option1    Option = 1
	Option2    Option = 2
)

// Valid reports whether the option is one of the two bettable sides.
func (o Option) Valid() bool {
	return o == Option1 || o == Option2
}

func (o Option) String() string {
	switch o {
	case Option1:
		return "1"
	case Option2:
		return "2"
	default:
		return "none"
	}
}

// User is a registered participant. Balance is the only field mutated
// after creation, and only by ledger operations.
type User struct {
	ID         int64           `json:"id"`
	ExternalID int64           `json:"external_id"`
	Username   string          `json:"username,omitempty"`
	FirstName  string          `json:"first_name,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Event is an admin-declared binary-outcome market with fixed odds.
// It transitions exactly once from active to closed; a closed event is
// immutable and never reopened.
type Event struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Option1     string          `json:"option1"`
	Option2     string          `json:"option2"`
	Odds1       decimal.Decimal `json:"odds1"`
	Odds2       decimal.Decimal `json:"odds2"`
	MediaRef    string          `json:"media_ref,omitempty"`
	// ProposalID links back to the proposal this event was approved
	// from, zero for events created directly by the admin. The repair
	// sweep uses it to finish approvals interrupted mid-flight.
	ProposalID int64      `json:"proposal_id,omitempty"`
	IsActive   bool       `json:"is_active"`
	Result     Option     `json:"result"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// OddsFor returns the fixed odds for the given side.
func (e *Event) OddsFor(o Option) decimal.Decimal {
	if o == Option1 {
		return e.Odds1
	}
	return e.Odds2
}

// LabelFor returns the human-readable label for the given side.
func (e *Event) LabelFor(o Option) string {
	if o == Option1 {
		return e.Option1
	}
	return e.Option2
}

// Bet is a wager on one side of an event at the odds in force when it
// was placed. Odds are a snapshot: nothing that happens to the event
// afterwards changes a placed bet. IsWon is nil until the event is
// settled and flips exactly once.
type Bet struct {
	ID      int64           `json:"id"`
	UserID  int64           `json:"user_id"`
	EventID int64           `json:"event_id"`
	Amount  decimal.Decimal `json:"amount"`
	Option  Option          `json:"option"`
	Odds    decimal.Decimal `json:"odds"`
	// Debited flips to true once the stake has been taken from the
	// bettor's balance. Settlement only pays debited bets; the
	// reconciliation sweep voids stale bets that never got their debit.
	Debited bool  `json:"debited"`
	Voided  bool  `json:"voided,omitempty"`
	IsWon   *bool `json:"is_won"`
	// Paid flips to true once a winning bet's payout has been credited.
	// Settlement pays won bets that are still unpaid, so a run
	// interrupted between marking and paying is completed by a retry.
	Paid      bool      `json:"paid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Payout is the amount returned to the bettor if the bet wins.
func (b *Bet) Payout() decimal.Decimal {
	return b.Amount.Mul(b.Odds)
}

// Settled reports whether the bet has been through settlement.
func (b *Bet) Settled() bool {
	return b.IsWon != nil
}

// ProposalStatus is the review state of a user-submitted proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a user-submitted draft event awaiting admin review.
// It transitions exactly once from pending to approved (with a linked
// event) or rejected (terminal, no event).
type Proposal struct {
	ID           int64          `json:"id"`
	UserID       int64          `json:"user_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Option1      string         `json:"option1"`
	Option2      string         `json:"option2"`
	MediaRef     string         `json:"media_ref,omitempty"`
	Status       ProposalStatus `json:"status"`
	RejectReason string         `json:"rejection_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ReviewedAt   *time.Time     `json:"reviewed_at,omitempty"`
	// EventID is set iff Status is ProposalApproved.
	EventID int64 `json:"event_id,omitempty"`
}
