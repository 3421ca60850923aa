package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/market"
	"github.com/wagerdome/wagerdome/pkg/proposal"
)

// IntentKind enumerates every operation the front end can request.
// This is a closed set: the front-end parser maps free-form input onto
// one of these, and Dispatch matches them exhaustively, so an unknown
// command is rejected at the boundary instead of falling through a
// string-keyed handler map.
type IntentKind int

const (
	IntentRegisterOrFetchUser IntentKind = iota
	IntentPlaceBet
	IntentSubmitProposal
	IntentCreateEvent
	IntentCloseEvent
	IntentApproveProposal
	IntentRejectProposal
	IntentAddBalance
)

func (k IntentKind) String() string {
	switch k {
	case IntentRegisterOrFetchUser:
		return "register_or_fetch_user"
	case IntentPlaceBet:
		return "place_bet"
	case IntentSubmitProposal:
		return "submit_proposal"
	case IntentCreateEvent:
		return "create_event"
	case IntentCloseEvent:
		return "close_event"
	case IntentApproveProposal:
		return "approve_proposal"
	case IntentRejectProposal:
		return "reject_proposal"
	case IntentAddBalance:
		return "add_balance"
	default:
		return "unknown"
	}
}

// Intent is one fully-assembled operation request. Actor is the
// caller's external identity; exactly the parameter struct matching
// Kind must be set.
type Intent struct {
	Kind  IntentKind
	Actor int64

	Register *RegisterParams
	Bet      *BetParams
	Proposal *proposal.SubmitParams
	Event    *market.CreateParams
	Close    *CloseParams
	Review   *ReviewParams
	TopUp    *TopUpParams
}

// RegisterParams carries the profile captured at first contact.
type RegisterParams struct {
	Username  string
	FirstName string
}

// BetParams carries a validated wager.
type BetParams struct {
	EventID int64
	Amount  decimal.Decimal
	Option  core.Option
}

// CloseParams declares an event result.
type CloseParams struct {
	EventID int64
	Result  core.Option
}

// ReviewParams resolves a proposal. Odds are required for approval and
// ignored for rejection; Reason is the optional rejection note.
type ReviewParams struct {
	ProposalID int64
	Odds1      decimal.Decimal
	Odds2      decimal.Decimal
	Reason     string
}

// TopUpParams credits a user's balance.
type TopUpParams struct {
	TargetExternalID int64
	Amount           decimal.Decimal
}

// Dispatch runs one intent and returns its typed result. Missing
// parameters and unknown kinds are invalid arguments, not panics.
func (s *Service) Dispatch(ctx context.Context, in Intent) (any, error) {
	switch in.Kind {
	case IntentRegisterOrFetchUser:
		if in.Register == nil {
			return nil, missingParams(in.Kind)
		}
		return s.RegisterOrFetchUser(ctx, in.Actor, in.Register.Username, in.Register.FirstName)

	case IntentPlaceBet:
		if in.Bet == nil {
			return nil, missingParams(in.Kind)
		}
		return s.PlaceBet(ctx, in.Actor, in.Bet.EventID, in.Bet.Amount, in.Bet.Option)

	case IntentSubmitProposal:
		if in.Proposal == nil {
			return nil, missingParams(in.Kind)
		}
		return s.SubmitProposal(ctx, in.Actor, *in.Proposal)

	case IntentCreateEvent:
		if in.Event == nil {
			return nil, missingParams(in.Kind)
		}
		return s.CreateEvent(ctx, in.Actor, *in.Event)

	case IntentCloseEvent:
		if in.Close == nil {
			return nil, missingParams(in.Kind)
		}
		return s.CloseEvent(ctx, in.Actor, in.Close.EventID, in.Close.Result)

	case IntentApproveProposal:
		if in.Review == nil {
			return nil, missingParams(in.Kind)
		}
		prop, event, err := s.ApproveProposal(ctx, in.Actor, in.Review.ProposalID, in.Review.Odds1, in.Review.Odds2)
		if err != nil {
			return nil, err
		}
		return &ReviewResult{Proposal: prop, Event: event}, nil

	case IntentRejectProposal:
		if in.Review == nil {
			return nil, missingParams(in.Kind)
		}
		prop, err := s.RejectProposal(ctx, in.Actor, in.Review.ProposalID, in.Review.Reason)
		if err != nil {
			return nil, err
		}
		return &ReviewResult{Proposal: prop}, nil

	case IntentAddBalance:
		if in.TopUp == nil {
			return nil, missingParams(in.Kind)
		}
		return s.AddBalance(ctx, in.Actor, in.TopUp.TargetExternalID, in.TopUp.Amount)

	default:
		return nil, fmt.Errorf("intent kind %d: %w", in.Kind, core.ErrInvalidArgument)
	}
}

// ReviewResult is the outcome of a proposal review. Event is nil for
// rejections.
type ReviewResult struct {
	Proposal *core.Proposal
	Event    *core.Event
}

func missingParams(k IntentKind) error {
	return fmt.Errorf("intent %s missing parameters: %w", k, core.ErrInvalidArgument)
}
