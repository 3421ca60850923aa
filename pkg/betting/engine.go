// Package betting implements bet placement and settlement.
//
// Placement spans two collections (bets, users) and is deliberately
// ordered: the bet record is appended first, the stake is debited
// second, and the bet is confirmed last. A bet that never got its debit
// is therefore visible (debited=false) instead of a silently lost
// debit; the reconciliation sweep voids such bets so settlement never
// pays them.
//
// Settlement marks bets, pays winners, then flags the paid bets. A run
// interrupted before the payment leaves won bets unpaid; the next run
// finds and pays them, so a retry completes the payout instead of
// skipping it.
package betting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/ledger"
	"github.com/wagerdome/wagerdome/pkg/market"
	"github.com/wagerdome/wagerdome/pkg/metrics"
	"github.com/wagerdome/wagerdome/pkg/store"
)

// Engine places and settles bets.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	markets *market.Service
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New returns a bet engine wired to the ledger and event lifecycle.
func New(st store.Store, l *ledger.Ledger, m *market.Service, mx *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{store: st, ledger: l, markets: m, metrics: mx, log: log}
}

// Place wagers amount on one side of an active event at the odds in
// force right now. The odds are snapshotted onto the bet; later changes
// to the event never touch placed bets.
func (e *Engine) Place(ctx context.Context, userID, eventID int64, amount decimal.Decimal, option core.Option) (*core.Bet, error) {
	bet, err := e.place(ctx, userID, eventID, amount, option)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordBetRejected()
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordBetAccepted(bet.Amount)
	}
	e.log.Info("bet placed",
		zap.Int64("bet_id", bet.ID),
		zap.Int64("user_id", bet.UserID),
		zap.Int64("event_id", bet.EventID),
		zap.String("amount", bet.Amount.String()),
		zap.String("option", bet.Option.String()),
		zap.String("odds", bet.Odds.String()))
	return bet, nil
}

func (e *Engine) place(ctx context.Context, userID, eventID int64, amount decimal.Decimal, option core.Option) (*core.Bet, error) {
	if !option.Valid() {
		return nil, fmt.Errorf("option %d: %w", option, core.ErrInvalidArgument)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("stake %s: %w", amount, core.ErrInvalidArgument)
	}

	user, err := e.ledger.User(ctx, userID)
	if err != nil {
		return nil, err
	}

	event, err := e.markets.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("event %d not open for betting: %w", eventID, core.ErrInvalidState)
		}
		return nil, err
	}
	if !event.IsActive {
		return nil, fmt.Errorf("event %d not open for betting: %w", eventID, core.ErrInvalidState)
	}

	if amount.GreaterThan(user.Balance) {
		return nil, fmt.Errorf("stake %s exceeds balance %s: %w", amount, user.Balance, core.ErrInsufficientFunds)
	}

	bet := core.Bet{
		UserID:    user.ID,
		EventID:   event.ID,
		Amount:    amount,
		Option:    option,
		Odds:      event.OddsFor(option),
		CreatedAt: time.Now().UTC(),
	}
	err = e.store.Update(ctx, store.Bets, func(recs store.Records) error {
		bet.ID = store.NextID(recs)
		return store.Encode(recs, bet.ID, bet)
	})
	if err != nil {
		return nil, err
	}

	// The debit re-checks the balance under the user collection lock,
	// so a concurrent spend between the check above and here cannot
	// drive the balance negative. If it fails, the appended bet is
	// voided so it never reaches settlement.
	if _, err := e.ledger.Debit(ctx, user.ID, amount); err != nil {
		if verr := e.void(ctx, bet.ID); verr != nil {
			e.log.Error("failed to void unpaid bet", zap.Int64("bet_id", bet.ID), zap.Error(verr))
		}
		return nil, err
	}

	bet.Debited = true
	err = e.store.Update(ctx, store.Bets, func(recs store.Records) error {
		return store.Encode(recs, bet.ID, bet)
	})
	if err != nil {
		return nil, err
	}
	return &bet, nil
}

func (e *Engine) void(ctx context.Context, betID int64) error {
	return e.store.Update(ctx, store.Bets, func(recs store.Records) error {
		var b core.Bet
		if err := store.Decode(recs, betID, &b); err != nil {
			return err
		}
		b.Voided = true
		return store.Encode(recs, betID, b)
	})
}

// UserOutcome aggregates a single user's settled bets for one event.
// Net is always Returned minus Staked, computed before any win/lose
// wording is chosen.
type UserOutcome struct {
	UserID   int64
	Won      int
	Lost     int
	Staked   decimal.Decimal
	Returned decimal.Decimal
	Net      decimal.Decimal
	Bets     []core.Bet
}

// Settlement is the result of one settlement run.
type Settlement struct {
	EventID       int64
	WinningOption core.Option
	// TotalBets counts every live bet referencing the event,
	// including ones settled by an earlier run.
	TotalBets   int
	Winners     int
	TotalPayout decimal.Decimal
	// Outcomes holds per-user summaries for the bets this run marked or
	// paid. Bets already paid by an earlier run are excluded, so a rerun
	// after a complete settlement re-notifies nobody.
	Outcomes map[int64]*UserOutcome
}

// Settle pays winning bets and marks losing ones for the given event.
// A run touches unsettled bets plus won bets whose payout has not been
// credited yet; everything else is skipped. That makes repeated
// invocation both idempotent and self-healing: a second run after a
// complete first one changes nothing, while a retry after a failed
// payout credits exactly the winnings still owed.
func (e *Engine) Settle(ctx context.Context, eventID int64, winning core.Option) (*Settlement, error) {
	if !winning.Valid() {
		return nil, fmt.Errorf("winning option %d: %w", winning, core.ErrInvalidArgument)
	}
	if _, err := e.markets.Get(ctx, eventID); err != nil {
		return nil, err
	}

	res := &Settlement{
		EventID:       eventID,
		WinningOption: winning,
		Outcomes:      make(map[int64]*UserOutcome),
	}
	payouts := make(map[int64]decimal.Decimal)
	var paidIDs []int64
	var losers int

	// Phase one: mark every unsettled bet in a single write against
	// the bet collection, collecting payouts owed per user. Won bets
	// marked by an earlier interrupted run but never paid are owed too.
	err := e.store.Update(ctx, store.Bets, func(recs store.Records) error {
		for key, raw := range recs {
			var b core.Bet
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("parse bet %s: %w", key, err)
			}
			if b.EventID != eventID || b.Voided {
				continue
			}
			res.TotalBets++
			if !b.Debited {
				continue
			}

			newlyMarked := !b.Settled()
			if newlyMarked {
				won := b.Option == winning
				b.IsWon = &won
			}
			owed := *b.IsWon && !b.Paid
			if !newlyMarked && !owed {
				continue
			}

			out := res.Outcomes[b.UserID]
			if out == nil {
				out = &UserOutcome{UserID: b.UserID}
				res.Outcomes[b.UserID] = out
			}
			out.Staked = out.Staked.Add(b.Amount)
			if owed {
				payout := b.Payout()
				out.Won++
				out.Returned = out.Returned.Add(payout)
				payouts[b.UserID] = payouts[b.UserID].Add(payout)
				paidIDs = append(paidIDs, b.ID)
				res.Winners++
				res.TotalPayout = res.TotalPayout.Add(payout)
			} else {
				out.Lost++
				losers++
			}
			out.Bets = append(out.Bets, b)

			if newlyMarked {
				if err := store.Encode(recs, b.ID, b); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, out := range res.Outcomes {
		out.Net = out.Returned.Sub(out.Staked)
		sort.Slice(out.Bets, func(i, j int) bool { return out.Bets[i].ID < out.Bets[j].ID })
	}

	// Phase two: pay winners in one write against the user collection.
	// A crash before this write leaves the bets won-but-unpaid, which
	// the next run picks up above.
	if err := e.ledger.CreditMany(ctx, payouts); err != nil {
		return nil, fmt.Errorf("pay winners for event %d: %w", eventID, err)
	}

	// Phase three: flag the paid bets. Each paid bet id is logged so a
	// crash inside this window leaves an auditable trail for operator
	// review instead of a silent discrepancy.
	if len(paidIDs) > 0 {
		err := e.store.Update(ctx, store.Bets, func(recs store.Records) error {
			for _, id := range paidIDs {
				var b core.Bet
				if err := store.Decode(recs, id, &b); err != nil {
					return err
				}
				b.Paid = true
				if err := store.Encode(recs, id, b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("flag paid bets for event %d: %w", eventID, err)
		}
		e.log.Info("payouts credited",
			zap.Int64("event_id", eventID),
			zap.Int64s("bet_ids", paidIDs))
	}

	if len(res.Outcomes) > 0 {
		if e.metrics != nil {
			e.metrics.RecordSettlement(res.Winners, losers, res.TotalPayout)
		}
		e.log.Info("event settled",
			zap.Int64("event_id", eventID),
			zap.String("winning_option", winning.String()),
			zap.Int("total_bets", res.TotalBets),
			zap.Int("winners", res.Winners),
			zap.String("total_payout", res.TotalPayout.String()))
	}
	return res, nil
}

// ActiveBetCount returns how many of the user's bets reference events
// that are still open. Display only; no invariant depends on it.
func (e *Engine) ActiveBetCount(ctx context.Context, userID int64) (int, error) {
	bets, err := e.all(ctx)
	if err != nil {
		return 0, err
	}
	events, err := e.markets.Active(ctx)
	if err != nil {
		return 0, err
	}
	active := make(map[int64]bool, len(events))
	for _, ev := range events {
		active[ev.ID] = true
	}

	count := 0
	for _, b := range bets {
		if b.UserID == userID && !b.Voided && active[b.EventID] {
			count++
		}
	}
	return count, nil
}

// UserBets returns the user's bets, newest first, capped at limit.
func (e *Engine) UserBets(ctx context.Context, userID int64, limit int) ([]core.Bet, error) {
	bets, err := e.all(ctx)
	if err != nil {
		return nil, err
	}
	mine := bets[:0]
	for _, b := range bets {
		if b.UserID == userID && !b.Voided {
			mine = append(mine, b)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].ID > mine[j].ID })
	if limit > 0 && len(mine) > limit {
		mine = mine[:limit]
	}
	return mine, nil
}

// EventBets returns every live bet referencing the event.
func (e *Engine) EventBets(ctx context.Context, eventID int64) ([]core.Bet, error) {
	bets, err := e.all(ctx)
	if err != nil {
		return nil, err
	}
	out := bets[:0]
	for _, b := range bets {
		if b.EventID == eventID && !b.Voided {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reconcile voids unsettled bets that never got their debit and are
// older than minAge. These are placements interrupted between appending
// the bet and taking the stake; treating them as never placed restores
// the money-conservation invariant. Each void is logged loudly: if the
// crash instead hit after the debit, the record needs operator review.
func (e *Engine) Reconcile(ctx context.Context, minAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	voided := 0
	err := e.store.Update(ctx, store.Bets, func(recs store.Records) error {
		for key, raw := range recs {
			var b core.Bet
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("parse bet %s: %w", key, err)
			}
			if b.Debited || b.Voided || b.Settled() || b.CreatedAt.After(cutoff) {
				continue
			}
			b.Voided = true
			voided++
			e.log.Warn("voided bet with no matching debit",
				zap.Int64("bet_id", b.ID),
				zap.Int64("user_id", b.UserID),
				zap.Int64("event_id", b.EventID),
				zap.String("amount", b.Amount.String()))
			if err := store.Encode(recs, b.ID, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if e.metrics != nil && voided > 0 {
		e.metrics.BetsVoided.Add(float64(voided))
	}
	return voided, nil
}

func (e *Engine) all(ctx context.Context) ([]core.Bet, error) {
	recs, err := e.store.Load(ctx, store.Bets)
	if err != nil {
		return nil, err
	}
	bets := make([]core.Bet, 0, len(recs))
	for key, raw := range recs {
		var b core.Bet
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("parse bet %s: %w", key, err)
		}
		bets = append(bets, b)
	}
	return bets, nil
}
