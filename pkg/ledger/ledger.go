// Package ledger is the balance-accounting subsystem. It owns the user
// collection and is the only code that mutates balances; everything it
// does is a single read-modify-write cycle against that collection.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/metrics"
	"github.com/wagerdome/wagerdome/pkg/store"
)

// DefaultStartingBalance is credited to every newly registered user.
var DefaultStartingBalance = decimal.NewFromInt(1000)

// Profile carries the immutable identity fields captured at
// registration.
type Profile struct {
	Username  string
	FirstName string
}

// Ledger reads and mutates user balances, enforcing that a balance
// never goes negative.
type Ledger struct {
	store    store.Store
	starting decimal.Decimal
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New returns a ledger over the given store. A zero or negative
// starting balance falls back to DefaultStartingBalance.
func New(st store.Store, starting decimal.Decimal, m *metrics.Metrics, log *zap.Logger) *Ledger {
	if starting.LessThanOrEqual(decimal.Zero) {
		starting = DefaultStartingBalance
	}
	return &Ledger{store: st, starting: starting, metrics: m, log: log}
}

// FindOrCreateUser resolves the user with the given external identity,
// creating one with the starting balance on first sight. Idempotent: a
// second call with the same identity returns the existing record
// unchanged. The created flag reports which path was taken.
func (l *Ledger) FindOrCreateUser(ctx context.Context, externalID int64, p Profile) (*core.User, bool, error) {
	var user core.User
	var created bool
	err := l.store.Update(ctx, store.Users, func(recs store.Records) error {
		if u, ok := findByExternal(recs, externalID); ok {
			user = *u
			return nil
		}
		created = true
		user = core.User{
			ID:         store.NextID(recs),
			ExternalID: externalID,
			Username:   p.Username,
			FirstName:  p.FirstName,
			Balance:    l.starting,
			CreatedAt:  time.Now().UTC(),
		}
		return store.Encode(recs, user.ID, user)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		if l.metrics != nil {
			l.metrics.UsersCreated.Inc()
		}
		l.log.Info("user registered",
			zap.Int64("user_id", user.ID),
			zap.Int64("external_id", externalID))
	}
	return &user, created, nil
}

// User returns the user with the given internal id.
func (l *Ledger) User(ctx context.Context, userID int64) (*core.User, error) {
	recs, err := l.store.Load(ctx, store.Users)
	if err != nil {
		return nil, err
	}
	var user core.User
	if err := store.Decode(recs, userID, &user); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	return &user, nil
}

// UserByExternal returns the user with the given external identity.
func (l *Ledger) UserByExternal(ctx context.Context, externalID int64) (*core.User, error) {
	recs, err := l.store.Load(ctx, store.Users)
	if err != nil {
		return nil, err
	}
	if u, ok := findByExternal(recs, externalID); ok {
		return u, nil
	}
	return nil, fmt.Errorf("external identity %d: %w", externalID, core.ErrNotFound)
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	u, err := l.User(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return u.Balance, nil
}

// Credit adds amount to the user's balance. Amount must be positive.
func (l *Ledger) Credit(ctx context.Context, userID int64, amount decimal.Decimal) (*core.User, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("credit amount %s: %w", amount, core.ErrInvalidArgument)
	}
	user, err := l.mutate(ctx, userID, func(u *core.User) error {
		u.Balance = u.Balance.Add(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.CreditVolume.Add(metrics.DecimalToFloat64(amount))
	}
	l.log.Debug("credit applied",
		zap.Int64("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance", user.Balance.String()))
	return user, nil
}

// Debit removes amount from the user's balance. The check against the
// current balance and the subtraction happen in the same locked cycle,
// so the balance can never go negative.
func (l *Ledger) Debit(ctx context.Context, userID int64, amount decimal.Decimal) (*core.User, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("debit amount %s: %w", amount, core.ErrInvalidArgument)
	}
	user, err := l.mutate(ctx, userID, func(u *core.User) error {
		if amount.GreaterThan(u.Balance) {
			return fmt.Errorf("debit %s from balance %s: %w", amount, u.Balance, core.ErrInsufficientFunds)
		}
		u.Balance = u.Balance.Sub(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.DebitVolume.Add(metrics.DecimalToFloat64(amount))
	}
	l.log.Debug("debit applied",
		zap.Int64("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance", user.Balance.String()))
	return user, nil
}

// CreditMany applies a batch of credits in one cycle against the user
// collection. Settlement uses this so every payout for an event lands
// in a single write. Every amount must be positive and every user must
// exist; on any failure nothing is applied.
func (l *Ledger) CreditMany(ctx context.Context, amounts map[int64]decimal.Decimal) error {
	if len(amounts) == 0 {
		return nil
	}
	var total decimal.Decimal
	err := l.store.Update(ctx, store.Users, func(recs store.Records) error {
		for userID, amount := range amounts {
			if amount.LessThanOrEqual(decimal.Zero) {
				return fmt.Errorf("credit amount %s for user %d: %w", amount, userID, core.ErrInvalidArgument)
			}
			var u core.User
			if err := store.Decode(recs, userID, &u); err != nil {
				return err
			}
			u.Balance = u.Balance.Add(amount)
			total = total.Add(amount)
			if err := store.Encode(recs, userID, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.CreditVolume.Add(metrics.DecimalToFloat64(total))
	}
	return nil
}

func (l *Ledger) mutate(ctx context.Context, userID int64, fn func(*core.User) error) (*core.User, error) {
	var user core.User
	err := l.store.Update(ctx, store.Users, func(recs store.Records) error {
		if err := store.Decode(recs, userID, &user); err != nil {
			return fmt.Errorf("user: %w", err)
		}
		if err := fn(&user); err != nil {
			return err
		}
		return store.Encode(recs, userID, user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func findByExternal(recs store.Records, externalID int64) (*core.User, bool) {
	for _, raw := range recs {
		var u core.User
		if err := json.Unmarshal(raw, &u); err != nil {
			continue
		}
		if u.ExternalID == externalID {
			return &u, true
		}
	}
	return nil, false
}
