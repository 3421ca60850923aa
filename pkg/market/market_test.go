package market

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/store"
)

func newTestService() *Service {
	return New(store.NewMemStore(), nil, zap.NewNop())
}

func validParams() CreateParams {
	return CreateParams{
		Title:   "Team A vs Team B",
		Option1: "Team A",
		Option2: "Team B",
		Odds1:   decimal.NewFromFloat(1.8),
		Odds2:   decimal.NewFromFloat(2.2),
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	e, err := s.Create(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != 1 {
		t.Errorf("first event id = %d, want 1", e.ID)
	}
	if !e.IsActive {
		t.Error("new event must be active")
	}
	if e.Result != core.OptionNone {
		t.Errorf("new event result = %s, want none", e.Result)
	}
	if e.ClosedAt != nil {
		t.Error("new event must not have closed_at")
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	bad := validParams()
	bad.Odds1 = decimal.Zero
	if _, err := s.Create(ctx, bad); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("zero odds: err = %v, want ErrInvalidArgument", err)
	}

	bad = validParams()
	bad.Odds2 = decimal.NewFromFloat(-1.5)
	if _, err := s.Create(ctx, bad); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("negative odds: err = %v, want ErrInvalidArgument", err)
	}

	bad = validParams()
	bad.Title = "  "
	if _, err := s.Create(ctx, bad); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("blank title: err = %v, want ErrInvalidArgument", err)
	}
}

func TestCloseOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	e, _ := s.Create(ctx, validParams())

	closed, err := s.Close(ctx, e.ID, core.Option2)
	if err != nil {
		t.Fatal(err)
	}
	if closed.IsActive {
		t.Error("closed event still active")
	}
	if closed.Result != core.Option2 {
		t.Errorf("result = %s, want 2", closed.Result)
	}
	if closed.ClosedAt == nil {
		t.Error("closed event missing closed_at")
	}

	// Closing twice is an invalid state, and the first result sticks.
	if _, err := s.Close(ctx, e.ID, core.Option1); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("second close: err = %v, want ErrInvalidState", err)
	}
	got, _ := s.Get(ctx, e.ID)
	if got.Result != core.Option2 {
		t.Errorf("result changed by failed close: %s", got.Result)
	}
}

func TestCloseErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	if _, err := s.Close(ctx, 99, core.Option1); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("unknown event: err = %v, want ErrNotFound", err)
	}
	e, _ := s.Create(ctx, validParams())
	if _, err := s.Close(ctx, e.ID, core.Option(3)); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("bad result: err = %v, want ErrInvalidArgument", err)
	}
}

func TestActiveExcludesClosed(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	e1, _ := s.Create(ctx, validParams())
	e2, _ := s.Create(ctx, validParams())
	if _, err := s.Close(ctx, e1.ID, core.Option1); err != nil {
		t.Fatal(err)
	}

	active, err := s.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != e2.ID {
		t.Fatalf("active = %+v, want only event %d", active, e2.ID)
	}
}
