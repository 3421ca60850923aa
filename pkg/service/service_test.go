package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/betting"
	"github.com/wagerdome/wagerdome/pkg/ledger"
	"github.com/wagerdome/wagerdome/pkg/market"
	"github.com/wagerdome/wagerdome/pkg/proposal"
	"github.com/wagerdome/wagerdome/pkg/store"
)

const adminID = int64(1000)

// fakeNotifier records deliveries for assertions.
type fakeNotifier struct {
	sent []delivery
}

type delivery struct {
	recipient int64
	message   string
}

func (f *fakeNotifier) Notify(ctx context.Context, recipient int64, message string) error {
	f.sent = append(f.sent, delivery{recipient, message})
	return nil
}

func (f *fakeNotifier) to(recipient int64) []string {
	var msgs []string
	for _, d := range f.sent {
		if d.recipient == recipient {
			msgs = append(msgs, d.message)
		}
	}
	return msgs
}

func newTestService() (*Service, *fakeNotifier) {
	st := store.NewMemStore()
	log := zap.NewNop()
	l := ledger.New(st, decimal.Decimal{}, nil, log)
	m := market.New(st, nil, log)
	b := betting.New(st, l, m, nil, log)
	p := proposal.New(st, m, nil, log)
	n := &fakeNotifier{}
	return New(Config{AdminID: adminID}, l, m, b, p, n, log), n
}

func eventParams() market.CreateParams {
	return market.CreateParams{
		Title:   "final",
		Option1: "red",
		Option2: "blue",
		Odds1:   decimal.NewFromFloat(2.0),
		Odds2:   decimal.NewFromFloat(2.0),
	}
}

func TestAdminGate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	s.RegisterOrFetchUser(ctx, 7, "", "")

	if _, err := s.CreateEvent(ctx, 7, eventParams()); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("CreateEvent: err = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.CloseEvent(ctx, 7, 1, core.Option1); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("CloseEvent: err = %v, want ErrPermissionDenied", err)
	}
	if _, _, err := s.ApproveProposal(ctx, 7, 1, decimal.NewFromInt(2), decimal.NewFromInt(2)); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("ApproveProposal: err = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.RejectProposal(ctx, 7, 1, ""); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("RejectProposal: err = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.AddBalance(ctx, 7, 7, decimal.NewFromInt(10)); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("AddBalance: err = %v, want ErrPermissionDenied", err)
	}
}

func TestCloseEventSettlesAndNotifies(t *testing.T) {
	ctx := context.Background()
	s, n := newTestService()

	winner, _ := s.RegisterOrFetchUser(ctx, 7, "w", "")
	loser, _ := s.RegisterOrFetchUser(ctx, 8, "l", "")
	ev, err := s.CreateEvent(ctx, adminID, eventParams())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.PlaceBet(ctx, 7, ev.ID, decimal.NewFromInt(100), core.Option1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PlaceBet(ctx, 8, ev.ID, decimal.NewFromInt(50), core.Option2); err != nil {
		t.Fatal(err)
	}

	res, err := s.CloseEvent(ctx, adminID, ev.ID, core.Option1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Winners != 1 || !res.TotalPayout.Equal(decimal.NewFromInt(200)) {
		t.Errorf("settlement = %+v", res)
	}

	// Each affected bettor got exactly one summary.
	winMsgs := n.to(winner.ExternalID)
	if len(winMsgs) != 1 {
		t.Fatalf("winner got %d notifications, want 1", len(winMsgs))
	}
	if !strings.Contains(winMsgs[0], "You won 100 coins") {
		t.Errorf("winner summary = %q", winMsgs[0])
	}
	loseMsgs := n.to(loser.ExternalID)
	if len(loseMsgs) != 1 {
		t.Fatalf("loser got %d notifications, want 1", len(loseMsgs))
	}
	if !strings.Contains(loseMsgs[0], "You lost 50 coins") {
		t.Errorf("loser summary = %q", loseMsgs[0])
	}
}

func TestSettleEventRetry(t *testing.T) {
	ctx := context.Background()
	s, n := newTestService()
	s.RegisterOrFetchUser(ctx, 7, "", "")
	ev, _ := s.CreateEvent(ctx, adminID, eventParams())
	if _, err := s.PlaceBet(ctx, 7, ev.ID, decimal.NewFromInt(10), core.Option1); err != nil {
		t.Fatal(err)
	}

	// Settling an open event is refused.
	if _, err := s.SettleEvent(ctx, adminID, ev.ID); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("settle open event: err = %v, want ErrInvalidState", err)
	}

	if _, err := s.CloseEvent(ctx, adminID, ev.ID, core.Option1); err != nil {
		t.Fatal(err)
	}
	before := len(n.sent)

	// Retrying settlement after everything is paid does nothing and
	// re-notifies nobody.
	res, err := s.SettleEvent(ctx, adminID, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Winners != 0 || len(res.Outcomes) != 0 {
		t.Errorf("retry settled again: %+v", res)
	}
	if len(n.sent) != before {
		t.Errorf("retry sent %d extra notifications", len(n.sent)-before)
	}
}

func TestProposalNotifications(t *testing.T) {
	ctx := context.Background()
	s, n := newTestService()
	s.RegisterOrFetchUser(ctx, 7, "", "")

	prop, err := s.SubmitProposal(ctx, 7, proposal.SubmitParams{
		Title:   "derby",
		Option1: "home",
		Option2: "away",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msgs := n.to(adminID); len(msgs) != 1 {
		t.Fatalf("admin got %d notices, want 1", len(msgs))
	}

	_, event, err := s.ApproveProposal(ctx, adminID, prop.ID, decimal.NewFromFloat(1.5), decimal.NewFromFloat(2.5))
	if err != nil {
		t.Fatal(err)
	}
	if !event.Odds1.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("event odds1 = %s, want 1.5", event.Odds1)
	}
	msgs := n.to(7)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "approved") {
		t.Errorf("proposer notices = %v", msgs)
	}
}

func TestRejectNotifiesWithReason(t *testing.T) {
	ctx := context.Background()
	s, n := newTestService()
	s.RegisterOrFetchUser(ctx, 7, "", "")
	prop, _ := s.SubmitProposal(ctx, 7, proposal.SubmitParams{
		Title:   "derby",
		Option1: "home",
		Option2: "away",
	})

	if _, err := s.RejectProposal(ctx, adminID, prop.ID, "duplicate"); err != nil {
		t.Fatal(err)
	}
	msgs := n.to(7)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "duplicate") {
		t.Errorf("proposer notices = %v", msgs)
	}
}

func TestAddBalance(t *testing.T) {
	ctx := context.Background()
	s, n := newTestService()
	s.RegisterOrFetchUser(ctx, 7, "", "")

	u, err := s.AddBalance(ctx, adminID, 7, decimal.NewFromInt(500))
	if err != nil {
		t.Fatal(err)
	}
	if !u.Balance.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("balance = %s, want 1500", u.Balance)
	}
	if msgs := n.to(7); len(msgs) != 1 || !strings.Contains(msgs[0], "1,500") {
		t.Errorf("top-up notices = %v", n.to(7))
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()

	out, err := s.Dispatch(ctx, Intent{
		Kind:     IntentRegisterOrFetchUser,
		Actor:    7,
		Register: &RegisterParams{Username: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(*core.User); !ok {
		t.Fatalf("result type %T, want *core.User", out)
	}

	// Missing parameters and unknown kinds are invalid arguments.
	if _, err := s.Dispatch(ctx, Intent{Kind: IntentPlaceBet, Actor: 7}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("missing params: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.Dispatch(ctx, Intent{Kind: IntentKind(99), Actor: 7}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("unknown kind: err = %v, want ErrInvalidArgument", err)
	}
}
