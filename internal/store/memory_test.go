package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/model"
)

func newOrder(id, contestID string, side model.Side, price, qty int64, at time.Time) *model.Order {
	return &model.Order{
		ID: id, UserID: "u-" + id, ContestID: contestID,
		League: contest.LeagueHuman, Side: side, Type: model.OrderLimit,
		Price: price, Quantity: qty, RemainingQty: qty,
		Status: model.OrderOpen, CreatedAt: at,
	}
}

func TestListRestingOrders_PriceTimePriority(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	// Same instant on o2/o3 forces the insertion-order tie-breaker.
	for _, o := range []*model.Order{
		newOrder("o1", "c1", model.SideNo, 45, 5, base),
		newOrder("o2", "c1", model.SideNo, 50, 5, base.Add(time.Second)),
		newOrder("o3", "c1", model.SideNo, 50, 5, base.Add(time.Second)),
		newOrder("o4", "c1", model.SideYes, 70, 5, base), // wrong side
		newOrder("o5", "c2", model.SideNo, 60, 5, base),  // wrong contest
	} {
		if err := ms.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create %s: %v", o.ID, err)
		}
	}

	got, err := ms.ListRestingOrders(ctx, "c1", model.SideNo, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"o2", "o3", "o1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d orders, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: want %s, got %s", i, id, got[i].ID)
		}
	}

	// minPrice filters out the lower level.
	got, err = ms.ListRestingOrders(ctx, "c1", model.SideNo, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("minPrice 50 should leave 2 orders, got %d", len(got))
	}
}

func TestListRestingOrders_SkipsTerminalOrders(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	o := newOrder("o1", "c1", model.SideNo, 50, 5, time.Now().UTC())
	if err := ms.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.Status = model.OrderFilled
	if err := ms.UpdateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	got, _ := ms.ListRestingOrders(ctx, "c1", model.SideNo, 1)
	if len(got) != 0 {
		t.Errorf("filled orders must not rest, got %d", len(got))
	}
}

func TestAdjustCredits_GuardsNegativeBalance(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	if err := ms.CreateUser(ctx, &model.User{ID: "u1", Credits: 100}); err != nil {
		t.Fatal(err)
	}

	if _, err := ms.AdjustCredits(ctx, "u1", -150); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
	// The failed debit must not touch the balance.
	u, _ := ms.GetUser(ctx, "u1")
	if u.Credits != 100 {
		t.Errorf("balance changed on failed debit: %d", u.Credits)
	}

	balance, err := ms.AdjustCredits(ctx, "u1", -100)
	if err != nil || balance != 0 {
		t.Errorf("exact debit to zero should pass, got balance=%d err=%v", balance, err)
	}

	if _, err := ms.AdjustCredits(ctx, "ghost", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPosition_AbsentIsNilNil(t *testing.T) {
	ms := NewMemoryStore()
	pos, err := ms.GetPosition(context.Background(), "u1", "c1")
	if err != nil || pos != nil {
		t.Errorf("absent position should be (nil, nil), got (%v, %v)", pos, err)
	}
}

func TestBookDepth_AggregatesByLevel(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for _, o := range []*model.Order{
		newOrder("o1", "c1", model.SideYes, 60, 5, base),
		newOrder("o2", "c1", model.SideYes, 60, 7, base),
		newOrder("o3", "c1", model.SideNo, 40, 3, base),
	} {
		if err := ms.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	// A partially filled order counts only its remainder.
	o, _ := ms.GetOrder(ctx, "o3")
	o.FilledQty, o.RemainingQty, o.Status = 1, 2, model.OrderPartiallyFilled
	if err := ms.UpdateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	levels, err := ms.BookDepth(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byKey := map[string]int64{}
	for _, l := range levels {
		byKey[fmt.Sprintf("%s@%d", l.Side, l.Price)] = l.Quantity
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %+v", levels)
	}
	if byKey["YES@60"] != 12 {
		t.Errorf("YES@60 should aggregate to 12, got %d", byKey["YES@60"])
	}
	if byKey["NO@40"] != 2 {
		t.Errorf("NO@40 should show remaining 2, got %d", byKey["NO@40"])
	}
}

func TestCancelRestingOrders(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	open := newOrder("o1", "c1", model.SideYes, 60, 5, base)
	done := newOrder("o2", "c1", model.SideNo, 40, 5, base)
	other := newOrder("o3", "c2", model.SideYes, 60, 5, base)
	for _, o := range []*model.Order{open, done, other} {
		if err := ms.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	done.Status = model.OrderFilled
	if err := ms.UpdateOrder(ctx, done); err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC()
	n, err := ms.CancelRestingOrders(ctx, "c1", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cancellation, got %d", n)
	}
	got, _ := ms.GetOrder(ctx, "o1")
	if got.Status != model.OrderCancelled || got.CancelledAt == nil || !got.CancelledAt.Equal(at) {
		t.Errorf("order not cancelled at %v: %+v", at, got)
	}
	untouched, _ := ms.GetOrder(ctx, "o3")
	if untouched.Status != model.OrderOpen {
		t.Errorf("other contest's order must stay open, got %s", untouched.Status)
	}
}
