package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/fees"
	"github.com/fightbook/market-engine/internal/model"
	"github.com/fightbook/market-engine/internal/store"
)

func seedUser(t *testing.T, ms *store.MemoryStore, id string, credits int64, kind model.AccountKind) *model.User {
	t.Helper()
	u := &model.User{ID: id, Credits: credits, Kind: kind, League: contest.LeagueHuman}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}

// placeLimit rests a limit order on the book through the normal matching
// path and fails the test if it crosses anything.
func placeLimit(t *testing.T, ms *store.MemoryStore, user *model.User, contestID string, side model.Side, price, qty int64) *model.Order {
	t.Helper()
	res, err := MatchOrder(context.Background(), ms, IncomingOrder{
		UserID:     user.ID,
		ContestID:  contestID,
		League:     contest.LeagueHuman,
		Tier:       contest.TierAmateur,
		Side:       side,
		Type:       model.OrderLimit,
		Price:      price,
		Quantity:   qty,
		FeeRateBps: fees.RateBps(contest.TierAmateur, contest.LeagueHuman, user.Kind),
	}, user)
	if err != nil {
		t.Fatalf("place limit: %v", err)
	}
	if len(res.Fills) != 0 {
		t.Fatalf("expected resting order, got %d fills", len(res.Fills))
	}
	return res.Order
}

func takerOrder(user *model.User, contestID string, side model.Side, typ model.OrderType, price, qty int64) IncomingOrder {
	rate := fees.RateBps(contest.TierAmateur, contest.LeagueHuman, user.Kind)
	return IncomingOrder{
		UserID:     user.ID,
		ContestID:  contestID,
		League:     contest.LeagueHuman,
		Tier:       contest.TierAmateur,
		Side:       side,
		Type:       typ,
		Price:      price,
		Quantity:   qty,
		FeeRateBps: rate,
	}
}

func TestMatchOrder_RestsWhenNothingCrosses(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	alice := seedUser(t, ms, "alice", 100_000, model.AccountNormal)

	res, err := MatchOrder(ctx, ms, takerOrder(alice, "c1", model.SideYes, model.OrderLimit, 30, 10), alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.Status != model.OrderOpen {
		t.Errorf("expected OPEN, got %s", res.Order.Status)
	}
	if res.Order.RemainingQty != 10 || res.Order.FilledQty != 0 {
		t.Errorf("unexpected quantities: %+v", res.Order)
	}
	if len(res.Fills) != 0 {
		t.Errorf("expected no fills, got %d", len(res.Fills))
	}

	// No money moved on placement.
	u, _ := ms.GetUser(ctx, "alice")
	if u.Credits != 100_000 {
		t.Errorf("placement must not move credits, balance %d", u.Credits)
	}
}

func TestMatchOrder_FillAgainstLargerMaker(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	maker := seedUser(t, ms, "maker", 100_000, model.AccountNormal)
	taker := seedUser(t, ms, "taker", 100_000, model.AccountNormal)

	// Resting NO 20 @ 40; incoming YES LIMIT 10 @ 60 crosses exactly.
	restingID := placeLimit(t, ms, maker, "c1", model.SideNo, 40, 20).ID

	res, err := MatchOrder(ctx, ms, takerOrder(taker, "c1", model.SideYes, model.OrderLimit, 60, 10), taker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(res.Fills))
	}
	fill := res.Fills[0]
	if fill.Price != 60 || fill.Quantity != 10 {
		t.Errorf("expected trade 10 @ 60 (YES side), got %d @ %d", fill.Quantity, fill.Price)
	}

	if res.Order.Status != model.OrderFilled {
		t.Errorf("taker order should be FILLED, got %s", res.Order.Status)
	}
	resting, _ := ms.GetOrder(ctx, restingID)
	if resting.Status != model.OrderPartiallyFilled || resting.RemainingQty != 10 {
		t.Errorf("maker order should be PARTIALLY_FILLED with 10 left, got %s remaining=%d",
			resting.Status, resting.RemainingQty)
	}

	// Base rate 200 bps: maker pays on 40×10=400 → 8, taker on 60×10=600 → 12.
	if fill.MakerFee != 8 || fill.TakerFee != 12 {
		t.Errorf("expected fees maker=8 taker=12, got maker=%d taker=%d", fill.MakerFee, fill.TakerFee)
	}

	// Balances: notional + fee off each side, and both debits together
	// account for the full 100 cents per contract.
	m, _ := ms.GetUser(ctx, "maker")
	tk, _ := ms.GetUser(ctx, "taker")
	if m.Credits != 100_000-408 {
		t.Errorf("maker balance: want %d, got %d", 100_000-408, m.Credits)
	}
	if tk.Credits != 100_000-612 {
		t.Errorf("taker balance: want %d, got %d", 100_000-612, tk.Credits)
	}

	// Positions on both sides at their own execution prices.
	mp, _ := ms.GetPosition(ctx, "maker", "c1")
	if mp.Side != model.SideNo || mp.Quantity != 10 || mp.AvgCostBasis != 40 {
		t.Errorf("maker position: %+v", mp)
	}
	if res.Position.Side != model.SideYes || res.Position.Quantity != 10 || res.Position.AvgCostBasis != 60 {
		t.Errorf("taker position: %+v", res.Position)
	}

	// One audit row per participant, gross amount excluding fee.
	audits, _ := ms.ListCreditTransactions(ctx, "taker")
	if len(audits) != 1 {
		t.Fatalf("expected 1 taker audit row, got %d", len(audits))
	}
	if audits[0].Type != model.TxTrade || audits[0].Amount != -600 || audits[0].Fee != 12 {
		t.Errorf("taker audit row: %+v", audits[0])
	}
	if audits[0].RelatedID != fill.ID {
		t.Errorf("audit row should reference the trade, got %q", audits[0].RelatedID)
	}
}

func TestMatchOrder_PricePriorityAcrossLevels(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	m1 := seedUser(t, ms, "m1", 100_000, model.AccountNormal)
	m2 := seedUser(t, ms, "m2", 100_000, model.AccountNormal)
	taker := seedUser(t, ms, "taker", 100_000, model.AccountNormal)

	// NO 50 gives the YES taker a 50-cent cost; NO 45 costs 55. The
	// higher resting price must fill first.
	placeLimit(t, ms, m1, "c1", model.SideNo, 45, 5)
	placeLimit(t, ms, m2, "c1", model.SideNo, 50, 5)

	res, err := MatchOrder(ctx, ms, takerOrder(taker, "c1", model.SideYes, model.OrderLimit, 60, 8), taker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(res.Fills))
	}
	if res.Fills[0].MakerUserID != "m2" || res.Fills[0].Price != 50 || res.Fills[0].Quantity != 5 {
		t.Errorf("first fill should take NO@50 fully: %+v", res.Fills[0])
	}
	if res.Fills[1].MakerUserID != "m1" || res.Fills[1].Price != 55 || res.Fills[1].Quantity != 3 {
		t.Errorf("second fill should take 3 from NO@45: %+v", res.Fills[1])
	}
	if res.Order.Status != model.OrderFilled {
		t.Errorf("taker should be FILLED, got %s", res.Order.Status)
	}

	// Weighted average execution: (50*5 + 55*3 + 4) / 8 = 52.
	if res.Position.AvgCostBasis != 52 || res.Position.Quantity != 8 {
		t.Errorf("taker position: %+v", res.Position)
	}
}

func TestMatchOrder_TimePriorityWithinLevel(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	first := seedUser(t, ms, "first", 100_000, model.AccountNormal)
	second := seedUser(t, ms, "second", 100_000, model.AccountNormal)
	taker := seedUser(t, ms, "taker", 100_000, model.AccountNormal)

	placeLimit(t, ms, first, "c1", model.SideNo, 50, 5)
	placeLimit(t, ms, second, "c1", model.SideNo, 50, 5)

	res, err := MatchOrder(ctx, ms, takerOrder(taker, "c1", model.SideYes, model.OrderLimit, 50, 5), taker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerUserID != "first" {
		t.Errorf("FIFO violated at equal price: %+v", res.Fills)
	}
}

func TestMatchOrder_NoCrossBelowComplement(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	maker := seedUser(t, ms, "maker", 100_000, model.AccountNormal)
	taker := seedUser(t, ms, "taker", 100_000, model.AccountNormal)

	// 59 + 40 = 99 < 100: no cross, both rest.
	placeLimit(t, ms, maker, "c1", model.SideNo, 40, 10)
	res, err := MatchOrder(ctx, ms, takerOrder(taker, "c1", model.SideYes, model.OrderLimit, 59, 10), taker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) != 0 || res.Order.Status != model.OrderOpen {
		t.Errorf("59+40 must not cross: fills=%d status=%s", len(res.Fills), res.Order.Status)
	}
}

func TestMatchOrder_MarketOrderNoLiquidity(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	taker := seedUser(t, ms, "taker", 100_000, model.AccountNormal)

	res, err := MatchOrder(ctx, ms, takerOrder(taker, "c1", model.SideYes, model.OrderMarket, 0, 10), taker)
	if !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("expected ErrNoLiquidity, got %v (res=%v)", err, res)
	}

	// The rejected order row is persisted as CANCELLED.
	orders, _ := ms.ListUserOrders(ctx, "taker", "c1")
	if len(orders) != 1 {
		t.Fatalf("expected the cancelled order row, got %d rows", len(orders))
	}
	if orders[0].Status != model.OrderCancelled || orders[0].CancelledAt == nil {
		t.Errorf("expected CANCELLED with timestamp, got %+v", orders[0])
	}

	u, _ := ms.GetUser(ctx, "taker")
	if u.Credits != 100_000 {
		t.Errorf("rejected market order must not move credits, balance %d", u.Credits)
	}
}

func TestMatchOrder_MarketOrderNeverRests(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	maker := seedUser(t, ms, "maker", 100_000, model.AccountNormal)
	taker := seedUser(t, ms, "taker", 100_000, model.AccountNormal)

	placeLimit(t, ms, maker, "c1", model.SideNo, 40, 10)

	// Market YES for 25: fills 10, the leftover 15 is cancelled.
	res, err := MatchOrder(ctx, ms, takerOrder(taker, "c1", model.SideYes, model.OrderMarket, 0, 25), taker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.Status != model.OrderCancelled {
		t.Errorf("partially filled market order must end CANCELLED, got %s", res.Order.Status)
	}
	if res.Order.FilledQty != 10 || res.Order.RemainingQty != 15 {
		t.Errorf("unexpected quantities: %+v", res.Order)
	}
	if res.Order.Price != 0 {
		t.Errorf("market order must store price 0, got %d", res.Order.Price)
	}
	if res.Position.Quantity != 10 || res.Position.AvgCostBasis != 60 {
		t.Errorf("taker position: %+v", res.Position)
	}

	// Nothing left to take.
	book, _ := ms.BookDepth(ctx, "c1")
	if len(book) != 0 {
		t.Errorf("book should be empty, got %+v", book)
	}
}

func TestMatchOrder_MarketMakerExemptions(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	dmm := seedUser(t, ms, "dmm", 0, model.AccountMarketMaker)
	taker := seedUser(t, ms, "taker", 100_000, model.AccountNormal)

	placeLimit(t, ms, dmm, "c1", model.SideNo, 40, 10)

	res, err := MatchOrder(ctx, ms, takerOrder(taker, "c1", model.SideYes, model.OrderLimit, 60, 10), taker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fill := res.Fills[0]
	if fill.MakerFee != 0 {
		t.Errorf("market maker pays no fees, got %d", fill.MakerFee)
	}

	// The maker side moved no money and wrote no audit rows; the taker
	// side is charged normally.
	d, _ := ms.GetUser(ctx, "dmm")
	if d.Credits != 0 {
		t.Errorf("market maker balance must not move, got %d", d.Credits)
	}
	audits, _ := ms.ListCreditTransactions(ctx, "dmm")
	if len(audits) != 0 {
		t.Errorf("market maker gets no audit rows, got %d", len(audits))
	}
	tk, _ := ms.GetUser(ctx, "taker")
	if tk.Credits != 100_000-612 {
		t.Errorf("taker balance: want %d, got %d", 100_000-612, tk.Credits)
	}

	// The market maker still carries a position.
	dp, _ := ms.GetPosition(ctx, "dmm", "c1")
	if dp == nil || dp.Quantity != 10 || dp.Side != model.SideNo {
		t.Errorf("market maker position: %+v", dp)
	}
}

func TestMatchOrder_InsufficientCredits(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	maker := seedUser(t, ms, "maker", 100_000, model.AccountNormal)
	broke := seedUser(t, ms, "broke", 100, model.AccountNormal)

	placeLimit(t, ms, maker, "c1", model.SideNo, 40, 10)

	_, err := MatchOrder(ctx, ms, takerOrder(broke, "c1", model.SideYes, model.OrderLimit, 60, 10), broke)
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	alice := seedUser(t, ms, "alice", 100_000, model.AccountNormal)

	order := placeLimit(t, ms, alice, "c1", model.SideYes, 30, 10)

	t.Run("wrong owner", func(t *testing.T) {
		_, err := CancelOrder(ctx, ms, order.ID, "mallory")
		if !errors.Is(err, ErrNotOrderOwner) {
			t.Errorf("expected ErrNotOrderOwner, got %v", err)
		}
	})

	t.Run("owner cancels", func(t *testing.T) {
		got, err := CancelOrder(ctx, ms, order.ID, "alice")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != model.OrderCancelled || got.CancelledAt == nil {
			t.Errorf("expected CANCELLED with timestamp, got %+v", got)
		}
	})

	t.Run("already terminal", func(t *testing.T) {
		_, err := CancelOrder(ctx, ms, order.ID, "alice")
		if !errors.Is(err, ErrOrderNotOpen) {
			t.Errorf("expected ErrOrderNotOpen, got %v", err)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := CancelOrder(ctx, ms, "nope", "alice")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
