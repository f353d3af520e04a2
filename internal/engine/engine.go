// Package engine implements order matching and contest settlement.
//
// Matching uses price-time priority with complement pricing: a YES order
// at p crosses a resting NO order at q when p + q >= 100, and the two
// sides of every fill always cost 100 cents combined. One call to
// MatchOrder or SettleContest is one atomic unit of work against the
// caller's serializable transaction; the engine itself holds no state
// and performs no locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/fees"
	"github.com/fightbook/market-engine/internal/model"
	"github.com/fightbook/market-engine/internal/position"
	"github.com/fightbook/market-engine/internal/store"
)

var (
	// ErrNoLiquidity is returned when a market order finds no crossable
	// resting orders. The order row is left CANCELLED (immediate-or-
	// cancel); the caller should commit and report a rejected trade.
	ErrNoLiquidity = errors.New("engine: no liquidity for market order")

	// ErrNotOrderOwner is returned when a cancel names someone else's order.
	ErrNotOrderOwner = errors.New("engine: order does not belong to user")

	// ErrOrderNotOpen is returned when cancelling an already-terminal order.
	ErrOrderNotOpen = errors.New("engine: order is not open")
)

// IncomingOrder is a validated order entering the book. The caller has
// already resolved the fee rate, checked exposure, and verified the
// contest is accepting orders; the engine trusts its inputs.
type IncomingOrder struct {
	UserID     string
	ContestID  string
	League     contest.League
	Tier       contest.Tier
	Side       model.Side
	Type       model.OrderType
	Price      int64 // own-side cents in [1,99]; ignored for MARKET
	Quantity   int64
	FeeRateBps int64
}

// MatchResult is the outcome of one matching pass.
type MatchResult struct {
	Order    *model.Order    `json:"order"`
	Fills    []*model.Trade  `json:"fills"`
	Position *model.Position `json:"position,omitempty"`
}

// MatchOrder persists the incoming order and matches it against resting
// opposite-side orders in price-time priority. Every fill debits both
// non-market-maker participants, writes audit rows, and updates the
// maker's position; the taker's position is updated once at the
// quantity-weighted average execution price. All writes go through st,
// inside the caller's transaction.
func MatchOrder(ctx context.Context, st store.Store, in IncomingOrder, taker *model.User) (*MatchResult, error) {
	now := time.Now().UTC()

	order := &model.Order{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		ContestID:    in.ContestID,
		League:       in.League,
		Side:         in.Side,
		Type:         in.Type,
		Price:        in.Price,
		Quantity:     in.Quantity,
		RemainingQty: in.Quantity,
		Status:       model.OrderOpen,
		FeeRateBps:   in.FeeRateBps,
		CreatedAt:    now,
	}
	if order.Type == model.OrderMarket {
		order.Price = 0
	}
	if err := st.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	// Complement pricing: incoming at p crosses resting at q iff
	// p + q >= 100. Market orders take any price.
	minCrossPrice := int64(1)
	if order.Type == model.OrderLimit {
		minCrossPrice = 100 - in.Price
	}

	candidates, err := st.ListRestingOrders(ctx, in.ContestID, in.Side.Opposite(), minCrossPrice)
	if err != nil {
		return nil, fmt.Errorf("list resting orders: %w", err)
	}

	if order.Type == model.OrderMarket && len(candidates) == 0 {
		order.Status = model.OrderCancelled
		cancelledAt := now
		order.CancelledAt = &cancelledAt
		if err := st.UpdateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("cancel market order: %w", err)
		}
		return nil, ErrNoLiquidity
	}

	var (
		fills         []*model.Trade
		remaining     = order.Quantity
		takerNotional int64 // Σ own-side cost × qty, for the weighted average
		takerFees     int64
	)

	for _, maker := range candidates {
		if remaining <= 0 {
			break
		}

		fillQty := remaining
		if maker.RemainingQty < fillQty {
			fillQty = maker.RemainingQty
		}

		// The resting order's stated price is honored.
		makerCost := maker.Price
		takerCost := 100 - maker.Price

		// Trade price is the YES-side cost by convention.
		tradePrice := takerCost
		if in.Side == model.SideNo {
			tradePrice = makerCost
		}

		makerUser, err := st.GetUser(ctx, maker.UserID)
		if err != nil {
			return nil, fmt.Errorf("get maker %s: %w", maker.UserID, err)
		}

		makerRate := fees.RateBps(in.Tier, in.League, makerUser.Kind)
		makerFee := fees.Fee(makerCost, fillQty, makerRate)
		takerFee := fees.Fee(takerCost, fillQty, in.FeeRateBps)
		if taker.IsMarketMaker() {
			takerFee = 0
		}

		trade := &model.Trade{
			ID:           uuid.New().String(),
			ContestID:    in.ContestID,
			League:       in.League,
			Price:        tradePrice,
			Quantity:     fillQty,
			MakerOrderID: maker.ID,
			TakerOrderID: order.ID,
			MakerUserID:  maker.UserID,
			TakerUserID:  in.UserID,
			MakerFee:     makerFee,
			TakerFee:     takerFee,
			CreatedAt:    now,
		}
		if err := st.InsertTrade(ctx, trade); err != nil {
			return nil, fmt.Errorf("insert trade: %w", err)
		}

		maker.FilledQty += fillQty
		maker.RemainingQty -= fillQty
		maker.TotalFees += makerFee
		if maker.RemainingQty == 0 {
			maker.Status = model.OrderFilled
		} else {
			maker.Status = model.OrderPartiallyFilled
		}
		if err := st.UpdateOrder(ctx, maker); err != nil {
			return nil, fmt.Errorf("update maker order: %w", err)
		}

		if err := debitParticipant(ctx, st, makerUser, makerCost, fillQty, makerFee, trade.ID); err != nil {
			return nil, err
		}
		if err := debitParticipant(ctx, st, taker, takerCost, fillQty, takerFee, trade.ID); err != nil {
			return nil, err
		}

		// Maker's position updates per fill at the maker's stated price.
		if _, err := position.ApplyFill(ctx, st, maker.UserID, in.ContestID, in.League, maker.Side, fillQty, makerCost); err != nil {
			return nil, fmt.Errorf("apply maker fill: %w", err)
		}

		fills = append(fills, trade)
		takerNotional += takerCost * fillQty
		takerFees += takerFee
		remaining -= fillQty
	}

	order.FilledQty = order.Quantity - remaining
	order.RemainingQty = remaining
	order.TotalFees = takerFees
	switch {
	case remaining == 0:
		order.Status = model.OrderFilled
	case order.Type == model.OrderMarket:
		// Immediate-or-cancel: a market order never rests.
		order.Status = model.OrderCancelled
		cancelledAt := now
		order.CancelledAt = &cancelledAt
	case len(fills) > 0:
		order.Status = model.OrderPartiallyFilled
	default:
		order.Status = model.OrderOpen
	}
	if err := st.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("finalize order: %w", err)
	}

	// Taker's position updates once, at the quantity-weighted average
	// execution price on the taker's own side (round half up, matching
	// the maker path's averaging).
	var pos *model.Position
	if order.FilledQty > 0 {
		avgExec := (takerNotional + order.FilledQty/2) / order.FilledQty
		pos, err = position.ApplyFill(ctx, st, in.UserID, in.ContestID, in.League, in.Side, order.FilledQty, avgExec)
		if err != nil {
			return nil, fmt.Errorf("apply taker fill: %w", err)
		}
	} else {
		pos, err = st.GetPosition(ctx, in.UserID, in.ContestID)
		if err != nil {
			return nil, fmt.Errorf("get taker position: %w", err)
		}
	}

	return &MatchResult{Order: order, Fills: fills, Position: pos}, nil
}

// debitParticipant charges one side of a fill: cost×qty plus fee off the
// balance, plus an append-only audit row. The designated market maker is
// never debited and receives no audit rows.
func debitParticipant(ctx context.Context, st store.Store, u *model.User, cost, qty, fee int64, tradeID string) error {
	if u.IsMarketMaker() {
		return nil
	}

	notional := cost * qty
	balance, err := st.AdjustCredits(ctx, u.ID, -(notional + fee))
	if err != nil {
		return fmt.Errorf("debit %s: %w", u.ID, err)
	}
	u.Credits = balance

	audit := &model.CreditTransaction{
		ID:           uuid.New().String(),
		UserID:       u.ID,
		Type:         model.TxTrade,
		Amount:       -notional,
		Fee:          fee,
		BalanceAfter: balance,
		Description:  fmt.Sprintf("fill %d @ %d", qty, cost),
		RelatedID:    tradeID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.InsertCreditTransaction(ctx, audit); err != nil {
		return fmt.Errorf("audit debit %s: %w", u.ID, err)
	}
	return nil
}

// CancelOrder cancels a user's own resting order. Nothing is refunded:
// balances move on fills, not on placement.
func CancelOrder(ctx context.Context, st store.Store, orderID, userID string) (*model.Order, error) {
	order, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", ErrNotOrderOwner, orderID)
	}
	if !order.Resting() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotOpen, orderID, order.Status)
	}

	order.Status = model.OrderCancelled
	cancelledAt := time.Now().UTC()
	order.CancelledAt = &cancelledAt
	if err := st.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	return order, nil
}
