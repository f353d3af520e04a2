// Package position owns the per-user-per-contest net position: the
// pre-trade exposure check and the application of fills, including
// netting opposite-side fills into realized P&L.
//
// Fill application is the only place position state changes outside
// settlement.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/fees"
	"github.com/fightbook/market-engine/internal/model"
	"github.com/fightbook/market-engine/internal/store"
)

// ErrExposureExceeded is returned when a trade's projected cost would
// exceed the user's position limit. The trade is never attempted.
var ErrExposureExceeded = errors.New("position: exposure limit exceeded")

// CheckExposure validates a prospective trade against the user's position
// limit before matching is attempted. The designated market maker always
// passes. Reducing an existing position is never blocked; a side flip
// counts only the flipped remainder against the limit.
func CheckExposure(existing *model.Position, side model.Side, qty, price int64, tier contest.Tier, league contest.League, acct *model.User) error {
	if acct.IsMarketMaker() {
		return nil
	}

	var projected int64
	switch {
	case existing == nil || existing.Quantity == 0:
		projected = price * qty
	case existing.Side == side:
		projected = existing.AvgCostBasis*existing.Quantity + price*qty
	case qty <= existing.Quantity:
		// Pure reduction: shrinking exposure is never blocked.
		return nil
	default:
		projected = (qty - existing.Quantity) * price
	}

	limit := fees.PositionLimit(tier, league, acct.Bankroll)
	if projected > limit {
		return fmt.Errorf("%w: projected cost %d exceeds limit %d", ErrExposureExceeded, projected, limit)
	}
	return nil
}

// ApplyFill applies one execution to the user's position and persists the
// result. fillPrice is in cents on the user's own side.
//
// Four cases: open a fresh position, add to the same side (quantity-
// weighted average cost, round half up), reduce the opposite side
// (realizing P&L), or flip through zero onto the other side.
func ApplyFill(ctx context.Context, st store.Store, userID, contestID string, league contest.League, side model.Side, fillQty, fillPrice int64) (*model.Position, error) {
	pos, err := st.GetPosition(ctx, userID, contestID)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}

	switch {
	case pos == nil:
		pos = &model.Position{
			ID:           uuid.New().String(),
			UserID:       userID,
			ContestID:    contestID,
			League:       league,
			Side:         side,
			Quantity:     fillQty,
			AvgCostBasis: fillPrice,
		}

	case pos.Quantity == 0:
		// Row exists but holds nothing: reopen on the fill's side.
		// Lifetime realized P&L carries forward.
		pos.Side = side
		pos.Quantity = fillQty
		pos.AvgCostBasis = fillPrice

	case pos.Side == side:
		newQty := pos.Quantity + fillQty
		pos.AvgCostBasis = divRoundHalfUp(pos.Quantity*pos.AvgCostBasis+fillQty*fillPrice, newQty)
		pos.Quantity = newQty

	case fillQty <= pos.Quantity:
		// Close or partially close. Holding side X at cost c is being
		// short the complement at 100-c; buying the complement at p
		// realizes (100-c)-p per contract.
		pos.RealizedPnl += fillQty * ((100 - pos.AvgCostBasis) - fillPrice)
		pos.Quantity -= fillQty

	default:
		// Side flip: close the whole existing quantity, open the
		// remainder on the new side at the fill price.
		closedQty := pos.Quantity
		pos.RealizedPnl += closedQty * ((100 - pos.AvgCostBasis) - fillPrice)
		pos.Side = side
		pos.Quantity = fillQty - closedQty
		pos.AvgCostBasis = fillPrice
	}

	if err := st.UpsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("upsert position: %w", err)
	}
	return pos, nil
}

// Settle finalizes a position exactly once: flips settled, stamps the
// time, and stores the settlement P&L. Callers must only pass unsettled
// positions.
func Settle(ctx context.Context, st store.Store, pos *model.Position, pnl int64, at time.Time) error {
	pos.Settled = true
	pos.SettlementPnl = pnl
	settledAt := at
	pos.SettledAt = &settledAt
	if err := st.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("settle position: %w", err)
	}
	return nil
}

// divRoundHalfUp is fixed-point integer division rounding half up.
// Both arguments must be positive.
func divRoundHalfUp(num, den int64) int64 {
	return (num + den/2) / den
}
