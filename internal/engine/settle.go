package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/fees"
	"github.com/fightbook/market-engine/internal/model"
	"github.com/fightbook/market-engine/internal/position"
	"github.com/fightbook/market-engine/internal/store"
)

// Outcome is the resolved result of a contest, supplied by an external
// resolution process. It is a closed sum: Winner, Draw, or Cancelled.
type Outcome interface {
	outcomeArm()
}

// Winner resolves the contest in favor of one side. Holders of that side
// are paid 100 cents per contract.
type Winner struct {
	Side model.Side
}

// Draw resolves the contest with no winner; positions are made whole.
type Draw struct{}

// Cancelled resolves a contest that never happened; positions are made
// whole, same as a draw.
type Cancelled struct{}

func (Winner) outcomeArm()    {}
func (Draw) outcomeArm()      {}
func (Cancelled) outcomeArm() {}

// SettlementResult summarizes one settlement pass.
type SettlementResult struct {
	SettledPositions int   `json:"settled_positions"`
	CancelledOrders  int   `json:"cancelled_orders"`
	TotalPayouts     int64 `json:"total_payouts"`
	TotalFees        int64 `json:"total_fees"`
}

// SettleContest resolves every open position and resting order for a
// concluded contest: trading state moves to SETTLEMENT, the book is
// drained, each unsettled position is finalized exactly once, winners
// are paid 100 cents per contract less the settlement fee, and the
// contest closes. Positions already settled are excluded from the query,
// so re-running settlement is a no-op for them.
func SettleContest(ctx context.Context, st store.Store, contestID string, outcome Outcome, tier contest.Tier, league contest.League) (*SettlementResult, error) {
	if w, ok := outcome.(Winner); ok && !w.Side.Valid() {
		return nil, fmt.Errorf("engine: invalid winning side %q", w.Side)
	}

	now := time.Now().UTC()

	if err := st.SetContestTradingState(ctx, contestID, contest.StateSettlement); err != nil {
		return nil, fmt.Errorf("enter settlement: %w", err)
	}

	cancelled, err := st.CancelRestingOrders(ctx, contestID, now)
	if err != nil {
		return nil, fmt.Errorf("cancel resting orders: %w", err)
	}

	positions, err := st.ListUnsettledPositions(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("list unsettled positions: %w", err)
	}

	result := &SettlementResult{CancelledOrders: cancelled}

	for _, pos := range positions {
		payout, pnl, fee, err := resolvePosition(pos, outcome, tier, league)
		if err != nil {
			return nil, err
		}

		if err := position.Settle(ctx, st, pos, pnl, now); err != nil {
			return nil, err
		}
		result.SettledPositions++

		if payout == 0 {
			continue
		}

		owner, err := st.GetUser(ctx, pos.UserID)
		if err != nil {
			return nil, fmt.Errorf("get position owner %s: %w", pos.UserID, err)
		}
		if owner.IsMarketMaker() {
			// Neither paid nor charged: the fee was never collected, so
			// it must not show up as revenue.
			continue
		}
		result.TotalFees += fee

		balance, err := st.AdjustCredits(ctx, pos.UserID, payout)
		if err != nil {
			return nil, fmt.Errorf("credit payout %s: %w", pos.UserID, err)
		}

		audit := &model.CreditTransaction{
			ID:           uuid.New().String(),
			UserID:       pos.UserID,
			Type:         model.TxSettlement,
			Amount:       payout + fee, // gross, pre-fee
			Fee:          fee,
			BalanceAfter: balance,
			Description:  fmt.Sprintf("settlement of contest %s", contestID),
			RelatedID:    contestID,
			CreatedAt:    now,
		}
		if err := st.InsertCreditTransaction(ctx, audit); err != nil {
			return nil, fmt.Errorf("audit payout %s: %w", pos.UserID, err)
		}

		result.TotalPayouts += payout
	}

	if err := st.SetContestTradingState(ctx, contestID, contest.StateClosed); err != nil {
		return nil, fmt.Errorf("close contest: %w", err)
	}
	return result, nil
}

// resolvePosition computes (payout, settlementPnl, fee) for one position
// under the given outcome. The switch is exhaustive over the Outcome sum.
func resolvePosition(pos *model.Position, outcome Outcome, tier contest.Tier, league contest.League) (payout, pnl, fee int64, err error) {
	if pos.Quantity == 0 {
		return 0, 0, 0, nil
	}

	switch o := outcome.(type) {
	case Winner:
		if pos.Side != o.Side {
			return 0, -pos.AvgCostBasis * pos.Quantity, 0, nil
		}
		profit := (100 - pos.AvgCostBasis) * pos.Quantity
		fee = fees.SettlementFee(profit, tier, league)
		return pos.Quantity*100 - fee, profit, fee, nil

	case Draw, Cancelled:
		// Made whole: refund cost basis, no gain or loss, no fee.
		return pos.AvgCostBasis * pos.Quantity, 0, 0, nil

	default:
		return 0, 0, 0, fmt.Errorf("engine: unknown outcome %T", outcome)
	}
}
