// Package model defines the core domain types shared across the market
// engine. All monetary values are int64 cents of a 100-cent binary
// contract — never floating point.
package model

import (
	"time"

	"github.com/fightbook/market-engine/internal/contest"
)

// Side is the outcome side of a binary contract.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderType distinguishes resting limit orders from immediate-or-cancel
// market orders.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of an order. FILLED and CANCELLED
// are terminal.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// AccountKind separates the designated market maker from normal accounts.
// Resolved once at account creation, never re-derived by ID comparison.
type AccountKind string

const (
	AccountNormal      AccountKind = "NORMAL"
	AccountMarketMaker AccountKind = "MARKET_MAKER"
)

// User is the ledger account. Credits is a single non-negative cent
// balance, decremented on fills and credited at settlement.
type User struct {
	ID        string         `json:"id" db:"id"`
	Credits   int64          `json:"credits" db:"credits"`
	Kind      AccountKind    `json:"kind" db:"kind"`
	League    contest.League `json:"league" db:"league"`
	Bankroll  int64          `json:"bankroll" db:"bankroll"` // drives agent-league limits
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// IsMarketMaker reports whether the account is the fee- and limit-exempt
// designated market maker.
func (u *User) IsMarketMaker() bool {
	return u.Kind == AccountMarketMaker
}

// Order is a request to buy contracts on one side of a contest.
// Invariant: FilledQty + RemainingQty == Quantity. Price is in cents on
// the order's own side, in [1,99]; stored as 0 for market orders.
type Order struct {
	ID           string         `json:"id" db:"id"`
	UserID       string         `json:"user_id" db:"user_id"`
	ContestID    string         `json:"contest_id" db:"contest_id"`
	League       contest.League `json:"league" db:"league"`
	Side         Side           `json:"side" db:"side"`
	Type         OrderType      `json:"type" db:"type"`
	Price        int64          `json:"price" db:"price"`
	Quantity     int64          `json:"quantity" db:"quantity"`
	FilledQty    int64          `json:"filled_qty" db:"filled_qty"`
	RemainingQty int64          `json:"remaining_qty" db:"remaining_qty"`
	Status       OrderStatus    `json:"status" db:"status"`
	FeeRateBps   int64          `json:"fee_rate_bps" db:"fee_rate_bps"`
	TotalFees    int64          `json:"total_fees" db:"total_fees"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	CancelledAt  *time.Time     `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Resting reports whether the order can still be matched against.
func (o *Order) Resting() bool {
	return o.Status == OrderOpen || o.Status == OrderPartiallyFilled
}

// Trade is an immutable record of one fill between a resting maker order
// and an incoming taker order. Price is always expressed as the YES-side
// cost; the NO-side cost is 100 - Price.
type Trade struct {
	ID           string         `json:"id" db:"id"`
	ContestID    string         `json:"contest_id" db:"contest_id"`
	League       contest.League `json:"league" db:"league"`
	Price        int64          `json:"price" db:"price"`
	Quantity     int64          `json:"quantity" db:"quantity"`
	MakerOrderID string         `json:"maker_order_id" db:"maker_order_id"`
	TakerOrderID string         `json:"taker_order_id" db:"taker_order_id"`
	MakerUserID  string         `json:"maker_user_id" db:"maker_user_id"`
	TakerUserID  string         `json:"taker_user_id" db:"taker_user_id"`
	MakerFee     int64          `json:"maker_fee" db:"maker_fee"`
	TakerFee     int64          `json:"taker_fee" db:"taker_fee"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// Position is a trader's net holding in one contest. One row per
// (user, contest). Invariant: Quantity >= 0, and AvgCostBasis in [1,99]
// whenever Quantity > 0. Settled flips false→true exactly once.
type Position struct {
	ID            string         `json:"id" db:"id"`
	UserID        string         `json:"user_id" db:"user_id"`
	ContestID     string         `json:"contest_id" db:"contest_id"`
	League        contest.League `json:"league" db:"league"`
	Side          Side           `json:"side" db:"side"`
	Quantity      int64          `json:"quantity" db:"quantity"`
	AvgCostBasis  int64          `json:"avg_cost_basis" db:"avg_cost_basis"`
	RealizedPnl   int64          `json:"realized_pnl" db:"realized_pnl"`
	Settled       bool           `json:"settled" db:"settled"`
	SettlementPnl int64          `json:"settlement_pnl" db:"settlement_pnl"`
	SettledAt     *time.Time     `json:"settled_at,omitempty" db:"settled_at"`
}

// CreditTxType partitions audit rows by the event that produced them.
type CreditTxType string

const (
	TxTrade      CreditTxType = "TRADE"
	TxSettlement CreditTxType = "SETTLEMENT"
)

// CreditTransaction is an append-only audit row written alongside every
// credit mutation. Amount is the signed gross amount (negative for
// debits) excluding Fee, which is recorded separately.
type CreditTransaction struct {
	ID           string       `json:"id" db:"id"`
	UserID       string       `json:"user_id" db:"user_id"`
	Type         CreditTxType `json:"type" db:"type"`
	Amount       int64        `json:"amount" db:"amount"`
	Fee          int64        `json:"fee" db:"fee"`
	BalanceAfter int64        `json:"balance_after" db:"balance_after"`
	Description  string       `json:"description" db:"description"`
	RelatedID    string       `json:"related_id" db:"related_id"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// PriceLevel is one aggregated rung of the resting book, used by depth
// queries. Price is on the level's own side.
type PriceLevel struct {
	Side     Side  `json:"side"`
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
}
