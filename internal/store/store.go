// Package store defines the persistence interface for the market engine.
// PostgreSQL is the source of truth; engine mutations run against a
// handle bound to one serializable transaction. The in-memory
// implementation backs tests, and Redis provides a read-through cache
// for the read-only paths (contests, book depth) outside transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientCredits is returned when a debit would drive a
	// balance negative. The enclosing transaction must roll back.
	ErrInsufficientCredits = errors.New("store: insufficient credits")

	// ErrConflict is returned on unique-constraint violations.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. When obtained through a TxRunner
// it is bound to one serializable transaction; every call either happens
// atomically with the rest of the transaction or not at all.
type Store interface {
	// --- Orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder rewrites an order's fill quantities, status, fees,
	// and cancellation stamp.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListRestingOrders returns OPEN and PARTIALLY_FILLED orders on one
	// side of a contest with price >= minPrice, in price-time priority:
	// price descending, then createdAt ascending.
	ListRestingOrders(ctx context.Context, contestID string, side model.Side, minPrice int64) ([]*model.Order, error)

	// CancelRestingOrders cancels every OPEN and PARTIALLY_FILLED order
	// for a contest, stamping cancelledAt. Returns the number cancelled.
	CancelRestingOrders(ctx context.Context, contestID string, at time.Time) (int, error)

	// ListUserOrders returns a user's orders for a contest, newest first.
	ListUserOrders(ctx context.Context, userID, contestID string) ([]model.Order, error)

	// --- Immutable trade log ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTradesByContest returns all trades for a contest in execution order.
	ListTradesByContest(ctx context.Context, contestID string) ([]model.Trade, error)

	// --- Positions ---

	// GetPosition returns the (user, contest) position, or (nil, nil)
	// if the user has never held one.
	GetPosition(ctx context.Context, userID, contestID string) (*model.Position, error)

	// UpsertPosition creates or rewrites a position row.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// ListUnsettledPositions returns every position for a contest with
	// settled = false.
	ListUnsettledPositions(ctx context.Context, contestID string) ([]*model.Position, error)

	// ListUserPositions returns all of a user's positions.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Accounts and credit ledger ---

	// CreateUser persists a new ledger account.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a ledger account.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// AdjustCredits applies a signed delta to a balance and returns the
	// new balance. Fails with ErrInsufficientCredits rather than going
	// negative.
	AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error)

	// InsertCreditTransaction appends an audit row. Audit rows are never
	// updated or deleted.
	InsertCreditTransaction(ctx context.Context, tx *model.CreditTransaction) error

	// ListCreditTransactions returns a user's audit rows, newest first.
	ListCreditTransactions(ctx context.Context, userID string) ([]model.CreditTransaction, error)

	// --- Contests (consumed, not owned) ---

	// CreateContest persists a contest record.
	CreateContest(ctx context.Context, c *contest.Contest) error

	// GetContest retrieves a contest by ID.
	GetContest(ctx context.Context, id string) (*contest.Contest, error)

	// SetContestTradingState transitions a contest's trading state.
	SetContestTradingState(ctx context.Context, id string, state contest.TradingState) error

	// --- Book depth ---

	// BookDepth aggregates resting quantity per (side, price) for a
	// contest, best price first on each side.
	BookDepth(ctx context.Context, contestID string) ([]model.PriceLevel, error)
}

// TxRunner executes a function against a Store bound to one serializable
// transaction. If fn returns an error the transaction rolls back;
// serialization failures are retried from scratch.
type TxRunner interface {
	RunSerializable(ctx context.Context, fn func(Store) error) error
}

// CacheInvalidator is implemented by read stores that cache contest and
// book-depth lookups. Transactions run against the primary store
// directly, so after a commit that moves a trading state or the book,
// the caller must invalidate the affected keys here.
type CacheInvalidator interface {
	InvalidateContest(ctx context.Context, contestID string)
	InvalidateDepth(ctx context.Context, contestID string)
}
