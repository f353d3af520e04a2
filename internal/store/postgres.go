package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/model"
)

// querier is the subset of pgx satisfied by both *pgxpool.Pool and
// pgx.Tx, so the same store code serves plain reads and transactional
// engine passes.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store over a pgx connection pool or an open
// transaction. All monetary columns are BIGINT cents.
type PostgresStore struct {
	db querier
}

// NewPostgresStore creates a store over a pool or transaction handle.
func NewPostgresStore(db querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Orders ---

const orderColumns = `id, user_id, contest_id, league, side, type, price,
	quantity, filled_qty, remaining_qty, status, fee_rate_bps, total_fees,
	created_at, cancelled_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.ContestID, &o.League, &o.Side, &o.Type,
		&o.Price, &o.Quantity, &o.FilledQty, &o.RemainingQty, &o.Status,
		&o.FeeRateBps, &o.TotalFees, &o.CreatedAt, &o.CancelledAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.UserID, o.ContestID, o.League, o.Side, o.Type, o.Price,
		o.Quantity, o.FilledQty, o.RemainingQty, o.Status, o.FeeRateBps,
		o.TotalFees, o.CreatedAt, o.CancelledAt)
	return mapPgError(err)
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE orders
		 SET filled_qty = $2, remaining_qty = $3, status = $4,
		     total_fees = $5, cancelled_at = $6
		 WHERE id = $1`,
		o.ID, o.FilledQty, o.RemainingQty, o.Status, o.TotalFees, o.CancelledAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context, contestID string, side model.Side, minPrice int64) ([]*model.Order, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE contest_id = $1 AND side = $2
		   AND status IN ('OPEN', 'PARTIALLY_FILLED')
		   AND price >= $3
		 ORDER BY price DESC, created_at ASC`,
		contestID, side, minPrice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) CancelRestingOrders(ctx context.Context, contestID string, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE orders
		 SET status = 'CANCELLED', cancelled_at = $2
		 WHERE contest_id = $1 AND status IN ('OPEN', 'PARTIALLY_FILLED')`,
		contestID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListUserOrders(ctx context.Context, userID, contestID string) ([]model.Order, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders WHERE user_id = $1 AND contest_id = $2
		 ORDER BY created_at DESC`,
		userID, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO trades (id, contest_id, league, price, quantity,
			maker_order_id, taker_order_id, maker_user_id, taker_user_id,
			maker_fee, taker_fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.ContestID, t.League, t.Price, t.Quantity,
		t.MakerOrderID, t.TakerOrderID, t.MakerUserID, t.TakerUserID,
		t.MakerFee, t.TakerFee, t.CreatedAt)
	return mapPgError(err)
}

func (s *PostgresStore) ListTradesByContest(ctx context.Context, contestID string) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, contest_id, league, price, quantity,
			maker_order_id, taker_order_id, maker_user_id, taker_user_id,
			maker_fee, taker_fee, created_at
		 FROM trades WHERE contest_id = $1 ORDER BY created_at`,
		contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.ContestID, &t.League, &t.Price, &t.Quantity,
			&t.MakerOrderID, &t.TakerOrderID, &t.MakerUserID, &t.TakerUserID,
			&t.MakerFee, &t.TakerFee, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Positions ---

const positionColumns = `id, user_id, contest_id, league, side, quantity,
	avg_cost_basis, realized_pnl, settled, settlement_pnl, settled_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	err := row.Scan(&p.ID, &p.UserID, &p.ContestID, &p.League, &p.Side,
		&p.Quantity, &p.AvgCostBasis, &p.RealizedPnl, &p.Settled,
		&p.SettlementPnl, &p.SettledAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, contestID string) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND contest_id = $2`,
		userID, contestID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil // absence is normal, not an error
	}
	return p, err
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (`+positionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, contest_id) DO UPDATE SET
			side = EXCLUDED.side,
			quantity = EXCLUDED.quantity,
			avg_cost_basis = EXCLUDED.avg_cost_basis,
			realized_pnl = EXCLUDED.realized_pnl,
			settled = EXCLUDED.settled,
			settlement_pnl = EXCLUDED.settlement_pnl,
			settled_at = EXCLUDED.settled_at`,
		p.ID, p.UserID, p.ContestID, p.League, p.Side, p.Quantity,
		p.AvgCostBasis, p.RealizedPnl, p.Settled, p.SettlementPnl, p.SettledAt)
	return mapPgError(err)
}

func (s *PostgresStore) ListUnsettledPositions(ctx context.Context, contestID string) ([]*model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE contest_id = $1 AND settled = FALSE
		 ORDER BY user_id`,
		contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 ORDER BY contest_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Accounts and credit ledger ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, credits, kind, league, bankroll, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Credits, u.Kind, u.League, u.Bankroll, u.CreatedAt)
	return mapPgError(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx,
		`SELECT id, credits, kind, league, bankroll, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Credits, &u.Kind, &u.League, &u.Bankroll, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapPgError(err))
	}
	return &u, nil
}

func (s *PostgresStore) AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		`UPDATE users SET credits = credits + $2
		 WHERE id = $1 AND credits + $2 >= 0
		 RETURNING credits`,
		userID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the user is missing or the debit would go negative;
		// disambiguate for the caller.
		if _, gerr := s.GetUser(ctx, userID); gerr != nil {
			return 0, gerr
		}
		return 0, fmt.Errorf("%w: user %s delta %d", ErrInsufficientCredits, userID, delta)
	}
	if err != nil {
		return 0, mapPgError(err)
	}
	return balance, nil
}

func (s *PostgresStore) InsertCreditTransaction(ctx context.Context, tx *model.CreditTransaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, type, amount, fee,
			balance_after, description, related_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount, tx.Fee,
		tx.BalanceAfter, tx.Description, tx.RelatedID, tx.CreatedAt)
	return mapPgError(err)
}

func (s *PostgresStore) ListCreditTransactions(ctx context.Context, userID string) ([]model.CreditTransaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, type, amount, fee, balance_after,
			description, related_id, created_at
		 FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.CreditTransaction
	for rows.Next() {
		var t model.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Fee,
			&t.BalanceAfter, &t.Description, &t.RelatedID, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Contests ---

func (s *PostgresStore) CreateContest(ctx context.Context, c *contest.Contest) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO contests (id, league, tier, trading_state, scheduled_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.League, c.Tier, c.TradingState, c.ScheduledAt, c.CreatedAt)
	return mapPgError(err)
}

func (s *PostgresStore) GetContest(ctx context.Context, id string) (*contest.Contest, error) {
	var c contest.Contest
	err := s.db.QueryRow(ctx,
		`SELECT id, league, tier, trading_state, scheduled_at, created_at
		 FROM contests WHERE id = $1`, id).
		Scan(&c.ID, &c.League, &c.Tier, &c.TradingState, &c.ScheduledAt, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get contest %s: %w", id, mapPgError(err))
	}
	return &c, nil
}

func (s *PostgresStore) SetContestTradingState(ctx context.Context, id string, state contest.TradingState) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE contests SET trading_state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: contest %s", ErrNotFound, id)
	}
	return nil
}

// --- Book depth ---

func (s *PostgresStore) BookDepth(ctx context.Context, contestID string) ([]model.PriceLevel, error) {
	rows, err := s.db.Query(ctx,
		`SELECT side, price, SUM(remaining_qty)
		 FROM orders
		 WHERE contest_id = $1 AND status IN ('OPEN', 'PARTIALLY_FILLED')
		 GROUP BY side, price
		 ORDER BY side, price DESC`,
		contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []model.PriceLevel
	for rows.Next() {
		var l model.PriceLevel
		if err := rows.Scan(&l.Side, &l.Price, &l.Quantity); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}
