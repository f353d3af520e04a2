// Package trade provides the HTTP handlers wrapping the matching and
// settlement engine: account and contest management, order placement and
// cancellation, book depth, positions, and settlement.
//
// This layer owns everything the engine trusts its caller for: input
// validation, the trading-state gate, fee-rate resolution, and the
// pre-trade exposure check — all executed inside the same serializable
// transaction as the matching pass itself.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/engine"
	"github.com/fightbook/market-engine/internal/fees"
	"github.com/fightbook/market-engine/internal/metrics"
	"github.com/fightbook/market-engine/internal/model"
	"github.com/fightbook/market-engine/internal/position"
	"github.com/fightbook/market-engine/internal/store"
)

// errContestNotAccepting is returned from inside the placement
// transaction when the authoritative contest record refuses orders.
var errContestNotAccepting = errors.New("trade: contest is not accepting orders")

// Service wires the engine to HTTP. Reads outside transactions go
// through reads (possibly Redis-cached); every mutation runs through tx
// as one serializable unit.
type Service struct {
	reads store.Store
	tx    store.TxRunner
	hub   *WSHub // optional; nil disables broadcasts
}

// NewService creates a new trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(reads store.Store, tx store.TxRunner, hub *WSHub) *Service {
	return &Service{reads: reads, tx: tx, hub: hub}
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for account creation. Kind is
// resolved here, once, at the boundary — never re-derived downstream.
type CreateUserRequest struct {
	ID       string `json:"id"`
	League   string `json:"league"`
	Kind     string `json:"kind"` // "NORMAL" (default) or "MARKET_MAKER"
	Credits  int64  `json:"credits"`
	Bankroll int64  `json:"bankroll"`
}

// CreateContestRequest is the JSON body for contest creation. Tier is
// derived from the fighters' peak ratings unless set explicitly
// (invitational contests are assigned, not derived).
type CreateContestRequest struct {
	ID          string     `json:"id"`
	League      string     `json:"league"`
	Tier        string     `json:"tier,omitempty"`
	MaxStatA    int        `json:"max_stat_a"`
	MaxStatB    int        `json:"max_stat_b"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	UserID    string `json:"user_id"`
	ContestID string `json:"contest_id"`
	Side      string `json:"side"`  // "YES" or "NO"
	Type      string `json:"type"`  // "LIMIT" or "MARKET"
	Price     int64  `json:"price"` // [1,99] for LIMIT; ignored for MARKET
	Quantity  int64  `json:"quantity"`
}

// SettleRequest is the JSON body for POST /contests/{contestID}/settle.
// The outcome arrives from the external resolution process.
type SettleRequest struct {
	Outcome string `json:"outcome"` // "WINNER" | "DRAW" | "CANCELLED"
	Winner  string `json:"winner,omitempty"`
}

// --- Account handlers ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}
	league, err := contest.ParseLeague(req.League)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind := model.AccountNormal
	if req.Kind != "" {
		switch model.AccountKind(req.Kind) {
		case model.AccountNormal, model.AccountMarketMaker:
			kind = model.AccountKind(req.Kind)
		default:
			writeError(w, "kind must be NORMAL or MARKET_MAKER", http.StatusBadRequest)
			return
		}
	}
	if req.Credits < 0 || req.Bankroll < 0 {
		writeError(w, "credits and bankroll must be non-negative", http.StatusBadRequest)
		return
	}

	user := &model.User{
		ID:        req.ID,
		Credits:   req.Credits,
		Kind:      kind,
		League:    league,
		Bankroll:  req.Bankroll,
		CreatedAt: time.Now().UTC(),
	}

	err = s.tx.RunSerializable(r.Context(), func(st store.Store) error {
		return st.CreateUser(r.Context(), user)
	})
	if errors.Is(err, store.ErrConflict) {
		writeError(w, "user already exists", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("user created", "id", user.ID, "league", league, "kind", kind)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.reads.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetCreditHistory handles GET /api/v1/users/{userID}/transactions
func (s *Service) GetCreditHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := s.reads.ListCreditTransactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Contest handlers ---

// CreateContest handles POST /api/v1/contests
func (s *Service) CreateContest(w http.ResponseWriter, r *http.Request) {
	var req CreateContestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	league, err := contest.ParseLeague(req.League)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	tier := contest.DeriveTier(req.MaxStatA, req.MaxStatB)
	if req.Tier != "" {
		tier, err = contest.ParseTier(req.Tier)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	c := &contest.Contest{
		ID:           id,
		League:       league,
		Tier:         tier,
		TradingState: contest.StatePrefight,
		ScheduledAt:  scheduledAt,
		CreatedAt:    time.Now().UTC(),
	}

	err = s.tx.RunSerializable(r.Context(), func(st store.Store) error {
		return st.CreateContest(r.Context(), c)
	})
	if errors.Is(err, store.ErrConflict) {
		writeError(w, "contest already exists", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("contest created", "id", c.ID, "league", league, "tier", tier)
	writeJSON(w, http.StatusCreated, c)
}

// GetContest handles GET /api/v1/contests/{contestID}
func (s *Service) GetContest(w http.ResponseWriter, r *http.Request) {
	c, err := s.reads.GetContest(r.Context(), chi.URLParam(r, "contestID"))
	if err != nil {
		writeError(w, "contest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// OpenContest handles POST /api/v1/contests/{contestID}/open
// Moves a contest from PREFIGHT to OPEN. Settlement transitions are
// owned by the settlement engine, not this endpoint.
func (s *Service) OpenContest(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")

	c, err := s.reads.GetContest(r.Context(), contestID)
	if err != nil {
		writeError(w, "contest not found", http.StatusNotFound)
		return
	}
	if c.TradingState != contest.StatePrefight {
		writeError(w, "contest is not in PREFIGHT", http.StatusConflict)
		return
	}

	err = s.tx.RunSerializable(r.Context(), func(st store.Store) error {
		return st.SetContestTradingState(r.Context(), contestID, contest.StateOpen)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.invalidateContest(r.Context(), contestID)
	c.TradingState = contest.StateOpen
	writeJSON(w, http.StatusOK, c)
}

// GetBook handles GET /api/v1/contests/{contestID}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	levels, err := s.reads.BookDepth(r.Context(), chi.URLParam(r, "contestID"))
	if err != nil {
		writeError(w, "failed to load book", http.StatusInternalServerError)
		return
	}
	if levels == nil {
		levels = []model.PriceLevel{}
	}
	writeJSON(w, http.StatusOK, levels)
}

// GetTrades handles GET /api/v1/contests/{contestID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.reads.ListTradesByContest(r.Context(), chi.URLParam(r, "contestID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Order handlers ---

// PlaceOrder handles POST /api/v1/orders
//
// Validates the order shape, gates on the contest trading state, then
// runs exposure check + matching as one serializable transaction. A
// market order that finds no liquidity commits its CANCELLED order row
// and reports a rejection.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	side := model.Side(req.Side)
	if !side.Valid() {
		writeError(w, "side must be YES or NO", http.StatusBadRequest)
		return
	}
	orderType := model.OrderType(req.Type)
	if orderType != model.OrderLimit && orderType != model.OrderMarket {
		writeError(w, "type must be LIMIT or MARKET", http.StatusBadRequest)
		return
	}
	if req.Quantity < 1 {
		writeError(w, "quantity must be at least 1", http.StatusBadRequest)
		return
	}
	if orderType == model.OrderLimit && (req.Price < 1 || req.Price > 99) {
		writeError(w, "price must be between 1 and 99", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// --- Trading-state gate (fast path; possibly cached) ---
	c, err := s.reads.GetContest(ctx, req.ContestID)
	if err != nil {
		writeError(w, "contest not found: "+req.ContestID, http.StatusNotFound)
		return
	}
	if !c.AcceptingOrders() {
		writeError(w, "contest is not accepting orders", http.StatusConflict)
		return
	}

	var (
		result      *engine.MatchResult
		noLiquidity bool
	)

	err = s.tx.RunSerializable(ctx, func(st store.Store) error {
		noLiquidity = false

		// Re-read the contest from the transaction: the gate above may
		// have seen a cached record, and a settlement committing between
		// the two reads must not let orders into a closed contest.
		c, err := st.GetContest(ctx, req.ContestID)
		if err != nil {
			return err
		}
		if !c.AcceptingOrders() {
			return errContestNotAccepting
		}

		user, err := st.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}

		// Pre-trade exposure check, same transaction as the match.
		existing, err := st.GetPosition(ctx, req.UserID, req.ContestID)
		if err != nil {
			return err
		}
		limitPrice := req.Price
		if orderType == model.OrderMarket {
			limitPrice = 99 // worst-case cost for a market order
		}
		if err := position.CheckExposure(existing, side, req.Quantity, limitPrice, c.Tier, c.League, user); err != nil {
			return err
		}

		result, err = engine.MatchOrder(ctx, st, engine.IncomingOrder{
			UserID:     req.UserID,
			ContestID:  req.ContestID,
			League:     c.League,
			Tier:       c.Tier,
			Side:       side,
			Type:       orderType,
			Price:      req.Price,
			Quantity:   req.Quantity,
			FeeRateBps: fees.RateBps(c.Tier, c.League, user.Kind),
		}, user)
		if errors.Is(err, engine.ErrNoLiquidity) {
			// Commit the cancelled order row; report the rejection.
			noLiquidity = true
			return nil
		}
		return err
	})

	switch {
	case err == nil && noLiquidity:
		metrics.NoLiquidityRejections.Inc()
		writeError(w, "no liquidity for market order", http.StatusConflict)
		return
	case errors.Is(err, errContestNotAccepting):
		writeError(w, "contest is not accepting orders", http.StatusConflict)
		return
	case errors.Is(err, position.ErrExposureExceeded):
		metrics.ExposureRejections.Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, store.ErrInsufficientCredits):
		writeError(w, "insufficient credits", http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		slog.Error("order placement failed", "user", req.UserID, "contest", req.ContestID, "err", err)
		writeError(w, "order placement failed", http.StatusInternalServerError)
		return
	}

	metrics.OrdersTotal.WithLabelValues(string(side), string(orderType)).Inc()
	s.invalidateDepth(ctx, req.ContestID)
	for _, fill := range result.Fills {
		metrics.TradesTotal.WithLabelValues(string(c.League)).Inc()
		metrics.TradeVolume.WithLabelValues(string(c.League)).Add(float64(fill.Quantity))
		if s.hub != nil {
			s.hub.Broadcast(WSMessage{
				Type:      "trade_executed",
				ContestID: fill.ContestID,
				League:    string(fill.League),
				Side:      string(side),
				Price:     fill.Price,
				Quantity:  fill.Quantity,
			})
		}
	}

	slog.Info("order placed",
		"order_id", result.Order.ID,
		"user", req.UserID,
		"contest", req.ContestID,
		"side", side,
		"type", orderType,
		"filled", result.Order.FilledQty,
		"remaining", result.Order.RemainingQty,
		"status", result.Order.Status,
	)

	writeJSON(w, http.StatusOK, result)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id={userID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var cancelled *model.Order
	err := s.tx.RunSerializable(r.Context(), func(st store.Store) error {
		var err error
		cancelled, err = engine.CancelOrder(r.Context(), st, orderID, userID)
		return err
	})

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrNotOrderOwner):
		writeError(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, engine.ErrOrderNotOpen):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, "cancel failed", http.StatusInternalServerError)
		return
	}

	s.invalidateDepth(r.Context(), cancelled.ContestID)
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "order_cancelled",
			ContestID: cancelled.ContestID,
			Side:      string(cancelled.Side),
			Price:     cancelled.Price,
			Quantity:  cancelled.RemainingQty,
		})
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// GetOrders handles GET /api/v1/contests/{contestID}/orders?user_id={userID}
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	orders, err := s.reads.ListUserOrders(r.Context(), userID, chi.URLParam(r, "contestID"))
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Position handlers ---

// GetPositions handles GET /api/v1/positions/{userID}
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.reads.ListUserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Settlement handler ---

// Settle handles POST /api/v1/contests/{contestID}/settle
// The outcome is supplied by the external resolution process; this core
// never decides who won.
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := parseOutcome(req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := s.reads.GetContest(r.Context(), contestID)
	if err != nil {
		writeError(w, "contest not found", http.StatusNotFound)
		return
	}

	var result *engine.SettlementResult
	err = s.tx.RunSerializable(r.Context(), func(st store.Store) error {
		var err error
		result, err = engine.SettleContest(r.Context(), st, contestID, outcome, c.Tier, c.League)
		return err
	})
	if err != nil {
		slog.Error("settlement failed", "contest", contestID, "err", err)
		writeError(w, "settlement failed", http.StatusInternalServerError)
		return
	}

	s.invalidateContest(r.Context(), contestID)
	s.invalidateDepth(r.Context(), contestID)

	metrics.SettlementsTotal.WithLabelValues(req.Outcome).Inc()
	metrics.SettlementPayouts.Add(float64(result.TotalPayouts))

	slog.Info("contest settled",
		"contest", contestID,
		"outcome", req.Outcome,
		"positions", result.SettledPositions,
		"cancelled_orders", result.CancelledOrders,
		"payouts", result.TotalPayouts,
		"fees", result.TotalFees,
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "contest_settled",
			ContestID: contestID,
			Outcome:   req.Outcome,
			Payouts:   result.TotalPayouts,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// parseOutcome converts the wire outcome into the engine's sum type.
func parseOutcome(req SettleRequest) (engine.Outcome, error) {
	switch req.Outcome {
	case "WINNER":
		side := model.Side(req.Winner)
		if !side.Valid() {
			return nil, errors.New("winner must be YES or NO")
		}
		return engine.Winner{Side: side}, nil
	case "DRAW":
		return engine.Draw{}, nil
	case "CANCELLED":
		return engine.Cancelled{}, nil
	}
	return nil, errors.New("outcome must be WINNER, DRAW, or CANCELLED")
}

// --- Helpers ---

// invalidateContest drops the cached contest record after a committed
// state change. No-op when the read store does not cache.
func (s *Service) invalidateContest(ctx context.Context, id string) {
	if inv, ok := s.reads.(store.CacheInvalidator); ok {
		inv.InvalidateContest(ctx, id)
	}
}

// invalidateDepth drops the cached book-depth snapshot after a committed
// book mutation. No-op when the read store does not cache.
func (s *Service) invalidateDepth(ctx context.Context, id string) {
	if inv, ok := s.reads.(store.CacheInvalidator); ok {
		inv.InvalidateDepth(ctx, id)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
