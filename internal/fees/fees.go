// Package fees implements the fee schedule and position limits for the
// market engine. Everything here is pure: rates and limits are computed
// from league, tier, and account kind with no stored state.
//
// All math is fixed-point: cents for money, basis points for rates,
// floor division throughout. No floating point ever enters the ledger
// path.
package fees

import (
	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/model"
)

const (
	// BaseRateBps is the per-trade fee for amateur-tier human contests.
	BaseRateBps = 200

	// AgentRateBps is the per-trade fee for agent-league contests,
	// regardless of tier.
	AgentRateBps = 50

	// SettlementFeeBps is the tax on settlement profit for upper-tier
	// human contests, which trade fee-free.
	SettlementFeeBps = 500

	// AgentLimitBps is the share of an agent's bankroll usable as
	// exposure: 5%.
	AgentLimitBps = 500

	// AgentLimitCap caps agent-league exposure regardless of bankroll.
	AgentLimitCap = 10_000
)

// humanLimits is the per-tier exposure table for the human league, in
// cents of notional cost.
var humanLimits = map[contest.Tier]int64{
	contest.TierAmateur:      10_000,
	contest.TierContender:    25_000,
	contest.TierChampionship: 50_000,
	contest.TierInvitational: 100_000,
}

// RateBps returns the per-trade fee rate in basis points. The designated
// market maker never pays fees. Agent contests pay a flat reduced rate.
// Upper-tier human contests trade free and are taxed at settlement.
func RateBps(tier contest.Tier, league contest.League, kind model.AccountKind) int64 {
	switch {
	case kind == model.AccountMarketMaker:
		return 0
	case league == contest.LeagueAgent:
		return AgentRateBps
	case tier.Upper():
		return 0
	default:
		return BaseRateBps
	}
}

// Fee computes the fee in cents on a fill: floor(price * qty * rate / 10000).
// Always non-negative and never more than the notional.
func Fee(price, qty, rateBps int64) int64 {
	if price <= 0 || qty <= 0 || rateBps <= 0 {
		return 0
	}
	return price * qty * rateBps / 10_000
}

// PositionLimit returns the maximum notional cost in cents a user may hold
// in a single contest. Human contests use a fixed per-tier table; agent
// contests scale with bankroll, capped at AgentLimitCap. Unknown tiers
// fall back to the amateur limit.
func PositionLimit(tier contest.Tier, league contest.League, bankroll int64) int64 {
	if league == contest.LeagueAgent {
		limit := bankroll * AgentLimitBps / 10_000
		if limit > AgentLimitCap {
			return AgentLimitCap
		}
		if limit < 0 {
			return 0
		}
		return limit
	}
	if limit, ok := humanLimits[tier]; ok {
		return limit
	}
	return humanLimits[contest.TierAmateur]
}

// SettlementFee computes the tax on settlement profit:
// floor(profit * 5%) for profitable upper-tier human positions, 0 otherwise.
func SettlementFee(profit int64, tier contest.Tier, league contest.League) int64 {
	if league != contest.LeagueHuman || !tier.Upper() || profit <= 0 {
		return 0
	}
	return profit * SettlementFeeBps / 10_000
}
