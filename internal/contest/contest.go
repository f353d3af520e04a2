// Package contest handles contest classification: leagues, tiers, trading
// states, and tier derivation from fighter skill ratings.
//
// The engine consumes contests, it never owns them — scheduling and outcome
// resolution live in external services.
package contest

import (
	"errors"
	"fmt"
	"time"
)

// League distinguishes human-operated accounts from autonomous agents.
// Fee rates and position limits differ per league.
type League string

const (
	LeagueHuman League = "HUMAN"
	LeagueAgent League = "AGENT"
)

// ParseLeague validates a league string from an API request.
func ParseLeague(s string) (League, error) {
	switch League(s) {
	case LeagueHuman, LeagueAgent:
		return League(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLeague, s)
}

// Tier classifies a contest by the skill level of its fighters.
// Everything above Amateur trades fee-free and is instead taxed 5% on
// settlement profit.
type Tier string

const (
	TierAmateur      Tier = "AMATEUR"
	TierContender    Tier = "CONTENDER"
	TierChampionship Tier = "CHAMPIONSHIP"

	// TierInvitational is assigned out-of-band by matchmaking, never
	// derived from stats.
	TierInvitational Tier = "INVITATIONAL"
)

// Upper reports whether the tier is above Amateur. Upper tiers pay no
// per-trade fee; their profit is taxed at settlement instead.
func (t Tier) Upper() bool {
	switch t {
	case TierContender, TierChampionship, TierInvitational:
		return true
	}
	return false
}

// ParseTier validates a tier string from an API request.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierAmateur, TierContender, TierChampionship, TierInvitational:
		return Tier(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// TradingState is the lifecycle state of a contest's order book.
type TradingState string

const (
	StatePrefight   TradingState = "PREFIGHT"
	StateOpen       TradingState = "OPEN"
	StateSettlement TradingState = "SETTLEMENT"
	StateClosed     TradingState = "CLOSED"
)

var (
	ErrInvalidLeague = errors.New("contest: invalid league")
	ErrInvalidTier   = errors.New("contest: invalid tier")
)

// Contest is the external contest record the engine trades against.
type Contest struct {
	ID           string       `json:"id"`
	League       League       `json:"league"`
	Tier         Tier         `json:"tier"`
	TradingState TradingState `json:"trading_state"`
	ScheduledAt  time.Time    `json:"scheduled_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

// AcceptingOrders reports whether new orders may be placed. Callers must
// check this before invoking the matching engine; the engine itself does not.
func (c *Contest) AcceptingOrders() bool {
	return c.TradingState == StatePrefight || c.TradingState == StateOpen
}

// DeriveTier classifies a contest from the two fighters' peak skill ratings.
// The larger rating decides: >=95 championship, >=80 contender, else amateur.
// Invitational contests are assigned by matchmaking and never derived here.
func DeriveTier(maxStatA, maxStatB int) Tier {
	max := maxStatA
	if maxStatB > max {
		max = maxStatB
	}
	switch {
	case max >= 95:
		return TierChampionship
	case max >= 80:
		return TierContender
	default:
		return TierAmateur
	}
}
