// Package execution is the only component allowed to submit orders to a
// venue (spec section 4.6). It derives a deterministic intent ID per
// proposed trade, short-circuits duplicates through an IntentCache, applies
// the spot-only guardrail (no shorting; sells clamp to current holdings),
// and hands a confirmed fill to state.Manager.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spottrader/internal/circuit"
	"spottrader/internal/state"
)

// Side is the intent's trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Intent is one proposed order, not yet submitted.
type Intent struct {
	ID          string
	ClientOrderID string
	Symbol      string
	Side        Side
	USDAmount   float64 // buy sizing in quote currency
	AssetUnits  float64 // sell sizing in base-asset units
	StopLoss    float64
	TakeProfit  float64
	CreatedAt   time.Time
}

// DeriveIntentID hashes the first 16 hex chars of SHA-256 over
// "{timestamp}-{symbol}-{direction}-{confidence:4f}" (spec section 4.6):
// the same proposed trade -- same bar timestamp, symbol, direction and
// confidence -- always yields the same ID, so a retried submission of the
// same decision collapses onto the cached one.
func DeriveIntentID(symbol string, side Side, confidence float64, at time.Time) string {
	seed := fmt.Sprintf("%d-%s-%s-%.4f", at.UTC().Unix(), symbol, side, confidence)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// deriveClientOrderID hashes SHA-256 over "{intent_id}-{venue}" (spec
// section 4.6), so the same intent submitted against a different venue
// adapter never collides with itself at the exchange level.
func deriveClientOrderID(intentID, venue string) string {
	sum := sha256.Sum256([]byte(intentID + "-" + venue))
	return hex.EncodeToString(sum[:])
}

// IntentCache deduplicates intents by ID for a bounded TTL. Implementations
// must be safe for concurrent use.
type IntentCache interface {
	// SeenOrStore reports whether id was already present. If so, the
	// originally stored value (the first submission's client order ID) is
	// returned alongside true, so a duplicate reply can reference the
	// original order. If not, value is stored under id for ttl and
	// SeenOrStore returns (false, "", nil).
	SeenOrStore(ctx context.Context, id, value string, ttl time.Duration) (bool, string, error)
}

// Fill is a venue's confirmation of an executed (or already-existing,
// idempotently accepted) order.
type Fill struct {
	Price      float64
	Size       float64 // base-asset units actually filled
	VenueOrder string
}

// VenueError wraps a submission failure; Idempotent is true when the venue
// reported the order as a pre-existing duplicate rather than a genuine
// rejection (spec section 7: these still count as a successful submission).
type VenueError struct {
	Err        error
	Idempotent bool
}

func (e *VenueError) Error() string { return e.Err.Error() }
func (e *VenueError) Unwrap() error { return e.Err }

// Venue is the narrow interface to the order-submission surface. A real
// adapter and a sandbox/paper adapter both satisfy it.
type Venue interface {
	// Name identifies the venue for client-order-ID derivation (spec
	// section 4.6) -- distinct venues must never collide on the same ID.
	Name() string
	Submit(ctx context.Context, clientOrderID string, symbol string, side Side, usdAmount, assetUnits float64) (Fill, error)
}

// Config tunes guardrails and defaults (spec section 4.6).
type Config struct {
	MinTradeSizeUSD float64
	DefaultStopPct  float64 // 2.0 means 2%
	DefaultTakePct  float64 // 4.0 means 4%
	IntentTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{MinTradeSizeUSD: 10, DefaultStopPct: 2.0, DefaultTakePct: 4.0, IntentTTL: 5 * time.Minute}
}

// Engine is the Execution layer: one per traded symbol.
type Engine struct {
	cfg     Config
	venue   Venue
	cache   IntentCache
	state   *state.Manager
	breaker *circuit.Breaker
	logger  zerolog.Logger
}

func New(cfg Config, venue Venue, cache IntentCache, stateMgr *state.Manager, breaker *circuit.Breaker, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg: cfg, venue: venue, cache: cache, state: stateMgr, breaker: breaker,
		logger: logger.With().Str("component", "execution.Engine").Logger(),
	}
}

// Outcome is Submit's result.
type Outcome struct {
	Intent        Intent
	Rejected      bool
	Reason        string // "duplicate", "below_min_size", "no_holdings", "emergency_mode", "venue_error", "state_open_failed"
	OriginalOrder string // set when Reason is "duplicate": the first submission's client order ID
	Fill          *Fill
	Position      *state.Position
	PnL           float64 // realized P&L of this close; zero for a buy or a rejected submission
}

// Submit builds an intent for the requested trade, applies the spot
// guardrail and minimum-size floor, deduplicates against the cache, and on
// a novel intent submits to the venue and hands the fill to state.Manager.
func (e *Engine) Submit(ctx context.Context, symbol string, side Side, usdAmount float64, account state.Account, price float64, entryIndicators map[string]float64, patterns []string, confidence float64, at time.Time) Outcome {
	if tripped, reason := e.breaker.Tripped(); tripped {
		return Outcome{Rejected: true, Reason: "emergency_mode: " + reason}
	}

	if side == SideSell {
		available := account.PositionAssetUnits
		if available <= 0 {
			return Outcome{Rejected: true, Reason: "no_holdings"}
		}
		requested := usdAmount / price
		if requested > available {
			usdAmount = available * price
		}
	}

	if usdAmount < e.cfg.MinTradeSizeUSD {
		return Outcome{Rejected: true, Reason: "below_min_size"}
	}

	intentID := DeriveIntentID(symbol, side, confidence, at)
	intent := Intent{
		ID: intentID, ClientOrderID: deriveClientOrderID(intentID, e.venue.Name()), Symbol: symbol, Side: side,
		USDAmount: usdAmount, CreatedAt: at,
	}
	if side == SideBuy {
		intent.StopLoss = price * (1 - e.cfg.DefaultStopPct/100)
		intent.TakeProfit = price * (1 + e.cfg.DefaultTakePct/100)
	}

	dup, original, err := e.cache.SeenOrStore(ctx, intentID, intent.ClientOrderID, e.cfg.IntentTTL)
	if err != nil {
		e.logger.Error().Err(err).Str("intent_id", intentID).Msg("intent cache error, proceeding uncached")
	} else if dup {
		return Outcome{Intent: intent, Rejected: true, Reason: "duplicate", OriginalOrder: original}
	}

	var assetUnits float64
	if side == SideSell {
		assetUnits = usdAmount / price
	}

	fill, err := e.venue.Submit(ctx, intent.ClientOrderID, symbol, side, usdAmount, assetUnits)
	if err != nil {
		var verr *VenueError
		if !errors.As(err, &verr) || !verr.Idempotent {
			e.breaker.RecordError()
			return Outcome{Intent: intent, Rejected: true, Reason: fmt.Sprintf("venue_error: %v", err)}
		}
		// Idempotent duplicate: the venue already holds this order under our
		// client order ID, but gave us no fresh fill data. Best-effort fill
		// at the requested size/price stands in for the unavailable confirm.
		e.breaker.RecordSuccess()
		requestedUnits := assetUnits
		if side == SideBuy {
			requestedUnits = usdAmount / price
		}
		fill = Fill{Price: price, Size: requestedUnits, VenueOrder: intent.ClientOrderID}
	} else {
		e.breaker.RecordSuccess()
		// A confirmation without execution details (SandboxVenue's) is
		// filled at the requested size and the submitted price.
		if fill.Price <= 0 {
			fill.Price = price
		}
		if fill.Size <= 0 {
			fill.Size = assetUnits
			if side == SideBuy {
				fill.Size = usdAmount / price
			}
		}
	}

	var position *state.Position
	var pnl float64
	switch side {
	case SideBuy:
		snap, err := e.state.OpenPosition(intent.ID, intent.ID, state.Buy, fill.Size, fill.Price, intent.StopLoss, intent.TakeProfit, entryIndicators, patterns, confidence)
		if err != nil {
			e.logger.Error().Err(err).Msg("open position after fill failed")
			return Outcome{Intent: intent, Fill: &fill, Rejected: true, Reason: "state_open_failed"}
		}
		for _, pos := range snap.ActiveTrades {
			if pos.IntentID == intent.ID {
				position = pos
			}
		}
	case SideSell:
		var positionID string
		for id := range account.ActiveTrades {
			positionID = id
			break
		}
		if positionID != "" {
			if _, closePnL, err := e.state.ClosePosition(positionID, fill.Price, fill.Size); err != nil {
				e.logger.Error().Err(err).Msg("close position after fill failed")
			} else {
				pnl = closePnL
			}
		}
	}

	return Outcome{Intent: intent, Fill: &fill, Position: position, PnL: pnl}
}

// NewUUID is a thin wrapper kept for venue adapters that want a random
// correlation ID distinct from the deterministic intent ID.
func NewUUID() string {
	return uuid.NewString()
}

// SandboxVenue confirms every order for paper trading and backtests: no
// network call, always succeeds. Its Fill carries only the client order ID;
// Engine.Submit completes it at the requested size and submitted price.
type SandboxVenue struct{}

func (SandboxVenue) Name() string { return "sandbox" }

func (SandboxVenue) Submit(ctx context.Context, clientOrderID, symbol string, side Side, usdAmount, assetUnits float64) (Fill, error) {
	return Fill{VenueOrder: clientOrderID}, nil
}

// duplicateMarkers are substrings a real venue's error response uses to
// indicate "this clientOrderId already exists" -- per spec section 7, that
// is treated as an idempotent success, not a rejection.
var duplicateMarkers = []string{"duplicate", "already exists", "already processed"}

// IsIdempotentDuplicate reports whether a raw venue error message indicates
// the order was already accepted under this client order ID.
func IsIdempotentDuplicate(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range duplicateMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
