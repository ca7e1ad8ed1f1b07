package dex

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/dex-execution-engine/internal/types"
)

// WrappedSOLMint is the canonical wrapped-SOL address. The symbol "SOL" is
// mapped to it before any quote is requested; the original symbol is
// preserved in everything the client sees.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// ErrNetworkCongestion is the simulated execution failure.
var ErrNetworkCongestion = errors.New("network congestion")

const moneyScale = 8

// Venue describes one mock DEX backend.
type Venue struct {
	Name            string
	PriceBandLow    float64 // multiplier on the base price
	PriceBandHigh   float64
	FeeRate         float64
	EstimatedGas    float64
	MinQuoteLatency time.Duration
	MaxQuoteLatency time.Duration
}

// Config holds the router's simulation parameters. The probability, latency
// ranges, and price bands are behavior, not implementation detail.
type Config struct {
	BasePrice      float64
	Venues         []Venue
	MinExecLatency time.Duration
	MaxExecLatency time.Duration
	FailureRate    float64

	// Rand and Clock are injectable so routing and execution are
	// reproducible under a fixed seed.
	Rand  rand.Source
	Clock func() time.Time
}

// DefaultConfig returns the production simulation parameters.
func DefaultConfig() Config {
	return Config{
		BasePrice: 100,
		Venues: []Venue{
			{
				Name:            types.DEXRaydium,
				PriceBandLow:    0.98,
				PriceBandHigh:   1.02,
				FeeRate:         0.003,
				EstimatedGas:    0.00005,
				MinQuoteLatency: 150 * time.Millisecond,
				MaxQuoteLatency: 250 * time.Millisecond,
			},
			{
				Name:            types.DEXMeteora,
				PriceBandLow:    0.97,
				PriceBandHigh:   1.02,
				FeeRate:         0.002,
				EstimatedGas:    0.00004,
				MinQuoteLatency: 150 * time.Millisecond,
				MaxQuoteLatency: 250 * time.Millisecond,
			},
		},
		MinExecLatency: 2000 * time.Millisecond,
		MaxExecLatency: 3000 * time.Millisecond,
		FailureRate:    0.05,
	}
}

// Router produces routing decisions across the mock DEX backends and
// simulates swap execution.
type Router struct {
	cfg   Config
	rng   *rand.Rand
	rngMu sync.Mutex
	clock func() time.Time
}

// NewRouter creates a router. A nil Rand source is seeded from the current
// time.
func NewRouter(cfg Config) *Router {
	if len(cfg.Venues) == 0 {
		cfg.Venues = DefaultConfig().Venues
	}
	if cfg.BasePrice == 0 {
		cfg.BasePrice = DefaultConfig().BasePrice
	}

	src := cfg.Rand
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Router{
		cfg:   cfg,
		rng:   rand.New(src),
		clock: clock,
	}
}

// resolveMint maps the client-facing symbol to the on-chain identifier used
// for quoting.
func resolveMint(symbol string) string {
	if symbol == "SOL" {
		return WrappedSOLMint
	}
	return symbol
}

// GetBestRoute quotes all venues concurrently and selects the quote with the
// largest output amount. Ties break toward the first-listed venue.
func (r *Router) GetBestRoute(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*types.RouteResult, error) {
	logger := log.With().
		Str("component", "dex_router").
		Str("token_in", tokenIn).
		Str("token_out", tokenOut).
		Str("amount_in", amountIn.String()).
		Logger()

	mintIn := resolveMint(tokenIn)
	mintOut := resolveMint(tokenOut)
	if mintIn != tokenIn {
		logger.Info().Str("symbol", tokenIn).Str("mint", mintIn).Msg("aliased wrapped SOL for quoting")
	}
	if mintOut != tokenOut {
		logger.Info().Str("symbol", tokenOut).Str("mint", mintOut).Msg("aliased wrapped SOL for quoting")
	}

	type quoteResult struct {
		index int
		quote types.Quote
		err   error
	}

	// Draw every venue's randomness up front, in venue order, so a fixed
	// seed yields the same decision regardless of goroutine scheduling.
	draws := make([]venueDraw, len(r.cfg.Venues))
	for i, v := range r.cfg.Venues {
		draws[i] = r.drawForVenue(v)
	}

	results := make(chan quoteResult, len(r.cfg.Venues))
	for i, venue := range r.cfg.Venues {
		go func(i int, v Venue) {
			q, err := r.getQuote(ctx, v, draws[i], mintIn, mintOut, amountIn)
			results <- quoteResult{index: i, quote: q, err: err}
		}(i, venue)
	}

	quotes := make([]types.Quote, len(r.cfg.Venues))
	for range r.cfg.Venues {
		res := <-results
		if res.err != nil {
			return nil, fmt.Errorf("quote %s: %w", r.cfg.Venues[res.index].Name, res.err)
		}
		quotes[res.index] = res.quote
	}

	best := 0
	for i := 1; i < len(quotes); i++ {
		if quotes[i].AmountOut.GreaterThan(quotes[best].AmountOut) {
			best = i
		}
	}

	reason := routeReason(quotes, best)
	logger.Info().
		Str("selected_dex", quotes[best].DEX).
		Str("amount_out", quotes[best].AmountOut.String()).
		Str("reason", reason).
		Msg("route selected")

	return &types.RouteResult{
		SelectedDEX: quotes[best].DEX,
		Quote:       quotes[best],
		Reason:      reason,
	}, nil
}

// routeReason builds the transparency trace comparing every quote's output
// against the winner's.
func routeReason(quotes []types.Quote, best int) string {
	reason := ""
	for i, q := range quotes {
		if i > 0 {
			reason += ", "
		}
		reason += fmt.Sprintf("%s out=%s (price=%s fee=%s)", q.DEX, q.AmountOut.String(), q.Price.String(), q.Fee.String())
	}
	for i, q := range quotes {
		if i == best {
			continue
		}
		delta := quotes[best].AmountOut.Sub(q.AmountOut)
		reason += fmt.Sprintf("; delta vs %s=%s", q.DEX, delta.String())
	}
	return reason + fmt.Sprintf("; selected %s", quotes[best].DEX)
}

// venueDraw carries one venue's pre-sampled randomness.
type venueDraw struct {
	band    float64
	latency time.Duration
}

func (r *Router) drawForVenue(v Venue) venueDraw {
	band := v.PriceBandLow + r.randFloat()*(v.PriceBandHigh-v.PriceBandLow)
	latency := v.MinQuoteLatency
	if v.MaxQuoteLatency > v.MinQuoteLatency {
		latency += time.Duration(r.randInt63n(int64(v.MaxQuoteLatency - v.MinQuoteLatency)))
	}
	return venueDraw{band: band, latency: latency}
}

// getQuote simulates a single venue quote: network latency plus a price
// sampled from the venue's band around the base price.
func (r *Router) getQuote(ctx context.Context, v Venue, draw venueDraw, mintIn, mintOut string, amountIn decimal.Decimal) (types.Quote, error) {
	if err := sleepFor(ctx, draw.latency); err != nil {
		return types.Quote{}, err
	}

	price := decimal.NewFromFloat(r.cfg.BasePrice * draw.band).Round(moneyScale)
	fee := decimal.NewFromFloat(v.FeeRate)
	amountOut := amountIn.Mul(price).Mul(decimal.NewFromInt(1).Sub(fee)).Round(moneyScale)

	log.Debug().
		Str("component", "dex_router").
		Str("dex", v.Name).
		Str("mint_in", mintIn).
		Str("mint_out", mintOut).
		Str("price", price.String()).
		Str("amount_out", amountOut.String()).
		Msg("quote received")

	return types.Quote{
		DEX:          v.Name,
		Price:        price,
		AmountOut:    amountOut,
		Fee:          fee,
		EstimatedGas: decimal.NewFromFloat(v.EstimatedGas),
	}, nil
}

// ExecuteSwap simulates the swap on the selected venue: execution latency, a
// congestion failure with the configured probability, and realized slippage
// uniform in [0, slippage).
func (r *Router) ExecuteSwap(ctx context.Context, dexName string, amountIn, expectedOut, slippage decimal.Decimal) (*types.SwapResult, error) {
	logger := log.With().
		Str("component", "dex_router").
		Str("dex", dexName).
		Str("amount_in", amountIn.String()).
		Str("expected_out", expectedOut.String()).
		Logger()

	if err := r.simulateLatency(ctx, r.cfg.MinExecLatency, r.cfg.MaxExecLatency); err != nil {
		return nil, err
	}

	if r.randFloat() < r.cfg.FailureRate {
		logger.Warn().Float64("failure_rate", r.cfg.FailureRate).Msg("swap failed due to network congestion")
		return nil, fmt.Errorf("swap on %s: %w", dexName, ErrNetworkCongestion)
	}

	slip, _ := slippage.Float64()
	realized := r.randFloat() * slip
	amountOut := expectedOut.Mul(decimal.NewFromFloat(1 - realized)).Round(moneyScale)
	price := amountOut.Div(amountIn).Round(moneyScale)
	txHash := fmt.Sprintf("mock_tx_%d_%d", r.clock().UnixMilli(), r.randInt63())

	logger.Info().
		Str("tx_hash", txHash).
		Str("amount_out", amountOut.String()).
		Str("executed_price", price.String()).
		Float64("realized_slippage", realized).
		Msg("swap executed")

	return &types.SwapResult{
		TxHash:        txHash,
		ExecutedPrice: price,
		AmountOut:     amountOut,
	}, nil
}

// simulateLatency suspends for a random interval in [min, max), honoring ctx.
func (r *Router) simulateLatency(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d = min + time.Duration(r.randInt63n(int64(max-min)))
	}
	return sleepFor(ctx, d)
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// The shared PRNG is guarded because concurrent workers share one router.
func (r *Router) randFloat() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

func (r *Router) randInt63() int64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Int63()
}

func (r *Router) randInt63n(n int64) int64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Int63n(n)
}
