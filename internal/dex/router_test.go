package dex

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/dex-execution-engine/internal/types"
)

// fastConfig removes the simulated latencies so tests run instantly.
func fastConfig(seed int64) Config {
	cfg := DefaultConfig()
	for i := range cfg.Venues {
		cfg.Venues[i].MinQuoteLatency = 0
		cfg.Venues[i].MaxQuoteLatency = 0
	}
	cfg.MinExecLatency = 0
	cfg.MaxExecLatency = 0
	cfg.Rand = rand.NewSource(seed)
	cfg.Clock = func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return cfg
}

func TestResolveMint(t *testing.T) {
	if got := resolveMint("SOL"); got != WrappedSOLMint {
		t.Errorf("expected wrapped SOL mint, got %s", got)
	}
	if got := resolveMint("USDC"); got != "USDC" {
		t.Errorf("expected USDC unchanged, got %s", got)
	}
}

func TestGetBestRoute_DeterministicUnderSeed(t *testing.T) {
	ctx := context.Background()
	amount := decimal.NewFromInt(10)

	first, err := NewRouter(fastConfig(42)).GetBestRoute(ctx, "SOL", "USDC", amount)
	if err != nil {
		t.Fatalf("GetBestRoute: %v", err)
	}

	second, err := NewRouter(fastConfig(42)).GetBestRoute(ctx, "SOL", "USDC", amount)
	if err != nil {
		t.Fatalf("GetBestRoute: %v", err)
	}

	if first.SelectedDEX != second.SelectedDEX {
		t.Errorf("selected dex differs under same seed: %s vs %s", first.SelectedDEX, second.SelectedDEX)
	}
	if first.Reason != second.Reason {
		t.Errorf("reason differs under same seed:\n%s\n%s", first.Reason, second.Reason)
	}
	if !first.Quote.AmountOut.Equal(second.Quote.AmountOut) {
		t.Errorf("amount out differs under same seed: %s vs %s", first.Quote.AmountOut, second.Quote.AmountOut)
	}
}

func TestGetBestRoute_SelectsLargerOutput(t *testing.T) {
	cfg := fastConfig(1)
	// Pin both venues to the base price so only fees differ: meteora's
	// lower fee must win.
	for i := range cfg.Venues {
		cfg.Venues[i].PriceBandLow = 1.0
		cfg.Venues[i].PriceBandHigh = 1.0
	}

	route, err := NewRouter(cfg).GetBestRoute(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("GetBestRoute: %v", err)
	}

	if route.SelectedDEX != types.DEXMeteora {
		t.Errorf("expected meteora (lower fee) to win, got %s", route.SelectedDEX)
	}
	if !strings.Contains(route.Reason, "selected meteora") {
		t.Errorf("reason should record the selection, got: %s", route.Reason)
	}
	if !strings.Contains(route.Reason, "raydium") || !strings.Contains(route.Reason, "meteora") {
		t.Errorf("reason should include both quotes, got: %s", route.Reason)
	}
}

func TestGetBestRoute_TieBreaksTowardFirstListed(t *testing.T) {
	cfg := fastConfig(1)
	for i := range cfg.Venues {
		cfg.Venues[i].PriceBandLow = 1.0
		cfg.Venues[i].PriceBandHigh = 1.0
		cfg.Venues[i].FeeRate = 0.001
	}

	route, err := NewRouter(cfg).GetBestRoute(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("GetBestRoute: %v", err)
	}

	if route.SelectedDEX != types.DEXRaydium {
		t.Errorf("equal quotes must tie-break to raydium, got %s", route.SelectedDEX)
	}
}

func TestGetBestRoute_QuoteMath(t *testing.T) {
	cfg := fastConfig(7)
	cfg.Venues = cfg.Venues[:1]
	cfg.Venues[0].PriceBandLow = 1.0
	cfg.Venues[0].PriceBandHigh = 1.0

	amountIn := decimal.NewFromInt(2)
	route, err := NewRouter(cfg).GetBestRoute(context.Background(), "SOL", "USDC", amountIn)
	if err != nil {
		t.Fatalf("GetBestRoute: %v", err)
	}

	// amount_out = amount_in * price * (1 - fee) = 2 * 100 * 0.997
	expected := decimal.NewFromFloat(199.4)
	if !route.Quote.AmountOut.Equal(expected) {
		t.Errorf("expected amount out %s, got %s", expected, route.Quote.AmountOut)
	}
	if !route.Quote.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected base price 100, got %s", route.Quote.Price)
	}
}

func TestExecuteSwap_NetworkCongestion(t *testing.T) {
	cfg := fastConfig(3)
	cfg.FailureRate = 1.0

	_, err := NewRouter(cfg).ExecuteSwap(context.Background(), types.DEXRaydium,
		decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.01))
	if !errors.Is(err, ErrNetworkCongestion) {
		t.Fatalf("expected ErrNetworkCongestion, got %v", err)
	}
}

func TestExecuteSwap_Success(t *testing.T) {
	cfg := fastConfig(3)
	cfg.FailureRate = 0

	amountIn := decimal.NewFromInt(1)
	expectedOut := decimal.NewFromInt(100)
	slippage := decimal.NewFromFloat(0.01)

	result, err := NewRouter(cfg).ExecuteSwap(context.Background(), types.DEXRaydium, amountIn, expectedOut, slippage)
	if err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}

	if !strings.HasPrefix(result.TxHash, "mock_tx_") {
		t.Errorf("expected synthetic tx hash, got %s", result.TxHash)
	}
	if result.AmountOut.GreaterThan(expectedOut) {
		t.Errorf("realized output %s exceeds expected %s", result.AmountOut, expectedOut)
	}
	// Realized slippage is sampled from [0, slippage).
	floor := expectedOut.Mul(decimal.NewFromInt(1).Sub(slippage))
	if result.AmountOut.LessThan(floor.Sub(decimal.NewFromFloat(0.00000001))) {
		t.Errorf("realized output %s below slippage floor %s", result.AmountOut, floor)
	}
	if !result.ExecutedPrice.Equal(result.AmountOut.Div(amountIn).Round(8)) {
		t.Errorf("executed price %s inconsistent with amount out %s", result.ExecutedPrice, result.AmountOut)
	}
}

func TestExecuteSwap_DeterministicUnderSeed(t *testing.T) {
	run := func() *types.SwapResult {
		cfg := fastConfig(99)
		cfg.FailureRate = 0
		res, err := NewRouter(cfg).ExecuteSwap(context.Background(), types.DEXMeteora,
			decimal.NewFromInt(5), decimal.NewFromInt(500), decimal.NewFromFloat(0.02))
		if err != nil {
			t.Fatalf("ExecuteSwap: %v", err)
		}
		return res
	}

	first := run()
	second := run()

	if first.TxHash != second.TxHash {
		t.Errorf("tx hash differs under same seed and clock: %s vs %s", first.TxHash, second.TxHash)
	}
	if !first.AmountOut.Equal(second.AmountOut) {
		t.Errorf("amount out differs under same seed: %s vs %s", first.AmountOut, second.AmountOut)
	}
}
