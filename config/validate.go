package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"grid-maker-go/internal/grid"
)

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if !strings.Contains(cfg.TradeSymbol, "/") {
		return ErrInvalid("tradeSymbol must look like BASE/QUOTE")
	}
	if !cfg.DryRun && (cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "") {
		return ErrInvalid("exchange.apiKey/apiSecret is required (or env overrides)")
	}
	if cfg.DryRun {
		p := cfg.Exchange.Paper
		if !p.Bid.IsPositive() || !p.Ask.IsPositive() || p.Bid.GreaterThanOrEqual(p.Ask) {
			return ErrInvalid("exchange.paper bid/ask must be positive with bid < ask")
		}
	}
	if err := validateGrid(cfg.Grid); err != nil {
		return err
	}
	switch cfg.Storage.Driver {
	case "sqlite", "memory":
	default:
		return ErrInvalid(fmt.Sprintf("storage.driver %q is not supported", cfg.Storage.Driver))
	}
	return nil
}

func validateGrid(g GridConfig) error {
	if g.OrdersCount <= 0 {
		return ErrInvalid("grid.ordersCount must be > 0")
	}
	if !g.TradeAmount.IsPositive() {
		return ErrInvalid("grid.tradeAmount must be > 0")
	}
	if g.MinimalProfit.IsNegative() {
		return ErrInvalid("grid.minimalProfit must be >= 0")
	}
	if g.MaximalProfit.LessThan(g.MinimalProfit) {
		return ErrInvalid("grid.maximalProfit must be >= grid.minimalProfit")
	}
	if g.MaximalProfit.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalid("grid.maximalProfit must be < 1")
	}
	if _, err := grid.ParseAccumulate(g.Accumulate); err != nil {
		return ErrInvalid(fmt.Sprintf("grid.accumulate: %v", err))
	}
	if g.UpdatePeriodSec <= 0 {
		return ErrInvalid("grid.botBehaviourUpdatePeriod must be > 0")
	}
	return nil
}
