package market

import (
	"fmt"

	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	fpmath "MarketLedger/internal/math"
)

var (
	maxShares = fpmath.NewReal128(uint64(ledger.MaxShares))
	oneYear   = fpmath.NewReal128(uint64(ledger.SecondsPerYear))
	one       = fpmath.NewReal128(1)
)

// annualRate turns an interest rate price into a plain fraction per year. The
// current formula normalises by the base asset, v1 by the quote asset.
func annualRate(apr ledger.Price, formula fork.Formula) (fpmath.Real128, error) {
	unit := ledger.NewAsset(ledger.MaxShares, apr.BaseID)
	if formula == fork.FormulaV1 {
		unit = ledger.NewAsset(ledger.MaxShares, apr.QuoteID)
	}
	scaled, err := unit.Mul(apr)
	if err != nil {
		return fpmath.Real128{}, err
	}
	n, err := fpmath.Real128FromInt64(scaled.Amount)
	if err != nil {
		return fpmath.Real128{}, err
	}
	return n.Div(maxShares)
}

// rateTimesAge is apr * age/year.
func rateTimesAge(apr ledger.Price, ageSec int64, formula fork.Formula) (fpmath.Real128, error) {
	iapr, err := annualRate(apr, formula)
	if err != nil {
		return fpmath.Real128{}, err
	}
	age, err := fpmath.Real128FromInt64(ageSec)
	if err != nil {
		return fpmath.Real128{}, err
	}
	pct, err := age.Div(oneYear)
	if err != nil {
		return fpmath.Real128{}, err
	}
	return iapr.Mul(pct)
}

// InterestOwed is principal * apr * age/year, truncated.
func InterestOwed(principal ledger.Asset, apr ledger.Price, ageSec int64, formula fork.Formula) (ledger.Asset, error) {
	factor, err := rateTimesAge(apr, ageSec, formula)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest owed: %w", err)
	}
	p, err := fpmath.Real128FromInt64(principal.Amount)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest owed: %w", err)
	}
	owed, err := p.Mul(factor)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest owed: %w", err)
	}
	v, err := owed.ToInt64()
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest owed: %w", err)
	}
	return ledger.NewAsset(v, principal.AssetID), nil
}

// InterestPaid splits a payment: with total = delta + delta*apr*age/year the
// interest part is total - delta.
func InterestPaid(total ledger.Asset, apr ledger.Price, ageSec int64, formula fork.Formula) (ledger.Asset, error) {
	factor, err := rateTimesAge(apr, ageSec, formula)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest paid: %w", err)
	}
	paid, err := fpmath.Real128FromInt64(total.Amount)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest paid: %w", err)
	}
	denom, err := one.Add(factor)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest paid: %w", err)
	}
	delta, err := paid.Div(denom)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest paid: %w", err)
	}
	interest, err := paid.Sub(delta)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest paid: %w", err)
	}
	v, err := interest.ToInt64()
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("interest paid: %w", err)
	}
	return ledger.NewAsset(v, total.AssetID), nil
}
