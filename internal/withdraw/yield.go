package withdraw

import (
	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	fpmath "MarketLedger/internal/math"
)

// yieldScale keeps six extra digits through the time scaling.
const yieldScale = 1_000_000

var year128 = fpmath.NewUint128(uint64(ledger.SecondsPerYear))

// Yield is the share of the fee pool paid to a balance of amount held since
// depositDate. Balances younger than a day earn nothing; the current formula divides
// by the supply net of the pool and ramps up over the first year.
func Yield(amount int64, depositDate, now int64, asset ledger.AssetRecord, formula fork.Formula) (int64, error) {
	supply, pool := asset.CurrentShareSupply, asset.CollectedFees
	if amount <= 0 || supply <= 0 || pool <= 0 {
		return 0, nil
	}
	elapsed := now - depositDate
	if elapsed <= ledger.SecondsPerDay {
		return 0, nil
	}

	denom := supply
	if formula == fork.FormulaCurrent {
		denom = supply - pool
		if denom <= 0 {
			return 0, nil
		}
	}

	scaled, err := fpmath.NewUint128(uint64(amount)).Mul64(yieldScale)
	if err != nil {
		return 0, err
	}
	y, err := fpmath.MulDivUint128(scaled, fpmath.NewUint128(uint64(pool)), fpmath.NewUint128(uint64(denom)))
	if err != nil {
		return 0, err
	}

	if elapsed < ledger.SecondsPerYear {
		if y, err = rampUp(y, uint64(elapsed), formula); err != nil {
			return 0, err
		}
	}

	y, err = y.Div64(yieldScale)
	if err != nil {
		return 0, err
	}
	v, err := y.Uint64()
	if err != nil {
		return 0, err
	}
	if v == 0 || v >= uint64(pool) {
		return 0, nil
	}
	return int64(v), nil
}

// rampUp scales a full-year yield down to elapsed seconds: linearly under v1, and as
// 80% linear plus 20% quadratic under the current formula.
func rampUp(y fpmath.Uint128, elapsed uint64, formula fork.Formula) (fpmath.Uint128, error) {
	e := fpmath.NewUint128(elapsed)
	if formula == fork.FormulaV1 {
		return fpmath.MulDivUint128(y, e, year128)
	}

	eighty, err := y.Mul64(8)
	if err != nil {
		return y, err
	}
	if eighty, err = eighty.Div64(10); err != nil {
		return y, err
	}
	// the quadratic part takes whatever the linear part's truncation left
	quad, err := y.Sub(eighty)
	if err != nil {
		return y, err
	}
	linear, err := fpmath.MulDivUint128(eighty, e, year128)
	if err != nil {
		return y, err
	}
	if quad, err = fpmath.MulDivUint128(quad, e, year128); err != nil {
		return y, err
	}
	if quad, err = fpmath.MulDivUint128(quad, e, year128); err != nil {
		return y, err
	}
	return linear.Add(quad)
}
