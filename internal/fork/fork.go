// Package fork holds the chain heights at which consensus formulas change.
// Both sides of every switch stay available so old blocks replay identically.
package fork

import "fmt"

const (
	DefaultWithdrawV2Height uint64 = 274000
	DefaultYieldV2Height    uint64 = 331000
	DefaultInterestV2Height uint64 = 346950
	DefaultCoverScanHeight  uint64 = 357000
)

// Formula selects a variant of a versioned calculation.
type Formula uint8

const (
	FormulaV1 Formula = iota + 1
	FormulaCurrent
)

func (f Formula) String() string {
	switch f {
	case FormulaV1:
		return "v1"
	case FormulaCurrent:
		return "current"
	default:
		return "unknown"
	}
}

// Table is passed by value to everything whose behaviour depends on height.
type Table struct {
	// WithdrawV2Height is the first height evaluating withdrawals with yield and vote adjustment.
	WithdrawV2Height uint64 `mapstructure:"withdraw_v2_height"`
	// YieldV2Height is the first height using the supply-net-of-fees yield formula.
	YieldV2Height uint64 `mapstructure:"yield_v2_height"`
	// InterestV2Height is the first height normalising interest rates by the base asset.
	InterestV2Height uint64 `mapstructure:"interest_v2_height"`
	// CoverScanHeight is the first height at which an untriggered margin position does
	// not end the margin call scan.
	CoverScanHeight uint64 `mapstructure:"cover_scan_height"`
}

func Default() Table {
	return Table{
		WithdrawV2Height: DefaultWithdrawV2Height,
		YieldV2Height:    DefaultYieldV2Height,
		InterestV2Height: DefaultInterestV2Height,
		CoverScanHeight:  DefaultCoverScanHeight,
	}
}

// Interest returns the interest formula in force at height h.
func (t Table) Interest(h uint64) Formula {
	if h < t.InterestV2Height {
		return FormulaV1
	}
	return FormulaCurrent
}

// Yield returns the yield formula in force at height h.
func (t Table) Yield(h uint64) Formula {
	if h < t.YieldV2Height {
		return FormulaV1
	}
	return FormulaCurrent
}

// WithdrawV2 reports whether the current withdraw evaluation applies at height h.
func (t Table) WithdrawV2(h uint64) bool {
	return h >= t.WithdrawV2Height
}

// ContinueCoverScan reports whether the margin call scan skips past an untriggered position.
func (t Table) ContinueCoverScan(h uint64) bool {
	return h >= t.CoverScanHeight
}

// Validate requires the forks to activate in their historical order.
func (t Table) Validate() error {
	steps := []struct {
		name   string
		height uint64
	}{
		{"withdraw_v2_height", t.WithdrawV2Height},
		{"yield_v2_height", t.YieldV2Height},
		{"interest_v2_height", t.InterestV2Height},
		{"cover_scan_height", t.CoverScanHeight},
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].height < steps[i-1].height {
			return fmt.Errorf("fork table: %s (%d) precedes %s (%d)",
				steps[i].name, steps[i].height, steps[i-1].name, steps[i-1].height)
		}
	}
	return nil
}
