package market_test

import (
	"testing"

	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/market"
)

func TestInterestOwed(t *testing.T) {
	apr := ledger.MustParsePrice("0.1", quoteID, baseID)
	principal := ledger.NewAsset(1000, quoteID)

	cases := []struct {
		name    string
		age     int64
		formula fork.Formula
		want    int64
	}{
		{"one year", ledger.SecondsPerYear, fork.FormulaCurrent, 100},
		{"half year", ledger.SecondsPerYear / 2, fork.FormulaCurrent, 50},
		{"no time", 0, fork.FormulaCurrent, 0},
		// v1 normalises by the quote side, inverting the rate
		{"v1 one year", ledger.SecondsPerYear, fork.FormulaV1, 10000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := market.InterestOwed(principal, apr, tc.age, tc.formula)
			if err != nil {
				t.Fatalf("owed: %v", err)
			}
			if got != ledger.NewAsset(tc.want, quoteID) {
				t.Errorf("got %s, want %d", got, tc.want)
			}
		})
	}
}

func TestInterestPaid_SplitsPayment(t *testing.T) {
	apr := ledger.MustParsePrice("0.1", quoteID, baseID)

	got, err := market.InterestPaid(ledger.NewAsset(110, quoteID), apr, ledger.SecondsPerYear, fork.FormulaCurrent)
	if err != nil {
		t.Fatalf("paid: %v", err)
	}
	if got != ledger.NewAsset(10, quoteID) {
		t.Errorf("got %s, want 10", got)
	}
}

func TestInterest_FormulaFollowsForkHeight(t *testing.T) {
	forks := fork.Default()
	apr := ledger.MustParsePrice("0.1", quoteID, baseID)
	principal := ledger.NewAsset(1000, quoteID)

	before, err := market.InterestOwed(principal, apr, ledger.SecondsPerYear, forks.Interest(fork.DefaultInterestV2Height-1))
	if err != nil {
		t.Fatal(err)
	}
	after, err := market.InterestOwed(principal, apr, ledger.SecondsPerYear, forks.Interest(fork.DefaultInterestV2Height))
	if err != nil {
		t.Fatal(err)
	}
	if before.Amount != 10000 || after.Amount != 100 {
		t.Errorf("before fork %s, after fork %s", before, after)
	}
}

func TestInterestOwed_ZeroRateUnderV1(t *testing.T) {
	// the quote-normalised rate divides by the ratio
	_, err := market.InterestOwed(ledger.NewAsset(1, quoteID), ledger.PairStart(quoteID, baseID), 1, fork.FormulaV1)
	if err == nil {
		t.Error("expected an error for a zero rate under v1")
	}
}
