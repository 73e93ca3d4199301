package ledger

// Validate checks a settled transaction: every amount non-negative and neither side
// receiving more than the other paid. Automatic cancels are exempt.
func (t *MarketTransaction) Validate() error {
	if t.IsAutomaticCancel() {
		return nil
	}

	for _, a := range []struct {
		name string
		v    Asset
	}{
		{"bid_paid", t.BidPaid},
		{"ask_paid", t.AskPaid},
		{"bid_received", t.BidReceived},
		{"ask_received", t.AskReceived},
		{"fees_collected", t.FeesCollected},
	} {
		if a.v.Amount < 0 {
			return Invariantf("%s is negative: %s", a.name, a.v)
		}
	}

	if t.BidPaid.AssetID != t.AskReceived.AssetID {
		return Invariantf("bid_paid %s and ask_received %s differ in asset", t.BidPaid, t.AskReceived)
	}
	if t.BidPaid.Amount < t.AskReceived.Amount {
		return Invariantf("bid_paid %s < ask_received %s", t.BidPaid, t.AskReceived)
	}

	if t.AskPaid.AssetID != t.BidReceived.AssetID {
		return Invariantf("ask_paid %s and bid_received %s differ in asset", t.AskPaid, t.BidReceived)
	}
	if t.AskPaid.Amount < t.BidReceived.Amount {
		return Invariantf("ask_paid %s < bid_received %s", t.AskPaid, t.BidReceived)
	}

	return nil
}
