package ledger

const (
	// MaxShortPeriodSec is how long a short position runs before it can be called regardless of price.
	MaxShortPeriodSec int64 = 30 * 24 * 60 * 60

	SecondsPerHour int64 = 60 * 60
	SecondsPerDay  int64 = 24 * SecondsPerHour
	SecondsPerYear int64 = 365 * SecondsPerDay
)

// AssetRecord describes an asset and its fee pool.
type AssetRecord struct {
	ID                 AssetID `json:"id"`
	Symbol             string  `json:"symbol"`
	Precision          int64   `json:"precision"`
	CurrentShareSupply int64   `json:"current_share_supply"`
	MaximumShareSupply int64   `json:"maximum_share_supply"`
	CollectedFees      int64   `json:"collected_fees"`
	MarketIssued       bool    `json:"market_issued"`
}

// IsMarketIssued reports whether the asset is created by shorting against a price feed.
func (a AssetRecord) IsMarketIssued() bool {
	return a.MarketIssued
}

// PairKey names a market.
type PairKey struct {
	QuoteID AssetID `json:"quote_id"`
	BaseID  AssetID `json:"base_id"`
}

func (k PairKey) Cmp(o PairKey) int {
	switch {
	case k.QuoteID < o.QuoteID:
		return -1
	case k.QuoteID > o.QuoteID:
		return 1
	case k.BaseID < o.BaseID:
		return -1
	case k.BaseID > o.BaseID:
		return 1
	}
	return 0
}

// MarketIndexKey keys every order book index: price first, then owner.
// For shorts the price is the interest rate; for collateral it is the call price.
type MarketIndexKey struct {
	OrderPrice Price   `json:"order_price"`
	Owner      Address `json:"owner"`
}

func (k MarketIndexKey) Cmp(o MarketIndexKey) int {
	if c := k.OrderPrice.Cmp(o.OrderPrice); c != 0 {
		return c
	}
	for i := range k.Owner {
		switch {
		case k.Owner[i] < o.Owner[i]:
			return -1
		case k.Owner[i] > o.Owner[i]:
			return 1
		}
	}
	return 0
}

// OrderRecord is the stored state of a bid, ask or short.
type OrderRecord struct {
	Balance         int64  `json:"balance"`
	ShortPriceLimit *Price `json:"short_price_limit,omitempty"`
}

// CollateralRecord is an open short position.
type CollateralRecord struct {
	CollateralBalance int64 `json:"collateral_balance"`
	PayoffBalance     int64 `json:"payoff_balance"`
	InterestRate      Price `json:"interest_rate"`
	Expiration        int64 `json:"expiration"`
}

// IsEmpty reports whether both sides of the position are closed.
func (c CollateralRecord) IsEmpty() bool {
	return c.CollateralBalance == 0 && c.PayoffBalance == 0
}

// MarketStatus carries the feed used by the last execution of a pair and its last error.
type MarketStatus struct {
	QuoteID            AssetID `json:"quote_id"`
	BaseID             AssetID `json:"base_id"`
	CurrentFeedPrice   *Price  `json:"current_feed_price,omitempty"`
	LastValidFeedPrice *Price  `json:"last_valid_feed_price,omitempty"`
	LastError          string  `json:"last_error,omitempty"`
}

func NewMarketStatus(quote, base AssetID) MarketStatus {
	return MarketStatus{QuoteID: quote, BaseID: base}
}

// UpdateFeedPrice records the feed of this execution. A missing feed keeps the last valid one.
func (s *MarketStatus) UpdateFeedPrice(feed *Price) {
	s.CurrentFeedPrice = feed
	if feed != nil {
		p := *feed
		s.LastValidFeedPrice = &p
	}
}

func (s MarketStatus) Pair() PairKey {
	return PairKey{QuoteID: s.QuoteID, BaseID: s.BaseID}
}

// Granularity of a market history bucket.
type Granularity uint8

const (
	GranularityBlock Granularity = iota
	GranularityHour
	GranularityDay
)

func (g Granularity) String() string {
	switch g {
	case GranularityBlock:
		return "block"
	case GranularityHour:
		return "hour"
	case GranularityDay:
		return "day"
	default:
		return "unknown"
	}
}

// ParseGranularity accepts the names returned by String.
func ParseGranularity(s string) (Granularity, bool) {
	switch s {
	case "block", "":
		return GranularityBlock, true
	case "hour":
		return GranularityHour, true
	case "day":
		return GranularityDay, true
	}
	return 0, false
}

// Truncate returns the bucket start for ts.
func (g Granularity) Truncate(ts int64) int64 {
	switch g {
	case GranularityHour:
		return ts - ts%SecondsPerHour
	case GranularityDay:
		return ts - ts%SecondsPerDay
	}
	return ts
}

type MarketHistoryKey struct {
	QuoteID     AssetID     `json:"quote_id"`
	BaseID      AssetID     `json:"base_id"`
	Granularity Granularity `json:"granularity"`
	Timestamp   int64       `json:"timestamp"`
}

func (k MarketHistoryKey) Cmp(o MarketHistoryKey) int {
	if c := (PairKey{k.QuoteID, k.BaseID}).Cmp(PairKey{o.QuoteID, o.BaseID}); c != 0 {
		return c
	}
	switch {
	case k.Granularity < o.Granularity:
		return -1
	case k.Granularity > o.Granularity:
		return 1
	case k.Timestamp < o.Timestamp:
		return -1
	case k.Timestamp > o.Timestamp:
		return 1
	}
	return 0
}

type MarketHistoryRecord struct {
	HighestBid   Price `json:"highest_bid"`
	LowestAsk    Price `json:"lowest_ask"`
	OpeningPrice Price `json:"opening_price"`
	ClosingPrice Price `json:"closing_price"`
	Volume       int64 `json:"volume"`
}

// Merge folds a newer record of the same bucket into r.
func (r MarketHistoryRecord) Merge(newer MarketHistoryRecord) MarketHistoryRecord {
	r.Volume += newer.Volume
	r.ClosingPrice = newer.ClosingPrice
	r.HighestBid = MaxPrice(r.HighestBid, newer.HighestBid)
	r.LowestAsk = MinPrice(r.LowestAsk, newer.LowestAsk)
	return r
}
