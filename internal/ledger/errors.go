package ledger

import (
	"errors"
	"fmt"
)

// Invalid transaction errors. The transaction is rejected; the block goes on.
var (
	ErrNegativeAmount           = errors.New("negative or zero amount")
	ErrUnknownBalance           = errors.New("unknown balance record")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrMissingSignature         = errors.New("missing signature")
	ErrInvalidWithdrawCondition = errors.New("invalid withdraw condition")
	ErrUnknownAsset             = errors.New("unknown asset")
	ErrAssetExists              = errors.New("asset already exists")
	ErrInvalidOrder             = errors.New("invalid order")
	ErrInvalidFeed              = errors.New("invalid feed price")
)

// Operational errors. The pair is skipped for this block.
var (
	ErrInsufficientFeeds = errors.New("insufficient feeds")
)

// Invariant violations. Never expected; the pair's pending changes are discarded.
var (
	ErrInvariant     = errors.New("invariant violation")
	ErrAssetMismatch = errors.New("asset id mismatch")
)

// Invariantf returns an ErrInvariant carrying the formatted detail.
func Invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
