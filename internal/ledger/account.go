package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
)

// AssetID identifies a tradable asset. Within a pair the quote asset always has the larger id.
type AssetID uint32

// Address identifies an owner or a balance record (20 bytes of a blake256 digest).
type Address [20]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes a hex encoded address.
func ParseAddress(s string) (Address, error) {
	var out Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse address %q: %w", s, err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("parse address %q: want %d bytes, got %d", s, len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// AddressFromKey derives an owner address from public key bytes.
func AddressFromKey(pub []byte) Address {
	sum := blake256.Sum256(pub)
	var out Address
	copy(out[:], sum[:len(out)])
	return out
}

// SlateID names the delegate slate a base-asset balance votes with. Zero means none.
type SlateID uint64

// ConditionType is the kind of withdraw condition guarding a balance.
type ConditionType uint8

const (
	ConditionSignature ConditionType = iota + 1
	ConditionMultisig
	ConditionPassword
)

func (c ConditionType) String() string {
	switch c {
	case ConditionSignature:
		return "signature"
	case ConditionMultisig:
		return "multisig"
	case ConditionPassword:
		return "password"
	default:
		return "unknown"
	}
}

// WithdrawCondition guards a balance record. Only signature conditions can be
// withdrawn by this ledger; the other kinds exist so they can be rejected.
type WithdrawCondition struct {
	Type    ConditionType `json:"type"`
	AssetID AssetID       `json:"asset_id"`
	SlateID SlateID       `json:"slate_id,omitempty"`
	Owner   Address       `json:"owner"`
}

// WithSignature is the condition a matched order pays its counterparty into.
func WithSignature(owner Address, asset AssetID) WithdrawCondition {
	return WithdrawCondition{Type: ConditionSignature, AssetID: asset, Owner: owner}
}

// Encode is the canonical byte form the balance address is hashed from.
func (c WithdrawCondition) Encode() []byte {
	buf := make([]byte, 0, 1+4+8+len(c.Owner))
	buf = append(buf, byte(c.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.AssetID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.SlateID))
	return append(buf, c.Owner[:]...)
}

// Address is the balance id of this condition.
func (c WithdrawCondition) Address() Address {
	sum := blake256.Sum256(c.Encode())
	var out Address
	copy(out[:], sum[:len(out)])
	return out
}

// BalanceRecord is a withdrawable balance. Timestamps are unix seconds.
type BalanceRecord struct {
	Condition   WithdrawCondition `json:"condition"`
	Balance     int64             `json:"balance"`
	LastUpdate  int64             `json:"last_update"`
	DepositDate int64             `json:"deposit_date"`
}

// NewBalanceRecord returns an empty signature-guarded balance.
func NewBalanceRecord(owner Address, asset AssetID, slate SlateID) BalanceRecord {
	cond := WithSignature(owner, asset)
	cond.SlateID = slate
	return BalanceRecord{Condition: cond}
}

func (b BalanceRecord) ID() Address {
	return b.Condition.Address()
}

func (b BalanceRecord) AssetID() AssetID {
	return b.Condition.AssetID
}

func (b BalanceRecord) Asset() Asset {
	return NewAsset(b.Balance, b.Condition.AssetID)
}
