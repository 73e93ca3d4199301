package core

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateBlock marks a block at or below the applied head. It is skipped.
	ErrDuplicateBlock = errors.New("duplicate block")
	// ErrHeightGap marks a block that skips a height.
	ErrHeightGap = errors.New("block height gap")
	// ErrTimestampRegression marks a block older than the applied head.
	ErrTimestampRegression = errors.New("block timestamp regression")
)

// HeightValidator enforces gap-free block heights.
// Not thread-safe; only accessed from the single-threaded block processor.
type HeightValidator struct {
	head uint64
	gaps int64
}

func NewHeightValidator(head uint64) *HeightValidator {
	return &HeightValidator{head: head}
}

// Validate accepts exactly head+1.
func (v *HeightValidator) Validate(height uint64) error {
	switch {
	case height <= v.head:
		return fmt.Errorf("%w: height %d, head %d", ErrDuplicateBlock, height, v.head)
	case height > v.head+1:
		v.gaps++
		return fmt.Errorf("%w: expected %d, got %d", ErrHeightGap, v.head+1, height)
	}
	return nil
}

// Advance records height as applied.
func (v *HeightValidator) Advance(height uint64) {
	v.head = height
}

func (v *HeightValidator) Head() uint64 { return v.head }

func (v *HeightValidator) Gaps() int64 { return v.gaps }
