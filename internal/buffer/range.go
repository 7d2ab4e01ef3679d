package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRange matches any *InvalidRangeError via errors.Is.
var ErrInvalidRange = errors.New("invalid buffer range")

// InvalidRangeError reports a range whose end lies before its start.
type InvalidRangeError struct {
	Start int
	End   int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid buffer range [%d, %d]: end must be >= start", e.Start, e.End)
}

// Is lets errors.Is(err, ErrInvalidRange) match.
func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

// Range is an inclusive interval of frame indices.
type Range struct {
	Start int
	End   int
}

// NewRange returns [start, end], or an *InvalidRangeError if end < start.
func NewRange(start, end int) (Range, error) {
	r := Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// MustRange is like NewRange but panics on an invalid range. Intended for literals.
func MustRange(start, end int) Range {
	r, err := NewRange(start, end)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate returns an *InvalidRangeError if r.End < r.Start.
func (r Range) Validate() error {
	if r.End < r.Start {
		return &InvalidRangeError{Start: r.Start, End: r.End}
	}
	return nil
}

// Len is the number of frames covered by r.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether other lies entirely within r.
func (r Range) Contains(other Range) bool {
	return r.Start <= other.Start && r.End >= other.End
}

// ContainsFrame reports whether frame lies within r.
func (r Range) ContainsFrame(frame int) bool {
	return r.Start <= frame && frame <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// MarshalJSON encodes r as a [start, end] tuple.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Start, r.End})
}

// UnmarshalJSON decodes a [start, end] tuple and validates it.
func (r *Range) UnmarshalJSON(data []byte) error {
	var tuple []int
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("failed to decode buffer range: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("failed to decode buffer range: expected 2 elements, got %d", len(tuple))
	}
	decoded, err := NewRange(tuple[0], tuple[1])
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}
