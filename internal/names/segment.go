package names

import (
	"errors"
	"fmt"
	"strconv"
)

// SegmentMarker is the leading byte of a marker-encoded sequence number component.
const SegmentMarker = 0x00

// maxSegmentBytes is the longest big-endian encoding of a uint64.
const maxSegmentBytes = 8

// ErrNotSegment indicates a component does not carry a sequence number in the expected form.
var ErrNotSegment = errors.New("component is not a segment number")

// SegmentMode selects how a sequence number is appended to a base name.
type SegmentMode int

const (
	// SegmentDecimal appends the decimal text of the sequence number.
	SegmentDecimal SegmentMode = iota
	// SegmentMarked appends the marker byte followed by the minimal big-endian value.
	SegmentMarked
)

func (m SegmentMode) String() string {
	switch m {
	case SegmentDecimal:
		return "decimal"
	case SegmentMarked:
		return "marker"
	default:
		return "unknown"
	}
}

// SegmentComponent encodes seq as a single component in the given mode.
func SegmentComponent(seq uint64, mode SegmentMode) Component {
	if mode == SegmentDecimal {
		return Component(strconv.FormatUint(seq, 10))
	}
	var be [maxSegmentBytes]byte
	n := 0
	for v := seq; v != 0; v >>= 8 {
		n++
	}
	for i := range n {
		be[i] = byte(seq >> (8 * (n - 1 - i)))
	}
	comp := make(Component, 0, 1+n)
	comp = append(comp, SegmentMarker)
	return append(comp, be[:n]...)
}

// SegmentName builds the request name for segment seq under base.
func SegmentName(base Name, seq uint64, mode SegmentMode) Name {
	return base.Append(SegmentComponent(seq, mode))
}

// ParseSegment decodes a component produced by SegmentComponent in the given mode.
func ParseSegment(comp Component, mode SegmentMode) (uint64, error) {
	if mode == SegmentDecimal {
		if len(comp) == 0 {
			return 0, fmt.Errorf("%w: empty", ErrNotSegment)
		}
		for _, c := range comp {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("%w: %q", ErrNotSegment, string(comp))
			}
		}
		v, err := strconv.ParseUint(string(comp), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrNotSegment, err)
		}
		return v, nil
	}

	if len(comp) == 0 || comp[0] != SegmentMarker {
		return 0, fmt.Errorf("%w: missing marker", ErrNotSegment)
	}
	body := comp[1:]
	if len(body) > maxSegmentBytes {
		return 0, fmt.Errorf("%w: %d value bytes", ErrNotSegment, len(body))
	}
	var v uint64
	for _, b := range body {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// DetectSegment decodes comp in whichever mode it appears to use: a leading
// marker byte selects the marker encoding, anything else is read as decimal.
func DetectSegment(comp Component) (uint64, SegmentMode, error) {
	mode := SegmentDecimal
	if len(comp) > 0 && comp[0] == SegmentMarker {
		mode = SegmentMarked
	}
	v, err := ParseSegment(comp, mode)
	return v, mode, err
}
