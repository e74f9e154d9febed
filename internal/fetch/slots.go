package fetch

import (
	"errors"
	"fmt"
	"io"
)

// DefaultCapacity is the default size of the slot table.
const DefaultCapacity = 128

var (
	errSlotBusy     = errors.New("slot bound to another segment")
	errOutOfWindow  = errors.New("segment outside the reorder window")
	errTableFull    = errors.New("slot table full")
	errNotAwaitable = errors.New("segment is not the one awaited")
)

type slotState int

const (
	slotFree slotState = iota
	slotAwaiting
	slotBuffered
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotAwaiting:
		return "awaiting"
	case slotBuffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// slot tracks one sequence number at a time. seq is meaningful unless the
// slot is free; payload only while buffered.
type slot struct {
	state   slotState
	seq     uint64
	payload []byte
}

// ReorderBuffer is a fixed-capacity circular table indexed by sequence number
// modulo capacity. It writes payloads to the sink strictly in sequence order.
//
// The window [delivered, delivered+outstanding) covers every segment that has
// been requested or buffered but not yet written; outstanding stays below the
// capacity so two live sequence numbers never share a slot.
type ReorderBuffer struct {
	slots       []slot
	base        int // Slot of the next segment to deliver.
	outstanding int

	delivered      uint64
	deliveredBytes int64

	finalSlot int // -1 until the final segment has been seen.
	sink      io.Writer
}

// NewReorderBuffer creates an empty table. Non-positive capacity uses DefaultCapacity.
func NewReorderBuffer(capacity int, sink io.Writer) *ReorderBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReorderBuffer{
		slots:     make([]slot, capacity),
		finalSlot: -1,
		sink:      sink,
	}
}

// SlotFor returns the slot index used by seq.
func (b *ReorderBuffer) SlotFor(seq uint64) int {
	return int(seq % uint64(len(b.slots)))
}

// Bind ties the slot for seq to it and returns the slot index. Binding the
// segment just past the window extends the window by one; re-binding a segment
// that is already awaited is allowed.
func (b *ReorderBuffer) Bind(seq uint64) (int, error) {
	next := b.delivered + uint64(b.outstanding)
	if seq < b.delivered || seq > next {
		return 0, fmt.Errorf("%w: segment %d, window [%d, %d]", errOutOfWindow, seq, b.delivered, next)
	}

	i := b.SlotFor(seq)
	sl := &b.slots[i]
	switch {
	case sl.state == slotAwaiting && sl.seq == seq:
		return i, nil
	case sl.state != slotFree:
		return 0, fmt.Errorf("%w: slot %d holds %s segment %d, want %d", errSlotBusy, i, sl.state, sl.seq, seq)
	}

	if seq == next {
		if b.outstanding+1 >= len(b.slots) {
			return 0, fmt.Errorf("%w: %d outstanding", errTableFull, b.outstanding)
		}
		b.outstanding++
	}
	sl.state = slotAwaiting
	sl.seq = seq
	sl.payload = nil
	return i, nil
}

// IsBound reports whether slot i currently tracks seq, awaiting or buffered.
func (b *ReorderBuffer) IsBound(i int, seq uint64) bool {
	sl := &b.slots[i]
	return sl.state != slotFree && sl.seq == seq
}

// IsAwaiting reports whether slot i is still waiting for seq.
func (b *ReorderBuffer) IsAwaiting(i int, seq uint64) bool {
	sl := &b.slots[i]
	return sl.state == slotAwaiting && sl.seq == seq
}

// IsBuffered reports whether slot i holds a payload.
func (b *ReorderBuffer) IsBuffered(i int) bool {
	return b.slots[i].state == slotBuffered
}

// Store keeps an out-of-order payload in slot i. It returns false, discarding
// payload, if the slot already holds one or is not awaiting anything.
func (b *ReorderBuffer) Store(i int, payload []byte) bool {
	sl := &b.slots[i]
	if sl.state != slotAwaiting {
		return false
	}
	sl.state = slotBuffered
	sl.payload = payload
	return true
}

// MarkFinal records slot i as holding the last segment of the stream.
func (b *ReorderBuffer) MarkFinal(i int) {
	b.finalSlot = i
}

// Deliver writes the payload of the awaited segment, then drains every
// directly following slot whose payload already arrived. It reports whether
// the final segment has been written. A short or failed write is fatal.
func (b *ReorderBuffer) Deliver(payload []byte) (bool, error) {
	if b.outstanding == 0 || b.slots[b.base].state != slotAwaiting {
		return false, fmt.Errorf("%w: slot %d is %s", errNotAwaitable, b.base, b.slots[b.base].state)
	}

	for {
		i := b.base
		if err := b.write(payload); err != nil {
			return false, err
		}
		b.slots[i] = slot{}
		b.delivered++
		b.outstanding--
		b.base = (b.base + 1) % len(b.slots)

		if i == b.finalSlot {
			return true, nil
		}
		if b.outstanding == 0 || b.slots[b.base].state != slotBuffered {
			return false, nil
		}
		payload = b.slots[b.base].payload
	}
}

func (b *ReorderBuffer) write(payload []byte) error {
	n, err := b.sink.Write(payload)
	if err != nil {
		return fmt.Errorf("%w: segment %d: %w", ErrSinkWrite, b.delivered, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: segment %d: %w (%d of %d bytes)", ErrSinkWrite, b.delivered, io.ErrShortWrite, n, len(payload))
	}
	b.deliveredBytes += int64(n)
	return nil
}

// Delivered returns how many segments have been written.
func (b *ReorderBuffer) Delivered() uint64 {
	return b.delivered
}

// DeliveredBytes returns how many payload bytes have been written.
func (b *ReorderBuffer) DeliveredBytes() int64 {
	return b.deliveredBytes
}

// Outstanding returns how many segments are requested or buffered but not delivered.
func (b *ReorderBuffer) Outstanding() int {
	return b.outstanding
}

// Capacity returns the number of slots.
func (b *ReorderBuffer) Capacity() int {
	return len(b.slots)
}

// Base returns the slot index of the next segment to deliver.
func (b *ReorderBuffer) Base() int {
	return b.base
}
