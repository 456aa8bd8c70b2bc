package linkedit

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Tag identifies the kind of data a tracked region holds. It exists mostly
// for debugging and for callers that want to find a region by purpose
// (findTag in spec.md terms).
type Tag int

const (
	TagBindInfo Tag = iota
	TagWeakBindInfo
	TagLazyBindInfo
	TagExportTrie
	TagExportInfo
	TagSymbolEntries
	TagFunctionStarts
	TagDataInCode
	TagIndirectSymtab
	TagStringPool
)

// OffsetField names the single uint32 field inside a load command's raw
// bytes that records the file offset of a tracked LINKEDIT region.
type OffsetField struct {
	LC         LoadCommand
	ByteOffset int
}

// Get reads the current value of the field.
func (f OffsetField) Get(order binary.ByteOrder) uint32 {
	return order.Uint32(f.LC.Raw()[f.ByteOffset:])
}

// Set writes a new value into the field.
func (f OffsetField) Set(order binary.ByteOrder, v uint32) {
	order.PutUint32(f.LC.Raw()[f.ByteOffset:], v)
}

// Region describes one contiguous, 8-byte-aligned blob inside the
// reconstructed LINKEDIT, and the load-command field that names its file
// offset.
type Region struct {
	Tag         Tag
	OffsetField OffsetField
	// DataOffset is the byte offset of this region from the start of the
	// LINKEDIT data (not the start of the file).
	DataOffset uint32
	// DataSize is the region's size, padded up to a multiple of 8.
	DataSize uint32
}

// End returns the offset one past the end of the region.
func (r Region) End() uint32 { return r.DataOffset + r.DataSize }

// Tracker is the sole authority correlating a LINKEDIT region with the
// load-command field that names it. It keeps the header's load-command
// region and the LINKEDIT region's tracked layout coherent as either one
// grows.
type Tracker struct {
	mCtx MachoContext
	order binary.ByteOrder

	linkeditFileOffset uint32
	linkeditCapacity   uint32 // max size the LINKEDIT region may grow to

	regions []Region // kept sorted by DataOffset
}

// NewTracker builds a tracker over an already-populated set of regions.
// It returns an error if any region is misaligned, if regions overlap, or
// if the last region's end exceeds linkeditCapacity.
func NewTracker(mCtx MachoContext, linkeditFileOffset, linkeditCapacity uint32, initial []Region) (*Tracker, error) {
	t := &Tracker{
		mCtx:               mCtx,
		order:              mCtx.ByteOrder(),
		linkeditFileOffset: linkeditFileOffset,
		linkeditCapacity:   linkeditCapacity,
	}
	sorted := append([]Region(nil), initial...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DataOffset < sorted[j].DataOffset })

	var prevEnd uint32
	for _, r := range sorted {
		if r.DataOffset%8 != 0 || r.DataSize%8 != 0 {
			return nil, errors.Errorf("linkedit region %v is not 8-byte aligned", r.Tag)
		}
		if r.DataOffset < prevEnd {
			return nil, errors.Errorf("linkedit region %v overlaps the previous region", r.Tag)
		}
		prevEnd = r.End()
	}
	if prevEnd > linkeditCapacity {
		return nil, errors.Errorf("tracked regions end at %#x, past linkedit capacity %#x", prevEnd, linkeditCapacity)
	}

	t.regions = sorted
	return t, nil
}

// track inserts region into the sorted registry. Callers (the optimizer)
// are responsible for keeping DataOffset assignments monotonically
// increasing during the initial build, so this is an O(1) append in
// practice; it still binary-searches to keep the ordering guarantee
// explicit regardless of call order.
func (t *Tracker) track(r Region) {
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].DataOffset >= r.DataOffset })
	t.regions = append(t.regions, Region{})
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
}

// FindTag returns the first region with the given tag.
func (t *Tracker) FindTag(tag Tag) (Region, bool) {
	for _, r := range t.regions {
		if r.Tag == tag {
			return r, true
		}
	}
	return Region{}, false
}

// FreeHeaderSpace returns how many bytes remain for new load commands
// before HeaderSpace() is exceeded.
func (t *Tracker) FreeHeaderSpace() uint32 {
	space := t.mCtx.HeaderSpace()
	used := t.mCtx.SizeOfCommands()
	if used >= space {
		return 0
	}
	return space - used
}

// InsertLoadCommand inserts newRaw immediately after the command `after`
// (or at the end of the load-command region if after is nil). It
// fails cleanly, returning false, if there isn't enough header space; on
// success it returns true and every tracked offset field at or beyond the
// shifted range is advanced by len(newRaw).
func (t *Tracker) InsertLoadCommand(after LoadCommand, newRaw []byte) (bool, error) {
	cmdSize := uint32(len(newRaw))
	if t.mCtx.SizeOfCommands()+cmdSize > t.mCtx.HeaderSpace() {
		return false, nil
	}

	buf := t.mCtx.Bytes()
	lcStart := t.mCtx.LoadCommandsOffset()
	insertAt := lcStart + t.mCtx.SizeOfCommands()
	if after != nil {
		raw := after.Raw()
		// Raw is a slice into buf; recover its file offset by pointer
		// arithmetic against the backing array.
		afterOff := sliceOffset(buf, raw)
		insertAt = afterOff + uint32(len(raw))
	}

	tail := append([]byte(nil), buf[insertAt:lcStart+t.mCtx.SizeOfCommands()]...)
	copy(buf[insertAt+cmdSize:], tail)
	copy(buf[insertAt:], newRaw)

	t.mCtx.SetNCommands(t.mCtx.NCommands() + 1)
	t.mCtx.SetSizeOfCommands(t.mCtx.SizeOfCommands() + cmdSize)

	// Load commands only ever grow into the slack space already reserved
	// between the header and __TEXT,__text (HeaderSpace), so no tracked
	// LINKEDIT offset field needs to move as a result of this insertion.
	return true, nil
}

// InsertLinkeditData inserts payload into LINKEDIT immediately after the
// region `after` (or at the start of LINKEDIT if after is the zero
// Region / not found). It fails cleanly, returning false, if there is not
// enough LINKEDIT capacity. On success every region's offset field at or
// beyond the insertion point is advanced by the padded payload size, and
// the new region is tracked and returned.
func (t *Tracker) InsertLinkeditData(after Region, hasAfter bool, tag Tag, field OffsetField, payload []byte) (Region, bool) {
	shift := Align(uint32(len(payload)), 8)

	var lastEnd uint32
	if len(t.regions) > 0 {
		lastEnd = t.regions[len(t.regions)-1].End()
	}
	if lastEnd+shift > t.linkeditCapacity {
		return Region{}, false
	}

	insertAt := uint32(0)
	if hasAfter {
		insertAt = after.End()
	}

	buf := t.mCtx.Bytes()
	leStart := t.linkeditFileOffset
	// memmove the tail of the LINKEDIT data forward by shift.
	tail := append([]byte(nil), buf[leStart+insertAt:leStart+lastEnd]...)
	copy(buf[leStart+insertAt+shift:], tail)
	// zero the padding tail, then copy the payload.
	for i := uint32(0); i < shift; i++ {
		buf[leStart+insertAt+i] = 0
	}
	copy(buf[leStart+insertAt:], payload)

	for i := range t.regions {
		if t.regions[i].DataOffset >= insertAt {
			t.regions[i].DataOffset += shift
			cur := t.regions[i].OffsetField.Get(t.order)
			t.regions[i].OffsetField.Set(t.order, cur+shift)
		}
	}

	r := Region{Tag: tag, OffsetField: field, DataOffset: insertAt, DataSize: shift}
	field.Set(t.order, t.linkeditFileOffset+insertAt)
	t.track(r)
	return r, true
}

// RelocateLinkedit resyncs every tracked region's offset field to a new
// LINKEDIT file offset without moving any bytes. Used when a later stage
// (e.g. an offset optimizer) repositions the whole segment.
func (t *Tracker) RelocateLinkedit(newFileOffset uint32) {
	delta := int64(newFileOffset) - int64(t.linkeditFileOffset)
	for _, r := range t.regions {
		cur := r.OffsetField.Get(t.order)
		r.OffsetField.Set(t.order, uint32(int64(cur)+delta))
	}
	t.linkeditFileOffset = newFileOffset
}

// sliceOffset returns the byte offset of sub within buf, assuming sub is a
// sub-slice of buf sharing the same backing array.
func sliceOffset(buf, sub []byte) uint32 {
	if len(buf) == 0 || len(sub) == 0 {
		return 0
	}
	return uint32(cap(buf) - cap(sub))
}
