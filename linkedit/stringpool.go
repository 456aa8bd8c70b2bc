package linkedit

// StringPool is a deduplicating builder for the LINKEDIT string blob. The
// first entry is always the empty string at offset 0, the Mach-O
// convention for "no name."
type StringPool struct {
	offsets map[string]uint32
	order   []string
	size    uint32
}

// NewStringPool returns a pool with the mandatory empty-string sentinel
// already at offset 0.
func NewStringPool() *StringPool {
	p := &StringPool{offsets: make(map[string]uint32)}
	p.Add("")
	return p
}

// Add returns the offset s will occupy in the final blob, adding it if it
// hasn't been seen before. Equal strings always return the same offset.
func (p *StringPool) Add(s string) uint32 {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := p.size
	p.offsets[s] = off
	p.order = append(p.order, s)
	p.size += uint32(len(s)) + 1 // +1 for the null terminator
	return off
}

// Size returns the total byte length of the deduplicated blob, including
// null terminators.
func (p *StringPool) Size() uint32 {
	return p.size
}

// Write appends every deduplicated string, null-terminated, in insertion
// order to dst and returns the number of bytes written. Because offsets
// are assigned in the same insertion order, writing in insertion order and
// writing in offset order are equivalent.
func (p *StringPool) Write(dst []byte) uint32 {
	var n uint32
	for _, s := range p.order {
		n += uint32(copy(dst[n:], s))
		dst[n] = 0
		n++
	}
	return n
}
