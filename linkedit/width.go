package linkedit

import "encoding/binary"

// Nlist is a width-erased symbol table entry. Value always holds the full
// 64-bit address; Width.EncodeNlist truncates it when writing a 32-bit
// record, mirroring go-macho's own Symbol type.
type Nlist struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// Width abstracts the two Mach-O record layouts (32 and 64-bit) that the
// optimizer runs against. The pipeline logic in optimizer.go never branches
// on width itself; it only calls through Width to size and (de)serialize
// records.
type Width interface {
	// PointerSize is 4 for Width32, 8 for Width64.
	PointerSize() uint32
	// NlistSize is the encoded size of one symbol table entry.
	NlistSize() uint32
	// SegmentCommandSize is the encoded size of a segment_command(_64),
	// excluding trailing sections.
	SegmentCommandSize() uint32

	// DecodeNlist reads one nlist record from b (which must be at least
	// NlistSize() bytes) using the given byte order.
	DecodeNlist(b []byte, order binary.ByteOrder) Nlist
	// EncodeNlist writes n into b (which must be at least NlistSize()
	// bytes) using the given byte order.
	EncodeNlist(n Nlist, b []byte, order binary.ByteOrder)
}

// Width32 selects 32-bit Mach-O record layouts (nlist_32, segment_command).
type Width32 struct{}

// Width64 selects 64-bit Mach-O record layouts (nlist_64, segment_command_64).
type Width64 struct{}

var (
	_ Width = Width32{}
	_ Width = Width64{}
)

func (Width32) PointerSize() uint32        { return 4 }
func (Width32) NlistSize() uint32          { return 12 } // uint32 + uint8 + uint8 + uint16 + uint32
func (Width32) SegmentCommandSize() uint32 { return 56 }

func (Width32) DecodeNlist(b []byte, order binary.ByteOrder) Nlist {
	return Nlist{
		Strx:  order.Uint32(b[0:4]),
		Type:  b[4],
		Sect:  b[5],
		Desc:  order.Uint16(b[6:8]),
		Value: uint64(order.Uint32(b[8:12])),
	}
}

func (Width32) EncodeNlist(n Nlist, b []byte, order binary.ByteOrder) {
	order.PutUint32(b[0:4], n.Strx)
	b[4] = n.Type
	b[5] = n.Sect
	order.PutUint16(b[6:8], n.Desc)
	order.PutUint32(b[8:12], uint32(n.Value))
}

func (Width64) PointerSize() uint32        { return 8 }
func (Width64) NlistSize() uint32          { return 16 } // uint32 + uint8 + uint8 + uint16 + uint64
func (Width64) SegmentCommandSize() uint32 { return 72 }

func (Width64) DecodeNlist(b []byte, order binary.ByteOrder) Nlist {
	return Nlist{
		Strx:  order.Uint32(b[0:4]),
		Type:  b[4],
		Sect:  b[5],
		Desc:  order.Uint16(b[6:8]),
		Value: order.Uint64(b[8:16]),
	}
}

func (Width64) EncodeNlist(n Nlist, b []byte, order binary.ByteOrder) {
	order.PutUint32(b[0:4], n.Strx)
	b[4] = n.Type
	b[5] = n.Sect
	order.PutUint16(b[6:8], n.Desc)
	order.PutUint64(b[8:16], n.Value)
}

// Align rounds size up to the next multiple of align, which must be a
// power of two.
func Align(size, align uint32) uint32 {
	return (size + align - 1) &^ (align - 1)
}
