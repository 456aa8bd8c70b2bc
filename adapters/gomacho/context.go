// Package gomacho adapts github.com/blacktop/go-macho's *macho.File to
// the linkedit.MachoContext contract.
package gomacho

import (
	"encoding/binary"

	macho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/blacktop/go-dsc-relink/linkedit"
)

// Context wraps a parsed *macho.File over a writable, privately mapped
// buffer. Every mutation the optimizer performs lands directly in buf;
// f itself is only ever read through for lookups.
type Context struct {
	f     *macho.File
	buf   []byte
	width linkedit.Width

	// lcOffsets[i] is the file offset of f.Loads[i]'s raw bytes in buf.
	lcOffsets      []uint32
	loadCmdsOffset uint32
	headerSpace    uint32
}

var _ linkedit.MachoContext = (*Context)(nil)

// New builds a Context over f, whose backing bytes are buf (the private,
// writable mapping f was parsed from — go-macho itself never retains a
// mutable view, so we walk buf ourselves to hand out raw byte slices that
// alias it).
func New(f *macho.File, buf []byte) (*Context, error) {
	var width linkedit.Width = linkedit.Width32{}
	if f.FileHeader.Magic == types.Magic64 {
		width = linkedit.Width64{}
	}

	headerSize := uint32(28) // mach_header: magic,cpu,subcpu,filetype,ncmds,sizeofcmds,flags
	if f.FileHeader.Magic == types.Magic64 {
		headerSize = 32 // mach_header_64 adds a reserved uint32
	}

	c := &Context{
		f:              f,
		buf:            buf,
		width:          width,
		loadCmdsOffset: headerSize,
	}
	if err := c.walkLoadCommands(); err != nil {
		return nil, err
	}

	text := f.Segment("__TEXT")
	if text == nil {
		return nil, errors.Wrap(linkedit.ErrMissingSegment, "__TEXT")
	}
	// header_space is the gap between the start of the load commands and
	// the first byte of actual code; __text's file offset is the tightest bound we
	// have on that, falling back to __TEXT's own start if absent.
	c.headerSpace = uint32(text.Offset) - c.loadCmdsOffset
	if sect := f.Section("__TEXT", "__text"); sect != nil {
		c.headerSpace = uint32(sect.Offset) - c.loadCmdsOffset
	}

	return c, nil
}

// walkLoadCommands re-derives each load command's file offset by summing
// cmdsize in header order, matching f.Loads' own order. go-macho's Load
// values don't carry their source offset, so this is the one place we
// reconstruct it.
func (c *Context) walkLoadCommands() error {
	off := c.loadCmdsOffset
	c.lcOffsets = make([]uint32, len(c.f.Loads))
	for i, l := range c.f.Loads {
		c.lcOffsets[i] = off
		raw := l.Raw()
		if len(raw) < 8 {
			return errors.Errorf("load command %d is shorter than the cmd/cmdsize prologue", i)
		}
		off += uint32(len(raw))
	}
	return nil
}

func (c *Context) ByteOrder() binary.ByteOrder { return c.f.ByteOrder }
func (c *Context) Width() linkedit.Width       { return c.width }
func (c *Context) Bytes() []byte               { return c.buf }
func (c *Context) HeaderSpace() uint32         { return c.headerSpace }
func (c *Context) LoadCommandsOffset() uint32  { return c.loadCmdsOffset }
func (c *Context) NCommands() uint32           { return c.f.FileHeader.NCommands }
func (c *Context) SizeOfCommands() uint32      { return c.f.FileHeader.SizeCommands }

func (c *Context) SetNCommands(n uint32) {
	c.f.FileHeader.NCommands = n
	c.order().PutUint32(c.buf[16:], n)
}

func (c *Context) SetSizeOfCommands(n uint32) {
	c.f.FileHeader.SizeCommands = n
	c.order().PutUint32(c.buf[20:], n)
}

func (c *Context) order() binary.ByteOrder { return c.f.ByteOrder }

func (c *Context) Segment(name string) (linkedit.Segment, bool) {
	s := c.f.Segment(name)
	if s == nil {
		return linkedit.Segment{}, false
	}
	return linkedit.Segment{
		Name:       s.Name,
		VMAddr:     s.Addr,
		VMSize:     s.Memsz,
		FileOffset: s.Offset,
		FileSize:   s.Filesz,
	}, true
}

// Byte offsets of vmsize/filesize within a raw segment command,
// past the cmd/cmdsize/segname[16] prologue common to both widths.
const (
	segment32VMSizeField   = 28
	segment32FileSizeField = 36
	segment64VMSizeField   = 32
	segment64FileSizeField = 48
)

// SetSegmentSize patches vmsize/filesize directly into the raw segment
// command bytes aliasing buf. go-macho's *Segment is a detached copy
// once parsed, so mutating it wouldn't be visible to anything that reads
// the mapping afterward (including a later re-parse).
func (c *Context) SetSegmentSize(name string, vmsize, filesize uint64) {
	for i, l := range c.f.Loads {
		seg, ok := l.(*macho.Segment)
		if !ok || seg.Name != name {
			continue
		}
		raw, ok := c.rawFor(i)
		if !ok {
			return
		}
		order := c.order()
		if _, is64 := c.width.(linkedit.Width64); is64 {
			order.PutUint64(raw[segment64VMSizeField:], vmsize)
			order.PutUint64(raw[segment64FileSizeField:], filesize)
		} else {
			order.PutUint32(raw[segment32VMSizeField:], uint32(vmsize))
			order.PutUint32(raw[segment32FileSizeField:], uint32(filesize))
		}
		seg.Memsz = vmsize
		seg.Filesz = filesize
		return
	}
}

func (c *Context) rawFor(i int) ([]byte, bool) {
	if i < 0 || i >= len(c.lcOffsets) {
		return nil, false
	}
	raw := c.f.Loads[i].Raw()
	off := c.lcOffsets[i]
	return c.buf[off : off+uint32(len(raw))], true
}

func (c *Context) Section(seg, sect string) (linkedit.Section, bool) {
	s := c.f.Section(seg, sect)
	if s == nil {
		return linkedit.Section{}, false
	}
	return linkedit.Section{
		Name:       s.Name,
		Addr:       s.Addr,
		Size:       s.Size,
		FileOffset: uint32(s.Offset),
	}, true
}

func (c *Context) LoadCommands() []linkedit.LoadCommand {
	out := make([]linkedit.LoadCommand, len(c.f.Loads))
	for i := range c.f.Loads {
		out[i] = &rawLoadCommand{c: c, index: i}
	}
	return out
}

func (c *Context) FindLoadCommand(cmds ...uint32) (linkedit.LoadCommand, bool) {
	for i, l := range c.f.Loads {
		cmd := uint32(l.Command())
		for _, want := range cmds {
			if cmd == want {
				return &rawLoadCommand{c: c, index: i}, true
			}
		}
	}
	return nil, false
}

func (c *Context) ConvertAddr(vmaddr uint64) (uint64, []byte, bool) {
	off, err := c.f.GetOffset(vmaddr)
	if err != nil {
		return 0, nil, false
	}
	return off, c.buf[off:], true
}

// rawLoadCommand is a linkedit.LoadCommand view onto one of c.f.Loads,
// backed by the byte range in c.buf that actually aliases the writable
// mapping, rather than go-macho's parsed (and detached) representation.
type rawLoadCommand struct {
	c     *Context
	index int
}

func (r *rawLoadCommand) Command() uint32 {
	return uint32(r.c.f.Loads[r.index].Command())
}

func (r *rawLoadCommand) CommandSize() uint32 {
	return uint32(len(r.c.f.Loads[r.index].Raw()))
}

func (r *rawLoadCommand) Raw() []byte {
	raw, _ := r.c.rawFor(r.index)
	return raw
}
