package linkedit

import "encoding/binary"

// fakeLoadCommand is a mutable view onto a byte range inside a shared
// buffer, standing in for the real adapters' LoadCommand implementations
// without requiring an actual parsed Mach-O file.
type fakeLoadCommand struct {
	buf  []byte
	off  uint32
	size uint32
	cmd  uint32
}

func (f *fakeLoadCommand) Command() uint32     { return f.cmd }
func (f *fakeLoadCommand) CommandSize() uint32 { return f.size }
func (f *fakeLoadCommand) Raw() []byte         { return f.buf[f.off : f.off+f.size] }

// fakeMachoContext is a minimal, in-memory MachoContext. Load commands are
// real byte ranges inside buf so tests exercise the same Raw()-offset
// arithmetic the real adapters do; segments are plain map entries since
// nothing under test reads a segment command's raw bytes directly.
type fakeMachoContext struct {
	buf   []byte
	order binary.ByteOrder
	width Width

	segments map[string]Segment
	sections map[string]Section

	lcs []*fakeLoadCommand

	loadCmdsOffset uint32
	headerSpace    uint32
	sizeofcmds     uint32
	ncmds          uint32
}

func newFakeMachoContext(bufSize uint32) *fakeMachoContext {
	return &fakeMachoContext{
		buf:            make([]byte, bufSize),
		order:          binary.LittleEndian,
		width:          Width64{},
		segments:       make(map[string]Segment),
		sections:       make(map[string]Section),
		loadCmdsOffset: 32,
		headerSpace:    4096,
	}
}

// addLoadCommand appends a zero-filled command of the given cmd/size at the
// current tail of the load-command region and returns a view onto it.
func (c *fakeMachoContext) addLoadCommand(cmd uint32, size uint32) *fakeLoadCommand {
	off := c.loadCmdsOffset + c.sizeofcmds
	lc := &fakeLoadCommand{buf: c.buf, off: off, size: size, cmd: cmd}
	c.order.PutUint32(lc.Raw()[0:4], cmd)
	c.order.PutUint32(lc.Raw()[4:8], size)
	c.lcs = append(c.lcs, lc)
	c.ncmds++
	c.sizeofcmds += size
	return lc
}

func (c *fakeMachoContext) ByteOrder() binary.ByteOrder { return c.order }
func (c *fakeMachoContext) Width() Width                { return c.width }

func (c *fakeMachoContext) Segment(name string) (Segment, bool) {
	s, ok := c.segments[name]
	return s, ok
}

func (c *fakeMachoContext) SetSegmentSize(name string, vmsize, filesize uint64) {
	s := c.segments[name]
	s.VMSize = vmsize
	s.FileSize = filesize
	c.segments[name] = s
}

func (c *fakeMachoContext) Section(seg, sect string) (Section, bool) {
	s, ok := c.sections[seg+"."+sect]
	return s, ok
}

func (c *fakeMachoContext) LoadCommands() []LoadCommand {
	out := make([]LoadCommand, len(c.lcs))
	for i, lc := range c.lcs {
		out[i] = lc
	}
	return out
}

func (c *fakeMachoContext) FindLoadCommand(cmds ...uint32) (LoadCommand, bool) {
	for _, lc := range c.lcs {
		for _, want := range cmds {
			if lc.cmd == want {
				return lc, true
			}
		}
	}
	return nil, false
}

func (c *fakeMachoContext) ConvertAddr(uint64) (uint64, []byte, bool) { return 0, nil, false }

func (c *fakeMachoContext) Bytes() []byte              { return c.buf }
func (c *fakeMachoContext) HeaderSpace() uint32        { return c.headerSpace }
func (c *fakeMachoContext) LoadCommandsOffset() uint32 { return c.loadCmdsOffset }
func (c *fakeMachoContext) NCommands() uint32          { return c.ncmds }
func (c *fakeMachoContext) SetNCommands(n uint32)      { c.ncmds = n }
func (c *fakeMachoContext) SizeOfCommands() uint32     { return c.sizeofcmds }
func (c *fakeMachoContext) SetSizeOfCommands(n uint32) { c.sizeofcmds = n }

var _ MachoContext = (*fakeMachoContext)(nil)

// fakeSubcache is a plain in-memory SubcacheContext.
type fakeSubcache struct{ data []byte }

func (f *fakeSubcache) Bytes() []byte { return f.data }

var _ SubcacheContext = (*fakeSubcache)(nil)

// fakeDyldContext is a minimal DyldContext for local-symbol recovery tests.
type fakeDyldContext struct {
	sharedRegionStart uint64
	hasUUID           bool
	localSymbolsOff   uint64
	sub               *fakeSubcache
	hasSub            bool
}

func (f *fakeDyldContext) SharedRegionStart() uint64  { return f.sharedRegionStart }
func (f *fakeDyldContext) HasSymbolFileUUID() bool    { return f.hasUUID }
func (f *fakeDyldContext) LocalSymbolsOffset() uint64 { return f.localSymbolsOff }

func (f *fakeDyldContext) SymbolsCache() (SubcacheContext, bool) {
	if !f.hasSub {
		return nil, false
	}
	return f.sub, true
}

var _ DyldContext = (*fakeDyldContext)(nil)
