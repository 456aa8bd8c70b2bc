package linkedit

import "encoding/binary"

// Segment mirrors the fields of a Mach-O segment that the optimizer needs:
// its address-space window and where its bytes live in the file.
type Segment struct {
	Name       string
	VMAddr     uint64
	VMSize     uint64
	FileOffset uint64
	FileSize   uint64
}

// Section is the subset of a Mach-O section the optimizer cares about.
type Section struct {
	Name       string
	Addr       uint64
	Size       uint64
	FileOffset uint32
}

// LoadCommand is a mutable view onto one load command's raw bytes inside
// the mapped Mach-O header region. Raw includes the 8-byte cmd/cmdsize
// prologue, so field offsets in the tracker are byte offsets into Raw().
type LoadCommand interface {
	Command() uint32
	CommandSize() uint32
	Raw() []byte
}

// MachoContext is the Mach-O side of the collaborator contract from
// spec.md §6: segment/section lookup, typed load-command lookup, and
// address-to-file-offset conversion, backed by a writable, private
// mapping of the image.
type MachoContext interface {
	ByteOrder() binary.ByteOrder
	Width() Width

	Segment(name string) (Segment, bool)
	Section(seg, sect string) (Section, bool)
	// SetSegmentSize updates a segment's vmsize and filesize in the
	// underlying load command. Used once, at the end of reconstruction,
	// to shrink/grow __LINKEDIT to its final written size.
	SetSegmentSize(name string, vmsize, filesize uint64)

	// LoadCommands returns every load command in header order.
	LoadCommands() []LoadCommand
	// FindLoadCommand returns the first load command whose Command() is
	// one of cmds.
	FindLoadCommand(cmds ...uint32) (LoadCommand, bool)

	// ConvertAddr resolves a vmaddr to a file offset and a slice of the
	// backing buffer starting at that offset.
	ConvertAddr(vmaddr uint64) (fileOffset uint64, data []byte, ok bool)

	// Bytes returns the full writable backing buffer of the mapped image.
	Bytes() []byte

	// HeaderSpace is the byte distance from the start of the load-command
	// region (the end of the mach_header) to the start of __TEXT,__text —
	// the ceiling SizeOfCommands may grow to through InsertLoadCommand.
	HeaderSpace() uint32

	// LoadCommandsOffset is the file offset of the first load command,
	// immediately following the mach_header(_64).
	LoadCommandsOffset() uint32
	NCommands() uint32
	SetNCommands(n uint32)
	SizeOfCommands() uint32
	SetSizeOfCommands(n uint32)
}

// SubcacheContext exposes the bytes of a mapped dyld shared cache
// subcache, read-only.
type SubcacheContext interface {
	Bytes() []byte
}

// DyldContext is the dyld shared cache side of the collaborator contract:
// enough of the cache header to locate the separate symbols subcache and
// to distinguish old vs new local-symbol-entry layouts.
type DyldContext interface {
	SharedRegionStart() uint64
	// HasSymbolFileUUID reports whether the cache header extends through
	// the symbolFileUUID field (§4.4: new-cache layout probe).
	HasSymbolFileUUID() bool
	LocalSymbolsOffset() uint64
	SymbolsCache() (SubcacheContext, bool)
}

// ActivityLogger is an opaque progress sink with no ordering contract.
type ActivityLogger interface {
	// Update reports progress on the current task. task, when non-empty,
	// (re)names the current unit of work; message is a human-readable
	// status line.
	Update(task, message string)
}

// NopActivityLogger discards all updates.
type NopActivityLogger struct{}

func (NopActivityLogger) Update(string, string) {}
