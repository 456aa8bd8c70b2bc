// Package dsccache adapts a memory-mapped dyld shared cache (and its
// separate symbols subcache) to the linkedit.DyldContext contract.
package dsccache

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-dsc-relink/linkedit"
)

// headerPrefix mirrors the leading fields of dyld_cache_header, stopping
// right before symbolFileUUID — the field whose presence the old/new
// cache layout probe hinges on. Field names/order follow
// blacktop-ipsw's pkg/dyld.CacheHeader; fields this adapter never
// consults are kept as anonymous padding to preserve the exact wire
// size binary.Read needs to land on the right byte for every field
// after it.
type headerPrefix struct {
	Magic                 [16]byte
	MappingOffset         uint32
	MappingCount          uint32
	_, _                  uint32 // imagesOffsetOld, imagesCountOld
	_                     uint64 // dyldBaseAddress
	_, _                  uint64 // codeSignatureOffset, codeSignatureSize
	_, _                  uint64 // slideInfoOffsetUnused, slideInfoSizeUnused
	LocalSymbolsOffset    uint64
	LocalSymbolsSize      uint64
	UUID                  [16]byte
	_                     uint32 // cacheType
	_, _                  uint32 // branchPoolsOffset, branchPoolsCount
	_, _                  uint64 // accelerateInfoAddr, accelerateInfoSize
	_, _                  uint64 // imagesTextOffset, imagesTextCount
	_, _                  uint64 // patchInfoAddr, patchInfoSize
	_, _                  uint64 // otherImageGroupAddrUnused, otherImageGroupSizeUnused
	_, _                  uint64 // progClosuresAddr, progClosuresSize
	_, _                  uint64 // progClosuresTrieAddr, progClosuresTrieSize
	_                     uint32 // platform
	_                     uint32 // formatVersion
	SharedRegionStart     uint64
	SharedRegionSize      uint64
	_                     uint64 // maxSlide
	_, _                  uint64 // dylibsImageArrayAddr, dylibsImageArraySize
	_, _                  uint64 // dylibsTrieAddr, dylibsTrieSize
	_, _                  uint64 // otherImageArrayAddr, otherImageArraySize
	_, _                  uint64 // otherTrieAddr, otherTrieSize
	_, _                  uint32 // mappingWithSlideOffset, mappingWithSlideCount
	_                     uint64 // dylibsPblStateArrayAddrUnused
	_                     uint64 // dylibsPblSetAddr
	_, _                  uint64 // programsPblSetPoolAddr, programsPblSetPoolSize
	_                     uint64 // programTrieAddr
	_                     uint32 // programTrieSize
	_, _, _               uint32 // osVersion, altPlatform, altOsVersion
	_, _                  uint64 // swiftOptsOffset, swiftOptsSize
	_, _                  uint32 // subCacheArrayOffset, subCacheArrayCount
}

// symbolFileUUIDOffset is computed from the tightly packed (no padding)
// wire size binary.Read assigns headerPrefix, rather than hand-counted,
// so a miscounted comment above can't silently produce the wrong probe.
var symbolFileUUIDOffset = uint32(binary.Size(headerPrefix{}))

// Header is the subset of dyld_cache_header this module consults.
type Header struct {
	SharedRegionStart  uint64
	LocalSymbolsOffset uint64
	HasSymbolFileUUID  bool
}

// ParseHeader decodes buf (the start of a mapped primary cache file) far
// enough to answer the old/new local-symbols layout question: it reads the
// fields before symbolFileUUID and reports symbolFileUUID as present only
// if mappingOffset says the header actually extends through it, mirroring
// the original headerContainsMember probe —
// the header's own mappingOffset field is, by construction, the file
// offset of the first entry after the header, i.e. the header's length.
func ParseHeader(buf []byte) (Header, error) {
	var prefix headerPrefix
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &prefix); err != nil {
		return Header{}, errors.Wrap(err, "decoding dyld cache header")
	}

	h := Header{
		SharedRegionStart:  prefix.SharedRegionStart,
		LocalSymbolsOffset: prefix.LocalSymbolsOffset,
	}
	if prefix.MappingOffset >= symbolFileUUIDOffset+16 {
		h.HasSymbolFileUUID = true
	}
	return h, nil
}

// Subcache is a read-only memory mapping of one dyld shared subcache
// file (here, specifically the one holding stripped local symbols).
type Subcache struct {
	data []byte
}

func (s *Subcache) Bytes() []byte { return s.data }

// MapSubcache mmaps path read-only and returns a Subcache backed by it.
// Callers must call Close when done to release the mapping.
func MapSubcache(path string) (*Subcache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening subcache %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stating subcache %s", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmapping subcache %s", path)
	}
	return &Subcache{data: data}, nil
}

// Close unmaps the subcache's backing memory.
func (s *Subcache) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// Context implements linkedit.DyldContext over a parsed Header and an
// optionally-present symbols subcache.
type Context struct {
	header   Header
	symbols  *Subcache
	hasSyms  bool
}

// New builds a Context. symbols may be nil when the symbols subcache
// could not be located or mapped — RecoverLocalSymbols then reports
// ErrRedactedSymbolsUnrecoverable, as spec'd.
func New(header Header, symbols *Subcache) *Context {
	return &Context{header: header, symbols: symbols, hasSyms: symbols != nil}
}

var _ linkedit.DyldContext = (*Context)(nil)

func (c *Context) SharedRegionStart() uint64  { return c.header.SharedRegionStart }
func (c *Context) HasSymbolFileUUID() bool    { return c.header.HasSymbolFileUUID }
func (c *Context) LocalSymbolsOffset() uint64 { return c.header.LocalSymbolsOffset }

func (c *Context) SymbolsCache() (linkedit.SubcacheContext, bool) {
	if !c.hasSyms {
		return nil, false
	}
	return c.symbols, true
}
