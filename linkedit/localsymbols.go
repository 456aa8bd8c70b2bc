package linkedit

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// localSymbolsInfoHeaderSize is the encoded size of
// dyld_cache_local_symbols_info; localSymbolsEntrySize32 /
// localSymbolsEntrySize64 are the encoded sizes of one entry table element
// for the old and new cache layouts respectively. Both layouts share the
// same info header shape; only the entry record differs.
const (
	localSymbolsInfoHeaderSize = 24 // nlistOffset, nlistCount, stringsOffset, stringsSize, entriesOffset, entriesCount: 6 * uint32
	localSymbolsEntrySize32    = 12 // dylibOffset uint32, nlistStartIndex uint32, nlistCount uint32
	localSymbolsEntrySize64    = 16 // dylibOffset uint64, nlistStartIndex uint32, nlistCount uint32
)

// localSymbolsInfo mirrors dyld_cache_local_symbols_info.
type localSymbolsInfo struct {
	NlistOffset   uint32
	NlistCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	EntriesOffset uint32
	EntriesCount  uint32
}

func decodeLocalSymbolsInfo(b []byte, order binary.ByteOrder) localSymbolsInfo {
	return localSymbolsInfo{
		NlistOffset:   order.Uint32(b[0:4]),
		NlistCount:    order.Uint32(b[4:8]),
		StringsOffset: order.Uint32(b[8:12]),
		StringsSize:   order.Uint32(b[12:16]),
		EntriesOffset: order.Uint32(b[16:20]),
		EntriesCount:  order.Uint32(b[20:24]),
	}
}

// localSymbolsEntry is the width-erased form of both
// dyld_cache_local_symbols_entry (old, 32-bit dylib offset) and
// dyld_cache_local_symbols_entry_64 (new cache, 64-bit dylib offset).
type localSymbolsEntry struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

// RecoveredLocalSymbols is the nlist range and owning string blob
// belonging to one image, as found in the symbols subcache.
type RecoveredLocalSymbols struct {
	Nlists  []Nlist
	Strings []byte
}

// RecoverLocalSymbols implements spec.md §4.4: it locates the symbols
// subcache, probes whether the cache header uses the old (32-bit
// dylibOffset) or new (64-bit, keyed off symbolFileUUID's presence)
// entry layout, then linear-scans the entry table for the one entry
// whose dylibOffset equals imageOffsetInCache (the image's mach_header
// offset from the start of the first mapping).
//
// It returns ErrRedactedSymbolsUnrecoverable, wrapped with context, when
// the symbols subcache is absent or no entry matches — a recoverable
// condition callers should log and continue past, not abort on.
func RecoverLocalSymbols(dCtx DyldContext, width Width, order binary.ByteOrder, imageOffsetInCache uint64) (RecoveredLocalSymbols, error) {
	sub, ok := dCtx.SymbolsCache()
	if !ok {
		return RecoveredLocalSymbols{}, errors.Wrap(ErrRedactedSymbolsUnrecoverable, "no symbols subcache present")
	}

	buf := sub.Bytes()
	off := dCtx.LocalSymbolsOffset()
	if off+localSymbolsInfoHeaderSize > uint64(len(buf)) {
		return RecoveredLocalSymbols{}, errors.Wrap(ErrRedactedSymbolsUnrecoverable, "local symbols info out of range")
	}
	info := decodeLocalSymbolsInfo(buf[off:], order)

	entrySize := localSymbolsEntrySize32
	newLayout := dCtx.HasSymbolFileUUID()
	if newLayout {
		entrySize = localSymbolsEntrySize64
	}

	entriesStart := off + uint64(info.EntriesOffset)
	var found *localSymbolsEntry
	for i := uint32(0); i < info.EntriesCount; i++ {
		recOff := entriesStart + uint64(i)*uint64(entrySize)
		if recOff+uint64(entrySize) > uint64(len(buf)) {
			break
		}
		rec := buf[recOff:]
		var e localSymbolsEntry
		if newLayout {
			e = localSymbolsEntry{
				DylibOffset:     order.Uint64(rec[0:8]),
				NlistStartIndex: order.Uint32(rec[8:12]),
				NlistCount:      order.Uint32(rec[12:16]),
			}
		} else {
			e = localSymbolsEntry{
				DylibOffset:     uint64(order.Uint32(rec[0:4])),
				NlistStartIndex: order.Uint32(rec[4:8]),
				NlistCount:      order.Uint32(rec[8:12]),
			}
		}
		if e.DylibOffset == imageOffsetInCache {
			found = &e
			break
		}
	}
	if found == nil {
		return RecoveredLocalSymbols{}, errors.Wrapf(ErrRedactedSymbolsUnrecoverable,
			"no local symbols entry for image at offset %#x", imageOffsetInCache)
	}

	nlistBase := off + uint64(info.NlistOffset) + uint64(found.NlistStartIndex)*uint64(width.NlistSize())
	nlists := make([]Nlist, found.NlistCount)
	for i := uint32(0); i < found.NlistCount; i++ {
		recOff := nlistBase + uint64(i)*uint64(width.NlistSize())
		if recOff+uint64(width.NlistSize()) > uint64(len(buf)) {
			return RecoveredLocalSymbols{}, errors.Wrap(ErrRedactedSymbolsUnrecoverable, "nlist range exceeds subcache bounds")
		}
		nlists[i] = width.DecodeNlist(buf[recOff:], order)
	}

	strOff := off + uint64(info.StringsOffset)
	strEnd := strOff + uint64(info.StringsSize)
	if strEnd > uint64(len(buf)) {
		return RecoveredLocalSymbols{}, errors.Wrap(ErrRedactedSymbolsUnrecoverable, "strings range exceeds subcache bounds")
	}

	return RecoveredLocalSymbols{
		Nlists:  nlists,
		Strings: buf[strOff:strEnd],
	}, nil
}

// RecoverLocalSymbolsLogged is a thin wrapper that logs and swallows
// ErrRedactedSymbolsUnrecoverable instead of propagating it, matching the
// optimizer's pipeline contract that local-symbol recovery failure never
// aborts reconstruction of the rest of the image.
func RecoverLocalSymbolsLogged(dCtx DyldContext, width Width, order binary.ByteOrder, imageOffsetInCache uint64, logger ActivityLogger) (RecoveredLocalSymbols, bool) {
	rec, err := RecoverLocalSymbols(dCtx, width, order, imageOffsetInCache)
	if err != nil {
		log.Warnf("local symbol recovery: %v", err)
		logger.Update("", "local symbols unrecoverable, continuing without them")
		return RecoveredLocalSymbols{}, false
	}
	return rec, true
}
