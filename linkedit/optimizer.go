package linkedit

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
	redactedSymbolName  = "<redacted>"
)

// Byte offsets of the offset/size fields inside each load command's Raw(),
// relative to the cmd/cmdsize prologue. Derived from the field order of
// github.com/blacktop/go-macho/types.{SymtabCmd,DysymtabCmd,DyldInfoCmd,
// LinkEditDataCmd}: every field is a plain uint32, so offsets are just 8
// plus 4 times the field's position after Len.
const (
	symtabSymoffField  = 8
	symtabNsymsField   = 12
	symtabStroffField  = 16
	symtabStrsizeField = 20

	dysymtabIlocalsymField      = 8
	dysymtabNlocalsymField      = 12
	dysymtabIextdefsymField     = 16
	dysymtabNextdefsymField     = 20
	dysymtabIundefsymField      = 24
	dysymtabNundefsymField      = 28
	dysymtabIndirectsymoffField = 56
	dysymtabNindirectsymsField  = 60

	dyldInfoBindOffField      = 16
	dyldInfoBindSizeField     = 20
	dyldInfoWeakBindOffField  = 24
	dyldInfoWeakBindSizeField = 28
	dyldInfoLazyBindOffField  = 32
	dyldInfoLazyBindSizeField = 36
	dyldInfoExportOffField    = 40
	dyldInfoExportSizeField   = 44

	linkeditDataOffsetField = 8
	linkeditDataSizeField   = 12
)

// Result carries the per-image bookkeeping the optimizer produces beyond
// the mutated Mach-O fields themselves, for any downstream pass (e.g.
// stub fixing) that needs to know about the reserved tail slots.
type Result struct {
	HasRedactedIndirect   bool
	RedactedIndirectCount uint32
	FinalLinkeditSize     uint32
}

// Optimizer runs the fixed fifteen-pass LINKEDIT reconstruction pipeline
// of one Mach-O image against a freshly allocated buffer.
type Optimizer struct {
	mCtx   MachoContext
	dCtx   DyldContext
	width  Width
	order  binary.ByteOrder
	logger ActivityLogger
}

// NewOptimizer builds an Optimizer for one image. dCtx may be nil, in
// which case local-symbol recovery is always treated as unavailable.
// logger may be nil, in which case progress updates are discarded.
func NewOptimizer(mCtx MachoContext, dCtx DyldContext, logger ActivityLogger) *Optimizer {
	if logger == nil {
		logger = NopActivityLogger{}
	}
	return &Optimizer{
		mCtx:   mCtx,
		dCtx:   dCtx,
		width:  mCtx.Width(),
		order:  mCtx.ByteOrder(),
		logger: logger,
	}
}

// Reconstruct runs the pipeline and returns the live Tracker it built
// (for any further insertions a caller performs) together with a Result
// summary. imageOffsetInCache is only consulted if dCtx is non-nil; it is
// the key local-symbol recovery matches against (§4.4).
func (o *Optimizer) Reconstruct(imageOffsetInCache uint64) (*Tracker, Result, error) {
	AuditLoadCommands(o.mCtx, o.logger)

	if _, ok := o.mCtx.Segment("__TEXT"); !ok {
		return nil, Result{}, errors.Wrap(ErrMissingSegment, "__TEXT")
	}
	leSeg, ok := o.mCtx.Segment("__LINKEDIT")
	if !ok {
		return nil, Result{}, errors.Wrap(ErrMissingSegment, "__LINKEDIT")
	}

	symtabLC, ok := o.mCtx.FindLoadCommand(uint32(types.LC_SYMTAB))
	if !ok {
		return nil, Result{}, errors.Wrap(ErrMissingSymtab, "LC_SYMTAB")
	}
	dysymtabLC, ok := o.mCtx.FindLoadCommand(uint32(types.LC_DYSYMTAB))
	if !ok {
		return nil, Result{}, errors.Wrap(ErrMissingSymtab, "LC_DYSYMTAB")
	}

	linkeditFileOffset := uint32(leSeg.FileOffset)
	linkeditCapacity := uint32(leSeg.VMSize)
	dst := make([]byte, linkeditCapacity)
	src := o.mCtx.Bytes()

	p := &pipeline{
		o:                  o,
		src:                src,
		dst:                dst,
		order:              o.order,
		width:              o.width,
		linkeditFileOffset: linkeditFileOffset,
		symtabLC:           symtabLC,
		dysymtabLC:         dysymtabLC,
		pool:               NewStringPool(),
	}

	p.readOriginalSymtab()

	p.copyOpcodeStreams()
	p.buildSymbolEntries(imageOffsetInCache)
	p.copyFunctionStartsAndDataInCode()
	p.copyIndirectSymbolTable()
	p.writeStringPool()

	if p.offset > linkeditCapacity {
		return nil, Result{}, errors.Errorf("reconstructed linkedit size %#x exceeds capacity %#x", p.offset, linkeditCapacity)
	}

	tracker, err := NewTracker(o.mCtx, linkeditFileOffset, linkeditCapacity, p.regions)
	if err != nil {
		return nil, Result{}, errors.Wrap(err, "building tracker over reconstructed regions")
	}

	copy(src[linkeditFileOffset:linkeditFileOffset+p.offset], dst[:p.offset])
	for i := p.offset; i < linkeditCapacity; i++ {
		src[linkeditFileOffset+i] = 0
	}

	o.mCtx.SetSegmentSize("__LINKEDIT", uint64(p.offset), uint64(p.offset))

	o.logger.Update("", "linkedit reconstruction complete")
	log.Debugf("reconstructed linkedit: %d bytes, nsyms=%d, redacted=%v", p.offset, p.newNsyms, p.hasRedactedIndirect)

	return tracker, Result{
		HasRedactedIndirect:   p.hasRedactedIndirect,
		RedactedIndirectCount: p.redactedIndirectCount,
		FinalLinkeditSize:     p.offset,
	}, nil
}

// pipeline carries the mutable state threaded through the fifteen passes.
// It exists only for the duration of one Reconstruct call.
type pipeline struct {
	o     *Optimizer
	src   []byte
	dst   []byte
	order binary.ByteOrder
	width Width

	linkeditFileOffset uint32
	symtabLC           LoadCommand
	dysymtabLC         LoadCommand

	offset  uint32
	regions []Region
	pool    *StringPool

	// original (pre-reconstruction) symtab/dysymtab state
	oldSymoff      uint32
	oldNsyms       uint32
	oldStroff      uint32
	oldStrsize     uint32
	oldIlocalsym   uint32
	oldNlocalsym   uint32
	oldIextdefsym  uint32
	oldNextdefsym  uint32
	oldIundefsym   uint32
	oldNundefsym   uint32
	oldIndirectOff uint32
	oldNindirect   uint32

	remap map[uint32]uint32

	hasRedactedIndirect    bool
	redactedIndirectCount  uint32
	redactedStrx           uint32
	symEntriesStart        uint32
	newIlocalsym           uint32
	newNlocalsym           uint32
	newIextdefsym          uint32
	newNextdefsym          uint32
	newIundefsym           uint32
	newNundefsym           uint32
	newNsyms               uint32
}

func (p *pipeline) readOriginalSymtab() {
	sraw := p.symtabLC.Raw()
	p.oldSymoff = p.order.Uint32(sraw[symtabSymoffField:])
	p.oldNsyms = p.order.Uint32(sraw[symtabNsymsField:])
	p.oldStroff = p.order.Uint32(sraw[symtabStroffField:])
	p.oldStrsize = p.order.Uint32(sraw[symtabStrsizeField:])

	draw := p.dysymtabLC.Raw()
	p.oldIlocalsym = p.order.Uint32(draw[dysymtabIlocalsymField:])
	p.oldNlocalsym = p.order.Uint32(draw[dysymtabNlocalsymField:])
	p.oldIextdefsym = p.order.Uint32(draw[dysymtabIextdefsymField:])
	p.oldNextdefsym = p.order.Uint32(draw[dysymtabNextdefsymField:])
	p.oldIundefsym = p.order.Uint32(draw[dysymtabIundefsymField:])
	p.oldNundefsym = p.order.Uint32(draw[dysymtabNundefsymField:])
	p.oldIndirectOff = p.order.Uint32(draw[dysymtabIndirectsymoffField:])
	p.oldNindirect = p.order.Uint32(draw[dysymtabNindirectsymsField:])
}

func (p *pipeline) oldNlistAt(i uint32) Nlist {
	off := p.oldSymoff + i*p.width.NlistSize()
	return p.width.DecodeNlist(p.src[off:], p.order)
}

func (p *pipeline) oldStringAt(strx uint32) string {
	return readCString(p.src, p.oldStroff+strx)
}

func readCString(buf []byte, off uint32) string {
	end := off
	for end < uint32(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

// trackVerbatim copies src[srcOff:srcOff+srcSize] to the current cursor,
// tracks it under tag/field, advances the cursor past the 8-aligned
// region, and writes the new offset back into field.
func (p *pipeline) trackVerbatim(tag Tag, field OffsetField, srcOff, srcSize uint32) {
	start := p.offset
	if srcSize > 0 {
		copy(p.dst[start:], p.src[srcOff:srcOff+srcSize])
	}
	size := Align(srcSize, 8)
	p.regions = append(p.regions, Region{Tag: tag, OffsetField: field, DataOffset: start, DataSize: size})
	field.Set(p.order, p.linkeditFileOffset+start)
	p.offset = start + size
}

// copyOpcodeStreams implements passes 1-4: bind, weak-bind, lazy-bind,
// and export info (trie or dyld_info variant), each copied verbatim.
func (p *pipeline) copyOpcodeStreams() {
	if lc, ok := p.o.mCtx.FindLoadCommand(uint32(types.LC_DYLD_INFO), uint32(types.LC_DYLD_INFO_ONLY)); ok {
		raw := lc.Raw()
		p.trackVerbatim(TagBindInfo, OffsetField{LC: lc, ByteOffset: dyldInfoBindOffField},
			p.order.Uint32(raw[dyldInfoBindOffField:]), p.order.Uint32(raw[dyldInfoBindSizeField:]))
		p.trackVerbatim(TagWeakBindInfo, OffsetField{LC: lc, ByteOffset: dyldInfoWeakBindOffField},
			p.order.Uint32(raw[dyldInfoWeakBindOffField:]), p.order.Uint32(raw[dyldInfoWeakBindSizeField:]))
		p.trackVerbatim(TagLazyBindInfo, OffsetField{LC: lc, ByteOffset: dyldInfoLazyBindOffField},
			p.order.Uint32(raw[dyldInfoLazyBindOffField:]), p.order.Uint32(raw[dyldInfoLazyBindSizeField:]))

		if _, hasTrie := p.o.mCtx.FindLoadCommand(uint32(types.LC_DYLD_EXPORTS_TRIE)); !hasTrie {
			p.trackVerbatim(TagExportInfo, OffsetField{LC: lc, ByteOffset: dyldInfoExportOffField},
				p.order.Uint32(raw[dyldInfoExportOffField:]), p.order.Uint32(raw[dyldInfoExportSizeField:]))
		}
	}
	if lc, ok := p.o.mCtx.FindLoadCommand(uint32(types.LC_DYLD_EXPORTS_TRIE)); ok {
		raw := lc.Raw()
		p.trackVerbatim(TagExportTrie, OffsetField{LC: lc, ByteOffset: linkeditDataOffsetField},
			p.order.Uint32(raw[linkeditDataOffsetField:]), p.order.Uint32(raw[linkeditDataSizeField:]))
	}
}

// buildSymbolEntries implements passes 5-10: the combined symbol-entries
// region (redacted-indirect placeholder, public locals, recovered
// redacted locals, exported, imported, reserved tail slots), and the
// dysymtab/symtab bookkeeping that names it.
func (p *pipeline) buildSymbolEntries(imageOffsetInCache uint64) {
	p.symEntriesStart = p.offset
	p.remap = make(map[uint32]uint32, p.oldNextdefsym+p.oldNundefsym)

	// Pass 6: redacted-indirect probe.
	for i := uint32(0); i < p.oldNindirect; i++ {
		e := p.order.Uint32(p.src[p.oldIndirectOff+i*4:])
		if e == 0 {
			p.redactedIndirectCount++
		}
	}
	newIdx := uint32(0)
	if p.redactedIndirectCount > 0 {
		p.hasRedactedIndirect = true
		p.redactedStrx = p.pool.Add(redactedSymbolName)
		placeholder := Nlist{Strx: p.redactedStrx, Type: 1}
		p.width.EncodeNlist(placeholder, p.dst[p.offset:], p.order)
		p.offset += p.width.NlistSize()
		newIdx++
	}

	// Pass 7: local symbols (public, then recovered redacted).
	p.newIlocalsym = newIdx
	for i := uint32(0); i < p.oldNlocalsym; i++ {
		n := p.oldNlistAt(p.oldIlocalsym + i)
		name := p.oldStringAt(n.Strx)
		if name == redactedSymbolName {
			continue
		}
		n.Strx = p.pool.Add(name)
		p.width.EncodeNlist(n, p.dst[p.offset:], p.order)
		p.offset += p.width.NlistSize()
		newIdx++
	}
	if p.o.dCtx != nil {
		if rec, ok := RecoverLocalSymbolsLogged(p.o.dCtx, p.width, p.order, imageOffsetInCache, p.o.logger); ok {
			for _, n := range rec.Nlists {
				name := readCString(rec.Strings, n.Strx)
				n.Strx = p.pool.Add(name)
				p.width.EncodeNlist(n, p.dst[p.offset:], p.order)
				p.offset += p.width.NlistSize()
				newIdx++
			}
		}
	}
	p.newNlocalsym = newIdx - p.newIlocalsym

	// Pass 8: exported symbols.
	p.newIextdefsym = newIdx
	for i := uint32(0); i < p.oldNextdefsym; i++ {
		oldIdx := p.oldIextdefsym + i
		n := p.oldNlistAt(oldIdx)
		n.Strx = p.pool.Add(p.oldStringAt(n.Strx))
		p.width.EncodeNlist(n, p.dst[p.offset:], p.order)
		p.offset += p.width.NlistSize()
		p.remap[oldIdx] = newIdx
		newIdx++
	}
	p.newNextdefsym = newIdx - p.newIextdefsym

	// Pass 9: imported symbols.
	p.newIundefsym = newIdx
	for i := uint32(0); i < p.oldNundefsym; i++ {
		oldIdx := p.oldIundefsym + i
		n := p.oldNlistAt(oldIdx)
		n.Strx = p.pool.Add(p.oldStringAt(n.Strx))
		p.width.EncodeNlist(n, p.dst[p.offset:], p.order)
		p.offset += p.width.NlistSize()
		p.remap[oldIdx] = newIdx
		newIdx++
	}
	p.newNundefsym = newIdx - p.newIundefsym
	p.newNsyms = newIdx

	// Pass 10: reserve tail slots for redacted indirects, then close the
	// region out to an 8-byte boundary and update symtab/dysymtab.
	p.offset += p.redactedIndirectCount * p.width.NlistSize()
	size := Align(p.offset-p.symEntriesStart, 8)
	field := OffsetField{LC: p.symtabLC, ByteOffset: symtabSymoffField}
	p.regions = append(p.regions, Region{Tag: TagSymbolEntries, OffsetField: field, DataOffset: p.symEntriesStart, DataSize: size})
	field.Set(p.order, p.linkeditFileOffset+p.symEntriesStart)
	p.order.PutUint32(p.symtabLC.Raw()[symtabNsymsField:], p.newNsyms)
	p.offset = p.symEntriesStart + size

	draw := p.dysymtabLC.Raw()
	p.order.PutUint32(draw[dysymtabIlocalsymField:], p.newIlocalsym)
	p.order.PutUint32(draw[dysymtabNlocalsymField:], p.newNlocalsym)
	p.order.PutUint32(draw[dysymtabIextdefsymField:], p.newIextdefsym)
	p.order.PutUint32(draw[dysymtabNextdefsymField:], p.newNextdefsym)
	p.order.PutUint32(draw[dysymtabIundefsymField:], p.newIundefsym)
	p.order.PutUint32(draw[dysymtabNundefsymField:], p.newNundefsym)
}

// copyFunctionStartsAndDataInCode implements passes 11-12.
func (p *pipeline) copyFunctionStartsAndDataInCode() {
	if lc, ok := p.o.mCtx.FindLoadCommand(uint32(types.LC_FUNCTION_STARTS)); ok {
		raw := lc.Raw()
		p.trackVerbatim(TagFunctionStarts, OffsetField{LC: lc, ByteOffset: linkeditDataOffsetField},
			p.order.Uint32(raw[linkeditDataOffsetField:]), p.order.Uint32(raw[linkeditDataSizeField:]))
	}
	if lc, ok := p.o.mCtx.FindLoadCommand(uint32(types.LC_DATA_IN_CODE)); ok {
		raw := lc.Raw()
		p.trackVerbatim(TagDataInCode, OffsetField{LC: lc, ByteOffset: linkeditDataOffsetField},
			p.order.Uint32(raw[linkeditDataOffsetField:]), p.order.Uint32(raw[linkeditDataSizeField:]))
	}
}

// copyIndirectSymbolTable implements pass 13: sentinel entries
// (INDIRECT_SYMBOL_ABS, INDIRECT_SYMBOL_LOCAL, or zero) are preserved
// verbatim; every other entry is rewritten through the remapping table
// built in buildSymbolEntries. This is the "intended" reading of the
// Open Question in spec.md §9: preserve sentinels, then remap — not an
// unconditional overwrite after the sentinel branch.
func (p *pipeline) copyIndirectSymbolTable() {
	if p.oldNindirect == 0 {
		return
	}
	start := p.offset
	for i := uint32(0); i < p.oldNindirect; i++ {
		e := p.order.Uint32(p.src[p.oldIndirectOff+i*4:])
		if e == 0 || e&indirectSymbolLocal != 0 || e&indirectSymbolAbs != 0 {
			p.order.PutUint32(p.dst[p.offset:], e)
		} else if newIdx, ok := p.remap[e]; ok {
			p.order.PutUint32(p.dst[p.offset:], newIdx)
		} else {
			// No remapping entry: the original index pointed at a local
			// symbol, which carries no stable new index. Preserve the
			// original value rather than fabricate one.
			p.order.PutUint32(p.dst[p.offset:], e)
		}
		p.offset += 4
	}
	size := Align(p.offset-start, 8)
	field := OffsetField{LC: p.dysymtabLC, ByteOffset: dysymtabIndirectsymoffField}
	p.regions = append(p.regions, Region{Tag: TagIndirectSymtab, OffsetField: field, DataOffset: start, DataSize: size})
	field.Set(p.order, p.linkeditFileOffset+start)
	p.offset = start + size
}

// writeStringPool implements pass 14.
func (p *pipeline) writeStringPool() {
	start := p.offset
	n := p.pool.Write(p.dst[start:])
	size := Align(n, 8)
	field := OffsetField{LC: p.symtabLC, ByteOffset: symtabStroffField}
	p.regions = append(p.regions, Region{Tag: TagStringPool, OffsetField: field, DataOffset: start, DataSize: size})
	field.Set(p.order, p.linkeditFileOffset+start)
	p.order.PutUint32(p.symtabLC.Raw()[symtabStrsizeField:], n)
	p.offset = start + size
}
