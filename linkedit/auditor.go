package linkedit

import (
	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
)

// CommandDisposition is the bucket a load command falls into once the
// auditor has classified it, per spec.md §4.6.
type CommandDisposition int

const (
	// DispositionSafe commands carry no file offsets the reconstruction
	// needs to touch; they are copied through verbatim.
	DispositionSafe CommandDisposition = iota
	// DispositionHandled commands are exactly the ones the optimizer's
	// fifteen passes already rewrite (symtab, dysymtab, dyld info,
	// function starts, data in code, export trie).
	DispositionHandled
	// DispositionPossiblyUnhandled commands are known to the auditor but
	// reference file content the optimizer does not currently rewrite;
	// they are logged at warning level since copying them through
	// verbatim may leave stale offsets.
	DispositionPossiblyUnhandled
	// DispositionUnknown commands aren't recognized at all.
	DispositionUnknown
)

func (d CommandDisposition) String() string {
	switch d {
	case DispositionSafe:
		return "safe"
	case DispositionHandled:
		return "handled"
	case DispositionPossiblyUnhandled:
		return "possibly-unhandled"
	default:
		return "unknown"
	}
}

// AuditFinding pairs one load command with its classification.
type AuditFinding struct {
	Command     types.LoadCmd
	Disposition CommandDisposition
}

// handledCommands are the LC_* values the Linkedit Optimizer's fifteen
// passes own: the offset fields of the LINKEDIT regions the optimizer
// copies for them are rewritten to point at the freshly written LINKEDIT.
var handledCommands = map[types.LoadCmd]bool{
	types.LC_SYMTAB:          true,
	types.LC_DYSYMTAB:        true,
	types.LC_DYLD_INFO:        true,
	types.LC_DYLD_INFO_ONLY:    true,
	types.LC_FUNCTION_STARTS:  true,
	types.LC_DATA_IN_CODE:      true,
	types.LC_DYLD_EXPORTS_TRIE: true,
}

// safeCommands carry no LINKEDIT file offsets, or reference regions
// (__TEXT, code signature blob, etc.) reconstruction never relocates.
var safeCommands = map[types.LoadCmd]bool{
	types.LC_SEGMENT:              true,
	types.LC_SEGMENT_64:            true,
	types.LC_UUID:                 true,
	types.LC_LOAD_DYLIB:                true,
	types.LC_ID_DYLIB:               true,
	types.LC_LOAD_WEAK_DYLIB:        true,
	types.LC_REEXPORT_DYLIB:        true,
	types.LC_LAZY_LOAD_DYLIB:        true,
	types.LC_LOAD_UPWARD_DYLIB:      true,
	types.LC_LOAD_DYLINKER:             true,
	types.LC_ID_DYLINKER:           true,
	types.LC_SUB_FRAMEWORK:         true,
	types.LC_SUB_UMBRELLA:          true,
	types.LC_SUB_CLIENT:            true,
	types.LC_SUB_LIBRARY:           true,
	types.LC_RPATH:                true,
	types.LC_VERSION_MIN_MACOSX:     true,
	types.LC_VERSION_MIN_IPHONEOS:   true,
	types.LC_VERSION_MIN_TVOS:       true,
	types.LC_VERSION_MIN_WATCHOS:    true,
	types.LC_BUILD_VERSION:         true,
	types.LC_SOURCE_VERSION:        true,
	types.LC_MAIN:                 true,
	types.LC_UNIXTHREAD:           true,
	types.LC_THREAD:               true,
	types.LC_ENCRYPTION_INFO:       true,
	types.LC_ENCRYPTION_INFO_64:     true,
	types.LC_LINKER_OPTION:         true,
	types.LC_DYLD_ENVIRONMENT:      true,
	types.LC_ROUTINES:             true,
	types.LC_ROUTINES_64:           true,
	types.LC_PREBOUND_DYLIB:        true,
}

// possiblyUnhandledCommands are recognized but reference content this
// module does not currently rewrite; carrying them through unmodified is
// a known gap rather than an oversight, hence "possibly" rather than
// "unhandled" outright — their payload may still be valid if it happens
// not to reference anything reconstruction moved.
var possiblyUnhandledCommands = map[types.LoadCmd]bool{
	types.LC_CODE_SIGNATURE:          true,
	types.LC_TWOLEVEL_HINTS:          true,
	types.LC_SEGMENT_SPLIT_INFO:       true,
	types.LC_DYLIB_CODE_SIGN_DRS:       true,
	types.LC_LINKER_OPTIMIZATION_HINT: true,
	types.LC_DYLD_CHAINED_FIXUPS:      true,
	types.LC_SYMSEG:                 true,
	types.LC_NOTE:                   true,
}

// AuditLoadCommands classifies every load command present in mCtx and
// reports, through logger, any command that isn't DispositionSafe or
// DispositionHandled. It never errors: auditing is purely advisory, and
// unknown commands are still copied through byte-for-byte.
func AuditLoadCommands(mCtx MachoContext, logger ActivityLogger) []AuditFinding {
	cmds := mCtx.LoadCommands()
	findings := make([]AuditFinding, 0, len(cmds))
	for _, lc := range cmds {
		cmd := types.LoadCmd(lc.Command())
		d := classify(cmd)
		findings = append(findings, AuditFinding{Command: cmd, Disposition: d})

		switch d {
		case DispositionPossiblyUnhandled:
			log.Warnf("load command %s references data this reconstruction does not rewrite", cmd)
			logger.Update("", "possibly unhandled load command: "+cmd.String())
		case DispositionUnknown:
			log.Warnf("unrecognized load command %#x, copying through unmodified", lc.Command())
			logger.Update("", "unknown load command copied through unmodified")
		}
	}
	return findings
}

func classify(cmd types.LoadCmd) CommandDisposition {
	switch {
	case handledCommands[cmd]:
		return DispositionHandled
	case safeCommands[cmd]:
		return DispositionSafe
	case possiblyUnhandledCommands[cmd]:
		return DispositionPossiblyUnhandled
	default:
		return DispositionUnknown
	}
}
