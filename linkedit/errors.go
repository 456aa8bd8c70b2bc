package linkedit

import "github.com/pkg/errors"

// Fatal errors abort reconstruction of the current image.
var (
	// ErrMissingSegment is returned when __TEXT or __LINKEDIT is absent.
	ErrMissingSegment = errors.New("required segment not found")
	// ErrMissingSymtab is returned when LC_SYMTAB or LC_DYSYMTAB is absent.
	ErrMissingSymtab = errors.New("symtab or dysymtab load command not found")
)

// Advisory conditions that never abort reconstruction; callers observe
// them through return values or log output rather than an error.
var (
	// ErrRedactedSymbolsUnrecoverable means the symbols subcache is
	// missing, or has no entry for this image. Local symbol recovery is
	// skipped; every other pass proceeds normally.
	ErrRedactedSymbolsUnrecoverable = errors.New("redacted local symbols unrecoverable")
)
