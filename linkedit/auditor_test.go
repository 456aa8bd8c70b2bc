package linkedit

import (
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/assert"
)

func TestClassifyBuckets(t *testing.T) {
	tests := []struct {
		cmd  types.LoadCmd
		want CommandDisposition
	}{
		{types.LC_SYMTAB, DispositionHandled},
		{types.LC_DYSYMTAB, DispositionHandled},
		{types.LC_DYLD_INFO_ONLY, DispositionHandled},
		{types.LC_SEGMENT_64, DispositionSafe},
		{types.LC_UUID, DispositionSafe},
		{types.LC_ROUTINES_64, DispositionSafe},
		{types.LC_CODE_SIGNATURE, DispositionPossiblyUnhandled},
		{types.LC_DYLD_CHAINED_FIXUPS, DispositionPossiblyUnhandled},
		{types.LC_LINKER_OPTIMIZATION_HINT, DispositionPossiblyUnhandled},
		{types.LoadCmd(0x7fff1234), DispositionUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.cmd), tt.cmd.String())
	}
}

func TestAuditLoadCommandsReportsEveryCommand(t *testing.T) {
	mCtx := newFakeMachoContext(128)
	mCtx.addLoadCommand(uint32(types.LC_SEGMENT_64), 16)
	mCtx.addLoadCommand(uint32(types.LC_SYMTAB), 24)
	mCtx.addLoadCommand(uint32(types.LC_CODE_SIGNATURE), 16)
	mCtx.addLoadCommand(0x7fff1234, 16)

	findings := AuditLoadCommands(mCtx, NopActivityLogger{})
	assert.Len(t, findings, 4)
	assert.Equal(t, DispositionSafe, findings[0].Disposition)
	assert.Equal(t, DispositionHandled, findings[1].Disposition)
	assert.Equal(t, DispositionPossiblyUnhandled, findings[2].Disposition)
	assert.Equal(t, DispositionUnknown, findings[3].Disposition)
}

type recordingLogger struct {
	updates []string
}

func (r *recordingLogger) Update(task, message string) {
	r.updates = append(r.updates, message)
}

func TestAuditLoadCommandsLogsUnhandledAndUnknown(t *testing.T) {
	mCtx := newFakeMachoContext(128)
	mCtx.addLoadCommand(uint32(types.LC_SEGMENT_64), 16)
	mCtx.addLoadCommand(uint32(types.LC_CODE_SIGNATURE), 16)
	mCtx.addLoadCommand(0x7fff1234, 16)

	logger := &recordingLogger{}
	AuditLoadCommands(mCtx, logger)
	assert.Len(t, logger.updates, 2)
}
