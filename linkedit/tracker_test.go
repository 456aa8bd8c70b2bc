package linkedit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrackerRejectsMisalignedRegion(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	lc := mCtx.addLoadCommand(1, 16)
	field := OffsetField{LC: lc, ByteOffset: 8}

	_, err := NewTracker(mCtx, 0, 128, []Region{
		{Tag: TagStringPool, OffsetField: field, DataOffset: 3, DataSize: 8},
	})
	require.Error(t, err)
}

func TestNewTrackerRejectsOverlap(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	lc := mCtx.addLoadCommand(1, 16)
	field := OffsetField{LC: lc, ByteOffset: 8}

	_, err := NewTracker(mCtx, 0, 128, []Region{
		{Tag: TagBindInfo, OffsetField: field, DataOffset: 0, DataSize: 16},
		{Tag: TagWeakBindInfo, OffsetField: field, DataOffset: 8, DataSize: 16},
	})
	require.Error(t, err)
}

func TestNewTrackerRejectsOverCapacity(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	lc := mCtx.addLoadCommand(1, 16)
	field := OffsetField{LC: lc, ByteOffset: 8}

	_, err := NewTracker(mCtx, 0, 16, []Region{
		{Tag: TagBindInfo, OffsetField: field, DataOffset: 0, DataSize: 24},
	})
	require.Error(t, err)
}

func TestTrackerFindTag(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	lc := mCtx.addLoadCommand(1, 16)
	field := OffsetField{LC: lc, ByteOffset: 8}

	tr, err := NewTracker(mCtx, 0, 128, []Region{
		{Tag: TagBindInfo, OffsetField: field, DataOffset: 0, DataSize: 16},
	})
	require.NoError(t, err)

	r, ok := tr.FindTag(TagBindInfo)
	assert.True(t, ok)
	assert.Equal(t, uint32(16), r.DataSize)

	_, ok = tr.FindTag(TagExportTrie)
	assert.False(t, ok)
}

func TestTrackerFreeHeaderSpace(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	mCtx.headerSpace = 64
	mCtx.addLoadCommand(1, 16)

	tr, err := NewTracker(mCtx, 0, 128, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(48), tr.FreeHeaderSpace())
}

// scenario 5 of spec.md's concrete scenarios: inserting a load command that
// would exceed HeaderSpace fails cleanly and leaves bookkeeping untouched.
func TestInsertLoadCommandOverflow(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	mCtx.loadCmdsOffset = 32
	mCtx.headerSpace = 40 // room for exactly one more 8-byte command after the 32 already used
	mCtx.addLoadCommand(1, 32)

	tr, err := NewTracker(mCtx, 0, 128, nil)
	require.NoError(t, err)

	ncmdsBefore, sizeBefore := mCtx.NCommands(), mCtx.SizeOfCommands()

	ok, err := tr.InsertLoadCommand(nil, make([]byte, 16))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ncmdsBefore, mCtx.NCommands())
	assert.Equal(t, sizeBefore, mCtx.SizeOfCommands())
}

func TestInsertLoadCommandSucceedsAndAppends(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	mCtx.loadCmdsOffset = 32
	mCtx.headerSpace = 128
	first := mCtx.addLoadCommand(1, 16)

	tr, err := NewTracker(mCtx, 0, 128, nil)
	require.NoError(t, err)

	newRaw := make([]byte, 16)
	mCtx.order.PutUint32(newRaw[0:4], 99)
	mCtx.order.PutUint32(newRaw[4:8], 16)

	ok, err := tr.InsertLoadCommand(first, newRaw)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), mCtx.NCommands())
	assert.Equal(t, uint32(32), mCtx.SizeOfCommands())
	assert.Equal(t, uint32(99), mCtx.order.Uint32(mCtx.buf[48:52]))
}

// scenario 6 of spec.md's concrete scenarios.
func TestInsertLinkeditDataPadsToEightBytes(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	lc := mCtx.addLoadCommand(1, 16)
	field := OffsetField{LC: lc, ByteOffset: 8}

	tr, err := NewTracker(mCtx, 64, 32, nil)
	require.NoError(t, err)

	payload := make([]byte, 13)
	for i := range payload {
		payload[i] = 0xff
	}
	r, ok := tr.InsertLinkeditData(Region{}, false, TagBindInfo, field, payload)
	require.True(t, ok)
	assert.Equal(t, uint32(16), r.DataSize)
	assert.Equal(t, uint32(0), r.DataOffset)

	linkeditData := mCtx.buf[64 : 64+32]
	assert.Equal(t, byte(0), linkeditData[13])
	assert.Equal(t, byte(0), linkeditData[15])
	assert.Equal(t, uint32(64), field.Get(mCtx.order))

	payload2 := make([]byte, 4)
	r2, ok := tr.InsertLinkeditData(r, true, TagWeakBindInfo, field, payload2)
	require.True(t, ok)
	assert.Equal(t, uint32(16), r2.DataOffset)
}

func TestInsertLinkeditDataFailsWhenOverCapacity(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	lc := mCtx.addLoadCommand(1, 16)
	field := OffsetField{LC: lc, ByteOffset: 8}

	tr, err := NewTracker(mCtx, 64, 8, nil)
	require.NoError(t, err)

	_, ok := tr.InsertLinkeditData(Region{}, false, TagBindInfo, field, make([]byte, 16))
	assert.False(t, ok)
}

func TestRelocateLinkeditResyncsOffsetFields(t *testing.T) {
	mCtx := newFakeMachoContext(256)
	lc := mCtx.addLoadCommand(1, 16)
	field := OffsetField{LC: lc, ByteOffset: 8}
	field.Set(mCtx.order, 100)

	tr, err := NewTracker(mCtx, 100, 64, []Region{
		{Tag: TagBindInfo, OffsetField: field, DataOffset: 0, DataSize: 16},
	})
	require.NoError(t, err)

	tr.RelocateLinkedit(200)
	assert.Equal(t, uint32(200), field.Get(mCtx.order))
}
