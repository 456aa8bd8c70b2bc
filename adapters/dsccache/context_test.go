package dsccache

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderOldLayout(t *testing.T) {
	order := binary.LittleEndian
	buf := make([]byte, symbolFileUUIDOffset) // header ends right before symbolFileUUID
	order.PutUint32(buf[16:20], symbolFileUUIDOffset) // mappingOffset == header length
	order.PutUint64(buf[72:80], 0xdeadbeef)            // localSymbolsOffset
	order.PutUint64(buf[220:228], 0x180000000)         // sharedRegionStart

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.False(t, h.HasSymbolFileUUID)
	assert.Equal(t, uint64(0xdeadbeef), h.LocalSymbolsOffset)
	assert.Equal(t, uint64(0x180000000), h.SharedRegionStart)
}

func TestParseHeaderNewLayout(t *testing.T) {
	order := binary.LittleEndian
	buf := make([]byte, symbolFileUUIDOffset+32) // header extends through symbolFileUUID and beyond
	order.PutUint32(buf[16:20], symbolFileUUIDOffset+16)

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.True(t, h.HasSymbolFileUUID)
}

func TestParseHeaderTooShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, 4))
	assert.Error(t, err)
}
