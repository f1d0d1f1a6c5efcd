package netmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := New(128)
	m.WriteByte(0x81)
	m.WriteShort(0xbeef)
	m.WriteLong(0x12345678)
	m.WriteString("hello")
	m.WriteBytes([]byte{1, 2, 3})

	m.BeginReading()
	assert.Equal(t, byte(0x81), m.ReadByte())
	assert.Equal(t, uint16(0xbeef), m.ReadShort())
	assert.Equal(t, uint32(0x12345678), m.ReadLong())
	assert.Equal(t, "hello", m.ReadString())
	assert.Equal(t, []byte{1, 2, 3}, m.ReadBytes(3))
	assert.NoError(t, m.Err())
	assert.Equal(t, 0, m.Remaining())
}

func TestMessageBigEndian(t *testing.T) {
	m := New(16)
	m.WriteLong(0x80000014)
	assert.Equal(t, []byte{0x80, 0x00, 0x00, 0x14}, m.Bytes())
}

func TestMessageBadReadIsSticky(t *testing.T) {
	m := FromBytes([]byte{0x01})
	m.BeginReading()
	assert.Equal(t, byte(1), m.ReadByte())
	assert.Equal(t, uint32(0), m.ReadLong())
	assert.True(t, m.BadRead())
	assert.ErrorIs(t, m.Err(), ErrBadRead)
	// Further reads stay zero even if bytes existed.
	assert.Equal(t, byte(0), m.ReadByte())
}

func TestMessageUnterminatedString(t *testing.T) {
	m := FromBytes([]byte("abc"))
	m.BeginReading()
	assert.Equal(t, "abc", m.ReadString())
	assert.True(t, m.BadRead())
}

func TestMessageOverflowPanics(t *testing.T) {
	m := New(4)
	require.Panics(t, func() { m.WriteLong(1); m.WriteByte(2) })
}

func TestMessageAllowOverflowTruncates(t *testing.T) {
	m := NewAllowOverflow(4)
	m.WriteLong(7)
	m.WriteByte(9)
	assert.True(t, m.Overflowed())
	assert.ErrorIs(t, m.Err(), ErrOverflow)
	assert.Equal(t, 4, m.Len())
}

func TestMessageSetLong(t *testing.T) {
	m := New(16)
	m.WriteLong(0)
	m.WriteByte(0x42)
	m.SetLong(0, 0x80000005)
	m.BeginReading()
	assert.Equal(t, uint32(0x80000005), m.ReadLong())
	assert.Equal(t, byte(0x42), m.ReadByte())
}

func TestMessageClear(t *testing.T) {
	m := NewAllowOverflow(2)
	m.WriteBytes([]byte{1, 2, 3})
	assert.True(t, m.Overflowed())
	m.Clear()
	assert.False(t, m.Overflowed())
	assert.Equal(t, 0, m.Len())
	m.WriteByte(5)
	assert.Equal(t, 1, m.Len())
}
