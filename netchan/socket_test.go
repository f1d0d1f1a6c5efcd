package netchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(2)
	a := p.New(0, 1)
	b := p.New(0, 1)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Nil(t, p.New(0, 1))

	p.Free(a)
	assert.NotNil(t, p.New(0, 1))
}

func TestPoolFreeAndReuse(t *testing.T) {
	p := NewPool(1)
	s := p.New(5, 1)
	s.SendSequence = 42
	s.AckSequence = 42
	s.SetMSS(9000)
	p.Free(s)
	assert.True(t, p.WasFreed(s))
	assert.Equal(t, 0, p.NumActive())

	s2 := p.New(10, 1)
	require.Same(t, s, s2)
	assert.False(t, p.WasFreed(s2))
	assert.Equal(t, uint32(0), s2.SendSequence)
	assert.Equal(t, uint32(0), s2.AckSequence)
	assert.Equal(t, DefaultDatagram, s2.PendingMaxDatagram)
	assert.True(t, s2.CanSend)
	assert.Equal(t, 10.0, s2.ConnectTime)
}

func TestPoolDistinctIDs(t *testing.T) {
	p := NewPool(2)
	a := p.New(0, 1)
	b := p.New(0, 1)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestFreeNonActivePanics(t *testing.T) {
	p := NewPool(1)
	s := p.New(0, 1)
	p.Free(s)
	assert.Panics(t, func() { p.Free(s) })
}

func TestSocketAccessors(t *testing.T) {
	p := NewPool(1)
	s := p.New(0, 1)
	s.UnreliableReceiveSequence = 7
	s.UnreliableSendSequence = 9
	assert.Equal(t, uint32(6), s.SequenceIn())
	assert.Equal(t, uint32(9), s.SequenceOut())

	s.AngleHack = true
	assert.True(t, s.UsesAngleHack())
	s.Disconnected = true
	assert.False(t, s.UsesAngleHack())
	assert.False(t, (*Socket)(nil).UsesAngleHack())
}
