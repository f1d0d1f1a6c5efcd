// Package netchan implements the reliable+unreliable datagram channel:
// per-peer sequencing, acknowledgements, retransmission, fragmentation
// and reassembly, duplicate suppression, and the socket pool shared by
// all drivers.
package netchan

import (
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/joeycumines/go-quakenet/netlink"
)

const (
	// HeaderSize is the reliable-channel header: two big-endian 32-bit
	// words (flags|length, sequence).
	HeaderSize = 8

	// MaxDatagram is the engine-wide cap on a single datagram's payload.
	MaxDatagram = 32000

	// MaxMessage is the largest reliable message the channel accepts;
	// bounded by the 16-bit length field less the header.
	MaxMessage = 0xffff - HeaderSize

	// DefaultDatagram is the initial per-socket fragment size.
	DefaultDatagram = 1024
)

// Header flag bits. The low 16 bits of the first header word carry the
// total packet length including the header itself.
const (
	FlagLengthMask = 0x0000ffff
	FlagData       = 0x00010000
	FlagACK        = 0x00020000
	FlagNAK        = 0x00040000 // reserved; never sent, never decoded
	FlagEOM        = 0x00080000
	FlagUnreliable = 0x00100000
	FlagCtl        = 0x80000000
)

// Stats aggregates channel counters. All fields are atomic so the
// exporter can read them while the stack runs.
type Stats struct {
	PacketsSent        atomic.Int64
	PacketsResent      atomic.Int64
	PacketsReceived    atomic.Int64
	ReceivedDuplicates atomic.Int64
	ShortPackets       atomic.Int64
	DroppedDatagrams   atomic.Int64

	MessagesSent         atomic.Int64
	MessagesReceived     atomic.Int64
	UnreliableSent       atomic.Int64
	UnreliableReceived   atomic.Int64
}

// Socket is one reliable channel to a single peer (the qsocket). It is
// created by an outbound connect or an inbound accept and has exactly one
// peer address for its lifetime.
//
// Sockets are owned by a Pool and are not safe for concurrent use; the
// stack serializes all channel operations.
type Socket struct {
	// ID correlates log lines for this channel.
	ID xid.ID

	ConnectTime     float64
	LastMessageTime float64
	LastSendTime    float64

	Disconnected bool
	CanSend      bool
	SendNext     bool

	// Driver is the owning net driver's index in the stack's table;
	// LanDriver the address-family driver within the datagram driver.
	Driver    int
	LanDriver int

	// Conn is the owned UDP socket; for virtual sockets it is the
	// driver's shared listen socket, and it is nil for loopback sockets.
	Conn    *netlink.Conn
	Virtual bool

	Addr          netlink.Addr
	TrueAddress   string
	MaskedAddress string

	AckSequence            uint32
	SendSequence           uint32
	UnreliableSendSequence uint32
	SendMessageLength      int
	SendMessage            []byte

	ReceiveSequence            uint32
	UnreliableReceiveSequence  uint32
	ReceiveMessageLength       int
	ReceiveMessage             []byte

	// MaxDatagramSize only changes at the start of a reliable message;
	// SetMSS records the wanted size in PendingMaxDatagram.
	MaxDatagramSize    int
	PendingMaxDatagram int

	// AngleHack records a successful ProQuake mod=1 negotiation; the
	// channel then uses 16-bit client-to-server angles.
	AngleHack bool

	// DriverData is private to the owning driver (loopback pairing).
	DriverData any
}

// SequenceIn returns the last unreliable sequence that was received.
func (s *Socket) SequenceIn() uint32 { return s.UnreliableReceiveSequence - 1 }

// SequenceOut returns the next unreliable sequence that will be sent.
func (s *Socket) SequenceOut() uint32 { return s.UnreliableSendSequence }

// SetMSS requests a new fragment size; it takes effect at the start of
// the next reliable message.
func (s *Socket) SetMSS(mss int) { s.PendingMaxDatagram = mss }

// UsesAngleHack reports the negotiated ProQuake angle encoding. It is
// false for disconnected sockets (demo playback has no channel).
func (s *Socket) UsesAngleHack() bool {
	return s != nil && !s.Disconnected && s.AngleHack
}

// Pool is the fixed set of sockets, split into an active list and a
// free stack. It is created once and performs no allocation afterwards.
type Pool struct {
	sockets []*Socket
	active  []*Socket
	free    []*Socket
}

// NewPool creates max sockets with their buffers preallocated.
func NewPool(max int) *Pool {
	p := &Pool{
		sockets: make([]*Socket, max),
		active:  make([]*Socket, 0, max),
		free:    make([]*Socket, 0, max),
	}
	for i := range p.sockets {
		s := &Socket{
			SendMessage:    make([]byte, MaxMessage),
			ReceiveMessage: make([]byte, MaxMessage),
			Disconnected:   true,
		}
		p.sockets[i] = s
		p.free = append(p.free, s)
	}
	return p
}

// Active returns the live sockets. The slice is owned by the pool; do not
// retain it across New/Free calls.
func (p *Pool) Active() []*Socket { return p.active }

// NumActive returns the number of connected sockets.
func (p *Pool) NumActive() int { return len(p.active) }

// New takes a socket from the free list, resets its sequencing state, and
// moves it to the active list. Returns nil when the pool is exhausted.
func (p *Pool) New(now float64, driver int) *Socket {
	if len(p.free) == 0 {
		return nil
	}
	s := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.active = append(p.active, s)

	s.ID = xid.New()
	s.Virtual = false
	s.Disconnected = false
	s.ConnectTime = now
	s.TrueAddress = "UNSET ADDRESS"
	s.MaskedAddress = "UNSET ADDRESS"
	s.Driver = driver
	s.LanDriver = 0
	s.Conn = nil
	s.DriverData = nil
	s.CanSend = true
	s.SendNext = false
	s.LastMessageTime = now
	s.LastSendTime = now
	s.AckSequence = 0
	s.SendSequence = 0
	s.UnreliableSendSequence = 0
	s.SendMessageLength = 0
	s.ReceiveSequence = 0
	s.UnreliableReceiveSequence = 0
	s.ReceiveMessageLength = 0
	s.MaxDatagramSize = DefaultDatagram
	s.PendingMaxDatagram = DefaultDatagram
	s.AngleHack = false
	return s
}

// Free moves a socket back to the free stack. The socket stays valid for
// WasFreed queries; its state is not reset until reuse.
func (p *Pool) Free(s *Socket) {
	for i, a := range p.active {
		if a == s {
			p.active = append(p.active[:i], p.active[i+1:]...)
			s.Disconnected = true
			p.free = append(p.free, s)
			return
		}
	}
	panic("netchan: Free of socket not on the active list")
}

// WasFreed reports whether the socket is currently on the free list.
func (p *Pool) WasFreed(s *Socket) bool { return s.Disconnected }
