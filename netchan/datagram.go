package netchan

import (
	"encoding/binary"
	"fmt"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-quakenet/netlink"
	"github.com/joeycumines/go-quakenet/netmsg"
)

// ControlHandler receives out-of-band control packets (FlagCtl set, or the
// -1 text form). Control traffic bypasses the reliable channel entirely.
type ControlHandler interface {
	HandleControlPacket(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, data []byte)
}

// Datagram is the reliable-datagram driver: it frames, sequences, acks,
// resends, and reassembles messages over the LAN drivers' sockets.
//
// All methods must be called from a single goroutine (the host tick).
type Datagram struct {
	// LanDrivers is the fixed set of address-family drivers.
	LanDrivers []netlink.Driver

	// DriverIndex is this driver's position in the stack's driver table,
	// recorded on sockets so the stack can route operations back.
	DriverIndex int

	Pool  *Pool
	Stats *Stats
	Log   *logiface.Logger[logiface.Event]

	// Now returns the current net time in seconds.
	Now func() float64

	// Control handles out-of-band packets seen on shared sockets.
	Control ControlHandler

	// DropPeer is invoked when a virtual socket times out; the embedder
	// drops the owning client and closes the socket.
	DropPeer func(*Socket)

	// MessageTimeout and ConnectTimeout return the current thresholds in
	// seconds (cvar-backed).
	MessageTimeout func() float64
	ConnectTimeout func() float64

	// Message receives each delivered application message.
	Message *netmsg.Message

	packetBuf [MaxDatagram + HeaderSize]byte
}

// resendInterval is how long an unacknowledged fragment may be
// outstanding before it is retransmitted.
const resendInterval = 1.0

// Init opens each LAN driver's control socket. It fails only when no
// driver could be initialized at all.
func (d *Datagram) Init() error {
	inited := 0
	for _, drv := range d.LanDrivers {
		if err := drv.Init(); err != nil {
			d.Log.Warning().Err(err).Str("driver", drv.Name()).Log("lan driver init failed")
			continue
		}
		inited++
	}
	if inited == 0 {
		return fmt.Errorf("netchan: no usable lan drivers")
	}
	return nil
}

// Listen opens or closes every initialized driver's accept socket.
// Returns an error when enabling and no driver could listen.
func (d *Datagram) Listen(enable bool) error {
	listening := false
	for _, drv := range d.LanDrivers {
		if !drv.Initialized() {
			continue
		}
		if err := drv.Listen(enable); err != nil {
			d.Log.Warning().Err(err).Str("driver", drv.Name()).Log("listen failed")
			continue
		}
		if enable && drv.Listening() != nil {
			listening = true
		}
	}
	// Toggling listen invalidates every virtual socket's shared conn.
	for _, s := range d.Pool.Active() {
		if s.Driver == d.DriverIndex && s.Virtual {
			s.Virtual = false
			s.Conn = nil
		}
	}
	if enable && !listening {
		return fmt.Errorf("netchan: unable to open any listening sockets")
	}
	return nil
}

// Shutdown closes all driver sockets.
func (d *Datagram) Shutdown() {
	_ = d.Listen(false)
	for _, drv := range d.LanDrivers {
		if drv.Initialized() {
			drv.Shutdown()
		}
	}
}

// Close releases a socket's transport resources. Virtual sockets only
// detach from the shared listen socket.
func (d *Datagram) Close(sock *Socket) {
	if sock.Virtual {
		sock.Virtual = false
		sock.Conn = nil
	} else if sock.Conn != nil {
		_ = sock.Conn.Close()
		sock.Conn = nil
	}
}

func (d *Datagram) lan(sock *Socket) netlink.Driver {
	return d.LanDrivers[sock.LanDriver]
}

// writeHeader stores flags|length and sequence into the packet buffer.
func (d *Datagram) writeHeader(flags, length, sequence uint32) {
	binary.BigEndian.PutUint32(d.packetBuf[0:], flags|length)
	binary.BigEndian.PutUint32(d.packetBuf[4:], sequence)
}

// SendMessage begins transmitting a reliable message. The caller must
// have observed CanSendMessage() == true; calling with a pending message
// outstanding, an empty message, or one larger than MaxMessage is a bug.
//
// Returns 1 on success, -1 on a transport error.
func (d *Datagram) SendMessage(sock *Socket, data []byte) int {
	if len(data) == 0 {
		panic("netchan: SendMessage: zero length message")
	}
	if len(data) > MaxMessage {
		panic(fmt.Sprintf("netchan: SendMessage: message too big: %d", len(data)))
	}
	if !sock.CanSend {
		panic("netchan: SendMessage: called with CanSend == false")
	}

	copy(sock.SendMessage, data)
	sock.SendMessageLength = len(data)

	// Resizing is only safe at a message boundary; latch the pending
	// value here and never mid-stream.
	sock.MaxDatagramSize = sock.PendingMaxDatagram

	dataLen, eom := d.fragmentSize(sock)
	packetLen := HeaderSize + dataLen

	d.writeHeader(FlagData|eom, uint32(packetLen), sock.SendSequence)
	sock.SendSequence++
	copy(d.packetBuf[HeaderSize:], sock.SendMessage[:dataLen])

	sock.CanSend = false

	if err := d.lan(sock).Write(sock.Conn, d.packetBuf[:packetLen], sock.Addr); err != nil {
		d.Log.Err().Err(err).Stringer("socket", sock.ID).Log("reliable send failed")
		return -1
	}

	sock.LastSendTime = d.Now()
	d.Stats.PacketsSent.Add(1)
	return 1
}

// fragmentSize returns the next fragment's payload length and the EOM
// flag if that fragment exhausts the pending message.
func (d *Datagram) fragmentSize(sock *Socket) (int, uint32) {
	if sock.SendMessageLength <= sock.MaxDatagramSize {
		return sock.SendMessageLength, FlagEOM
	}
	return sock.MaxDatagramSize, 0
}

// sendMessageNext transmits the next fragment of the pending reliable
// message after the previous fragment was acknowledged.
func (d *Datagram) sendMessageNext(sock *Socket) int {
	dataLen, eom := d.fragmentSize(sock)
	packetLen := HeaderSize + dataLen

	d.writeHeader(FlagData|eom, uint32(packetLen), sock.SendSequence)
	sock.SendSequence++
	copy(d.packetBuf[HeaderSize:], sock.SendMessage[:dataLen])

	sock.SendNext = false

	if err := d.lan(sock).Write(sock.Conn, d.packetBuf[:packetLen], sock.Addr); err != nil {
		d.Log.Err().Err(err).Stringer("socket", sock.ID).Log("reliable send failed")
		return -1
	}

	sock.LastSendTime = d.Now()
	d.Stats.PacketsSent.Add(1)
	return 1
}

// resendMessage retransmits the outstanding fragment with its original
// sequence number. The receiver drops the duplicate by sequence
// comparison and re-acks.
func (d *Datagram) resendMessage(sock *Socket) int {
	dataLen, eom := d.fragmentSize(sock)
	packetLen := HeaderSize + dataLen

	d.writeHeader(FlagData|eom, uint32(packetLen), sock.SendSequence-1)
	copy(d.packetBuf[HeaderSize:], sock.SendMessage[:dataLen])

	if err := d.lan(sock).Write(sock.Conn, d.packetBuf[:packetLen], sock.Addr); err != nil {
		d.Log.Err().Err(err).Stringer("socket", sock.ID).Log("resend failed")
		return -1
	}

	sock.LastSendTime = d.Now()
	d.Stats.PacketsResent.Add(1)
	return 1
}

// CanSendMessage reports whether the channel can accept a new reliable
// message, transmitting the next pending fragment first if one is due.
func (d *Datagram) CanSendMessage(sock *Socket) bool {
	if sock.SendNext {
		d.sendMessageNext(sock)
	}
	return sock.CanSend
}

// CanSendUnreliableMessage always holds for the datagram driver.
func (d *Datagram) CanSendUnreliableMessage(sock *Socket) bool { return true }

// SendUnreliableMessage transmits data as a single unreliable datagram.
// Returns 1 on success, -1 on a transport error.
func (d *Datagram) SendUnreliableMessage(sock *Socket, data []byte) int {
	if len(data) == 0 {
		panic("netchan: SendUnreliableMessage: zero length message")
	}
	if len(data) > MaxDatagram {
		panic(fmt.Sprintf("netchan: SendUnreliableMessage: message too big: %d", len(data)))
	}

	packetLen := HeaderSize + len(data)

	d.writeHeader(FlagUnreliable, uint32(packetLen), sock.UnreliableSendSequence)
	sock.UnreliableSendSequence++
	copy(d.packetBuf[HeaderSize:], data)

	if err := d.lan(sock).Write(sock.Conn, d.packetBuf[:packetLen], sock.Addr); err != nil {
		d.Log.Err().Err(err).Stringer("socket", sock.ID).Log("unreliable send failed")
		return -1
	}

	d.Stats.PacketsSent.Add(1)
	return 1
}

// handlePacket processes the packet currently in packetBuf for sock.
// Returns 1 when a reliable message was delivered, 2 for an unreliable
// message, 0 otherwise. Delivered payloads are placed in d.Message.
func (d *Datagram) handlePacket(sock *Socket, length int) int {
	if length < HeaderSize {
		d.Stats.ShortPackets.Add(1)
		return 0
	}

	word := binary.BigEndian.Uint32(d.packetBuf[0:])
	flags := word &^ uint32(FlagLengthMask)
	claimed := int(word & FlagLengthMask)

	if flags&FlagCtl != 0 {
		return 0 // only valid out-of-band
	}
	if claimed != length {
		d.Stats.ShortPackets.Add(1)
		return 0
	}

	sequence := binary.BigEndian.Uint32(d.packetBuf[4:])
	d.Stats.PacketsReceived.Add(1)

	switch {
	case flags&FlagUnreliable != 0:
		if sequence < sock.UnreliableReceiveSequence {
			d.Log.Debug().Stringer("socket", sock.ID).Log("stale datagram")
			return 0
		}
		if sequence != sock.UnreliableReceiveSequence && sock.UnreliableReceiveSequence != 0 {
			// Gaps before the first delivery aren't counted: the peer may
			// have started its sequence mid-stream.
			count := sequence - sock.UnreliableReceiveSequence
			d.Stats.DroppedDatagrams.Add(int64(count))
			d.Log.Debug().Stringer("socket", sock.ID).Uint64("count", uint64(count)).Log("dropped datagrams")
		}
		sock.UnreliableReceiveSequence = sequence + 1

		d.Message.Clear()
		d.Message.WriteBytes(d.packetBuf[HeaderSize:length])
		d.Stats.UnreliableReceived.Add(1)
		return 2

	case flags&FlagACK != 0:
		if sequence != sock.SendSequence-1 {
			d.Log.Debug().Stringer("socket", sock.ID).Log("stale ack")
			return 0
		}
		if sequence != sock.AckSequence {
			d.Log.Debug().Stringer("socket", sock.ID).Log("duplicate ack")
			return 0
		}
		sock.AckSequence++
		if sock.AckSequence != sock.SendSequence {
			d.Log.Debug().Stringer("socket", sock.ID).Log("ack sequencing error")
		}
		sock.SendMessageLength -= sock.MaxDatagramSize
		if sock.SendMessageLength > 0 {
			copy(sock.SendMessage, sock.SendMessage[sock.MaxDatagramSize:sock.MaxDatagramSize+sock.SendMessageLength])
			sock.SendNext = true
		} else {
			sock.SendMessageLength = 0
			sock.CanSend = true
		}
		return 0

	case flags&FlagData != 0:
		// Always ack, even a duplicate; the sender's ack may have been
		// lost.
		var ack [HeaderSize]byte
		binary.BigEndian.PutUint32(ack[0:], FlagACK|HeaderSize)
		binary.BigEndian.PutUint32(ack[4:], sequence)
		if err := d.lan(sock).Write(sock.Conn, ack[:], sock.Addr); err != nil {
			d.Log.Debug().Err(err).Stringer("socket", sock.ID).Log("ack send failed")
		}

		if sequence != sock.ReceiveSequence {
			d.Stats.ReceivedDuplicates.Add(1)
			return 0
		}
		sock.ReceiveSequence++

		payload := d.packetBuf[HeaderSize:length]

		if flags&FlagEOM != 0 {
			if sock.ReceiveMessageLength+len(payload) > d.Message.MaxSize() {
				d.Log.Warning().Stringer("socket", sock.ID).Log("over-sized reliable")
				sock.ReceiveMessageLength = 0
				return 0
			}
			d.Message.Clear()
			d.Message.WriteBytes(sock.ReceiveMessage[:sock.ReceiveMessageLength])
			d.Message.WriteBytes(payload)
			sock.ReceiveMessageLength = 0
			d.Stats.MessagesReceived.Add(1)
			return 1
		}

		if sock.ReceiveMessageLength+len(payload) > len(sock.ReceiveMessage) {
			d.Log.Warning().Stringer("socket", sock.ID).Log("over-sized reliable")
			sock.ReceiveMessageLength = 0
			return 0
		}
		copy(sock.ReceiveMessage[sock.ReceiveMessageLength:], payload)
		sock.ReceiveMessageLength += len(payload)
		return 0
	}

	d.Log.Debug().Stringer("socket", sock.ID).Log("unknown packet flags")
	return 0
}

// ProcessPacket handles a packet already read into the shared buffer for
// a virtual socket, reporting whether a complete message was delivered.
func (d *Datagram) ProcessPacket(sock *Socket, length int) bool {
	return d.handlePacket(sock, length) > 0
}

// GetAnyMessage drains every listen socket, routing control packets to
// the control handler, matching data packets to virtual sockets by peer
// address, and finally running the resend/timeout sweep. Returns the
// socket that received a complete message, if any; it returns as soon as
// one message is delivered, leaving the remaining packets and the sweep
// for a later call.
func (d *Datagram) GetAnyMessage() *Socket {
	for li, drv := range d.LanDrivers {
		if !drv.Initialized() {
			continue
		}
		listen := drv.Listening()
		if listen == nil {
			continue
		}

		for {
			length, from, err := drv.Read(listen, d.packetBuf[:])
			if err != nil || length == 0 {
				break
			}
			if length < 4 {
				continue
			}
			if binary.BigEndian.Uint32(d.packetBuf[0:])&FlagCtl != 0 {
				if d.Control != nil {
					d.Control.HandleControlPacket(drv, listen, from, d.packetBuf[:length])
				}
				continue
			}

			matched := false
			for _, s := range d.Pool.Active() {
				if s.Driver != d.DriverIndex || s.Disconnected || !s.Virtual || s.LanDriver != li {
					continue
				}
				if from.Compare(s.Addr) != 0 {
					continue
				}
				matched = true
				if d.handlePacket(s, length) > 0 {
					s.LastMessageTime = d.Now()
					return s
				}
				break
			}
			if !matched {
				d.Log.Debug().Str("from", from.MaskedString()).Log("stray packet")
			}
		}
	}

	now := d.Now()
	var timedOut []*Socket
	for _, s := range d.Pool.Active() {
		if s.Driver != d.DriverIndex || !s.Virtual {
			continue
		}

		if s.SendNext {
			d.sendMessageNext(s)
		}
		if !s.CanSend && now-s.LastSendTime > resendInterval {
			d.resendMessage(s)
		}

		timeout := d.MessageTimeout()
		if s.AckSequence == 0 {
			// Never seen a reliable ack: the channel is still connecting.
			timeout = d.ConnectTimeout()
		}
		if now-s.LastMessageTime > timeout {
			timedOut = append(timedOut, s)
		}
	}
	// Dropping frees sockets, which mutates the active list; do it after
	// the sweep.
	if d.DropPeer != nil {
		for _, s := range timedOut {
			d.DropPeer(s)
		}
	}

	return nil
}

// GetMessage reads pending packets on a socket's own connection.
// Returns 1 when a reliable message was delivered, 2 for an unreliable
// message, 0 when nothing is waiting, -1 on a transport error.
func (d *Datagram) GetMessage(sock *Socket) int {
	if !sock.CanSend && d.Now()-sock.LastSendTime > resendInterval {
		d.resendMessage(sock)
	}

	ret := 0
	for {
		length, from, err := d.lan(sock).Read(sock.Conn, d.packetBuf[:])
		if err != nil {
			d.Log.Err().Err(err).Stringer("socket", sock.ID).Log("read error")
			return -1
		}
		if length == 0 {
			break
		}

		if from.Compare(sock.Addr) != 0 {
			d.Log.Warning().
				Str("expected", sock.Addr.MaskedString()).
				Str("received", from.MaskedString()).
				Log("stray packet received")
			continue
		}

		if r := d.handlePacket(sock, length); r != 0 {
			ret = r
			break
		}
	}

	if sock.SendNext {
		d.sendMessageNext(sock)
	}

	return ret
}
