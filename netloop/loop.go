// Package netloop implements the in-process loopback driver: a local
// client/server socket pair routed through in-memory message queues, so a
// single-player session is indistinguishable from a networked one.
//
// The loopback never times out and uses no acknowledgements or sequence
// numbers; reliable and unreliable sends differ only in the delivery code
// reported to the reader.
package netloop

import (
	"errors"

	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netmsg"
)

// queueLimit bounds the number of undelivered messages per direction;
// CanSendMessage latches false at the bound until the peer drains.
const queueLimit = 64

// ErrNotLocal is returned by Connect for any host other than "local".
var ErrNotLocal = errors.New("netloop: only connects to \"local\"")

type queuedMessage struct {
	reliable bool
	data     []byte
}

// loopData is the per-socket driver state: the peer and the inbound
// message queue.
type loopData struct {
	peer  *netchan.Socket
	queue []queuedMessage
}

// Driver is the loopback driver instance. Like the datagram driver it is
// single-threaded, serialized by the host tick.
type Driver struct {
	Pool        *netchan.Pool
	DriverIndex int
	Now         func() float64

	// Message receives delivered payloads, shared with the stack.
	Message *netmsg.Message

	client *netchan.Socket
	server *netchan.Socket

	connectPending bool
	initialized    bool
}

// Name identifies the driver. It must be registered first in the stack's
// driver table.
func (d *Driver) Name() string { return "Loopback" }

// Init always succeeds.
func (d *Driver) Init() error {
	d.initialized = true
	return nil
}

// Initialized reports whether Init ran.
func (d *Driver) Initialized() bool { return d.initialized }

// Listen is a no-op; the loopback is always able to accept the local
// client.
func (d *Driver) Listen(enable bool) error { return nil }

// SearchForHosts transmits nothing and adds no host cache entry; it
// always returns false.
func (d *Driver) SearchForHosts(xmit bool) bool { return false }

// Connect establishes the local pair. Only the literal host "local" is
// served.
func (d *Driver) Connect(host string) (*netchan.Socket, error) {
	if host != "local" {
		return nil, ErrNotLocal
	}
	if d.client != nil {
		return nil, errors.New("netloop: local connection already active")
	}

	client := d.Pool.New(d.Now(), d.DriverIndex)
	if client == nil {
		return nil, errors.New("netloop: no free sockets")
	}
	server := d.Pool.New(d.Now(), d.DriverIndex)
	if server == nil {
		d.Pool.Free(client)
		return nil, errors.New("netloop: no free sockets")
	}

	client.TrueAddress, client.MaskedAddress = "localhost", "localhost"
	server.TrueAddress, server.MaskedAddress = "LOCAL", "LOCAL"
	client.DriverData = &loopData{peer: server}
	server.DriverData = &loopData{peer: client}

	d.client, d.server = client, server
	d.connectPending = true
	return client, nil
}

// CheckNewConnections surfaces the server end of a pending local connect.
func (d *Driver) CheckNewConnections() *netchan.Socket {
	if !d.connectPending {
		return nil
	}
	d.connectPending = false
	return d.server
}

func data(sock *netchan.Socket) *loopData {
	ld, _ := sock.DriverData.(*loopData)
	return ld
}

// GetMessage pops the next queued message into the shared message buffer.
// Returns 1 for reliable, 2 for unreliable, 0 when the queue is empty,
// -1 when the socket is unpaired.
func (d *Driver) GetMessage(sock *netchan.Socket) int {
	ld := data(sock)
	if ld == nil {
		return -1
	}
	if len(ld.queue) == 0 {
		return 0
	}
	qm := ld.queue[0]
	ld.queue = ld.queue[1:]

	d.Message.Clear()
	d.Message.WriteBytes(qm.data)
	if qm.reliable {
		return 1
	}
	return 2
}

// GetAnyMessage delivers a pending message on the server end, if any.
func (d *Driver) GetAnyMessage() *netchan.Socket {
	if d.server == nil {
		return nil
	}
	if d.GetMessage(d.server) > 0 {
		return d.server
	}
	return nil
}

func (d *Driver) send(sock *netchan.Socket, payload []byte, reliable bool) int {
	ld := data(sock)
	if ld == nil || ld.peer == nil {
		return -1
	}
	peer := data(ld.peer)
	if peer == nil {
		return -1
	}
	msg := queuedMessage{reliable: reliable, data: append([]byte(nil), payload...)}
	peer.queue = append(peer.queue, msg)
	return 1
}

// SendMessage queues a reliable message for the peer.
func (d *Driver) SendMessage(sock *netchan.Socket, payload []byte) int {
	return d.send(sock, payload, true)
}

// SendUnreliableMessage queues an unreliable message for the peer.
func (d *Driver) SendUnreliableMessage(sock *netchan.Socket, payload []byte) int {
	return d.send(sock, payload, false)
}

// CanSendMessage reports whether the peer's queue has room.
func (d *Driver) CanSendMessage(sock *netchan.Socket) bool {
	ld := data(sock)
	if ld == nil || ld.peer == nil {
		return false
	}
	peer := data(ld.peer)
	return peer != nil && len(peer.queue) < queueLimit
}

// CanSendUnreliableMessage matches CanSendMessage; the loopback applies
// the same bound to both kinds.
func (d *Driver) CanSendUnreliableMessage(sock *netchan.Socket) bool {
	return d.CanSendMessage(sock)
}

// Close unpairs the sockets; the stack returns them to the pool.
func (d *Driver) Close(sock *netchan.Socket) {
	if ld := data(sock); ld != nil && ld.peer != nil {
		if pd := data(ld.peer); pd != nil {
			pd.peer = nil
		}
		ld.peer = nil
	}
	sock.DriverData = nil
	if sock == d.client {
		d.client = nil
	}
	if sock == d.server {
		d.server = nil
	}
	d.connectPending = false
}

// Shutdown drops any active pair.
func (d *Driver) Shutdown() {
	if d.client != nil {
		d.Close(d.client)
	}
	if d.server != nil {
		d.Close(d.server)
	}
	d.initialized = false
}
