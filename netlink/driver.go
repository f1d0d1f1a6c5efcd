// Package netlink provides the LAN driver abstraction: a uniform
// non-blocking datagram socket surface across address families, plus
// address parsing, formatting, masking, and comparison.
//
// Drivers are registered once at startup and held in a fixed slice; the
// reliable channel and the control protocol select a driver by index and
// never assume a particular family.
package netlink

import (
	"errors"
	"net"
)

// HeaderSize is the reliable-channel header length; reads shorter than
// this are surfaced to the caller as short packets, not errors.
const HeaderSize = 8

// ErrNotInitialized is returned by operations on a driver whose Init
// failed or was never called.
var ErrNotInitialized = errors.New("netlink: driver not initialized")

// Conn is a single UDP socket owned by a driver.
type Conn struct {
	udp *net.UDPConn
}

// Close releases the socket.
func (c *Conn) Close() error {
	if c == nil || c.udp == nil {
		return nil
	}
	return c.udp.Close()
}

// Driver is one address family's socket surface. Implementations must be
// usable from a single goroutine at a time; the stack serializes access.
//
// Every operation reports failure via an explicit error; transient
// would-block conditions are not errors (Read returns n == 0).
type Driver interface {
	// Name identifies the driver ("UDP4", "UDP6", ...).
	Name() string

	// Init opens the control socket. It is an error to call any other
	// method (except Name) before a successful Init.
	Init() error

	// Initialized reports whether Init succeeded.
	Initialized() bool

	// Shutdown closes all sockets owned by the driver.
	Shutdown()

	// Listen opens (enable) or closes the accept socket bound to the
	// configured port. Opening an already-open listener is a no-op.
	Listen(enable bool) error

	// Listening returns the shared accept socket, or nil.
	Listening() *Conn

	// Control returns the control socket used for discovery traffic.
	Control() *Conn

	// OpenSocket creates a non-blocking UDP socket bound to port
	// (0 for ephemeral).
	OpenSocket(port uint16) (*Conn, error)

	// Read performs a non-blocking receive into buf. n == 0 with a nil
	// error means no packet was waiting.
	Read(c *Conn, buf []byte) (n int, from Addr, err error)

	// Write sends buf to the peer. UDP does not permit partial writes; a
	// short write is reported as an error.
	Write(c *Conn, buf []byte, to Addr) error

	// Broadcast sends buf to the family's broadcast address, if the
	// family has one. See the driver's documentation for IPv6 behavior.
	Broadcast(c *Conn, buf []byte) error

	// Resolve parses a literal address or resolves a hostname, attaching
	// the driver's configured port when the name carries none.
	Resolve(name string) (Addr, error)

	// LocalAddr returns the socket's bound address.
	LocalAddr(c *Conn) Addr
}
