package netlink

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"
)

// udpDriver is the shared implementation behind UDP4 and UDP6.
type udpDriver struct {
	name        string
	network     string // "udp4" or "udp6"
	family      int    // 4 or 6
	port        uint16
	control     *Conn
	listening   *Conn
	initialized bool
}

// NewUDP4 returns the IPv4 driver, listening on port when enabled.
func NewUDP4(port uint16) Driver {
	return &udpDriver{name: "UDP4", network: "udp4", family: 4, port: port}
}

// NewUDP6 returns the IPv6 driver.
//
// IPv6 has no broadcast address; Broadcast on this driver is a documented
// no-op that reports success, so LAN discovery over IPv6 relies on
// directed queries (masters or explicit hosts) only.
func NewUDP6(port uint16) Driver {
	return &udpDriver{name: "UDP6", network: "udp6", family: 6, port: port}
}

func (d *udpDriver) Name() string      { return d.name }
func (d *udpDriver) Initialized() bool { return d.initialized }
func (d *udpDriver) Listening() *Conn  { return d.listening }
func (d *udpDriver) Control() *Conn    { return d.control }

func (d *udpDriver) Init() error {
	c, err := d.OpenSocket(0)
	if err != nil {
		return err
	}
	d.control = c
	d.initialized = true
	return nil
}

func (d *udpDriver) Shutdown() {
	_ = d.Listen(false)
	_ = d.control.Close()
	d.control = nil
	d.initialized = false
}

func (d *udpDriver) Listen(enable bool) error {
	if !enable {
		if d.listening != nil {
			err := d.listening.Close()
			d.listening = nil
			return err
		}
		return nil
	}
	if !d.initialized {
		return ErrNotInitialized
	}
	if d.listening != nil {
		return nil
	}
	c, err := d.OpenSocket(d.port)
	if err != nil {
		return err
	}
	d.listening = c
	return nil
}

func (d *udpDriver) OpenSocket(port uint16) (*Conn, error) {
	var laddr *net.UDPAddr
	if d.family == 4 {
		laddr = &net.UDPAddr{IP: net.IPv4zero, Port: int(port)}
	} else {
		laddr = &net.UDPAddr{IP: net.IPv6unspecified, Port: int(port)}
	}
	udp, err := net.ListenUDP(d.network, laddr)
	if err != nil {
		return nil, fmt.Errorf("netlink: %s: open socket port %d: %w", d.name, port, err)
	}
	return &Conn{udp: udp}, nil
}

func (d *udpDriver) Read(c *Conn, buf []byte) (int, Addr, error) {
	if c == nil || c.udp == nil {
		return 0, Addr{}, ErrNotInitialized
	}
	// Poll: a deadline one millisecond out lets a datagram already queued
	// be read and turns an empty socket into (0, nil). A deadline of now
	// would fail before the socket is read at all.
	if err := c.udp.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, Addr{}, err
	}
	n, from, err := c.udp.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, Addr{}, nil
		}
		return 0, Addr{}, err
	}
	return n, AddrFrom(from), nil
}

func (d *udpDriver) Write(c *Conn, buf []byte, to Addr) error {
	if c == nil || c.udp == nil {
		return ErrNotInitialized
	}
	ap := to.AddrPort()
	if d.family == 6 && ap.Addr().Is4() {
		// A v6 socket can still reach a v4 peer through the mapped form.
		ap = netip.AddrPortFrom(netip.AddrFrom16(ap.Addr().As16()), ap.Port())
	}
	n, err := c.udp.WriteToUDPAddrPort(buf, ap)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("netlink: %s: short write: %d of %d bytes", d.name, n, len(buf))
	}
	return nil
}

func (d *udpDriver) Broadcast(c *Conn, buf []byte) error {
	if d.family == 6 {
		return nil
	}
	bcast := AddrFrom(netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), d.port))
	return d.Write(c, buf, bcast)
}

func (d *udpDriver) Resolve(name string) (Addr, error) {
	host, port, hasPort := StripPort(name)
	if !hasPort {
		port = d.port
	}
	if a, err := ParseAddr(name, d.port); err == nil {
		if (d.family == 4) != a.Is4() {
			return Addr{}, fmt.Errorf("netlink: %s: %q is the wrong address family", d.name, name)
		}
		return a, nil
	}
	return resolve(host, d.family, port)
}

func (d *udpDriver) LocalAddr(c *Conn) Addr {
	if c == nil || c.udp == nil {
		return Addr{}
	}
	if ap, ok := c.udp.LocalAddr().(*net.UDPAddr); ok {
		return AddrFrom(ap.AddrPort())
	}
	return Addr{}
}
