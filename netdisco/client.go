package netdisco

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netlink"
	"github.com/joeycumines/go-quakenet/netmsg"
)

// connectAttempts and connectWindow shape the connect handshake: each
// attempt retransmits the request and waits up to the window for a reply.
const (
	connectAttempts = 3
	connectWindow   = 2.5 // seconds
)

// requeryBudget bounds how many possible hosts are queried per poll pass.
const requeryBudget = 4

// ErrNoResponse is returned when a connect target never answered.
var ErrNoResponse = errors.New("netdisco: no response")

// possibleHost is a server learned from a master, pending a direct query.
type possibleHost struct {
	addr      netlink.Addr
	lanDriver int
	requery   bool
	master    bool
}

// Client performs outbound discovery: the connect handshake, LAN
// broadcast queries, and master-server browsing into the host cache.
type Client struct {
	Log *logiface.Logger[logiface.Event]
	Now func() float64

	LanDrivers  []netlink.Driver
	Pool        *netchan.Pool
	DriverIndex int

	HostCache *HostCache

	ProtocolName func() string
	Masters      func() []string

	// InternetScope enables master queries during a search; LAN-only
	// searches broadcast only.
	InternetScope bool

	hostlist []possibleHost

	msg *netmsg.Message
}

func (cl *Client) scratch() *netmsg.Message {
	if cl.msg == nil {
		cl.msg = netmsg.New(maxRconResponse)
	}
	return cl.msg
}

// Connect performs the connection handshake against host and returns the
// established channel. The returned socket owns a fresh UDP socket whose
// peer has been switched to the port the server allocated.
func (cl *Client) Connect(host string) (*netchan.Socket, error) {
	resolved := false
	for li, drv := range cl.LanDrivers {
		if !drv.Initialized() {
			continue
		}
		addr, err := drv.Resolve(host)
		if err != nil {
			continue
		}
		resolved = true
		sock, err := cl.connect(li, drv, addr)
		if err != nil {
			cl.Log.Info().Err(err).Str("host", host).Str("driver", drv.Name()).Log("connect failed")
			continue
		}
		return sock, nil
	}
	if !resolved {
		return nil, fmt.Errorf("netdisco: could not resolve %q", host)
	}
	return nil, ErrNoResponse
}

func (cl *Client) connect(lanDriver int, drv netlink.Driver, serverAddr netlink.Addr) (*netchan.Socket, error) {
	conn, err := drv.OpenSocket(0)
	if err != nil {
		return nil, err
	}

	sock := cl.Pool.New(cl.Now(), cl.DriverIndex)
	if sock == nil {
		_ = conn.Close()
		return nil, errors.New("netdisco: no free sockets")
	}
	sock.Conn = conn
	sock.LanDriver = lanDriver
	// Request the angle hack; cleared unless the server confirms it.
	sock.AngleHack = true

	reply, err := cl.handshake(drv, conn, serverAddr, sock)
	if err != nil {
		cl.Pool.Free(sock)
		_ = conn.Close()
		return nil, err
	}

	if reply != nil {
		if err := cl.finishLegacyAccept(drv, serverAddr, sock, reply); err != nil {
			cl.Pool.Free(sock)
			_ = conn.Close()
			return nil, err
		}
	}

	sock.TrueAddress = sock.Addr.String()
	sock.MaskedAddress = sock.Addr.MaskedString()
	sock.LastMessageTime = cl.Now()
	cl.Log.Info().Str("server", sock.MaskedAddress).Log("connection accepted")
	return sock, nil
}

// handshake retransmits the combined legacy+DP connect request until a
// definitive reply arrives. It returns the legacy reply message for
// finishLegacyAccept, or nil when a DP text "accept" concluded the
// exchange (sock is then already configured).
func (cl *Client) handshake(drv netlink.Driver, conn *netlink.Conn, serverAddr netlink.Addr, sock *netchan.Socket) (*netmsg.Message, error) {
	buf := make([]byte, netchan.MaxDatagram+netchan.HeaderSize)

	for attempt := 0; attempt < connectAttempts; attempt++ {
		request := cl.scratch()
		BeginControl(request)
		request.WriteByte(CCReqConnect)
		request.WriteString(GameName)
		request.WriteByte(ProtocolVersion)
		if sock.AngleHack {
			request.WriteByte(ModProQuake)
			request.WriteByte(34) // mod version
			request.WriteByte(0)  // flags
			request.WriteLong(0)  // password
		}
		FinishControl(request)
		if err := drv.Write(conn, request.Bytes(), serverAddr); err != nil {
			return nil, err
		}

		// DP servers running vanilla protocols answer the above; others
		// need the challenge exchange, so both are always sent.
		if err := drv.Write(conn, DPText("getchallenge\n"), serverAddr); err != nil {
			return nil, err
		}

		deadline := cl.Now() + connectWindow
		for cl.Now() < deadline {
			n, from, err := drv.Read(conn, buf)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if from.Compare(serverAddr) != 0 {
				cl.Log.Debug().
					Str("expected", serverAddr.MaskedString()).
					Str("received", from.MaskedString()).
					Log("wrong reply address")
				continue
			}
			if n < 4 {
				continue
			}

			if text, ok := IsDPText(buf[:n]); ok {
				text = strings.TrimRight(text, "\n\x00")
				switch {
				case strings.HasPrefix(text, "challenge "):
					response := fmt.Sprintf("connect\\protocol\\darkplaces 3\\protocols\\RMQ FITZ DP7 NEHAHRABJP3 QUAKE\\challenge\\%s", text[len("challenge "):])
					if err := drv.Write(conn, DPText(response), serverAddr); err != nil {
						return nil, err
					}
				case text == "accept":
					sock.Addr = serverAddr
					sock.AngleHack = false
					return nil, nil
				}
				continue
			}

			m, ok := ParseControl(buf[:n])
			if !ok {
				continue
			}
			return m, nil
		}
	}

	return nil, ErrNoResponse
}

func (cl *Client) finishLegacyAccept(drv netlink.Driver, serverAddr netlink.Addr, sock *netchan.Socket, m *netmsg.Message) error {
	switch command := m.ReadByte(); command {
	case CCRepReject:
		reason := strings.TrimRight(m.ReadString(), "\n")
		return fmt.Errorf("netdisco: rejected: %s", reason)

	case CCRepAccept:
		sock.Addr = serverAddr
		// Only honor a port rewrite when the server asks for one; a zero
		// port means it serves all clients from the listen socket.
		if port := m.ReadLong(); port != 0 {
			sock.Addr = sock.Addr.WithPort(uint16(port))
		}

	default:
		return errors.New("netdisco: bad response")
	}

	if sock.AngleHack {
		mod := m.ReadByte()
		_ = m.ReadByte() // mod version
		flags := m.ReadByte()
		if m.BadRead() {
			sock.AngleHack = false
		} else if mod == ModProQuake {
			if flags&1 != 0 { // cheat-free servers are unsupported
				return errors.New("netdisco: server is incompatible")
			}
			sock.AngleHack = true
		} else {
			sock.AngleHack = false
		}
	}
	return nil
}

// SearchForHosts runs one pass of the server search. When xmit is set the
// query is (re)broadcast and the masters are asked for their lists;
// every pass drains replies into the host cache. Returns true when
// anything was transmitted, which callers use to extend the search.
func (cl *Client) SearchForHosts(xmit bool) bool {
	sent := false
	for li, drv := range cl.LanDrivers {
		if cl.HostCache.Full() {
			break
		}
		if !drv.Initialized() {
			continue
		}
		if cl.searchDriver(li, drv, xmit) {
			sent = true
		}
	}
	return sent
}

func (cl *Client) searchDriver(lanDriver int, drv netlink.Driver, xmit bool) bool {
	sent := false
	control := drv.Control()

	if xmit {
		for i := range cl.hostlist {
			cl.hostlist[i].requery = true
		}

		query := cl.scratch()
		BeginControl(query)
		query.WriteByte(CCReqServerInfo)
		query.WriteString(GameName)
		query.WriteByte(ProtocolVersion)
		FinishControl(query)
		if err := drv.Broadcast(control, query.Bytes()); err != nil {
			cl.Log.Debug().Err(err).Str("driver", drv.Name()).Log("broadcast failed")
		}
		sent = true

		if cl.InternetScope {
			cl.queryMasters(lanDriver, drv)
		}
	}

	buf := make([]byte, netchan.MaxDatagram+netchan.HeaderSize)
	myAddr := drv.LocalAddr(control)
	for {
		n, from, err := drv.Read(control, buf)
		if err != nil || n < 4 {
			if err == nil && n > 0 {
				continue
			}
			break
		}
		// Don't answer or record our own query.
		if from.Compare(myAddr) >= 0 {
			continue
		}
		if cl.HostCache.Full() {
			continue
		}
		cl.handleSearchReply(lanDriver, drv, from, buf[:n])
	}

	if !xmit {
		budget := requeryBudget
		for i := range cl.hostlist {
			h := &cl.hostlist[i]
			if !h.requery || h.lanDriver != lanDriver {
				continue
			}
			h.requery = false
			cl.sendServerQuery(drv, h.addr, h.master)
			sent = true
			if budget--; budget == 0 {
				break
			}
		}
	}
	return sent
}

func (cl *Client) queryMasters(lanDriver int, drv netlink.Driver) {
	for _, master := range cl.Masters() {
		if master == "" {
			continue
		}
		addr, err := drv.Resolve(master)
		if err != nil {
			continue
		}
		for _, proto := range strings.Fields(cl.ProtocolName()) {
			var query string
			if !addr.Is4() {
				query = fmt.Sprintf("getserversExt %s %d empty full ipv6", proto, ProtocolVersion)
			} else {
				query = fmt.Sprintf("getservers %s %d empty full", proto, ProtocolVersion)
			}
			if err := drv.Write(drv.Control(), DPText(query), addr); err != nil {
				cl.Log.Debug().Err(err).Str("master", master).Log("master query failed")
			}
		}
	}
}

// sendServerQuery asks one host for its info, using the DP form for hosts
// learned from masters and the legacy form otherwise.
func (cl *Client) sendServerQuery(drv netlink.Driver, addr netlink.Addr, master bool) {
	if master {
		if err := drv.Write(drv.Control(), DPText("getinfo"), addr); err != nil {
			cl.Log.Debug().Err(err).Log("server query failed")
		}
		return
	}
	query := cl.scratch()
	BeginControl(query)
	query.WriteByte(CCReqServerInfo)
	query.WriteString(GameName)
	query.WriteByte(ProtocolVersion)
	FinishControl(query)
	if err := drv.Write(drv.Control(), query.Bytes(), addr); err != nil {
		cl.Log.Debug().Err(err).Log("server query failed")
	}
}

func (cl *Client) addPossibleHost(addr netlink.Addr, lanDriver int, master bool) {
	for _, h := range cl.hostlist {
		if h.addr.Compare(addr) == 0 && h.lanDriver == lanDriver {
			return // already known from another master
		}
	}
	cl.hostlist = append(cl.hostlist, possibleHost{addr: addr, lanDriver: lanDriver, requery: true, master: master})
}

func (cl *Client) handleSearchReply(lanDriver int, drv netlink.Driver, from netlink.Addr, data []byte) {
	if text, ok := IsDPText(data); ok {
		switch {
		case strings.HasPrefix(text, "getserversResponse"):
			cl.parseServersResponse(lanDriver, text[len("getserversResponse"):])
		case strings.HasPrefix(text, "infoResponse\n"):
			cl.parseInfoResponse(lanDriver, from, text[len("infoResponse\n"):])
		}
		return
	}

	m, ok := ParseControl(data)
	if !ok {
		return
	}
	if m.ReadByte() != CCRepServerInfo {
		return
	}
	m.ReadString() // advertised address; trust the packet source instead

	e := cl.HostCache.begin(from)
	if e == nil {
		return
	}
	e.Name = m.ReadString()
	if e.Name == "" {
		e.Name = "UNNAMED"
	}
	e.Map = m.ReadString()
	e.Users = int(m.ReadByte())
	e.MaxUsers = int(m.ReadByte())
	if m.ReadByte() != ProtocolVersion {
		e.CName = e.Name
		if len(e.CName) > 14 {
			e.CName = e.CName[:14]
		}
		e.Name = "*" + e.CName
	}
	e.Addr = from
	e.Driver = cl.DriverIndex
	e.LanDriver = lanDriver
	e.CName = from.String()
	cl.HostCache.finish(e)
}

// parseServersResponse decodes the master's address list: '\' starts an
// IPv4 entry (4 address bytes + 2 port bytes), '/' an IPv6 entry
// (16 + 2). A zero port terminates.
func (cl *Client) parseServersResponse(lanDriver int, payload string) {
	b := []byte(payload)
	for len(b) > 0 {
		switch b[0] {
		case '\\':
			if len(b) < 7 {
				return
			}
			port := binary.BigEndian.Uint16(b[5:7])
			if port == 0 {
				return
			}
			addr := netlink.AddrFrom(netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[1:5])), port))
			cl.addPossibleHost(addr, lanDriver, true)
			b = b[7:]
		case '/':
			if len(b) < 19 {
				return
			}
			port := binary.BigEndian.Uint16(b[17:19])
			if port == 0 {
				return
			}
			addr := netlink.AddrFrom(netip.AddrPortFrom(netip.AddrFrom16([16]byte(b[1:17])), port))
			cl.addPossibleHost(addr, lanDriver, true)
			b = b[19:]
		default:
			return
		}
	}
}

func (cl *Client) parseInfoResponse(lanDriver int, from netlink.Addr, info string) {
	e := cl.HostCache.begin(from)
	if e == nil {
		return
	}
	e.Name = netmsg.InfoRead(info, "hostname")
	if e.Name == "" {
		e.Name = "UNNAMED"
	}
	e.Map = netmsg.InfoRead(info, "mapname")
	e.GameDir = netmsg.InfoRead(info, "modname")
	e.Users, _ = strconv.Atoi(netmsg.InfoRead(info, "clients"))
	e.MaxUsers, _ = strconv.Atoi(netmsg.InfoRead(info, "sv_maxclients"))
	if protocol, _ := strconv.Atoi(netmsg.InfoRead(info, "protocol")); protocol != ProtocolVersion {
		e.CName = e.Name
		e.Name = "*" + e.CName
	}
	e.Addr = from
	e.Driver = cl.DriverIndex
	e.LanDriver = lanDriver
	e.CName = from.String()
	cl.HostCache.finish(e)
}
