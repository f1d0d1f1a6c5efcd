package netdisco

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-quakenet/console"
	"github.com/joeycumines/go-quakenet/cvar"
	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netlink"
	"github.com/joeycumines/go-quakenet/netmsg"
)

type memPacket struct {
	data []byte
	from netlink.Addr
}

// memDriver is an in-memory netlink.Driver for exercising the control
// protocol without sockets.
type memDriver struct {
	conns     map[netlink.Addr]*netlink.Conn
	queues    map[*netlink.Conn][]memPacket
	addrs     map[*netlink.Conn]netlink.Addr
	listening *netlink.Conn
	control   *netlink.Conn
	nextPort  uint16
	inited    bool

	// reactor, when set, runs synchronously after each delivery so tests
	// can play the other end of an exchange.
	reactor func(to netlink.Addr, data []byte, from netlink.Addr)
}

func newMemDriver() *memDriver {
	d := &memDriver{
		conns:    make(map[netlink.Addr]*netlink.Conn),
		queues:   make(map[*netlink.Conn][]memPacket),
		addrs:    make(map[*netlink.Conn]netlink.Addr),
		nextPort: 1,
	}
	d.control, _ = d.OpenSocket(0)
	d.listening, _ = d.OpenSocket(26000)
	d.inited = true
	return d
}

func (d *memDriver) Name() string             { return "mem" }
func (d *memDriver) Init() error              { d.inited = true; return nil }
func (d *memDriver) Initialized() bool        { return d.inited }
func (d *memDriver) Shutdown()                { d.inited = false }
func (d *memDriver) Listen(bool) error        { return nil }
func (d *memDriver) Listening() *netlink.Conn { return d.listening }
func (d *memDriver) Control() *netlink.Conn   { return d.control }

func (d *memDriver) OpenSocket(port uint16) (*netlink.Conn, error) {
	if port == 0 {
		port = d.nextPort
		d.nextPort++
	}
	addr := netlink.AddrFrom(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port))
	c := &netlink.Conn{}
	d.conns[addr] = c
	d.addrs[c] = addr
	return c, nil
}

func (d *memDriver) Read(c *netlink.Conn, buf []byte) (int, netlink.Addr, error) {
	q := d.queues[c]
	if len(q) == 0 {
		return 0, netlink.Addr{}, nil
	}
	p := q[0]
	d.queues[c] = q[1:]
	copy(buf, p.data)
	return len(p.data), p.from, nil
}

func (d *memDriver) Write(c *netlink.Conn, buf []byte, to netlink.Addr) error {
	dst, ok := d.conns[to]
	if !ok {
		// Writes to unknown peers (e.g. test clients) are recorded under
		// a synthesized conn so tests can read them back.
		dst, _ = d.OpenSocket(to.Port())
	}
	d.queues[dst] = append(d.queues[dst], memPacket{data: append([]byte(nil), buf...), from: d.addrs[c]})
	if d.reactor != nil {
		d.reactor(to, append([]byte(nil), buf...), d.addrs[c])
	}
	return nil
}

func (d *memDriver) Broadcast(c *netlink.Conn, buf []byte) error { return nil }

func (d *memDriver) Resolve(name string) (netlink.Addr, error) {
	return netlink.ParseAddr(name, 26000)
}

func (d *memDriver) LocalAddr(c *netlink.Conn) netlink.Addr { return d.addrs[c] }

// connFor returns the conn receiving traffic for addr, creating it if a
// write has not yet synthesized one.
func (d *memDriver) connFor(addr netlink.Addr) *netlink.Conn {
	if c, ok := d.conns[addr]; ok {
		return c
	}
	c, _ := d.OpenSocket(addr.Port())
	return c
}

// testHost is a minimal Host.
type testHost struct {
	maxClients int
	clients    []ClientInfo
	dropped    []*netchan.Socket
}

func (h *testHost) MaxClients() int               { return h.maxClients }
func (h *testHost) ActiveClients() []ClientInfo   { return h.clients }
func (h *testHost) LevelName() string             { return "e1m1" }
func (h *testHost) AcceptClient(s *netchan.Socket) {
	h.clients = append(h.clients, ClientInfo{Name: "player", Socket: s, ConnectTime: s.ConnectTime})
}
func (h *testHost) DropClient(s *netchan.Socket) { h.dropped = append(h.dropped, s) }

type serverFixture struct {
	drv    *memDriver
	server *Server
	host   *testHost
	pool   *netchan.Pool
	cvars  *cvar.Registry
	now    float64
	client netlink.Addr
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		drv:   newMemDriver(),
		host:  &testHost{maxClients: 4},
		pool:  netchan.NewPool(8),
		cvars: cvar.NewRegistry(),
	}
	f.client = addr(t, "127.0.0.1:5000")

	f.server = &Server{
		Now:              func() float64 { return f.now },
		Host:             f.host,
		Pool:             f.pool,
		DriverIndex:      1,
		LanDrivers:       []netlink.Driver{f.drv},
		Console:          console.New(&strings.Builder{}),
		Cvars:            f.cvars,
		Hostname:         f.cvars.Register(&cvar.Var{Name: "hostname", Default: "testhost", Flags: cvar.ServerInfo}),
		Public:           f.cvars.Register(&cvar.Var{Name: "sv_public", Default: "1"}),
		ReportHeartbeats: f.cvars.Register(&cvar.Var{Name: "sv_reportheartbeats", Default: "0"}),
		RconPassword:     f.cvars.Register(&cvar.Var{Name: "rcon_password", Default: ""}),
		ProtocolName:     f.cvars.Register(&cvar.Var{Name: "com_protocolname", Default: "FTE-Quake"}),
		Version:          "test 1.0",
	}
	return f
}

// send delivers a control packet to the server and returns its replies
// to the client address.
func (f *serverFixture) send(data []byte) [][]byte {
	clientConn := f.drv.connFor(f.client)
	f.drv.queues[clientConn] = nil
	f.server.HandleControlPacket(f.drv, f.drv.listening, f.client, data)
	var out [][]byte
	for _, p := range f.drv.queues[clientConn] {
		out = append(out, p.data)
	}
	return out
}

func buildConnect(mod byte) []byte {
	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqConnect)
	m.WriteString(GameName)
	m.WriteByte(ProtocolVersion)
	if mod != 0 {
		m.WriteByte(mod)
		m.WriteByte(34)
		m.WriteByte(0)
		m.WriteLong(0)
	}
	FinishControl(m)
	return append([]byte(nil), m.Bytes()...)
}

func TestControlRoundTrip(t *testing.T) {
	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqServerInfo)
	m.WriteString(GameName)
	m.WriteByte(ProtocolVersion)
	FinishControl(m)

	r, ok := ParseControl(m.Bytes())
	require.True(t, ok)
	assert.Equal(t, byte(CCReqServerInfo), r.ReadByte())
	assert.Equal(t, GameName, r.ReadString())
	assert.Equal(t, byte(ProtocolVersion), r.ReadByte())
	assert.NoError(t, r.Err())
}

func TestParseControlRejectsBadLength(t *testing.T) {
	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqServerInfo)
	FinishControl(m)
	data := append([]byte(nil), m.Bytes()...)
	data = append(data, 0xEE) // actual length no longer matches header

	_, ok := ParseControl(data)
	assert.False(t, ok)
}

func TestServerInfoReply(t *testing.T) {
	f := newServerFixture(t)

	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqServerInfo)
	m.WriteString(GameName)
	m.WriteByte(ProtocolVersion)
	FinishControl(m)

	replies := f.send(m.Bytes())
	require.Len(t, replies, 1)

	r, ok := ParseControl(replies[0])
	require.True(t, ok)
	assert.Equal(t, byte(CCRepServerInfo), r.ReadByte())
	r.ReadString() // server address
	assert.Equal(t, "testhost", r.ReadString())
	assert.Equal(t, "e1m1", r.ReadString())
	assert.Equal(t, byte(0), r.ReadByte())
	assert.Equal(t, byte(4), r.ReadByte())
	assert.Equal(t, byte(ProtocolVersion), r.ReadByte())
}

func TestServerInfoWrongGameIgnored(t *testing.T) {
	f := newServerFixture(t)

	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqServerInfo)
	m.WriteString("QUAKE2")
	m.WriteByte(ProtocolVersion)
	FinishControl(m)

	assert.Empty(t, f.send(m.Bytes()))
}

func TestConnectAccept(t *testing.T) {
	f := newServerFixture(t)

	replies := f.send(buildConnect(0))
	require.Len(t, replies, 1)

	r, ok := ParseControl(replies[0])
	require.True(t, ok)
	assert.Equal(t, byte(CCRepAccept), r.ReadByte())
	assert.Equal(t, uint32(26000), r.ReadLong())

	require.Len(t, f.host.clients, 1)
	sock := f.host.clients[0].Socket
	assert.True(t, sock.Virtual)
	assert.False(t, sock.AngleHack)
	assert.Equal(t, 0, sock.Addr.Compare(f.client))
}

func TestConnectProQuakeAngleHack(t *testing.T) {
	f := newServerFixture(t)

	replies := f.send(buildConnect(ModProQuake))
	require.Len(t, replies, 1)

	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepAccept), r.ReadByte())
	r.ReadLong() // port
	assert.Equal(t, byte(ModProQuake), r.ReadByte())
	assert.Equal(t, byte(30), r.ReadByte())
	assert.Equal(t, byte(0), r.ReadByte())

	require.Len(t, f.host.clients, 1)
	assert.True(t, f.host.clients[0].Socket.AngleHack)
}

func TestConnectVersionMismatchRejected(t *testing.T) {
	f := newServerFixture(t)

	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqConnect)
	m.WriteString(GameName)
	m.WriteByte(ProtocolVersion + 1)
	FinishControl(m)

	replies := f.send(m.Bytes())
	require.Len(t, replies, 1)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepReject), r.ReadByte())
	assert.Equal(t, "Incompatible version.\n", r.ReadString())
}

func TestConnectServerFull(t *testing.T) {
	f := newServerFixture(t)
	f.host.maxClients = 0

	replies := f.send(buildConnect(0))
	require.Len(t, replies, 1)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepReject), r.ReadByte())
	assert.Equal(t, "Server is full.\n", r.ReadString())
}

func TestDuplicateConnectGetsDuplicateAccept(t *testing.T) {
	f := newServerFixture(t)

	require.Len(t, f.send(buildConnect(0)), 1)
	require.Len(t, f.host.clients, 1)

	// Within the window: a repeat accept, no new socket.
	f.now = 1.0
	replies := f.send(buildConnect(0))
	require.Len(t, replies, 1)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepAccept), r.ReadByte())
	assert.Len(t, f.host.clients, 1)
	assert.Equal(t, 1, f.pool.NumActive())

	// Past the window: treated as a reconnect, old client dropped.
	f.now = 5.0
	replies = f.send(buildConnect(0))
	assert.Empty(t, replies)
	assert.Len(t, f.host.dropped, 1)
}

func TestConnectBanned(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.server.SetBan("127.0.0.1", "255.255.255.255"))

	replies := f.send(buildConnect(0))
	require.Len(t, replies, 1)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepReject), r.ReadByte())
	assert.Equal(t, "You have been banned.\n", r.ReadString())

	require.NoError(t, f.server.SetBan("", ""))
	replies = f.send(buildConnect(0))
	r, _ = ParseControl(replies[0])
	assert.Equal(t, byte(CCRepAccept), r.ReadByte())
}

func TestRuleInfoEnumeration(t *testing.T) {
	f := newServerFixture(t)
	f.cvars.Register(&cvar.Var{Name: "deathmatch", Default: "1", Flags: cvar.ServerInfo})

	query := func(prev string) (string, string) {
		m := netmsg.New(512)
		BeginControl(m)
		m.WriteByte(CCReqRuleInfo)
		m.WriteString(prev)
		FinishControl(m)
		replies := f.send(m.Bytes())
		require.Len(t, replies, 1)
		r, _ := ParseControl(replies[0])
		require.Equal(t, byte(CCRepRuleInfo), r.ReadByte())
		if r.Remaining() == 0 {
			return "", ""
		}
		return r.ReadString(), r.ReadString()
	}

	// Lexicographic walk: deathmatch, then hostname, then the end.
	k1, v1 := query("")
	assert.Equal(t, "deathmatch", k1)
	assert.Equal(t, "1", v1)
	k2, v2 := query(k1)
	assert.Equal(t, "hostname", k2)
	assert.Equal(t, "testhost", v2)
	k3, _ := query(k2)
	assert.Equal(t, "", k3)
}

func TestPlayerInfo(t *testing.T) {
	f := newServerFixture(t)
	require.Len(t, f.send(buildConnect(0)), 1)

	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqPlayerInfo)
	m.WriteByte(0)
	FinishControl(m)

	replies := f.send(m.Bytes())
	require.Len(t, replies, 1)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepPlayerInfo), r.ReadByte())
	assert.Equal(t, byte(0), r.ReadByte())
	assert.Equal(t, "player", r.ReadString())
}

func TestRconDisabled(t *testing.T) {
	f := newServerFixture(t)

	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqRcon)
	m.WriteString("whatever")
	m.WriteString("status")
	FinishControl(m)

	replies := f.send(m.Bytes())
	require.Len(t, replies, 1)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepRcon), r.ReadByte())
	assert.Equal(t, "rcon is not enabled on this server", r.ReadString())
}

func TestRconExecutesWithPassword(t *testing.T) {
	f := newServerFixture(t)
	f.server.RconPassword.Set("hunter2")
	f.server.Console.AddCommand("status", func(c *console.Console, args []string) {
		c.Printf("all good\n")
	})

	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqRcon)
	m.WriteString("hunter2")
	m.WriteString("status")
	FinishControl(m)

	replies := f.send(m.Bytes())
	require.NotEmpty(t, replies)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepRcon), r.ReadByte())
	assert.Equal(t, "all good\n", r.ReadString())
}

func TestRconWrongPassword(t *testing.T) {
	f := newServerFixture(t)
	f.server.RconPassword.Set("hunter2")

	m := netmsg.New(512)
	BeginControl(m)
	m.WriteByte(CCReqRcon)
	m.WriteString("wrong")
	m.WriteString("status")
	FinishControl(m)

	replies := f.send(m.Bytes())
	require.Len(t, replies, 1)
	r, _ := ParseControl(replies[0])
	assert.Equal(t, byte(CCRepRcon), r.ReadByte())
	assert.Contains(t, r.ReadString(), "WRONG")
}

func TestGetInfoResponse(t *testing.T) {
	f := newServerFixture(t)

	replies := f.send(DPText("getinfo somecookie"))
	require.Len(t, replies, 1)

	text, ok := IsDPText(replies[0])
	require.True(t, ok)
	require.True(t, strings.HasPrefix(text, "infoResponse\n"))
	info := text[len("infoResponse\n"):]
	assert.Equal(t, "testhost", netmsg.InfoRead(info, "hostname"))
	assert.Equal(t, "e1m1", netmsg.InfoRead(info, "mapname"))
	assert.Equal(t, "FTE-Quake", netmsg.InfoRead(info, "gamename"))
	assert.Equal(t, "3", netmsg.InfoRead(info, "protocol"))
	assert.Equal(t, "somecookie", netmsg.InfoRead(info, "challenge"))
}

func TestGetInfoIgnoredWhenPrivate(t *testing.T) {
	f := newServerFixture(t)
	f.server.Public.Set("0")
	assert.Empty(t, f.send(DPText("getinfo")))
}

func TestGetChallengeConnectFlow(t *testing.T) {
	f := newServerFixture(t)

	replies := f.send(DPText("getchallenge\n"))
	require.Len(t, replies, 1)
	text, ok := IsDPText(replies[0])
	require.True(t, ok)
	require.True(t, strings.HasPrefix(text, "challenge "))
	cookie := strings.TrimSpace(text[len("challenge "):])

	replies = f.send(DPText(fmt.Sprintf("connect\\protocol\\darkplaces 3\\challenge\\%s", cookie)))
	require.Len(t, replies, 1)
	text, _ = IsDPText(replies[0])
	assert.Equal(t, "accept", text)
	assert.Len(t, f.host.clients, 1)
}

func TestConnectWithBadChallengeIgnored(t *testing.T) {
	f := newServerFixture(t)
	assert.Empty(t, f.send(DPText("connect\\challenge\\bogus")))
	assert.Empty(t, f.host.clients)
}

func TestHeartbeat(t *testing.T) {
	f := newServerFixture(t)
	masterAddr := addr(t, "127.0.0.1:27950")
	masterConn := f.drv.connFor(masterAddr)
	f.server.Masters = []*cvar.Var{
		f.cvars.Register(&cvar.Var{Name: "net_master1", Default: "127.0.0.1:27950"}),
	}

	f.now = 10
	f.server.RunHeartbeat()
	require.Len(t, f.drv.queues[masterConn], 1)
	text, ok := IsDPText(f.drv.queues[masterConn][0].data)
	require.True(t, ok)
	assert.Equal(t, "heartbeat DarkPlaces\n", text)

	// No repeat before the interval elapses.
	f.now = 20
	f.server.RunHeartbeat()
	assert.Len(t, f.drv.queues[masterConn], 1)

	f.now = 10 + heartbeatInterval + 1
	f.server.RunHeartbeat()
	assert.Len(t, f.drv.queues[masterConn], 2)
}

func TestHeartbeatDisabledWhenPrivate(t *testing.T) {
	f := newServerFixture(t)
	f.server.Public.Set("0")
	masterConn := f.drv.connFor(addr(t, "127.0.0.1:27950"))
	f.server.Masters = []*cvar.Var{
		f.cvars.Register(&cvar.Var{Name: "net_master1", Default: "127.0.0.1:27950"}),
	}
	f.now = 10
	f.server.RunHeartbeat()
	assert.Empty(t, f.drv.queues[masterConn])
}
