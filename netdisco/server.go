package netdisco

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-quakenet/console"
	"github.com/joeycumines/go-quakenet/cvar"
	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netlink"
	"github.com/joeycumines/go-quakenet/netmsg"
)

// heartbeatInterval is how often a public server announces itself to the
// masters, in seconds.
const heartbeatInterval = 300

// duplicateConnectWindow is how long after accepting a connection a
// repeated request from the same peer gets a duplicate ACCEPT instead of
// being treated as a reconnect, in seconds.
const duplicateConnectWindow = 2.0

// maxRconResponse bounds the rcon response body.
const maxRconResponse = 8192

// ClientInfo describes one connected client for player-info replies and
// status responses.
type ClientInfo struct {
	Name        string
	Colors      int
	Frags       int
	ConnectTime float64 // seconds of net time at connect
	Bot         bool
	Socket      *netchan.Socket // nil for bots
}

// Host is the embedding application, as seen by the control protocol.
type Host interface {
	// MaxClients returns the configured client limit.
	MaxClients() int

	// ActiveClients enumerates connected clients in slot order.
	ActiveClients() []ClientInfo

	// LevelName returns the current map name.
	LevelName() string

	// AcceptClient binds a freshly accepted channel to a client slot.
	AcceptClient(sock *netchan.Socket)

	// DropClient disconnects the client bound to sock (crash recovery,
	// timeouts). The host closes the socket.
	DropClient(sock *netchan.Socket)
}

// Server handles inbound control packets on the listen sockets and the
// periodic master heartbeat. It implements netchan.ControlHandler.
type Server struct {
	Log  *logiface.Logger[logiface.Event]
	Now  func() float64
	Host Host

	Pool        *netchan.Pool
	DriverIndex int

	// LanDrivers is the datagram driver's LAN driver table, shared so
	// accepted sockets record the right family index.
	LanDrivers []netlink.Driver

	Console *console.Console
	Cvars   *cvar.Registry

	// Cvar handles, registered by the stack.
	Hostname         *cvar.Var
	Public           *cvar.Var
	ReportHeartbeats *cvar.Var
	RconPassword     *cvar.Var
	ProtocolName     *cvar.Var
	Masters          []*cvar.Var

	// Version is reported in status responses.
	Version string

	heartbeatTime float64

	// challenges maps peer address to the cookie issued by getchallenge.
	challenges map[netlink.Addr]string

	// IPv4 ban filter; a connecting host matching addr under mask is
	// rejected.
	banAddr netip.Addr
	banMask netip.Addr

	// rcon response routing, valid during a redirected execute.
	rconDrv  netlink.Driver
	rconConn *netlink.Conn
	rconAddr netlink.Addr

	msg *netmsg.Message
}

func (sv *Server) scratch() *netmsg.Message {
	if sv.msg == nil {
		sv.msg = netmsg.New(maxRconResponse)
	}
	return sv.msg
}

// HandleControlPacket decodes one out-of-band packet received on a listen
// socket and writes any reply to the same socket.
func (sv *Server) HandleControlPacket(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, data []byte) {
	if text, ok := IsDPText(data); ok {
		sv.handleDPText(drv, conn, from, text)
		return
	}

	m, ok := ParseControl(data)
	if !ok {
		return
	}

	switch command := m.ReadByte(); command {
	case CCReqServerInfo:
		sv.handleServerInfo(drv, conn, from, m)
	case CCReqPlayerInfo:
		sv.handlePlayerInfo(drv, conn, from, m)
	case CCReqRuleInfo:
		sv.handleRuleInfo(drv, conn, from, m)
	case CCReqRcon:
		sv.handleRcon(drv, conn, from, m)
	case CCReqConnect:
		sv.handleConnect(drv, conn, from, m)
	default:
		sv.Log.Debug().Uint64("command", uint64(command)).Log("unknown control command")
	}
}

func (sv *Server) write(drv netlink.Driver, conn *netlink.Conn, to netlink.Addr, m *netmsg.Message) {
	if err := drv.Write(conn, m.Bytes(), to); err != nil {
		sv.Log.Debug().Err(err).Log("control reply failed")
	}
}

func (sv *Server) handleServerInfo(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, m *netmsg.Message) {
	if m.ReadString() != GameName {
		return
	}

	reply := sv.scratch()
	BeginControl(reply)
	reply.WriteByte(CCRepServerInfo)
	reply.WriteString(drv.LocalAddr(conn).String())
	reply.WriteString(sv.Hostname.String())
	reply.WriteString(sv.Host.LevelName())
	reply.WriteByte(byte(sv.Pool.NumActive()))
	reply.WriteByte(byte(sv.Host.MaxClients()))
	reply.WriteByte(ProtocolVersion)
	FinishControl(reply)
	sv.write(drv, conn, from, reply)
}

func (sv *Server) handlePlayerInfo(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, m *netmsg.Message) {
	playerNumber := int(m.ReadByte())
	clients := sv.Host.ActiveClients()
	if playerNumber >= len(clients) {
		return
	}
	cl := clients[playerNumber]

	reply := sv.scratch()
	BeginControl(reply)
	reply.WriteByte(CCRepPlayerInfo)
	reply.WriteByte(byte(playerNumber))
	reply.WriteString(cl.Name)
	reply.WriteLong(uint32(cl.Colors))
	reply.WriteLong(uint32(cl.Frags))
	if cl.Bot {
		reply.WriteLong(0)
		reply.WriteString("Bot")
	} else {
		reply.WriteLong(uint32(sv.Now() - cl.ConnectTime))
		reply.WriteString(cl.Socket.MaskedAddress)
	}
	FinishControl(reply)
	sv.write(drv, conn, from, reply)
}

func (sv *Server) handleRuleInfo(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, m *netmsg.Message) {
	prev := m.ReadString()
	v := sv.Cvars.FindAfter(prev, cvar.ServerInfo)

	reply := sv.scratch()
	BeginControl(reply)
	reply.WriteByte(CCRepRuleInfo)
	if v != nil {
		reply.WriteString(v.Name)
		reply.WriteString(v.String())
	}
	FinishControl(reply)
	sv.write(drv, conn, from, reply)
}

func (sv *Server) handleRcon(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, m *netmsg.Message) {
	password := m.ReadString()
	command := m.ReadString()

	sv.rconDrv, sv.rconConn, sv.rconAddr = drv, conn, from

	switch {
	case sv.RconPassword.String() == "":
		sv.RconFlush("rcon is not enabled on this server")
	case password == sv.RconPassword.String():
		sv.Console.Redirect(sv.RconFlush)
		sv.Console.Execute(command)
		sv.Console.Redirect(nil)
	case password == "password":
		sv.RconFlush("What, you really thought that would work? Seriously?")
	default:
		sv.RconFlush("Your password is just WRONG dude.")
	}
}

// RconFlush sends text as a rcon response to the peer of the rcon request
// currently being handled.
func (sv *Server) RconFlush(text string) {
	reply := netmsg.NewAllowOverflow(maxRconResponse)
	BeginControl(reply)
	reply.WriteByte(CCRepRcon)
	reply.WriteString(text)
	if reply.Overflowed() {
		return
	}
	FinishControl(reply)
	sv.write(sv.rconDrv, sv.rconConn, sv.rconAddr, reply)
}

func (sv *Server) reject(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, reason string) {
	reply := sv.scratch()
	BeginControl(reply)
	reply.WriteByte(CCRepReject)
	reply.WriteString(reason)
	FinishControl(reply)
	sv.write(drv, conn, from, reply)
}

func (sv *Server) handleConnect(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, m *netmsg.Message) {
	if m.ReadString() != GameName {
		return
	}
	if m.ReadByte() != ProtocolVersion {
		sv.reject(drv, conn, from, "Incompatible version.\n")
		return
	}

	// ProQuake extension: an optional trailing mod byte; mod 1 on both
	// sides switches the channel to 16-bit client-to-server angles.
	mod := int(m.ReadByte())
	if m.BadRead() {
		mod = 0
	}

	if sv.banned(from) {
		sv.reject(drv, conn, from, "You have been banned.\n")
		return
	}

	// A peer we already accepted may be retrying because our reply was
	// lost; within the window just repeat the ACCEPT.
	for _, s := range sv.Pool.Active() {
		if s.Driver != sv.DriverIndex || s.Disconnected {
			continue
		}
		if from.Compare(s.Addr) != 0 {
			continue
		}
		if sv.Now()-s.ConnectTime < duplicateConnectWindow {
			sv.sendAccept(drv, conn, from, s)
			return
		}
		// A returning peer after a crash or disconnect: drop the old
		// client and let their retry reconnect cleanly.
		sv.Host.DropClient(s)
		return
	}

	sock := sv.allocateSocket(drv, conn, from)
	if sock == nil {
		sv.reject(drv, conn, from, "Server is full.\n")
		return
	}
	sock.AngleHack = mod == ModProQuake

	sv.sendAccept(drv, conn, from, sock)
	sv.Host.AcceptClient(sock)
}

func (sv *Server) allocateSocket(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr) *netchan.Socket {
	if len(sv.Host.ActiveClients()) >= sv.Host.MaxClients() {
		return nil
	}
	sock := sv.Pool.New(sv.Now(), sv.DriverIndex)
	if sock == nil {
		return nil
	}
	sock.Virtual = true
	sock.Conn = conn
	sock.LanDriver = sv.lanDriverIndex(drv)
	sock.Addr = from
	sock.TrueAddress = from.String()
	sock.MaskedAddress = from.MaskedString()
	return sock
}

func (sv *Server) lanDriverIndex(drv netlink.Driver) int {
	for i, d := range sv.LanDrivers {
		if d == drv {
			return i
		}
	}
	return 0
}

func (sv *Server) sendAccept(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, sock *netchan.Socket) {
	reply := sv.scratch()
	BeginControl(reply)
	reply.WriteByte(CCRepAccept)
	reply.WriteLong(uint32(drv.LocalAddr(conn).Port()))
	if sock.AngleHack {
		reply.WriteByte(ModProQuake)
		reply.WriteByte(30) // mod version; 34 assumes per-client sockets
		reply.WriteByte(0)  // no flags
	}
	FinishControl(reply)
	sv.write(drv, conn, from, reply)
}

// handleDPText answers the DP-compatible text commands: getinfo and
// getstatus for masters and browsers, getchallenge/connect for
// challenge-based connection setup.
func (sv *Server) handleDPText(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, text string) {
	// The command ends at whitespace or at the first infostring
	// separator (connect carries its arguments as \key\value pairs with
	// no space).
	command := text
	if end := strings.IndexAny(text, " \t\r\n\\"); end >= 0 {
		command = text[:end]
	}

	switch command {
	case "getinfo", "getstatus":
		if !sv.Public.Bool() {
			return
		}
		full := command == "getstatus"
		cookie := strings.TrimSpace(strings.TrimPrefix(text, command))
		sv.sendInfoResponse(drv, conn, from, full, cookie)

	case "getchallenge":
		if sv.challenges == nil {
			sv.challenges = make(map[netlink.Addr]string)
		}
		if len(sv.challenges) >= 64 {
			// Bound the table; stale entries are just re-issued.
			sv.challenges = make(map[netlink.Addr]string)
		}
		cookie := uuid.NewString()
		sv.challenges[from] = cookie
		sv.writeRaw(drv, conn, from, DPText("challenge "+cookie))

	case "connect":
		// connect\key\value...; the challenge must match one we issued.
		info := strings.TrimPrefix(text, "connect")
		info = strings.TrimRight(info, "\n")
		challenge := netmsg.InfoRead(info, "challenge")
		if sv.challenges == nil || sv.challenges[from] != challenge {
			return
		}
		delete(sv.challenges, from)
		sock := sv.allocateSocket(drv, conn, from)
		if sock == nil {
			sv.writeRaw(drv, conn, from, DPText("reject Server is full.\n"))
			return
		}
		sv.writeRaw(drv, conn, from, DPText("accept"))
		sv.Host.AcceptClient(sock)
	}
}

func (sv *Server) writeRaw(drv netlink.Driver, conn *netlink.Conn, to netlink.Addr, data []byte) {
	if err := drv.Write(conn, data, to); err != nil {
		sv.Log.Debug().Err(err).Log("control reply failed")
	}
}

func (sv *Server) sendInfoResponse(drv netlink.Driver, conn *netlink.Conn, from netlink.Addr, full bool, cookie string) {
	var b strings.Builder
	if full {
		b.WriteString("statusResponse")
	} else {
		b.WriteString("infoResponse\n")
	}

	clients := sv.Host.ActiveClients()
	numBots := 0
	for _, cl := range clients {
		if cl.Bot {
			numBots++
		}
	}

	// The master needs gamename to know which game to list us under.
	if proto := firstToken(sv.ProtocolName.String()); proto != "" {
		netmsg.InfoWrite(&b, "gamename", proto)
	}
	netmsg.InfoWrite(&b, "protocol", fmt.Sprint(ProtocolVersion))
	if sv.Version != "" {
		netmsg.InfoWrite(&b, "ver", sv.Version)
	}
	if level := sv.Host.LevelName(); level != "" {
		netmsg.InfoWrite(&b, "mapname", level)
	}
	if hostname := sv.Hostname.String(); hostname != "" {
		netmsg.InfoWrite(&b, "hostname", hostname)
	}
	netmsg.InfoWrite(&b, "clients", fmt.Sprint(len(clients)))
	if numBots > 0 {
		netmsg.InfoWrite(&b, "bots", fmt.Sprint(numBots))
	}
	netmsg.InfoWrite(&b, "sv_maxclients", fmt.Sprint(sv.Host.MaxClients()))
	if cookie != "" {
		netmsg.InfoWrite(&b, "challenge", cookie)
	}

	if full {
		for _, cl := range clients {
			fmt.Fprintf(&b, "\n%d %d %d_%d \"%s\"", cl.Frags, 0, cl.Colors&15, cl.Colors>>4, cl.Name)
		}
	}

	sv.writeRaw(drv, conn, from, DPText(b.String()))
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SetBan installs an IPv4 address ban. An empty addr clears the ban; an
// empty mask defaults to an exact-host match.
func (sv *Server) SetBan(addr, mask string) error {
	if addr == "" {
		sv.banAddr, sv.banMask = netip.Addr{}, netip.Addr{}
		return nil
	}
	a, err := netip.ParseAddr(addr)
	if err != nil || !a.Is4() {
		return fmt.Errorf("netdisco: bad ban address %q", addr)
	}
	m := netip.AddrFrom4([4]byte{255, 255, 255, 255})
	if mask != "" {
		m, err = netip.ParseAddr(mask)
		if err != nil || !m.Is4() {
			return fmt.Errorf("netdisco: bad ban mask %q", mask)
		}
	}
	sv.banAddr, sv.banMask = a, m
	return nil
}

// Ban returns the current ban filter and whether one is active.
func (sv *Server) Ban() (addr, mask string, active bool) {
	if !sv.banAddr.IsValid() {
		return "", "", false
	}
	return sv.banAddr.String(), sv.banMask.String(), true
}

func (sv *Server) banned(from netlink.Addr) bool {
	if !sv.banAddr.IsValid() || !from.Is4() {
		return false
	}
	host := from.AddrPort().Addr().As4()
	ban := sv.banAddr.As4()
	mask := sv.banMask.As4()
	for i := range host {
		if host[i]&mask[i] != ban[i]&mask[i] {
			return false
		}
	}
	return true
}

// RunHeartbeat announces the server to every configured master every five
// minutes while sv_public is positive. Call once per poll cycle.
func (sv *Server) RunHeartbeat() {
	if sv.Public == nil || sv.Public.Value() <= 0 {
		return
	}
	now := sv.Now()
	if now < sv.heartbeatTime {
		return
	}
	sv.heartbeatTime = now + heartbeatInterval

	payload := DPText("heartbeat DarkPlaces\n")
	for _, master := range sv.Masters {
		if master.String() == "" {
			continue
		}
		for _, drv := range sv.LanDrivers {
			if !drv.Initialized() || drv.Listening() == nil {
				continue
			}
			addr, err := drv.Resolve(master.String())
			if err != nil {
				if sv.ReportHeartbeats.Bool() {
					sv.Log.Info().Str("master", master.String()).Err(err).Log("unable to resolve master")
				}
				continue
			}
			if sv.ReportHeartbeats.Bool() {
				sv.Log.Info().Str("master", master.String()).Log("sending heartbeat")
			}
			sv.writeRaw(drv, drv.Listening(), addr, payload)
		}
	}
}
