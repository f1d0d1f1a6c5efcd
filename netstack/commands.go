package netstack

import (
	"strconv"

	"github.com/joeycumines/go-quakenet/console"
	"github.com/joeycumines/go-quakenet/cvar"
	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netdisco"
	"github.com/joeycumines/go-quakenet/netlink"
	"github.com/joeycumines/go-quakenet/netmsg"
)

// MaxClientsSetter is optionally implemented by the Host to let the
// maxplayers command take effect.
type MaxClientsSetter interface {
	SetMaxClients(n int)
}

func (st *Stack) registerCommands() {
	st.cons.AddCommand("net_stats", st.cmdNetStats)
	st.cons.AddCommand("listen", st.cmdListen)
	st.cons.AddCommand("maxplayers", st.cmdMaxPlayers)
	st.cons.AddCommand("port", st.cmdPort)
	st.cons.AddCommand("slist", st.cmdSlist)
	st.cons.AddCommand("test", st.cmdTest)
	st.cons.AddCommand("test2", st.cmdTest2)
	st.cons.AddCommand("ban", st.cmdBan)
	st.cons.AddCommand("rcon", st.cmdRcon)
}

func (st *Stack) cmdNetStats(c *console.Console, args []string) {
	switch {
	case len(args) == 1:
		c.Printf("unreliable messages sent   = %d\n", st.stats.UnreliableSent.Load())
		c.Printf("unreliable messages recv   = %d\n", st.stats.UnreliableReceived.Load())
		c.Printf("reliable messages sent     = %d\n", st.stats.MessagesSent.Load())
		c.Printf("reliable messages received = %d\n", st.stats.MessagesReceived.Load())
		c.Printf("packetsSent                = %d\n", st.stats.PacketsSent.Load())
		c.Printf("packetsReSent              = %d\n", st.stats.PacketsResent.Load())
		c.Printf("packetsReceived            = %d\n", st.stats.PacketsReceived.Load())
		c.Printf("receivedDuplicateCount     = %d\n", st.stats.ReceivedDuplicates.Load())
		c.Printf("shortPacketCount           = %d\n", st.stats.ShortPackets.Load())
		c.Printf("droppedDatagrams           = %d\n", st.stats.DroppedDatagrams.Load())

	case args[1] == "*":
		for _, s := range st.pool.Active() {
			st.printSocketStats(c, s)
		}

	default:
		var match *netchan.Socket
		for _, s := range st.pool.Active() {
			if s.TrueAddress == args[1] || s.MaskedAddress == args[1] {
				match = s
				break
			}
		}
		if match == nil {
			return
		}
		st.printSocketStats(c, match)
	}
}

func (st *Stack) printSocketStats(c *console.Console, s *netchan.Socket) {
	c.Printf("canSend = %4t   \n", s.CanSend)
	c.Printf("sendSeq = %4d   ", s.SendSequence)
	c.Printf("recvSeq = %4d   \n", s.ReceiveSequence)
	c.Printf("\n")
}

func (st *Stack) cmdListen(c *console.Console, args []string) {
	if len(args) != 2 {
		state := 0
		if st.listening {
			state = 1
		}
		c.Printf("\"listen\" is \"%d\"\n", state)
		return
	}
	enable, _ := strconv.Atoi(args[1])
	if err := st.Listen(enable != 0); err != nil {
		c.Printf("listen: %v\n", err)
	}
}

func (st *Stack) cmdMaxPlayers(c *console.Console, args []string) {
	if len(args) != 2 {
		c.Printf("\"maxplayers\" is \"%d\"\n", st.host.MaxClients())
		return
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 1 {
		n = 1
	}
	setter, ok := st.host.(MaxClientsSetter)
	if !ok {
		c.Printf("maxplayers can not be changed while a server is running.\n")
		return
	}
	setter.SetMaxClients(n)

	if n == 1 && st.listening {
		st.cons.Execute("listen 0")
	}
	if n > 1 && !st.listening {
		st.cons.Execute("listen 1")
	}
}

func (st *Stack) cmdPort(c *console.Console, args []string) {
	if len(args) != 2 {
		c.Printf("\"port\" is \"%d\"\n", st.hostPort)
		return
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 1 || n > 65534 {
		c.Printf("Bad value, must be between 1 and 65534\n")
		return
	}
	st.hostPort = uint16(n)

	if st.listening {
		// Force a rebind to the new port.
		st.cons.Execute("listen 0")
		st.cons.Execute("listen 1")
	}
}

func (st *Stack) cmdBan(c *console.Console, args []string) {
	switch len(args) {
	case 1:
		addr, mask, active := st.datagram.server.Ban()
		if active {
			c.Printf("Banning %s [%s]\n", addr, mask)
		} else {
			c.Printf("Banning not active\n")
		}
	case 2:
		if args[1] == "off" {
			st.datagram.server.SetBan("", "")
		} else if err := st.datagram.server.SetBan(args[1], "255.255.255.255"); err != nil {
			c.Printf("ban: %v\n", err)
		}
	case 3:
		if err := st.datagram.server.SetBan(args[1], args[2]); err != nil {
			c.Printf("ban: %v\n", err)
		}
	default:
		c.Printf("BAN ip_address [mask]\n")
	}
}

// cmdRcon sends a remote console command to the host in rcon_address
// (or the default port on the bare host), authenticated by
// rcon_password.
func (st *Stack) cmdRcon(c *console.Console, args []string) {
	if len(args) < 2 {
		c.Printf("usage: rcon <command>\n")
		return
	}
	target := st.cvars.Find("rcon_address")
	if target == nil || target.String() == "" {
		c.Printf("rcon_address is not set\n")
		return
	}
	if st.RconPassword.String() == "" {
		c.Printf("rcon_password is not set\n")
		return
	}

	command := ""
	for i, a := range args[1:] {
		if i > 0 {
			command += " "
		}
		command += a
	}

	for _, drv := range st.datagram.lanDrivers {
		if !drv.Initialized() {
			continue
		}
		addr, err := drv.Resolve(target.String())
		if err != nil {
			continue
		}
		msg := netmsg.New(8192)
		netdisco.BeginControl(msg)
		msg.WriteByte(netdisco.CCReqRcon)
		msg.WriteString(st.RconPassword.String())
		msg.WriteString(command)
		netdisco.FinishControl(msg)
		if err := drv.Write(drv.Control(), msg.Bytes(), addr); err != nil {
			c.Printf("rcon: %v\n", err)
		}
		return
	}
	c.Printf("Could not resolve %s\n", target.String())
}

// RegisterRconAddress registers the client-side rcon target cvar; called
// by embedders that want the rcon command.
func (st *Stack) RegisterRconAddress(defaultValue string) *cvar.Var {
	return st.cvars.Register(&cvar.Var{Name: "rcon_address", Default: defaultValue})
}

// ---- server list ----

type slistState struct {
	inProgress bool
	silent     bool
	internet   bool
	startTime  float64
	activeTime float64
	lastShown  int
}

// Searching reports whether a server-list search is in flight.
func (st *Stack) Searching() bool { return st.slist.inProgress }

func (st *Stack) cmdSlist(c *console.Console, args []string) {
	internet := len(args) > 1 && args[1] == "internet"
	st.StartSearch(internet, false)
}

// StartSearch begins an asynchronous server search, clearing the cache.
// Progress is driven by the scheduler; results accumulate in HostCache.
func (st *Stack) StartSearch(internet, silent bool) {
	if st.slist.inProgress {
		return
	}

	if !silent {
		st.cons.Printf("Looking for Quake servers...\n")
		st.printSlistHeader()
	}

	st.slist.inProgress = true
	st.slist.silent = silent
	st.slist.internet = internet
	st.slist.startTime = st.SetNetTime()
	st.slist.activeTime = st.slist.startTime
	st.datagram.client.InternetScope = internet

	st.hostCache.Clear()

	st.sched.Schedule(0.0, st.slistSend)
	st.sched.Schedule(0.1, st.slistPoll)
}

func (st *Stack) slistSend() {
	for i, drv := range st.drivers {
		if isLoopDriver(i) || !drv.Initialized() {
			continue
		}
		drv.SearchForHosts(true)
	}

	if st.SetNetTime()-st.slist.startTime < 0.5 {
		st.sched.Schedule(0.75, st.slistSend)
	}
}

func (st *Stack) slistPoll() {
	for i, drv := range st.drivers {
		if isLoopDriver(i) || !drv.Initialized() {
			continue
		}
		if drv.SearchForHosts(false) {
			// Something was sent; keep the window open.
			st.slist.activeTime = st.SetNetTime()
		}
	}

	if !st.slist.silent {
		st.printSlist()
	}

	if st.SetNetTime()-st.slist.activeTime < 1.5 {
		st.sched.Schedule(0.1, st.slistPoll)
		return
	}

	if !st.slist.silent {
		st.printSlistTrailer()
	}
	st.slist.inProgress = false
	st.slist.silent = false
}

func (st *Stack) printSlistHeader() {
	st.cons.Printf("Server          Map             Users\n")
	st.cons.Printf("--------------- --------------- -----\n")
	st.slist.lastShown = 0
}

func (st *Stack) printSlist() {
	for n := st.slist.lastShown; n < st.hostCache.Len(); n++ {
		st.cons.Printf("%s\n", st.hostCache.At(n).String())
	}
	st.slist.lastShown = st.hostCache.Len()
}

func (st *Stack) printSlistTrailer() {
	if st.hostCache.Len() > 0 {
		st.cons.Printf("== end list ==\n\n")
	} else {
		st.cons.Printf("No Quake servers found.\n\n")
	}
}

// ---- test / test2 ----

type testState struct {
	inProgress  bool
	pollCount   int
	lanDriver   int
	conn        *netlink.Conn
	inProgress2 bool
	lanDriver2  int
	conn2       *netlink.Conn
}

// resolveTestTarget finds the address for a test command argument, by
// cache name first and then by resolution.
func (st *Stack) resolveTestTarget(host string) (int, netlink.Addr, int, bool) {
	maxUsers := 16
	if e := st.hostCache.FindByName(host); e != nil {
		if e.MaxUsers > 0 {
			maxUsers = e.MaxUsers
		}
		return e.LanDriver, e.Addr, maxUsers, true
	}
	for li, drv := range st.datagram.lanDrivers {
		if !drv.Initialized() {
			continue
		}
		if addr, err := drv.Resolve(host); err == nil {
			return li, addr, maxUsers, true
		}
	}
	return 0, netlink.Addr{}, 0, false
}

// cmdTest queries every player slot of a server and prints the replies
// over the next couple of seconds.
func (st *Stack) cmdTest(c *console.Console, args []string) {
	if st.test.inProgress || len(args) != 2 {
		return
	}
	host, port, hasPort := netlink.StripPort(args[1])
	if hasPort {
		st.hostPort = port
	}

	li, addr, maxUsers, ok := st.resolveTestTarget(host)
	if !ok {
		c.Printf("Could not resolve %s\n", host)
		return
	}
	drv := st.datagram.lanDrivers[li]
	conn, err := drv.OpenSocket(0)
	if err != nil {
		return
	}

	st.test.inProgress = true
	st.test.pollCount = 20
	st.test.lanDriver = li
	st.test.conn = conn

	msg := netmsg.New(512)
	for n := 0; n < maxUsers; n++ {
		netdisco.BeginControl(msg)
		msg.WriteByte(netdisco.CCReqPlayerInfo)
		msg.WriteByte(byte(n))
		netdisco.FinishControl(msg)
		if err := drv.Write(conn, msg.Bytes(), addr); err != nil {
			break
		}
	}
	st.sched.Schedule(0.1, st.testPoll)
}

func (st *Stack) testPoll() {
	drv := st.datagram.lanDrivers[st.test.lanDriver]
	buf := make([]byte, netchan.MaxDatagram+netchan.HeaderSize)
	for {
		n, _, err := drv.Read(st.test.conn, buf)
		if err != nil || n < 4 {
			break
		}
		m, ok := netdisco.ParseControl(buf[:n])
		if !ok {
			continue
		}
		if m.ReadByte() != netdisco.CCRepPlayerInfo {
			continue
		}
		m.ReadByte() // player number
		name := m.ReadString()
		colors := int(m.ReadLong())
		frags := int(m.ReadLong())
		connectTime := int(m.ReadLong())
		address := m.ReadString()
		st.cons.Printf("%s\n  frags:%3d  colors:%d %d  time:%d\n  %s\n",
			name, frags, colors>>4, colors&0x0f, connectTime/60, address)
	}

	st.test.pollCount--
	if st.test.pollCount > 0 {
		st.sched.Schedule(0.1, st.testPoll)
		return
	}
	_ = st.test.conn.Close()
	st.test.conn = nil
	st.test.inProgress = false
}

// cmdTest2 walks a server's rule table, one key per round trip.
func (st *Stack) cmdTest2(c *console.Console, args []string) {
	if st.test.inProgress2 || len(args) != 2 {
		return
	}
	host, port, hasPort := netlink.StripPort(args[1])
	if hasPort {
		st.hostPort = port
	}

	li, addr, _, ok := st.resolveTestTarget(host)
	if !ok {
		c.Printf("Could not resolve %s\n", host)
		return
	}
	drv := st.datagram.lanDrivers[li]
	conn, err := drv.OpenSocket(0)
	if err != nil {
		return
	}

	st.test.inProgress2 = true
	st.test.lanDriver2 = li
	st.test.conn2 = conn

	msg := netmsg.New(512)
	netdisco.BeginControl(msg)
	msg.WriteByte(netdisco.CCReqRuleInfo)
	msg.WriteString("")
	netdisco.FinishControl(msg)
	if err := drv.Write(conn, msg.Bytes(), addr); err != nil {
		c.Printf("test2: %v\n", err)
	}
	st.sched.Schedule(0.05, st.test2Poll)
}

func (st *Stack) test2Poll() {
	drv := st.datagram.lanDrivers[st.test.lanDriver2]
	buf := make([]byte, netchan.MaxDatagram+netchan.HeaderSize)

	n, from, err := drv.Read(st.test.conn2, buf)
	if err == nil && n >= 4 {
		m, ok := netdisco.ParseControl(buf[:n])
		if ok && m.ReadByte() == netdisco.CCRepRuleInfo {
			name := m.ReadString()
			if name == "" {
				st.test2Done()
				return
			}
			value := m.ReadString()
			st.cons.Printf("%-16.16s  %-16.16s\n", name, value)

			msg := netmsg.New(512)
			netdisco.BeginControl(msg)
			msg.WriteByte(netdisco.CCReqRuleInfo)
			msg.WriteString(name)
			netdisco.FinishControl(msg)
			if err := drv.Write(st.test.conn2, msg.Bytes(), from); err != nil {
				st.test2Done()
				return
			}
		} else if ok {
			st.cons.Printf("Unexpected response to Rule Info request\n")
			st.test2Done()
			return
		}
	}

	st.sched.Schedule(0.05, st.test2Poll)
}

func (st *Stack) test2Done() {
	_ = st.test.conn2.Close()
	st.test.conn2 = nil
	st.test.inProgress2 = false
}
