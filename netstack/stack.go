// Package netstack ties the drivers together: the loopback and datagram
// drivers behind one table, socket lifecycle, message entry points with
// timeout enforcement, statistics, the server-list state machine, and the
// console command surface.
package netstack

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-quakenet/console"
	"github.com/joeycumines/go-quakenet/cvar"
	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netdisco"
	"github.com/joeycumines/go-quakenet/netloop"
	"github.com/joeycumines/go-quakenet/netmsg"
)

// DefaultPort is the default host port.
const DefaultPort = 26000

// Driver is the uniform surface of a net driver (loopback or datagram).
// The loop driver is always registered first.
type Driver interface {
	Name() string
	Init() error
	Initialized() bool
	Listen(enable bool) error
	SearchForHosts(xmit bool) bool
	Connect(host string) (*netchan.Socket, error)
	CheckNewConnections() *netchan.Socket
	GetAnyMessage() *netchan.Socket
	GetMessage(sock *netchan.Socket) int
	SendMessage(sock *netchan.Socket, data []byte) int
	SendUnreliableMessage(sock *netchan.Socket, data []byte) int
	CanSendMessage(sock *netchan.Socket) bool
	CanSendUnreliableMessage(sock *netchan.Socket) bool
	Close(sock *netchan.Socket)
	Shutdown()
}

// Scheduler defers a procedure by a number of seconds of net time; the
// host tick owns the queue.
type Scheduler interface {
	Schedule(delaySeconds float64, fn func())
}

// Config configures New.
type Config struct {
	// Port is the listen port; 0 means DefaultPort.
	Port uint16

	// MaxSockets bounds concurrent channels; 0 means 16.
	MaxSockets int

	// Host is the embedding application.
	Host netdisco.Host

	// Scheduler runs deferred procedures (server list, test polls).
	Scheduler Scheduler

	// Logger may be nil.
	Logger *logiface.Logger[logiface.Event]

	// Console receives command output; created internally when nil.
	Console *console.Console

	// Cvars is the registry to register into; created internally when
	// nil.
	Cvars *cvar.Registry

	// Version string reported to status queries.
	Version string

	// DisableIPv6 restricts the datagram driver to IPv4.
	DisableIPv6 bool

	// Listen opens the accept sockets during Init (dedicated servers).
	Listen bool

	// DedicatedServer makes a failed Listen fatal during Init.
	DedicatedServer bool
}

// Stack is the network core instance; the explicit form of what the
// original kept in module globals. All methods must be called from the
// host tick goroutine.
type Stack struct {
	log   *logiface.Logger[logiface.Event]
	cons  *console.Console
	cvars *cvar.Registry
	sched Scheduler
	host  netdisco.Host

	pool    *netchan.Pool
	stats   *netchan.Stats
	message *netmsg.Message

	drivers  []Driver
	loop     *netloop.Driver
	datagram *datagramDriver

	hostCache *netdisco.HostCache

	netTime   float64
	clockZero time.Time

	listening bool
	hostPort  uint16

	// cvars
	MessageTimeout   *cvar.Var
	ConnectTimeout   *cvar.Var
	Hostname         *cvar.Var
	Public           *cvar.Var
	ReportHeartbeats *cvar.Var
	RconPassword     *cvar.Var
	ProtocolName     *cvar.Var
	Masters          []*cvar.Var

	slist slistState
	test  testState
}

// New wires the stack. Call Init before use.
func New(cfg *Config) *Stack {
	st := &Stack{
		log:       cfg.Logger,
		cons:      cfg.Console,
		cvars:     cfg.Cvars,
		sched:     cfg.Scheduler,
		host:      cfg.Host,
		stats:     &netchan.Stats{},
		message:   netmsg.New(netchan.MaxMessage),
		hostCache: &netdisco.HostCache{},
		clockZero: time.Now(),
		hostPort:  cfg.Port,
	}
	if st.cons == nil {
		st.cons = console.New(nil)
	}
	if st.cvars == nil {
		st.cvars = cvar.NewRegistry()
	}
	if st.hostPort == 0 {
		st.hostPort = DefaultPort
	}

	maxSockets := cfg.MaxSockets
	if maxSockets <= 0 {
		maxSockets = 16
	}
	st.pool = netchan.NewPool(maxSockets)

	st.registerCvars()

	st.loop = &netloop.Driver{
		Pool:        st.pool,
		DriverIndex: 0,
		Now:         st.Time,
		Message:     st.message,
	}
	st.datagram = newDatagramDriver(st, cfg)
	st.drivers = []Driver{st.loop, st.datagram}

	st.registerCommands()
	return st
}

func (st *Stack) registerCvars() {
	st.MessageTimeout = st.cvars.Register(&cvar.Var{Name: "net_messagetimeout", Default: "300"})
	st.ConnectTimeout = st.cvars.Register(&cvar.Var{Name: "net_connecttimeout", Default: "10"})
	st.Hostname = st.cvars.Register(&cvar.Var{Name: "hostname", Default: "UNNAMED", Flags: cvar.ServerInfo})
	st.Public = st.cvars.Register(&cvar.Var{Name: "sv_public", Default: ""})
	st.ReportHeartbeats = st.cvars.Register(&cvar.Var{Name: "sv_reportheartbeats", Default: "0"})
	st.RconPassword = st.cvars.Register(&cvar.Var{Name: "rcon_password", Default: ""})
	st.ProtocolName = st.cvars.Register(&cvar.Var{Name: "com_protocolname", Default: "FTE-Quake DarkPlaces-Quake"})
	st.Masters = []*cvar.Var{
		st.cvars.Register(&cvar.Var{Name: "net_master1", Default: ""}),
		st.cvars.Register(&cvar.Var{Name: "net_master2", Default: ""}),
		st.cvars.Register(&cvar.Var{Name: "net_master3", Default: ""}),
		st.cvars.Register(&cvar.Var{Name: "net_master4", Default: ""}),
		st.cvars.Register(&cvar.Var{Name: "net_masterextra1", Default: "master.frag-net.com:27950"}),
		st.cvars.Register(&cvar.Var{Name: "net_masterextra2", Default: "dpmaster.deathmask.net:27950"}),
		st.cvars.Register(&cvar.Var{Name: "net_masterextra3", Default: "dpmaster.tchr.no:27950"}),
	}
}

// Init initializes every driver and optionally starts listening.
func (st *Stack) Init(cfg *Config) error {
	for _, drv := range st.drivers {
		if err := drv.Init(); err != nil {
			st.log.Warning().Err(err).Str("driver", drv.Name()).Log("driver init failed")
		}
	}
	if !st.loop.Initialized() && !st.datagram.Initialized() {
		return errors.New("netstack: no usable drivers")
	}
	if cfg != nil && cfg.Listen {
		if err := st.Listen(true); err != nil {
			if cfg.DedicatedServer {
				return err
			}
			st.log.Warning().Err(err).Log("unable to open any listening sockets")
		}
	}
	return nil
}

// Shutdown closes every active socket and every driver.
func (st *Stack) Shutdown() {
	for len(st.pool.Active()) > 0 {
		st.Close(st.pool.Active()[0])
	}
	for _, drv := range st.drivers {
		if drv.Initialized() {
			drv.Shutdown()
		}
	}
}

// SetNetTime samples the wall clock into net time and returns it.
func (st *Stack) SetNetTime() float64 {
	st.netTime = time.Since(st.clockZero).Seconds()
	return st.netTime
}

// Time returns the last sampled net time in seconds.
func (st *Stack) Time() float64 { return st.netTime }

// Console returns the command console.
func (st *Stack) Console() *console.Console { return st.cons }

// Cvars returns the cvar registry.
func (st *Stack) Cvars() *cvar.Registry { return st.cvars }

// Stats returns the channel counters.
func (st *Stack) Stats() *netchan.Stats { return st.stats }

// Pool returns the socket pool.
func (st *Stack) Pool() *netchan.Pool { return st.pool }

// Message returns the shared delivery buffer; its contents are valid
// until the next Get*Message call.
func (st *Stack) Message() *netmsg.Message { return st.message }

// HostCache returns the discovered-server table.
func (st *Stack) HostCache() *netdisco.HostCache { return st.hostCache }

// Listening reports whether the accept sockets are open.
func (st *Stack) Listening() bool { return st.listening }

// Listen opens or closes the accept sockets on every driver.
func (st *Stack) Listen(enable bool) error {
	st.listening = enable
	var firstErr error
	for _, drv := range st.drivers {
		if !drv.Initialized() {
			continue
		}
		if err := drv.Listen(enable); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isLoopDriver(driver int) bool { return driver == 0 }

// Connect establishes a channel to host. "local" short-circuits to the
// loopback; a host cache display name resolves to its canonical address.
func (st *Stack) Connect(host string) (*netchan.Socket, error) {
	st.SetNetTime()

	if host == "" {
		return nil, errors.New("netstack: no host specified")
	}
	numDrivers := len(st.drivers)
	if host == "local" {
		numDrivers = 1
	} else if e := st.hostCache.FindByName(host); e != nil {
		host = e.CName
	}

	var lastErr error
	for _, drv := range st.drivers[:numDrivers] {
		if !drv.Initialized() {
			continue
		}
		sock, err := drv.Connect(host)
		if err != nil {
			lastErr = err
			continue
		}
		return sock, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("netstack: connect %q: no driver accepted", host)
	}
	return nil, lastErr
}

// CheckNewConnections polls every driver for an inbound connection.
func (st *Stack) CheckNewConnections() *netchan.Socket {
	st.SetNetTime()
	for i, drv := range st.drivers {
		if !drv.Initialized() {
			continue
		}
		if !isLoopDriver(i) && !st.listening {
			continue
		}
		if sock := drv.CheckNewConnections(); sock != nil {
			return sock
		}
	}
	return nil
}

// Close shuts a socket down and returns it to the pool. Idempotent.
func (st *Stack) Close(sock *netchan.Socket) {
	if sock == nil || sock.Disconnected {
		return
	}
	st.SetNetTime()
	st.drivers[sock.Driver].Close(sock)
	st.pool.Free(sock)
}

// GetMessage reads the next complete message for sock into Message.
// Returns 0 when nothing is waiting, 1 for a reliable message, 2 for an
// unreliable message, and -1 when the connection is invalid or timed out.
func (st *Stack) GetMessage(sock *netchan.Socket) int {
	if sock == nil {
		return -1
	}
	if sock.Disconnected {
		st.log.Warning().Log("GetMessage: disconnected socket")
		return -1
	}

	st.SetNetTime()
	ret := st.drivers[sock.Driver].GetMessage(sock)

	if ret == 0 && !isLoopDriver(sock.Driver) {
		if st.netTime-sock.LastMessageTime > st.MessageTimeout.Value() {
			st.Close(sock)
			return -1
		}
	}

	if ret > 0 && !isLoopDriver(sock.Driver) {
		sock.LastMessageTime = st.netTime
		if ret == 1 {
			st.stats.MessagesReceived.Add(1)
		} else if ret == 2 {
			st.stats.UnreliableReceived.Add(1)
		}
	}

	return ret
}

// GetServerMessage returns the socket whose complete message was placed
// in Message, polling every driver.
func (st *Stack) GetServerMessage() *netchan.Socket {
	st.SetNetTime()
	for _, drv := range st.drivers {
		if !drv.Initialized() {
			continue
		}
		if sock := drv.GetAnyMessage(); sock != nil {
			return sock
		}
	}
	return nil
}

// SendMessage submits a reliable message. Returns 1 on success, 0 when
// the channel cannot accept one, -1 when the connection died.
func (st *Stack) SendMessage(sock *netchan.Socket, data []byte) int {
	if sock == nil {
		return -1
	}
	if sock.Disconnected {
		st.log.Warning().Log("SendMessage: disconnected socket")
		return -1
	}
	st.SetNetTime()
	r := st.drivers[sock.Driver].SendMessage(sock, data)
	if r == 1 && !isLoopDriver(sock.Driver) {
		st.stats.MessagesSent.Add(1)
	}
	return r
}

// SendUnreliableMessage submits an unreliable message.
func (st *Stack) SendUnreliableMessage(sock *netchan.Socket, data []byte) int {
	if sock == nil {
		return -1
	}
	if sock.Disconnected {
		st.log.Warning().Log("SendUnreliableMessage: disconnected socket")
		return -1
	}
	st.SetNetTime()
	r := st.drivers[sock.Driver].SendUnreliableMessage(sock, data)
	if r == 1 && !isLoopDriver(sock.Driver) {
		st.stats.UnreliableSent.Add(1)
	}
	return r
}

// CanSendMessage reports whether sock can accept a reliable message now.
func (st *Stack) CanSendMessage(sock *netchan.Socket) bool {
	if sock == nil || sock.Disconnected {
		return false
	}
	st.SetNetTime()
	return st.drivers[sock.Driver].CanSendMessage(sock)
}

// SendToAll transmits data reliably to every connected client, pumping
// the channels until everyone acknowledged or blocktime (seconds)
// expires. Returns the number of clients that did not complete.
func (st *Stack) SendToAll(data []byte, blocktime float64) int {
	type progress struct {
		sock *netchan.Socket
		init bool
		sent bool
	}

	var pending []progress
	for _, cl := range st.host.ActiveClients() {
		if cl.Socket == nil {
			continue
		}
		if isLoopDriver(cl.Socket.Driver) {
			st.SendMessage(cl.Socket, data)
			continue
		}
		pending = append(pending, progress{sock: cl.Socket})
	}

	start := st.SetNetTime()
	for {
		count := 0
		for i := range pending {
			p := &pending[i]
			if !p.init {
				if st.CanSendMessage(p.sock) {
					p.init = true
					st.SendMessage(p.sock, data)
				} else {
					st.GetMessage(p.sock)
				}
				count++
				continue
			}
			if !p.sent {
				if st.CanSendMessage(p.sock) {
					p.sent = true
				} else {
					st.GetMessage(p.sock)
				}
				count++
				continue
			}
		}
		if count == 0 {
			return 0
		}
		if st.SetNetTime()-start > blocktime {
			return count
		}
		time.Sleep(time.Millisecond)
	}
}

// QueryAddresses lists the local addresses clients can reach us at.
func (st *Stack) QueryAddresses() []string {
	var out []string
	for _, drv := range st.datagram.lanDrivers {
		if !drv.Initialized() {
			continue
		}
		if conn := drv.Listening(); conn != nil {
			out = append(out, drv.LocalAddr(conn).String())
		}
	}
	return out
}
