package netstack

import (
	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netdisco"
	"github.com/joeycumines/go-quakenet/netlink"
)

// datagramDriver adapts the reliable channel plus the discovery protocol
// into the stack's Driver surface, the way the original's Datagram_*
// table combined net_dgrm.c entry points.
type datagramDriver struct {
	channel    *netchan.Datagram
	server     *netdisco.Server
	client     *netdisco.Client
	lanDrivers []netlink.Driver

	initialized bool
}

func newDatagramDriver(st *Stack, cfg *Config) *datagramDriver {
	d := &datagramDriver{}

	d.lanDrivers = []netlink.Driver{netlink.NewUDP4(st.hostPort)}
	if !cfg.DisableIPv6 {
		d.lanDrivers = append(d.lanDrivers, netlink.NewUDP6(st.hostPort))
	}

	masters := func() []string {
		out := make([]string, 0, len(st.Masters))
		for _, m := range st.Masters {
			out = append(out, m.String())
		}
		return out
	}

	d.server = &netdisco.Server{
		Log:              st.log,
		Now:              st.Time,
		Host:             cfg.Host,
		Pool:             st.pool,
		DriverIndex:      1,
		LanDrivers:       d.lanDrivers,
		Console:          st.cons,
		Cvars:            st.cvars,
		Hostname:         st.Hostname,
		Public:           st.Public,
		ReportHeartbeats: st.ReportHeartbeats,
		RconPassword:     st.RconPassword,
		ProtocolName:     st.ProtocolName,
		Masters:          st.Masters,
		Version:          cfg.Version,
	}

	d.client = &netdisco.Client{
		Log:          st.log,
		Now:          st.Time,
		LanDrivers:   d.lanDrivers,
		Pool:         st.pool,
		DriverIndex:  1,
		HostCache:    st.hostCache,
		ProtocolName: st.ProtocolName.String,
		Masters:      masters,
	}

	d.channel = &netchan.Datagram{
		LanDrivers:     d.lanDrivers,
		DriverIndex:    1,
		Pool:           st.pool,
		Stats:          st.stats,
		Log:            st.log,
		Now:            st.Time,
		Control:        d.server,
		MessageTimeout: st.MessageTimeout.Value,
		ConnectTimeout: st.ConnectTimeout.Value,
		Message:        st.message,
		DropPeer: func(sock *netchan.Socket) {
			if cfg.Host != nil {
				cfg.Host.DropClient(sock)
			}
		},
	}

	return d
}

func (d *datagramDriver) Name() string { return "Datagram" }

func (d *datagramDriver) Init() error {
	if err := d.channel.Init(); err != nil {
		return err
	}
	d.initialized = true
	return nil
}

func (d *datagramDriver) Initialized() bool { return d.initialized }

func (d *datagramDriver) Listen(enable bool) error { return d.channel.Listen(enable) }

func (d *datagramDriver) SearchForHosts(xmit bool) bool {
	// Internet scope is decided per search by the stack.
	return d.client.SearchForHosts(xmit)
}

func (d *datagramDriver) Connect(host string) (*netchan.Socket, error) {
	return d.client.Connect(host)
}

// CheckNewConnections only runs master housekeeping now; connection
// requests arrive as control packets on the shared listen socket.
func (d *datagramDriver) CheckNewConnections() *netchan.Socket {
	d.server.RunHeartbeat()
	return nil
}

func (d *datagramDriver) GetAnyMessage() *netchan.Socket { return d.channel.GetAnyMessage() }

func (d *datagramDriver) GetMessage(sock *netchan.Socket) int { return d.channel.GetMessage(sock) }

func (d *datagramDriver) SendMessage(sock *netchan.Socket, data []byte) int {
	return d.channel.SendMessage(sock, data)
}

func (d *datagramDriver) SendUnreliableMessage(sock *netchan.Socket, data []byte) int {
	return d.channel.SendUnreliableMessage(sock, data)
}

func (d *datagramDriver) CanSendMessage(sock *netchan.Socket) bool {
	return d.channel.CanSendMessage(sock)
}

func (d *datagramDriver) CanSendUnreliableMessage(sock *netchan.Socket) bool {
	return d.channel.CanSendUnreliableMessage(sock)
}

func (d *datagramDriver) Close(sock *netchan.Socket) { d.channel.Close(sock) }

func (d *datagramDriver) Shutdown() {
	d.channel.Shutdown()
	d.initialized = false
}
