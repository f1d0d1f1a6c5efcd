// Command qnetd runs a dedicated server on the quakenet stack: it
// listens for connections, answers discovery and rcon, heartbeats the
// masters when public, echoes game messages back to their sender, and
// optionally serves prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-quakenet/hosttick"
	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netdisco"
	"github.com/joeycumines/go-quakenet/netexporter"
	"github.com/joeycumines/go-quakenet/netstack"
	"github.com/joeycumines/go-quakenet/tasksys"
)

const version = "qnetd 1.0"

// host is a minimal embedding application: a slot table of connected
// clients with no game simulation behind it.
type host struct {
	log        *logiface.Logger[logiface.Event]
	stack      *netstack.Stack
	maxClients int
	clients    []netdisco.ClientInfo
}

func (h *host) MaxClients() int                      { return h.maxClients }
func (h *host) SetMaxClients(n int)                  { h.maxClients = n }
func (h *host) ActiveClients() []netdisco.ClientInfo { return h.clients }
func (h *host) LevelName() string                    { return "start" }

func (h *host) AcceptClient(sock *netchan.Socket) {
	h.clients = append(h.clients, netdisco.ClientInfo{
		Name:        fmt.Sprintf("player%d", len(h.clients)+1),
		ConnectTime: sock.ConnectTime,
		Socket:      sock,
	})
	h.log.Info().Str("peer", sock.MaskedAddress).Log("client connected")
}

func (h *host) DropClient(sock *netchan.Socket) {
	for i := range h.clients {
		if h.clients[i].Socket == sock {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	h.stack.Close(sock)
	h.log.Info().Str("peer", sock.MaskedAddress).Log("client dropped")
}

func main() {
	var (
		port          = flag.Uint("port", netstack.DefaultPort, "UDP listen port")
		maxPlayers    = flag.Int("maxplayers", 8, "maximum simultaneous clients")
		hostname      = flag.String("hostname", "", "server name reported to browsers")
		public        = flag.Bool("public", false, "heartbeat the master servers")
		rconPassword  = flag.String("rcon-password", "", "enable rcon with this password")
		metricsAddr   = flag.String("metrics", "", "serve prometheus metrics on this address")
		pinnedWorkers = flag.String("pinnedworkers", "", "comma-separated worker core ids")
		debug         = flag.Bool("debug", false, "log at debug level")
	)
	flag.Parse()

	level := logiface.LevelInformational
	if *debug {
		level = logiface.LevelDebug
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	if err := run(logger, *port, *maxPlayers, *hostname, *public, *rconPassword, *metricsAddr, *pinnedWorkers); err != nil {
		logger.Fatal().Err(err).Log("server exited")
	}
}

func run(log *logiface.Logger[logiface.Event], port uint, maxPlayers int, hostname string, public bool, rconPassword, metricsAddr, pinnedWorkers string) error {
	tasks := tasksys.New(&tasksys.Options{PinnedCores: pinnedWorkers, Logger: log})
	defer tasks.Close()

	h := &host{log: log, maxClients: maxPlayers}
	ticker := &hosttick.Ticker{Tasks: tasks, Log: log}

	cfg := &netstack.Config{
		Port:            uint16(port),
		Host:            h,
		Scheduler:       ticker,
		Logger:          log,
		Version:         version,
		Listen:          true,
		DedicatedServer: true,
	}
	stack := netstack.New(cfg)
	h.stack = stack
	ticker.Stack = stack

	if hostname != "" {
		stack.Hostname.Set(hostname)
	}
	if public {
		stack.Public.Set("1")
	}
	if rconPassword != "" {
		stack.RconPassword.Set(rconPassword)
	}

	if err := stack.Init(cfg); err != nil {
		return err
	}
	defer stack.Shutdown()

	log.Info().
		Uint64("port", uint64(port)).
		Int("maxplayers", maxPlayers).
		Bool("public", public).
		Log("listening")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(netexporter.NewStatsCollector("quakenet", stack.Stats(), stack.Pool(), nil))
		server := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		group.Go(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		ticker.Run(stop, 50*time.Millisecond, func(sock *netchan.Socket) {
			// No simulation behind this server: echo the payload back.
			payload := stack.Message().Bytes()
			if len(payload) == 0 {
				return
			}
			if stack.CanSendMessage(sock) {
				stack.SendMessage(sock, payload)
			}
		})
		return nil
	})

	return group.Wait()
}
