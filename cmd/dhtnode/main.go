// Command dhtnode runs a standalone Mainline DHT node: it binds a UDP
// socket, bootstraps into the network, and logs every event on its Events
// channel until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/cowtools/dhtnode/dht"
)

type cli struct {
	Port       int      `help:"UDP port to bind (0 picks an ephemeral port)." default:"0"`
	Bootstrap  []string `help:"host:port pairs of bootstrap nodes." env:"DHTNODE_BOOTSTRAP"`
	ExternalIP string   `help:"External IPv4 address, used to derive a BEP42 node id." env:"DHTNODE_EXTERNAL_IP"`
	StateFile  string   `help:"Where to periodically write a JSON state snapshot." default:"state.json"`
	LogLevel   string   `help:"Log level: debug, info, warn, error." default:"info" enum:"debug,info,warn,error"`
}

func main() {
	var params cli
	kong.Parse(&params)

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(params.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", params.LogLevel, err)
		os.Exit(1)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []dht.Option{
		dht.WithPort(params.Port),
		dht.WithLogger(log),
	}
	if params.ExternalIP != "" {
		if ip := net.ParseIP(params.ExternalIP); ip != nil {
			opts = append(opts, dht.WithExternalIP(ip))
		} else {
			log.Warn("ignoring unparsable external ip", "value", params.ExternalIP)
		}
	}
	if bootstrap := resolveBootstrap(log, params.Bootstrap); len(bootstrap) > 0 {
		opts = append(opts, dht.WithBootstrap(bootstrap))
	}

	node, err := dht.NewDht(opts...)
	if err != nil {
		log.Error("failed to start node", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// exports the current state to json periodically, mirroring the
	// teacher's DebugJSON export loop, driven off Dht.Snapshot() instead.
	go func() {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := writeSnapshot(params.StateFile, node.Snapshot()); err != nil {
					log.Warn("failed writing state snapshot", "err", err)
				}
			}
		}
	}()

	go func() {
		for ev := range node.Events() {
			logEvent(log, ev)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	if err := node.Stop(); err != nil {
		log.Error("error while closing", "err", err)
		os.Exit(1)
	}
}

func resolveBootstrap(log *slog.Logger, addrs []string) []dht.Location {
	var out []dht.Location
	for _, a := range addrs {
		host, portStr, err := net.SplitHostPort(a)
		if err != nil {
			log.Warn("skipping malformed bootstrap address", "addr", a, "err", err)
			continue
		}
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			log.Warn("skipping unresolvable bootstrap address", "addr", a, "err", err)
			continue
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			log.Warn("skipping malformed bootstrap port", "addr", a, "err", err)
			continue
		}
		loc, ok := dht.NewLocation(ips[0], port)
		if !ok {
			log.Warn("skipping non-ipv4 bootstrap address", "addr", a)
			continue
		}
		out = append(out, loc)
	}
	return out
}

func writeSnapshot(path string, snap dht.Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func logEvent(log *slog.Logger, ev dht.Event) {
	switch e := ev.(type) {
	case dht.EventID:
		log.Info("node id", "id", fmt.Sprintf("%x", e.ID[:]))
	case dht.EventPublicKey:
		log.Info("public key", "key", fmt.Sprintf("%x", e.Key[:]))
	case dht.EventListening:
		log.Info("listening", "port", e.Port)
	case dht.EventReady:
		log.Info("bootstrap complete", "visited", e.NumVisited)
	case dht.EventIncoming:
		log.Debug("incoming query", "verb", e.Verb, "from", e.From)
	case dht.EventError:
		log.Debug("query error", "transaction", e.TransactionID, "code", e.Code, "message", e.Message)
	case dht.EventNodes:
		log.Debug("routing table snapshot", "count", len(e.Contacts))
	case dht.EventClosest:
		log.Debug("closest contacts", "count", len(e.Contacts))
	case dht.EventPeers:
		log.Debug("peer store size", "count", e.Count)
	case dht.EventData:
		log.Debug("data store size", "count", e.Count)
	case dht.EventSpam:
		log.Warn("dropping spamming source", "source", e.Source)
	case dht.EventDropNode:
		log.Debug("dropped stale node", "id", fmt.Sprintf("%x", e.Contact.ID[:4]))
	case dht.EventDropPeer:
		log.Debug("dropped expired peer")
	case dht.EventDropData:
		log.Debug("dropped expired data", "target", fmt.Sprintf("%x", e.Target[:4]))
	case dht.EventUDPFail:
		log.Error("udp bind failed", "port", e.Port, "err", e.Err)
	default:
		log.Debug("event", "type", fmt.Sprintf("%T", ev))
	}
}
