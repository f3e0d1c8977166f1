// Command blobproxy runs the broker-proxy backend of spec.md 4.E: it
// accepts client connections on -listen and forwards their broker-protocol
// envelopes onward to the real broker endpoints named by -broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/dispatch"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/proxy"
	"github.com/myelnet/blobfabric/task"
	"github.com/myelnet/blobfabric/transport"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:4100", "address client connections arrive on")
	broker := flag.String("broker", "", "comma-separated host:port list of real broker endpoints")
	connections := flag.Int("connections", 1, "outgoing connections per broker endpoint")
	concurrency := flag.Int("concurrency", 16, "max concurrent forward tasks")
	flag.Parse()

	if *broker == "" {
		fmt.Fprintln(os.Stderr, "blobproxy: -broker is required")
		os.Exit(2)
	}

	if err := run(*listen, *broker, *connections, *concurrency); err != nil {
		fmt.Fprintln(os.Stderr, "blobproxy:", err)
		os.Exit(1)
	}
}

func run(listenAddr, brokerList string, connectionsPerEndpoint, concurrency int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoints := strings.Split(brokerList, ",")
	expanded := peerid.ExpandEndpoints(endpoints, len(endpoints)*connectionsPerEndpoint)

	peerID := peerid.NewPeer()
	var blockClients []dispatch.BlockDispatch
	for _, ep := range expanded {
		client, err := dialBroker(ctx, ep, peerID)
		if err != nil {
			return fmt.Errorf("dial broker %s: %w", ep, err)
		}
		blockClients = append(blockClients, dispatch.NewClientBlockDispatch(client))
	}

	cfg := proxy.DefaultConfig()
	backend := proxy.NewBackend(peerID, blockClients, cfg).WithQueue(task.NewQueue(ctx, concurrency))

	go runTicker(ctx, backend, cfg, cancel)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Info().Str("listen", listenAddr).Str("peerId", peerID.String()).Int("brokerConns", len(blockClients)).Msg("blobproxy: serving")

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			conn, err := transport.Accept(ctx, raw, transport.Options{}, nil)
			if err != nil {
				log.Error().Err(err).Msg("blobproxy: accept handshake failed")
				return
			}
			incoming := proxy.NewIncomingBackend(backend)
			srv := blockengine.NewServer(conn, incoming, peerID)
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Msg("blobproxy: connection ended")
			}
		}()
	}
}

func dialBroker(ctx context.Context, endpoint string, peerID peerid.Peer) (*blockengine.Client, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", endpoint, err)
	}
	conn, err := transport.Connect(ctx, host, port, transport.Options{}, nil)
	if err != nil {
		return nil, err
	}
	return blockengine.NewClient(ctx, conn, peerID, blockengine.ServerMaxProtocolVersion)
}

// runTicker drives Backend.Tick in a self-rescheduling loop, the cadence
// Tick itself returns each time (spec.md 4.E.3: default Tick, or
// BackPressureTick under small-blocks exhaustion).
func runTicker(ctx context.Context, backend *proxy.Backend, cfg proxy.Config, shutdown func()) {
	timer := time.NewTimer(cfg.Tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next := backend.Tick(ctx, shutdown)
			timer.Reset(next)
		}
	}
}
