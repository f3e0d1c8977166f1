// Command blobtransfer moves a directory tree across the wire as
// content-addressed chunks (spec.md 4.F). It has three modes:
//
//	serve   runs a block-transfer server over a local chunk store
//	send    packages a local directory and transmits it to a serve endpoint
//	receive fetches a previously sent artifact back into a local directory
//
// The wire protocol carries chunks only; an artifact's metadata travels via
// a badger directory shared between the send and receive invocations
// (spec.md 4.G is a separate concern from 4.B's wire protocol, see
// DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/chunkstore"
	"github.com/myelnet/blobfabric/metadata"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/pipeline"
	"github.com/myelnet/blobfabric/task"
	"github.com/myelnet/blobfabric/transport"
)

func main() {
	mode := flag.String("mode", "", "serve | send | receive")
	addr := flag.String("addr", "127.0.0.1:4101", "address to listen on (serve) or dial (send/receive)")
	metadataDir := flag.String("metadata-dir", "", "badger directory holding artifact metadata (send/receive)")
	chunkDir := flag.String("chunk-dir", "", "badger directory holding chunk data (serve)")
	path := flag.String("path", "", "source directory (send) or destination directory (receive)")
	artifact := flag.String("artifact", "", "artifact id to receive")
	chunkSize := flag.Int64("chunk-size", pipeline.DefaultChunkSize, "chunk size in bytes (send)")
	concurrency := flag.Int("concurrency", 8, "max concurrent chunk operations")
	flag.Parse()

	var err error
	switch *mode {
	case "serve":
		err = runServe(*addr, *chunkDir, *concurrency)
	case "send":
		err = runSend(*addr, *metadataDir, *path, *chunkSize, *concurrency)
	case "receive":
		err = runReceive(*addr, *metadataDir, *path, *artifact, *concurrency)
	default:
		fmt.Fprintln(os.Stderr, "blobtransfer: -mode must be one of serve, send, receive")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "blobtransfer:", err)
		os.Exit(1)
	}
}

func runServe(addr, chunkDir string, concurrency int) error {
	if chunkDir == "" {
		return fmt.Errorf("-chunk-dir is required for -mode=serve")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := chunkstore.NewBadgerStore(chunkDir)
	if err != nil {
		return err
	}
	adapter := chunkstore.NewAdapter(ctx, store, concurrency)
	defer adapter.Cancel()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	serverPeerID := peerid.NewPeer()
	log.Info().Str("addr", addr).Str("peerId", serverPeerID.String()).Msg("blobtransfer: serving")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

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
				log.Error().Err(err).Msg("blobtransfer: accept handshake failed")
				return
			}
			backend := chunkstore.NewConnectionBackend(adapter)
			srv := blockengine.NewServer(conn, backend, serverPeerID)
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Msg("blobtransfer: connection ended")
			}
		}()
	}
}

func dialClient(ctx context.Context, addr string) (*blockengine.Client, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("blobtransfer: invalid port in %q: %w", addr, err)
	}
	peerID := peerid.NewPeer()
	conn, err := transport.Connect(ctx, host, port, transport.Options{}, nil)
	if err != nil {
		return nil, err
	}
	return blockengine.NewClient(ctx, conn, peerID, blockengine.ServerMaxProtocolVersion)
}

func runSend(addr, metadataDir, path string, chunkSize int64, concurrency int) error {
	if metadataDir == "" || path == "" {
		return fmt.Errorf("-metadata-dir and -path are required for -mode=send")
	}
	ctx := context.Background()

	store, err := metadata.NewBadgerStore(metadataDir)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	scanner := pipeline.NewScanner(path, nil, concurrency)
	packager := pipeline.NewPackager(chunkSize, concurrency)
	go scanner.Run(done)
	go packager.Run(scanner.Entries())

	client, err := dialClient(ctx, addr)
	if err != nil {
		return err
	}
	queue := task.NewQueue(ctx, concurrency)
	transmitter := pipeline.NewTransmitter([]*blockengine.Client{client}, queue, pipeline.Context{})

	if err := transmitter.Run(ctx, packager.Chunks()); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := packager.Err(); err != nil {
		return err
	}

	artifactID, err := store.Save(ctx, packager.Writer())
	if err != nil {
		return err
	}
	fmt.Println(artifactID.String())
	return nil
}

func runReceive(addr, metadataDir, path, artifact string, concurrency int) error {
	if metadataDir == "" || path == "" || artifact == "" {
		return fmt.Errorf("-metadata-dir, -path and -artifact are required for -mode=receive")
	}
	ctx := context.Background()

	artifactID, err := peerid.ParseArtifactID(artifact)
	if err != nil {
		return fmt.Errorf("blobtransfer: invalid -artifact: %w", err)
	}

	store, err := metadata.NewBadgerStore(metadataDir)
	if err != nil {
		return err
	}
	reader, err := store.Load(ctx, artifactID)
	if err != nil {
		return err
	}

	client, err := dialClient(ctx, addr)
	if err != nil {
		return err
	}
	receiver := pipeline.NewReceiver([]*blockengine.Client{client}, concurrency)
	go receiver.Run(reader)

	queue := task.NewQueue(ctx, concurrency)
	up, err := pipeline.NewUnpackager(path, pipeline.SymlinkError, queue)
	if err != nil {
		return err
	}
	if err := up.Run(ctx, reader, receiver.Chunks()); err != nil {
		return err
	}
	return receiver.Err()
}
