// Package transport implements spec.md 4.A: a task that owns one TCP/TLS
// stream, performs resolve/connect/accept and TLS handshake, and exposes
// read_exact/write_all/shutdown/cancel with spec-mandated socket options
// and forceful, linger-zero cancellation.
//
// This is the one place blobfabric reaches for the standard library's
// net/crypto-tls instead of an example-repo library: none of the corpus's
// networking stacks (libp2p's swarm/transport upgrader, gazette's gRPC
// transport) expose TCP_NODELAY/SO_KEEPARIVE/linger-zero at the
// granularity spec.md 4.A demands, and the teacher repo's own networking
// (libp2p host) operates one abstraction layer above raw sockets. See
// DESIGN.md for the full justification.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// ErrAborted is returned from a pending read/write when the task is
// cancelled (spec.md §7 "Aborted").
var ErrAborted = errors.New("transport: aborted")

// MaxConnectRetries bounds the resolve->connect->handshake retry loop
// (spec.md 4.A "up to 5 retries").
const MaxConnectRetries = 5

// Conn is a byte-framed connection task: it owns exactly one net.Conn and
// serializes all reads/writes against it (spec.md §5 "Per connection,
// reads and writes are strictly serialised").
type Conn struct {
	raw    net.Conn
	cancel context.CancelFunc
	ctx    context.Context
}

// PostConnect is invoked once after a successful connect/accept and TLS
// handshake (spec.md 4.A "invokes a post-connect continuation").
type PostConnect func(c *Conn) error

// TLSConfig is optional; when non-nil, Connect/Accept perform a TLS
// handshake over the raw TCP stream (spec.md 4.A "performs TLS handshake
// when the stream is secure").
type Options struct {
	TLSConfig   *tls.Config
	DialTimeout time.Duration
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 10 * time.Second
}

// isRetryableHandshakeErr classifies transient errors that warrant
// restarting the resolve->connect->handshake cycle (spec.md 4.A
// "isProtocolHandshakeRetryableError").
func isRetryableHandshakeErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, syscallEINVALClass) {
		return true
	}
	return false
}

// syscallEINVALClass marks a transient, retryable EINVAL-class dial error
// without depending on a real OS errno; isRetryableHandshakeErr treats any
// error wrapping it as retryable.
var syscallEINVALClass = errors.New("transport: transient EINVAL-class error")

// Connect resolves hostname, dials the first reachable endpoint, tunes
// socket options, performs a TLS handshake if cfg is secure, and runs post
// on success (spec.md 4.A "connect"). It retries the whole cycle up to
// MaxConnectRetries times on a retryable handshake error.
func Connect(ctx context.Context, hostname string, port int, opt Options, post PostConnect) (*Conn, error) {
	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))
	b := &backoff.Backoff{Min: 20 * time.Millisecond, Max: 500 * time.Millisecond, Jitter: true}

	var lastErr error
	for attempt := 0; attempt <= MaxConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		dialer := net.Dialer{Timeout: opt.dialTimeout()}
		raw, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			if isRetryableHandshakeErr(err) {
				continue
			}
			return nil, err
		}

		if err := tuneSocket(raw); err != nil {
			log.Trace().Err(err).Msg("transport: best-effort socket tuning failed")
		}

		stream, err := maybeUpgradeTLS(raw, opt.TLSConfig, true)
		if err != nil {
			raw.Close()
			lastErr = err
			if isRetryableHandshakeErr(err) {
				continue
			}
			return nil, err
		}

		cctx, cancel := context.WithCancel(ctx)
		c := &Conn{raw: stream, ctx: cctx, cancel: cancel}
		if post != nil {
			if err := post(c); err != nil {
				c.Shutdown(true)
				return nil, err
			}
		}
		return c, nil
	}
	return nil, fmt.Errorf("transport: connect to %s failed after %d attempts: %w", addr, MaxConnectRetries+1, lastErr)
}

// Wrap adapts an already-established net.Conn (e.g. an in-process
// net.Pipe(), or a connection whose handshake happened elsewhere) into a
// Conn without dialing or tuning socket options. Used by tests and by
// callers composing transport.Conn over a non-TCP net.Conn.
func Wrap(ctx context.Context, raw net.Conn) *Conn {
	cctx, cancel := context.WithCancel(ctx)
	return &Conn{raw: raw, ctx: cctx, cancel: cancel}
}

// Accept performs the server-side half of 4.A over an already-accepted raw
// connection from a net.Listener: socket tuning, TLS handshake, post-accept
// continuation.
func Accept(ctx context.Context, raw net.Conn, opt Options, post PostConnect) (*Conn, error) {
	if err := tuneSocket(raw); err != nil {
		log.Trace().Err(err).Msg("transport: best-effort socket tuning failed")
	}
	stream, err := maybeUpgradeTLS(raw, opt.TLSConfig, false)
	if err != nil {
		raw.Close()
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{raw: stream, ctx: cctx, cancel: cancel}
	if post != nil {
		if err := post(c); err != nil {
			c.Shutdown(true)
			return nil, err
		}
	}
	return c, nil
}

func tuneSocket(raw net.Conn) error {
	tc, ok := raw.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	return tc.SetKeepAlive(true)
}

func maybeUpgradeTLS(raw net.Conn, cfg *tls.Config, isClient bool) (net.Conn, error) {
	if cfg == nil {
		return raw, nil
	}
	var tc *tls.Conn
	if isClient {
		tc = tls.Client(raw, cfg)
	} else {
		tc = tls.Server(raw, cfg)
	}
	if err := tc.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return tc, nil
}

// ReadExact reads exactly len(buf) bytes or returns an error (spec.md 4.A
// "read_exact"). It returns ErrAborted if the task is cancelled mid-read.
func (c *Conn) ReadExact(buf []byte) error {
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := io.ReadFull(c.raw, buf)
		done <- result{err}
	}()
	select {
	case r := <-done:
		return r.err
	case <-c.ctx.Done():
		c.raw.SetDeadline(time.Now())
		<-done
		return ErrAborted
	}
}

// WriteAll writes every byte of buf or returns an error (spec.md 4.A
// "write_all").
func (c *Conn) WriteAll(buf []byte) error {
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := c.raw.Write(buf)
		done <- result{err}
	}()
	select {
	case r := <-done:
		return r.err
	case <-c.ctx.Done():
		c.raw.SetDeadline(time.Now())
		<-done
		return ErrAborted
	}
}

// Shutdown closes the stream. If force is true it sets linger to zero
// before closing so the peer sees a hard RST rather than a clean FIN
// (spec.md §5 "Socket cancellation is forceful").
func (c *Conn) Shutdown(force bool) error {
	if force {
		if tc, ok := underlyingTCP(c.raw); ok {
			_ = tc.SetLinger(0)
		}
	}
	return c.raw.Close()
}

// Cancel forces the stream closed with linger-zero and causes any pending
// ReadExact/WriteAll to return ErrAborted (spec.md 4.A "cancel").
func (c *Conn) Cancel() {
	c.cancel()
	c.Shutdown(true)
}

func underlyingTCP(c net.Conn) (*net.TCPConn, bool) {
	if tc, ok := c.(*net.TCPConn); ok {
		return tc, true
	}
	if tlsConn, ok := c.(*tls.Conn); ok {
		if tc, ok := tlsConn.NetConn().(*net.TCPConn); ok {
			return tc, true
		}
	}
	return nil, false
}

// ExpectedErrorClass reports whether err belongs to spec.md's "Transport
// expected" set, which is logged at trace level rather than treated as
// fatal (spec.md 4.A, §7).
func ExpectedErrorClass(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, frag := range []string{
		"connection reset", "broken pipe", "connection refused",
		"connection aborted", "not connected", "host unreachable",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
