// Package upstream dials the keyless-signing backend the bidirectional
// REQMOD engine forwards adapted requests to: a pool of TCP or TLS peers,
// selected at random and redialed with backoff on failure.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoPeerAddress is returned when the connector has no configured
// addresses to dial.
var ErrNoPeerAddress = errors.New("upstream: no peer address available")

// Config configures a Connector.
type Config struct {
	// Addresses is the pool of host:port peers to connect to. One is
	// picked at random per dial attempt.
	Addresses []string

	// TLSConfig, when non-nil, upgrades the TCP connection to TLS after
	// the handshake completes.
	TLSConfig *tls.Config

	// DialTimeout bounds a single TCP connect attempt.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the TLS handshake, if TLSConfig is set.
	HandshakeTimeout time.Duration

	// Backoff, when non-nil, is used to retry a failed dial. A nil
	// Backoff means Connect makes exactly one attempt.
	Backoff backoff.BackOff
}

// Connector dials the configured peer pool on demand.
type Connector struct {
	cfg Config
}

// NewConnector builds a Connector from cfg.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

// Connect dials a randomly chosen peer, retrying per cfg.Backoff (if set)
// until ctx is done or a dial succeeds. On success it returns a net.Conn
// that is a *tls.Conn when cfg.TLSConfig is set.
func (c *Connector) Connect(ctx context.Context) (net.Conn, error) {
	if len(c.cfg.Addresses) == 0 {
		return nil, ErrNoPeerAddress
	}

	if c.cfg.Backoff == nil {
		return c.dialOnce(ctx)
	}

	b := backoff.WithContext(c.cfg.Backoff, ctx)
	var conn net.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = c.dialOnce(ctx)
		return dialErr
	}, b)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connector) dialOnce(ctx context.Context) (net.Conn, error) {
	peer := c.cfg.Addresses[rand.Intn(len(c.cfg.Addresses))]

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to connect to peer %s: %w", peer, err)
	}

	if c.cfg.TLSConfig == nil {
		return tcpConn, nil
	}

	handshakeCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	tlsConn := tls.Client(tcpConn, c.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("upstream: tls handshake with %s failed: %w", peer, err)
	}

	return tlsConn, nil
}
