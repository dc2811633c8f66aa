// Package gateway wires the ICAP client transport, the bidirectional REQMOD
// engine, and the upstream connector into a runnable TCP proxy: it accepts
// plain HTTP/1.1 connections, adapts each request through an ICAP service,
// and forwards the result to the keyless-signing upstream pool.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"
	icapclient "github.com/relaygate/icap-bridge"
	"github.com/relaygate/icap-bridge/bodytransfer"
	"github.com/relaygate/icap-bridge/gwconfig"
	"github.com/relaygate/icap-bridge/idle"
	"github.com/relaygate/icap-bridge/reqmod"
	"github.com/relaygate/icap-bridge/upstream"
	"github.com/rs/zerolog"
)

// Gateway accepts client connections, adapts each request via an ICAP
// service, and forwards the adapted request to the upstream pool.
type Gateway struct {
	cfg       *gwconfig.Config
	log       zerolog.Logger
	connector *upstream.Connector
	icapURL   *url.URL
}

// New builds a Gateway from cfg. icapServiceURL is the icap:// URL of the
// adaptation service (e.g. "icap://127.0.0.1:1344/reqmod").
func New(cfg *gwconfig.Config, icapServiceURL string, log zerolog.Logger) (*Gateway, error) {
	u, err := url.Parse(icapServiceURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid icap service url: %w", err)
	}

	tlsCfg, err := cfg.Upstream.TLS.Build()
	if err != nil {
		return nil, err
	}

	dialBackoff := backoff.NewExponentialBackOff()
	dialBackoff.MaxElapsedTime = cfg.Upstream.MaxElapsedTime

	connector := upstream.NewConnector(upstream.Config{
		Addresses:        cfg.Upstream.Addresses,
		TLSConfig:        tlsCfg,
		DialTimeout:      cfg.Upstream.DialTimeout,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
		Backoff:          dialBackoff,
	})

	return &Gateway{cfg: cfg, log: log, connector: connector, icapURL: u}, nil
}

// ListenAndServe listens on cfg.ICAP.Addr and serves connections until ctx
// is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.ICAP.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.cfg.ICAP.Addr, err)
	}
	defer ln.Close()

	g.log.Info().Str("addr", g.cfg.ICAP.Addr).Msg("gateway listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("gateway: accept: %w", err)
			}
		}

		go g.handleConn(ctx, conn)
	}
}

func (g *Gateway) handleConn(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	log := g.log.With().Str("remote", clientConn.RemoteAddr().String()).Logger()

	clientReader := bufio.NewReader(clientConn)
	httpReq, err := http.ReadRequest(clientReader)
	if err != nil {
		log.Debug().Err(err).Msg("failed to read client request")
		return
	}

	end := g.adapt(ctx, httpReq, &log)
	if end.Err != nil {
		log.Warn().Err(end.Err).Msg("adaptation failed")
		return
	}

	log.Info().Str("method", end.Result.HTTPRequest.Method).Msg("adaptation complete")
}

// adapt drives one request through the ICAP service and upstream pool,
// returning the terminal reqmod.EndState.
func (g *Gateway) adapt(ctx context.Context, httpReq *http.Request, log *zerolog.Logger) reqmod.EndState {
	icapConn, err := icapclient.NewICAPConn()
	if err != nil {
		return reqmod.Failed(fmt.Errorf("gateway: building icap connection: %w", err))
	}
	if err := icapConn.Connect(ctx, g.icapURL.Host, g.cfg.ICAP.DialTimeout); err != nil {
		return reqmod.Failed(fmt.Errorf("gateway: dialing icap service: %w", err))
	}
	defer icapConn.Close()

	if err := icapclient.WriteStreamingRequestHeader(icapConn.Writer(), g.icapURL, httpReq); err != nil {
		return reqmod.Failed(fmt.Errorf("gateway: writing icap request header: %w", err))
	}

	sup := idle.NewTickerSupervisor(g.cfg.Idle.TickInterval, g.cfg.Idle.MaxIdleTicks, ctx, "gateway shutdown")

	waiter := &reqmod.BidirectionalResponseWaiter{
		Supervisor:    sup,
		MaxHeaderSize: g.cfg.ICAP.HeaderMaxSize,
	}

	cltBody := httpReq.Body
	if cltBody == nil {
		cltBody = http.NoBody
	}
	cltXfer := bodytransfer.NewClientBodyTransfer(ctx, cltBody, icapConn.Writer(), g.cfg.ICAP.CopyBufferSize)
	resp, err := waiter.TransferAndRecv(ctx, cltXfer, icapConn.Reader())
	if err != nil {
		return reqmod.Failed(err)
	}

	if resp.StatusCode != http.StatusOK {
		// Final verdict with no adapted request to forward (e.g. 204 No
		// Modifications): nothing more to stream upstream.
		log.Debug().Int("status", resp.StatusCode).Msg("icap server returned a final verdict")
		return reqmod.AdaptedTransferred(&reqmod.FinalRequest{HTTPRequest: httpReq})
	}

	upsConn, err := g.connector.Connect(ctx)
	if err != nil {
		return reqmod.Failed(fmt.Errorf("gateway: connecting upstream: %w", err))
	}
	defer upsConn.Close()

	adapter := &reqmod.BidirectionalAdapter{
		Supervisor: sup,
		Config: reqmod.AdapterConfig{
			HTTPBodyLineMaxSize:   g.cfg.ICAP.HeaderMaxSize,
			HTTPReqAddNoViaHeader: g.cfg.ICAP.AddNoViaHeader,
			CopyConfig:            reqmod.CopyConfig{BufferSize: g.cfg.ICAP.CopyBufferSize},
			HTTPHeaderSize:        g.cfg.ICAP.HeaderMaxSize,
		},
	}

	runState := &reqmod.RunState{}
	origReq := &reqmod.OriginalRequest{HTTPRequest: httpReq}

	end := adapter.Transfer(ctx, runState, cltXfer, origReq, icapConn.Reader(), upstream.NewConn(upsConn))
	log.Debug().Bool("icap_read_finished", adapter.Config.ICAPReadFinished).Msg("adapter transfer complete")
	return end
}
