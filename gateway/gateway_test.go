package gateway

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/relaygate/icap-bridge/gwconfig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return "127.0.0.1:" + strconv.Itoa(port)
}

// fakeICAPServer accepts one connection, reads lines up to the first blank
// line (the end of the ICAP header block), then writes a bare 204 response.
func fakeICAPServer(t *testing.T, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}

		conn.Write([]byte("ICAP/1.0 204 No Content\r\n\r\n"))
	}()
}

func freeICAPURL(t *testing.T, addr string) string {
	return "icap://" + addr + "/reqmod"
}

func TestGateway_Adapt_NoModification(t *testing.T) {
	icapAddr := freeAddr(t)
	fakeICAPServer(t, icapAddr)

	cfg := &gwconfig.Config{
		ICAP: gwconfig.ICAPConfig{
			Addr:           freeAddr(t),
			HeaderMaxSize:  4096,
			CopyBufferSize: 4096,
		},
		Upstream: gwconfig.UpstreamConfig{
			Addresses:   []string{"127.0.0.1:1"},
			DialTimeout: time.Second,
		},
		Idle: gwconfig.IdleConfig{
			TickInterval: 50 * time.Millisecond,
			MaxIdleTicks: 20,
		},
	}

	gw, err := New(cfg, freeICAPURL(t, icapAddr), zerolog.Nop())
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodGet, "http://example.com/a", nil)
	require.NoError(t, err)

	log := zerolog.Nop()
	end := gw.adapt(context.Background(), httpReq, &log)
	require.NoError(t, end.Err)
	require.NotNil(t, end.Result)
}

func TestNew_InvalidICAPURL(t *testing.T) {
	cfg := &gwconfig.Config{
		Upstream: gwconfig.UpstreamConfig{Addresses: []string{"127.0.0.1:1"}},
	}
	_, err := New(cfg, "://not-a-url", zerolog.Nop())
	require.Error(t, err)
}
