package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/relaygate/icap-bridge/reqmod"
)

// Conn adapts a dialed net.Conn to reqmod.UpstreamWriter: it writes the
// adapted request's request line and headers on SendRequestHeader, and is
// itself the raw byte sink the body transfer writes through.
type Conn struct {
	net.Conn
}

// SendRequestHeader writes req's request line and headers, honoring ctx's
// deadline if it has one, the same way ICAPConn.Connect derives a deadline
// from its timeout.
func (c *Conn) SendRequestHeader(ctx context.Context, req *reqmod.FinalRequest) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	hreq := req.HTTPRequest

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", hreq.Method, hreq.URL.RequestURI())
	for name, vals := range hreq.Header {
		for _, val := range vals {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, val)
		}
	}
	sb.WriteString("\r\n")

	_, err := io.WriteString(c, sb.String())
	return err
}

// NewConn wraps an already-dialed connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{Conn: conn}
}
