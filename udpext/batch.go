// Package udpext extends a UDP socket with scatter/gather and batched
// send/receive, the transport layer a keyless-signing backend reachable
// over UDP would use instead of upstream's TCP/TLS connector.
package udpext

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Message is one batch unit: Buffers holds the scatter/gather list
// coalesced into (or split out of) a single datagram, Addr is the peer
// address, and N is filled in with the bytes actually sent or received.
type Message struct {
	Buffers [][]byte
	Addr    net.Addr
	N       int
}

// BatchSocket wraps a *net.UDPConn with the IPv4 or IPv6 batch packet
// connection matching its address family, so callers get one call site
// regardless of which family the socket was bound to.
type BatchSocket struct {
	conn *net.UDPConn
	v4   *ipv4.PacketConn
	v6   *ipv6.PacketConn
}

// NewBatchSocket wraps conn, detecting its address family from LocalAddr.
func NewBatchSocket(conn *net.UDPConn) *BatchSocket {
	bs := &BatchSocket{conn: conn}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok && udpAddr.IP.To4() == nil {
		bs.v6 = ipv6.NewPacketConn(conn)
	} else {
		bs.v4 = ipv4.NewPacketConn(conn)
	}
	return bs
}

// SendOne writes a single scatter/gather message, returning the bytes
// written.
func (s *BatchSocket) SendOne(msg Message) (int, error) {
	msgs := []Message{msg}
	n, err := s.SendBatch(msgs)
	if n == 0 {
		return 0, err
	}
	return msgs[0].N, err
}

// ReceiveOne reads a single datagram into msg.Buffers, filling in N and
// Addr.
func (s *BatchSocket) ReceiveOne(msg *Message) error {
	msgs := []Message{*msg}
	if _, err := s.ReceiveBatch(msgs); err != nil {
		return err
	}
	*msg = msgs[0]
	return nil
}

// SendBatch writes as many of msgs as the OS accepts in one syscall
// (sendmmsg on Linux; x/net transparently falls back to a send loop on
// platforms without it), returning how many were sent. Each sent
// message's N field is updated in place.
func (s *BatchSocket) SendBatch(msgs []Message) (int, error) {
	if s.v6 != nil {
		batch := make([]ipv6.Message, len(msgs))
		for i, m := range msgs {
			batch[i] = ipv6.Message{Buffers: m.Buffers, Addr: m.Addr}
		}
		n, err := s.v6.WriteBatch(batch, 0)
		for i := 0; i < n; i++ {
			msgs[i].N = batch[i].N
		}
		return n, err
	}

	batch := make([]ipv4.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = ipv4.Message{Buffers: m.Buffers, Addr: m.Addr}
	}
	n, err := s.v4.WriteBatch(batch, 0)
	for i := 0; i < n; i++ {
		msgs[i].N = batch[i].N
	}
	return n, err
}

// ReceiveBatch reads into msgs' buffers in one syscall (recvmmsg on
// Linux), filling in each received message's N and Addr.
func (s *BatchSocket) ReceiveBatch(msgs []Message) (int, error) {
	if s.v6 != nil {
		batch := make([]ipv6.Message, len(msgs))
		for i, m := range msgs {
			batch[i] = ipv6.Message{Buffers: m.Buffers}
		}
		n, err := s.v6.ReadBatch(batch, 0)
		for i := 0; i < n; i++ {
			msgs[i].N = batch[i].N
			msgs[i].Addr = batch[i].Addr
		}
		return n, err
	}

	batch := make([]ipv4.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = ipv4.Message{Buffers: m.Buffers}
	}
	n, err := s.v4.ReadBatch(batch, 0)
	for i := 0; i < n; i++ {
		msgs[i].N = batch[i].N
		msgs[i].Addr = batch[i].Addr
	}
	return n, err
}
