package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Prober sends count echoes to ip and reports how many were answered.
// err is reserved for failures to probe at all (socket errors).
type Prober interface {
	Probe(ctx context.Context, ip net.IP, count int, timeout time.Duration) (sent, received int, err error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, ip net.IP, count int, timeout time.Duration) (int, int, error)

func (f ProberFunc) Probe(ctx context.Context, ip net.IP, count int, timeout time.Duration) (int, int, error) {
	return f(ctx, ip, count, timeout)
}

// ICMPProber pings over an unprivileged ICMP datagram socket
// (net.ipv4.ping_group_range must include the process group).
type ICMPProber struct {
	// Network is passed to icmp.ListenPacket (default "udp4").
	Network string
}

const icmpProtocolIPv4 = 1

func (p ICMPProber) Probe(ctx context.Context, ip net.IP, count int, timeout time.Duration) (int, int, error) {
	network := p.Network
	if network == "" {
		network = "udp4"
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return 0, 0, fmt.Errorf("network: icmp listen: %w", err)
	}
	defer conn.Close()

	var dst net.Addr = &net.IPAddr{IP: ip}
	if network == "udp4" {
		dst = &net.UDPAddr{IP: ip}
	}

	id := os.Getpid() & 0xffff
	buf := make([]byte, 1500)
	sent, received := 0, 0

	for seq := 1; seq <= count; seq++ {
		if ctx.Err() != nil {
			break
		}

		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Code: 0,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("camnode")},
		}
		wb, err := msg.Marshal(nil)
		if err != nil {
			return sent, received, fmt.Errorf("network: icmp marshal: %w", err)
		}
		if _, err := conn.WriteTo(wb, dst); err != nil {
			return sent, received, fmt.Errorf("network: icmp write: %w", err)
		}
		sent++

		if ok, err := awaitReply(conn, buf, seq, time.Now().Add(timeout)); err != nil {
			return sent, received, err
		} else if ok {
			received++
		}
	}
	return sent, received, nil
}

// awaitReply reads until the echo reply for seq arrives or the deadline passes.
func awaitReply(conn *icmp.PacketConn, buf []byte, seq int, deadline time.Time) (bool, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false, fmt.Errorf("network: icmp deadline: %w", err)
	}
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("network: icmp read: %w", err)
		}

		reply, err := icmp.ParseMessage(icmpProtocolIPv4, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// Unprivileged sockets rewrite the ID; match on sequence only.
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return true, nil
		}
	}
}
