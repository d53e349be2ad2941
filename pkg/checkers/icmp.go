package checkers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// ICMPType is the configuration type name of the in-process ICMP checker.
const ICMPType = "ICMP"

// EchoReply is the outcome of one echo request.
type EchoReply struct {
	Success bool
	RTT     time.Duration
	Err     error
}

// Pinger sends ICMP echo requests. Implementations return an error only when
// no request could be sent at all (resolution or socket failure).
type Pinger interface {
	Ping(ctx context.Context, target string, count int, timeout time.Duration) ([]EchoReply, error)
}

// ICMPOptions configures the ICMP checker.
type ICMPOptions struct {
	Count   int            `yaml:"count"`
	Timeout types.Duration `yaml:"timeout"`

	// Privileged selects raw sockets. The default uses unprivileged datagram
	// ICMP, which Linux allows when net.ipv4.ping_group_range covers the user.
	Privileged bool `yaml:"privileged"`
}

// ICMPChecker reports a device ONLINE when any echo request is answered.
type ICMPChecker struct {
	descriptor types.CheckerDescriptor
	opts       ICMPOptions
	pinger     Pinger
	log        *logrus.Entry
}

// NewICMPChecker is the factory registered for ICMPType.
func NewICMPChecker(ctx context.Context, env plugins.Env, cfg plugins.CheckerConfig) (types.Checker, error) {
	opts := ICMPOptions{
		Count:   3,
		Timeout: types.Duration(time.Second),
	}
	if err := plugins.DecodeOptions(plugins.CapabilityChecker, ICMPType, cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.Count < 1 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, ICMPType, "count",
			fmt.Errorf("must be at least 1, got %d", opts.Count))
	}
	if opts.Timeout <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, ICMPType, "timeout", errors.New("must be positive"))
	}

	return &ICMPChecker{
		descriptor: cfg.Descriptor,
		opts:       opts,
		pinger:     &echoPinger{privileged: opts.Privileged, id: os.Getpid() & 0xffff},
		log:        logger.Component(ICMPType).WithField("device", cfg.Descriptor.Name),
	}, nil
}

// Descriptor implements types.Checker.
func (c *ICMPChecker) Descriptor() types.CheckerDescriptor {
	return c.descriptor
}

// Check implements types.Checker.
func (c *ICMPChecker) Check(ctx context.Context) (types.CheckResult, error) {
	replies, err := c.pinger.Ping(ctx, c.descriptor.Host, c.opts.Count, c.opts.Timeout.Std())
	if err != nil {
		return types.CheckResult{}, &types.CheckError{Name: c.descriptor.Name, Host: c.descriptor.Host, Err: err}
	}

	state := types.StateOffline
	for _, reply := range replies {
		if reply.Success {
			state = types.StateOnline
			c.log.WithField("rtt", reply.RTT).Debug("Echo reply received")
			break
		}
		c.log.WithError(reply.Err).Debug("Echo request unanswered")
	}

	return types.CheckResult{
		Name:  c.descriptor.Name,
		Host:  c.descriptor.Host,
		Type:  ICMPType,
		State: state,
	}, nil
}

type echoPinger struct {
	privileged bool
	id         int
}

func (p *echoPinger) Ping(ctx context.Context, target string, count int, timeout time.Duration) ([]EchoReply, error) {
	ip, err := resolveIPv4(ctx, target)
	if err != nil {
		return nil, err
	}

	network := "udp4"
	if p.privileged {
		network = "ip4:icmp"
	}
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("failed to create ICMP listener on %s: %w", network, err)
	}
	defer conn.Close()

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.privileged {
		dst = &net.IPAddr{IP: ip}
	}

	replies := make([]EchoReply, 0, count)
	for seq := 1; seq <= count; seq++ {
		if err := ctx.Err(); err != nil {
			return replies, err
		}
		reply := p.echo(ctx, conn, dst, seq, timeout)
		replies = append(replies, reply)
		if reply.Success {
			break
		}
	}
	return replies, nil
}

// packetConn is the subset of *icmp.PacketConn used by echoPinger.
type packetConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	SetDeadline(t time.Time) error
}

func (p *echoPinger) echo(ctx context.Context, conn packetConn, dst net.Addr, seq int, timeout time.Duration) EchoReply {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: []byte("pingu"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return EchoReply{Err: fmt.Errorf("failed to marshal ICMP message: %w", err)}
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return EchoReply{Err: fmt.Errorf("failed to set deadline: %w", err)}
	}

	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return EchoReply{Err: fmt.Errorf("failed to send ICMP echo request: %w", err)}
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return EchoReply{Err: fmt.Errorf("failed to receive ICMP echo reply: %w", err)}
		}
		if p.isReply(buf[:n], peer, dst, seq) {
			return EchoReply{Success: true, RTT: time.Since(start)}
		}
	}
}

// isReply reports whether packet answers our echo request seq sent to dst.
// Raw sockets see every echo reply on the host, so the ID must match as well.
// Datagram ICMP sockets get their ID rewritten by the kernel, which also
// demultiplexes replies per socket.
func (p *echoPinger) isReply(packet []byte, peer, dst net.Addr, seq int) bool {
	if !addrIP(peer).Equal(addrIP(dst)) {
		return false
	}

	// Protocol number 1 is ICMP for IPv4.
	parsed, err := icmp.ParseMessage(1, packet)
	if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
		return false
	}
	echo, ok := parsed.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}
	return !p.privileged || echo.ID == p.id
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	return nil
}

func resolveIPv4(ctx context.Context, target string) (net.IP, error) {
	if ip := net.ParseIP(target); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("target %s is not an IPv4 address", target)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target %s: %w", target, err)
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address found for target %s", target)
}
