// Package network brings up and releases the node's network connection.
//
// The camera node serves HTTP over whatever interface the host routes its
// default gateway through. Up resolves that interface, checks it is
// operationally up, and pings the gateway; Release drops the references taken
// by Up. The connection itself is owned by the OS (DHCP, NetworkManager,
// systemd-networkd); this package never reconfigures links.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
)

var (
	// ErrLinkDown is returned when the interface exists but is not up.
	ErrLinkDown = errors.New("network: link down")

	// ErrNoGateway is returned when no IPv4 default route is found.
	ErrNoGateway = errors.New("network: no default gateway")

	// ErrGatewayUnreachable is returned by Up when RequireGateway is set and
	// the gateway answered none of the probes.
	ErrGatewayUnreachable = errors.New("network: gateway unreachable")
)

// Link is the network collaborator released last during shutdown.
type Link interface {
	Up(ctx context.Context) error
	Gateway() net.IP
	Release() error
}

// Static is a Link for hosts where the network is managed elsewhere or
// netlink is unavailable. Up and Release are no-ops.
type Static struct {
	GatewayIP net.IP
}

func (s Static) Up(context.Context) error { return nil }
func (s Static) Gateway() net.IP          { return s.GatewayIP }
func (s Static) Release() error           { return nil }

// Options configures a NetlinkLink.
type Options struct {
	// Interface names the link to use; empty selects the default-route link.
	Interface string

	// RequireGateway makes an unanswered gateway probe fail Up.
	RequireGateway bool

	// PingTimeout bounds each echo (default 1s). PingCount defaults to 5.
	PingTimeout time.Duration
	PingCount   int

	// Prober pings the gateway (default ICMPProber).
	Prober Prober

	Logger *slog.Logger
}

// routeTable is the subset of netlink the link needs.
type routeTable interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
}

type kernelRoutes struct{}

func (kernelRoutes) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (kernelRoutes) LinkByIndex(index int) (netlink.Link, error)  { return netlink.LinkByIndex(index) }
func (kernelRoutes) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}

// NetlinkLink resolves the node's link and gateway through rtnetlink.
type NetlinkLink struct {
	opts   Options
	routes routeTable
	logger *slog.Logger

	mu      sync.Mutex
	link    netlink.Link
	gateway net.IP
}

// NewNetlinkLink creates a link bound to the kernel routing table.
func NewNetlinkLink(opts Options) *NetlinkLink {
	return newNetlinkLink(opts, kernelRoutes{})
}

func newNetlinkLink(opts Options, routes routeTable) *NetlinkLink {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = time.Second
	}
	if opts.PingCount <= 0 {
		opts.PingCount = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prober == nil {
		opts.Prober = ICMPProber{}
	}
	return &NetlinkLink{opts: opts, routes: routes, logger: opts.Logger}
}

// Up resolves the link and default gateway, then probes the gateway.
//
// A link that is not up, or a missing default route, fails Up. An
// unanswered probe is logged and only fails Up when RequireGateway is set.
func (l *NetlinkLink) Up(ctx context.Context) error {
	link, gw, err := l.resolve()
	if err != nil {
		return err
	}

	attrs := link.Attrs()
	l.mu.Lock()
	l.link = link
	l.gateway = gw
	l.mu.Unlock()

	l.logger.Info("network: link up",
		"interface", attrs.Name,
		"index", attrs.Index,
		"mtu", attrs.MTU,
		"gateway", gw.String(),
	)

	return l.probe(ctx, gw)
}

func (l *NetlinkLink) resolve() (netlink.Link, net.IP, error) {
	var link netlink.Link
	if l.opts.Interface != "" {
		var err error
		link, err = l.routes.LinkByName(l.opts.Interface)
		if err != nil {
			return nil, nil, fmt.Errorf("network: link %q: %w", l.opts.Interface, err)
		}
	}

	routes, err := l.routes.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, nil, fmt.Errorf("network: route list: %w", err)
	}

	var gw net.IP
	for _, r := range routes {
		if !isDefault(r) || r.Gw == nil {
			continue
		}
		if link == nil {
			link, err = l.routes.LinkByIndex(r.LinkIndex)
			if err != nil {
				return nil, nil, fmt.Errorf("network: default route link %d: %w", r.LinkIndex, err)
			}
		}
		gw = r.Gw
		break
	}

	if link == nil || gw == nil {
		return nil, nil, ErrNoGateway
	}

	attrs := link.Attrs()
	if attrs.OperState != netlink.OperUp && attrs.Flags&net.FlagUp == 0 {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrLinkDown, attrs.Name, attrs.OperState)
	}
	return link, gw, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

func (l *NetlinkLink) probe(ctx context.Context, gw net.IP) error {
	l.logger.Info("network: pinging gateway", "gateway", gw.String(), "count", l.opts.PingCount)

	sent, received, err := l.opts.Prober.Probe(ctx, gw, l.opts.PingCount, l.opts.PingTimeout)
	if err != nil {
		l.logger.Warn("network: gateway probe failed", "gateway", gw.String(), "error", err)
		if l.opts.RequireGateway {
			return fmt.Errorf("%w: %w", ErrGatewayUnreachable, err)
		}
		return nil
	}

	if received != sent {
		l.logger.Error("network: pinging gateway resulted in timeouts",
			"gateway", gw.String(),
			"transmitted", sent,
			"received", received,
		)
		if l.opts.RequireGateway && received == 0 {
			return fmt.Errorf("%w: %s", ErrGatewayUnreachable, gw)
		}
		return nil
	}

	l.logger.Info("network: pinging done", "gateway", gw.String(), "received", received)
	return nil
}

// Gateway returns the gateway found by Up (nil before Up or after Release).
func (l *NetlinkLink) Gateway() net.IP {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gateway
}

// Release drops the link. Safe to call more than once.
func (l *NetlinkLink) Release() error {
	l.mu.Lock()
	link := l.link
	l.link = nil
	l.gateway = nil
	l.mu.Unlock()

	if link != nil {
		l.logger.Info("network: released", "interface", link.Attrs().Name)
	}
	return nil
}
