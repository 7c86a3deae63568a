package network

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/vishvananda/netlink"
)

var errLinkNotFound = errors.New("link not found")

type fakeRoutes struct {
	links  map[string]netlink.Link
	routes []netlink.Route
	err    error
}

func (f *fakeRoutes) LinkByName(name string) (netlink.Link, error) {
	if l, ok := f.links[name]; ok {
		return l, nil
	}
	return nil, errLinkNotFound
}

func (f *fakeRoutes) LinkByIndex(index int) (netlink.Link, error) {
	for _, l := range f.links {
		if l.Attrs().Index == index {
			return l, nil
		}
	}
	return nil, errLinkNotFound
}

func (f *fakeRoutes) RouteList(link netlink.Link, _ int) ([]netlink.Route, error) {
	if f.err != nil {
		return nil, f.err
	}
	if link == nil {
		return f.routes, nil
	}
	var out []netlink.Route
	for _, r := range f.routes {
		if r.LinkIndex == link.Attrs().Index {
			out = append(out, r)
		}
	}
	return out, nil
}

func dummy(name string, index int, state netlink.LinkOperState) *netlink.Dummy {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index, MTU: 1500, OperState: state}}
}

func table() *fakeRoutes {
	_, lan, _ := net.ParseCIDR("192.168.1.0/24")
	return &fakeRoutes{
		links: map[string]netlink.Link{
			"wlan0": dummy("wlan0", 3, netlink.OperUp),
			"eth0":  dummy("eth0", 2, netlink.OperDown),
		},
		routes: []netlink.Route{
			{LinkIndex: 3, Dst: lan},
			{LinkIndex: 3, Gw: net.ParseIP("192.168.1.1")},
			{LinkIndex: 2, Gw: net.ParseIP("10.0.0.1")},
		},
	}
}

func answering(received int) Prober {
	return ProberFunc(func(_ context.Context, _ net.IP, count int, _ time.Duration) (int, int, error) {
		return count, min(received, count), nil
	})
}

func TestStaticLink(t *testing.T) {
	var l Link = Static{GatewayIP: net.ParseIP("10.0.0.1")}
	if err := l.Up(context.Background()); err != nil {
		t.Fatalf("Up() = %v", err)
	}
	if !l.Gateway().Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("Gateway() = %v", l.Gateway())
	}
	if err := l.Release(); err != nil {
		t.Errorf("Release() = %v", err)
	}
}

func TestNetlinkLinkUp(t *testing.T) {
	tests := []struct {
		name      string
		iface     string
		wantGW    string
		wantErrIs error
	}{
		{"default route link", "", "192.168.1.1", nil},
		{"named link", "wlan0", "192.168.1.1", nil},
		{"named link down", "eth0", "", ErrLinkDown},
		{"unknown link", "wlan9", "", errLinkNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newNetlinkLink(Options{Interface: tt.iface, Prober: answering(5)}, table())
			err := l.Up(context.Background())

			if tt.wantErrIs != nil {
				if !errors.Is(err, tt.wantErrIs) {
					t.Fatalf("Up() = %v, want %v", err, tt.wantErrIs)
				}
				if l.Gateway() != nil {
					t.Errorf("Gateway() = %v after failed Up", l.Gateway())
				}
				return
			}
			if err != nil {
				t.Fatalf("Up() = %v", err)
			}
			if got := l.Gateway().String(); got != tt.wantGW {
				t.Errorf("Gateway() = %s, want %s", got, tt.wantGW)
			}
		})
	}
}

func TestNetlinkLinkNoDefaultRoute(t *testing.T) {
	rt := table()
	rt.routes = rt.routes[:1]
	l := newNetlinkLink(Options{Prober: answering(5)}, rt)
	if err := l.Up(context.Background()); !errors.Is(err, ErrNoGateway) {
		t.Fatalf("Up() = %v, want ErrNoGateway", err)
	}
}

func TestNetlinkLinkRouteListError(t *testing.T) {
	rt := table()
	rt.err = errors.New("netlink socket closed")
	l := newNetlinkLink(Options{Prober: answering(5)}, rt)
	if err := l.Up(context.Background()); err == nil || !strings.Contains(err.Error(), "route list") {
		t.Fatalf("Up() = %v, want route list error", err)
	}
}

func TestNetlinkLinkProbeTimeouts(t *testing.T) {
	tests := []struct {
		name     string
		received int
		require  bool
		wantErr  bool
		wantLog  bool
	}{
		{"all answered", 5, false, false, false},
		{"partial loss logged", 3, false, false, true},
		{"partial loss with require", 3, true, false, true},
		{"no answers tolerated", 0, false, false, true},
		{"no answers with require", 0, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			l := newNetlinkLink(Options{
				RequireGateway: tt.require,
				Prober:         answering(tt.received),
				Logger:         slog.New(slog.NewTextHandler(&logs, nil)),
			}, table())

			err := l.Up(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Up() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrGatewayUnreachable) {
				t.Errorf("Up() = %v, want ErrGatewayUnreachable", err)
			}
			if got := strings.Contains(logs.String(), "resulted in timeouts"); got != tt.wantLog {
				t.Errorf("timeout log = %v, want %v\n%s", got, tt.wantLog, logs.String())
			}
		})
	}
}

func TestNetlinkLinkProbeError(t *testing.T) {
	sockErr := errors.New("operation not permitted")
	failing := ProberFunc(func(context.Context, net.IP, int, time.Duration) (int, int, error) {
		return 0, 0, sockErr
	})

	l := newNetlinkLink(Options{Prober: failing}, table())
	if err := l.Up(context.Background()); err != nil {
		t.Errorf("Up() = %v, want nil without RequireGateway", err)
	}

	l = newNetlinkLink(Options{Prober: failing, RequireGateway: true}, table())
	err := l.Up(context.Background())
	if !errors.Is(err, ErrGatewayUnreachable) || !errors.Is(err, sockErr) {
		t.Errorf("Up() = %v, want ErrGatewayUnreachable wrapping the socket error", err)
	}
}

func TestNetlinkLinkReleaseIdempotent(t *testing.T) {
	l := newNetlinkLink(Options{Prober: answering(5)}, table())
	if err := l.Up(context.Background()); err != nil {
		t.Fatalf("Up() = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := l.Release(); err != nil {
			t.Fatalf("Release() #%d = %v", i+1, err)
		}
	}
	if l.Gateway() != nil {
		t.Errorf("Gateway() = %v after Release", l.Gateway())
	}
}

func TestNewNetlinkLinkDefaults(t *testing.T) {
	l := NewNetlinkLink(Options{})
	if l.opts.PingCount != 5 || l.opts.PingTimeout != time.Second {
		t.Errorf("defaults count=%d timeout=%v", l.opts.PingCount, l.opts.PingTimeout)
	}
	if _, ok := l.opts.Prober.(ICMPProber); !ok {
		t.Errorf("default prober = %T", l.opts.Prober)
	}
}
