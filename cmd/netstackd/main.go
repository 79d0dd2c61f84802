//go:build linux

// Command netstackd runs the userspace TCP/IP stack against a single
// Ethernet-TAP device (plus the always-present loopback), exposing a
// debug/introspection HTTP API and, optionally, Prometheus metrics.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netstackd/netstackd/internal/api"
	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/icmp"
	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/irq"
	"github.com/netstackd/netstackd/internal/link"
	"github.com/netstackd/netstackd/internal/netevent"
	"github.com/netstackd/netstackd/internal/netstack"
	"github.com/netstackd/netstackd/internal/octet"
	"github.com/netstackd/netstackd/internal/tcp"
	"github.com/netstackd/netstackd/internal/udp"
)

var (
	tapName       = flag.String("tap-name", "tap0", "name of the host-side TAP interface to attach")
	tapHWAddr     = flag.String("tap-hwaddr", "", "MAC address for the TAP device; empty reads back the kernel-assigned address")
	localAddr     = flag.String("addr", "10.0.0.1", "this node's IPv4 address on the TAP interface")
	netmask       = flag.String("netmask", "255.255.255.0", "netmask for -addr")
	gateway       = flag.String("gateway", "", "default gateway address, empty disables the default route")
	configureHost = flag.Bool("configure-host", false, "bring up the host-side TAP interface and assign -addr to it via netlink")
	arpTTL        = flag.Duration("arp-ttl", 0, "periodic ARP cache scrub interval; 0 disables scrubbing")
	arpStatic     = flag.String("arp-static", "", "comma-separated ip=mac pairs pinned into the ARP cache")
	enableVerbose = flag.Bool("v", false, "enable verbose logging")
	metricsEnable = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr   = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	apiAddr       = flag.String("api-addr", "localhost:7654", "address to listen on for the debug/introspection API")
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerbose {
		opts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))

	unicast, err := octet.PTOA(*localAddr)
	if err != nil {
		slog.Error("invalid -addr", "err", err)
		os.Exit(1)
	}
	mask, err := octet.PTOA(*netmask)
	if err != nil {
		slog.Error("invalid -netmask", "err", err)
		os.Exit(1)
	}

	loop := irq.New()
	reg := device.NewRegistry()
	ns := netstack.New(loop)

	ipStack := ip.NewStack()
	netstack.RegisterARP(ns, ipStack.ARP)
	netstack.RegisterIP(ns, ipStack)

	lb, err := link.NewLoopback(reg, loop, func(ethertype uint16, data []byte, dev *device.Device) {
		ns.NetInputHandler(ethertype, data, dev)
	})
	if err != nil {
		slog.Error("failed to register loopback device", "err", err)
		os.Exit(1)
	}
	loIface := ip.NewIface(mustPTOA("127.0.0.1"), mustPTOA("255.0.0.0"))
	if err := ipStack.RegisterIface(lb, loIface); err != nil {
		slog.Error("failed to register loopback iface", "err", err)
		os.Exit(1)
	}
	if err := lb.Open(); err != nil {
		slog.Error("failed to open loopback device", "err", err)
		os.Exit(1)
	}

	tap, err := link.NewEtherTAP(reg, loop, *tapName, *tapHWAddr)
	if err != nil {
		slog.Error("failed to register ethertap device", "err", err)
		os.Exit(1)
	}
	ns.AttachDevice(tap)
	tapIface := ip.NewIface(unicast, mask)
	if err := ipStack.RegisterIface(tap, tapIface); err != nil {
		slog.Error("failed to register ethertap iface", "err", err)
		os.Exit(1)
	}
	if err := tap.Open(); err != nil {
		slog.Error("failed to open ethertap device", "err", err)
		os.Exit(1)
	}

	if *gateway != "" {
		gw, err := octet.PTOA(*gateway)
		if err != nil {
			slog.Error("invalid -gateway", "err", err)
			os.Exit(1)
		}
		ipStack.Routes.SetDefaultGateway(tapIface, gw)
	}

	if *configureHost {
		_, prefix, err := net.ParseCIDR(fmt.Sprintf("%s/%d", *localAddr, maskBits(mask)))
		if err != nil {
			slog.Error("failed to compute host prefix", "err", err)
			os.Exit(1)
		}
		if err := link.ConfigureHost(*tapName, prefix); err != nil {
			slog.Error("failed to configure host tap interface", "err", err)
			os.Exit(1)
		}
	}

	if *arpTTL > 0 {
		loop.RegisterTimer(*arpTTL, func() { ipStack.ARP.Scrub(*arpTTL) })
	}

	if *arpStatic != "" {
		for _, pair := range strings.Split(*arpStatic, ",") {
			ipStr, macStr, ok := strings.Cut(pair, "=")
			if !ok {
				slog.Error("invalid -arp-static entry", "entry", pair)
				os.Exit(1)
			}
			pa, err := octet.PTOA(ipStr)
			if err != nil {
				slog.Error("invalid -arp-static address", "entry", pair, "err", err)
				os.Exit(1)
			}
			ha, err := octet.ParseEtherAddr(macStr)
			if err != nil {
				slog.Error("invalid -arp-static mac", "entry", pair, "err", err)
				os.Exit(1)
			}
			if err := ipStack.ARP.InsertStatic(pa, ha); err != nil {
				slog.Error("failed to pin static arp entry", "entry", pair, "err", err)
				os.Exit(1)
			}
		}
	}

	udpTable := udp.NewTable(ipStack)
	tcpTable := tcp.NewTable(ipStack)

	if err := ipStack.RegisterProtocol(ip.ProtoICMP, func(payload []byte, src, dst uint32, iface *ip.IPIface) {
		if err := icmp.Input(ipStack, payload, src, dst, iface); err != nil {
			slog.Debug("icmp input error", "err", err)
		}
	}); err != nil {
		slog.Error("failed to register icmp handler", "err", err)
		os.Exit(1)
	}
	if err := ipStack.RegisterProtocol(ip.ProtoUDP, func(payload []byte, src, dst uint32, iface *ip.IPIface) {
		if err := udpTable.Input(payload, src, dst, iface); err != nil {
			slog.Debug("udp input error", "err", err)
		}
	}); err != nil {
		slog.Error("failed to register udp handler", "err", err)
		os.Exit(1)
	}
	if err := ipStack.RegisterProtocol(ip.ProtoTCP, func(payload []byte, src, dst uint32, iface *ip.IPIface) {
		if err := tcpTable.Input(payload, src, dst, iface); err != nil {
			slog.Debug("tcp input error", "err", err)
		}
	}); err != nil {
		slog.Error("failed to register tcp handler", "err", err)
		os.Exit(1)
	}

	bus := netevent.New()
	bus.Subscribe(udpTable)
	bus.Subscribe(tcpTable)

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "netstackd_build_info", Help: "Build information of netstackd"},
			[]string{"version"},
		)
		buildInfo.WithLabelValues("dev").Set(1)

		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "netstackd_udp_pcbs_open", Help: "Number of open UDP protocol control blocks"},
			func() float64 { return float64(len(udpTable.Snapshot())) },
		)
		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "netstackd_tcp_pcbs_active", Help: "Number of non-free TCP protocol control blocks"},
			func() float64 { return float64(len(tcpTable.Snapshot())) },
		)
		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "netstackd_arp_cache_entries", Help: "Number of non-free ARP cache entries"},
			func() float64 { return float64(len(ipStack.ARP.Snapshot())) },
		)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("failed to start prometheus metrics listener", "err", err)
				return
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("prometheus metrics server started", "addr", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				slog.Error("prometheus metrics server exited", "err", err)
			}
		}()
	}

	mux := api.NewMux(reg, ipStack.ARP, ipStack.Routes, udpTable, tcpTable)
	apiServer := api.NewApiServer(api.WithHandler(mux))
	apiListener, err := net.Listen("tcp", *apiAddr)
	if err != nil {
		slog.Error("failed to start debug api listener", "err", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("debug api server started", "addr", apiListener.Addr().String())
		if err := apiServer.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("debug api server exited", "err", err)
		}
	}()

	loop.Run()
	slog.Info("netstackd running", "tap", tap.Name, "addr", *localAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	bus.Raise()
	loop.Shutdown()
	_ = apiServer.Close()
	_ = tap.Close()
	_ = lb.Close()
	time.Sleep(10 * time.Millisecond)
}

func mustPTOA(s string) uint32 {
	addr, err := octet.PTOA(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func maskBits(mask uint32) int {
	n := 0
	for i := 31; i >= 0; i-- {
		if mask&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}
