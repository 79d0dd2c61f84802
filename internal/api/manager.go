package api

import (
	"net/http"

	"github.com/netstackd/netstackd/internal/arp"
	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/tcp"
	"github.com/netstackd/netstackd/internal/udp"
)

// ApiServer serves the read-only introspection endpoints over HTTP.
type ApiServer struct {
	*http.Server
}

type Option func(*ApiServer)

func NewApiServer(options ...Option) *ApiServer {
	api := &ApiServer{
		Server: &http.Server{},
	}
	for _, o := range options {
		o(api)
	}
	return api
}

// WithHandler installs mux as the server's handler.
func WithHandler(mux *http.ServeMux) Option {
	return func(a *ApiServer) {
		a.Handler = mux
	}
}

// NewMux builds the debug mux over the stack's tables: one read-only
// JSON endpoint per table.
func NewMux(reg *device.Registry, cache *arp.Cache, routes *ip.RouteTable, udpTable *udp.Table, tcpTable *tcp.Table) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/devices", ServeDevicesHandler(reg))
	mux.Handle("/arp", ServeARPHandler(cache))
	mux.Handle("/routes", ServeRoutesHandler(routes))
	mux.Handle("/udp", ServeUDPHandler(udpTable))
	mux.Handle("/tcp", ServeTCPHandler(tcpTable))
	return mux
}
