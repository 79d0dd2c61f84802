// Package api is the minimal debug/introspection HTTP API: read-only JSON
// views of the device list, ARP cache, routing table, and UDP/TCP PCB
// tables.
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/netstackd/netstackd/internal/arp"
	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/octet"
	"github.com/netstackd/netstackd/internal/tcp"
	"github.com/netstackd/netstackd/internal/udp"
)

// DeviceView is one row of the /devices response.
type DeviceView struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	MTU   int    `json:"mtu"`
	Up    bool   `json:"up"`
	Addr  string `json:"addr"`
}

func ServeDevicesHandler(reg *device.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devs := reg.All()
		out := make([]DeviceView, 0, len(devs))
		for _, d := range devs {
			var addr octet.EtherAddr
			copy(addr[:], d.Addr[:6])
			out = append(out, DeviceView{
				Index: d.Index,
				Name:  d.Name,
				Type:  d.Type.String(),
				MTU:   d.MTU,
				Up:    d.IsUp(),
				Addr:  addr.String(),
			})
		}
		writeJSON(w, out)
	}
}

// ARPView is one row of the /arp response.
type ARPView struct {
	ProtocolAddr string `json:"protocol_addr"`
	HardwareAddr string `json:"hardware_addr"`
	State        string `json:"state"`
}

func ServeARPHandler(cache *arp.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := cache.Snapshot()
		out := make([]ARPView, 0, len(entries))
		for _, e := range entries {
			out = append(out, ARPView{
				ProtocolAddr: octet.ATOP(e.ProtocolAddr),
				HardwareAddr: e.HardwareAddr.String(),
				State:        e.State,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ProtocolAddr < out[j].ProtocolAddr })
		writeJSON(w, out)
	}
}

// RouteView is one row of the /routes response.
type RouteView struct {
	Network string `json:"network"`
	Netmask string `json:"netmask"`
	Nexthop string `json:"nexthop"`
	Iface   string `json:"iface"`
}

func ServeRoutesHandler(routes *ip.RouteTable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := routes.All()
		out := make([]RouteView, 0, len(all))
		for _, rt := range all {
			view := RouteView{
				Network: octet.ATOP(rt.Network),
				Netmask: octet.ATOP(rt.Netmask),
				Nexthop: octet.ATOP(rt.Nexthop),
			}
			if rt.Iface != nil && rt.Iface.Dev() != nil {
				view.Iface = rt.Iface.Dev().Name
			}
			out = append(out, view)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
		writeJSON(w, out)
	}
}

// UDPPCBView is one row of the /udp response.
type UDPPCBView struct {
	ID    int    `json:"id"`
	Local string `json:"local"`
	Queue int    `json:"queue_depth"`
}

func ServeUDPHandler(t *udp.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := t.Snapshot()
		out := make([]UDPPCBView, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, UDPPCBView{ID: s.ID, Local: endpointString(s.Local.Addr, s.Local.Port), Queue: s.Queue})
		}
		writeJSON(w, out)
	}
}

// TCPPCBView is one row of the /tcp response.
type TCPPCBView struct {
	ID      int    `json:"id"`
	State   string `json:"state"`
	Local   string `json:"local"`
	Foreign string `json:"foreign"`
}

func ServeTCPHandler(t *tcp.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := t.Snapshot()
		out := make([]TCPPCBView, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, TCPPCBView{
				ID:      s.ID,
				State:   s.State,
				Local:   endpointString(s.Local.Addr, s.Local.Port),
				Foreign: endpointString(s.Foreign.Addr, s.Foreign.Port),
			})
		}
		writeJSON(w, out)
	}
}

func endpointString(addr uint32, port uint16) string {
	if addr == octet.AddrAny && port == 0 {
		return ""
	}
	return octet.ATOP(addr) + ":" + strconv.Itoa(int(port))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
