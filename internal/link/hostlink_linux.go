//go:build linux

package link

import (
	"fmt"
	"net"

	nl "github.com/vishvananda/netlink"
)

// ConfigureHost brings up the host-side TAP interface name and assigns
// it prefix via netlink (AddrAdd, LinkSetUp). It has no effect on the
// userspace stack's own IP processing: it only lets the host's existing
// IP stack reach the TAP's other end for testing.
func ConfigureHost(name string, prefix *net.IPNet) error {
	iface, err := nl.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link: lookup host iface %s: %w", name, err)
	}
	if prefix != nil {
		addr := &nl.Addr{IPNet: prefix}
		if err := nl.AddrAdd(iface, addr); err != nil {
			return fmt.Errorf("link: addr add %s on %s: %w", prefix, name, err)
		}
	}
	if err := nl.LinkSetUp(iface); err != nil {
		return fmt.Errorf("link: set up %s: %w", name, err)
	}
	return nil
}
