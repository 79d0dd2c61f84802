//go:build linux

package link

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/ether"
	"github.com/netstackd/netstackd/internal/irq"
	"github.com/netstackd/netstackd/internal/octet"
)

const cloneDevice = "/dev/net/tun"

// sigRTMin is the kernel's first real-time signal number. The C library
// reserves the first couple for its own threading, so device signals are
// allocated from +2 upward.
const sigRTMin = 32

// nextSigOffset counts TAP devices created so far; each one is given the
// next real-time signal above sigRTMin+2.
var nextSigOffset atomic.Int32

// etherTAP is the Ethernet-over-TAP driver. Frames arrive asynchronously:
// the kernel is told (via F_SETOWN/F_SETFL(O_ASYNC)/F_SETSIG) to deliver a
// dedicated real-time signal to this process whenever the TAP fd becomes
// readable, and a signal.Notify channel relays each delivery as a raise
// of the driver's own pseudo-IRQ on the shared irq.Loop, so frame
// decoding still happens on the worker.
type etherTAP struct {
	mu   sync.Mutex
	name string
	fd   int
	sig  unix.Signal
	irq  int
	loop *irq.Loop
	dev  *device.Device

	sigCh  chan os.Signal
	stopCh chan struct{}
}

// NewEtherTAP creates (but does not open) a TAP-backed Ethernet device
// named name, bound to reg and l. If hwAddr is non-empty it is parsed as
// the device's MAC; otherwise the kernel-assigned address of the host TAP
// interface is read back on Open.
func NewEtherTAP(reg *device.Registry, l *irq.Loop, name, hwAddr string) (*device.Device, error) {
	t := &etherTAP{
		name: name,
		fd:   -1,
		sig:  unix.Signal(sigRTMin + 2 + int(nextSigOffset.Add(1)-1)),
		loop: l,
	}

	d := &device.Device{
		Type:  device.TypeEthernet,
		MTU:   ether.MTU,
		HLen:  ether.AddrLen,
		ALen:  ether.AddrLen,
		Flags: device.FlagBroadcast | device.FlagNeedARP,
		Ops:   t,
	}
	if hwAddr != "" {
		addr, err := octet.ParseEtherAddr(hwAddr)
		if err != nil {
			return nil, fmt.Errorf("link: ethertap %s: %w", name, err)
		}
		copy(d.Addr[:], addr[:])
	}
	copy(d.Broadcast[:], octet.EtherBroadcast[:])

	t.irq = l.AllocateIRQ()
	if err := reg.Register(d); err != nil {
		return nil, err
	}
	t.dev = d
	if err := l.RequestIRQ(t.irq, d.Name, irq.Shared, t.isr); err != nil {
		return nil, err
	}
	return d, nil
}

// Open clones /dev/net/tun into a TAP attachment named t.name, then wires
// the kernel's signal-driven I/O so reads are triggered by t.isr rather
// than polled.
func (t *etherTAP) Open(d *device.Device) error {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("link: open %s: %w", cloneDevice, err)
	}

	ifr := newIfreq(t.name, unix.IFF_TAP|unix.IFF_NO_PI)
	if err := ioctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("link: TUNSETIFF %s: %w", t.name, err)
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETOWN, os.Getpid()); err != nil {
		unix.Close(fd)
		return fmt.Errorf("link: fcntl F_SETOWN: %w", err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("link: fcntl F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		unix.Close(fd)
		return fmt.Errorf("link: fcntl F_SETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETSIG, int(t.sig)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("link: fcntl F_SETSIG: %w", err)
	}

	t.mu.Lock()
	t.fd = fd
	t.mu.Unlock()

	if d.Addr == ([16]byte{}) {
		if err := t.readHWAddr(d); err != nil {
			unix.Close(fd)
			return err
		}
	}

	t.sigCh = make(chan os.Signal, 64)
	t.stopCh = make(chan struct{})
	signal.Notify(t.sigCh, t.sig)
	go t.signalPump()

	return nil
}

// signalPump translates the delivered real-time signal into a raise on
// the shared worker loop; actual reading happens in isr, off-signal.
func (t *etherTAP) signalPump() {
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.sigCh:
			t.loop.Raise(t.irq)
		}
	}
}

// Close stops signal delivery and closes the TAP fd.
func (t *etherTAP) Close(d *device.Device) error {
	signal.Stop(t.sigCh)
	close(t.stopCh)

	t.mu.Lock()
	fd := t.fd
	t.fd = -1
	t.mu.Unlock()

	if fd >= 0 {
		return unix.Close(fd)
	}
	return nil
}

// Transmit writes a fully framed Ethernet frame to the TAP fd.
func (t *etherTAP) Transmit(d *device.Device, ethertype uint16, data []byte, dst []byte) error {
	frame, err := ether.BuildFrame(d, ethertype, data, dst)
	if err != nil {
		return err
	}
	t.mu.Lock()
	fd := t.fd
	t.mu.Unlock()
	if fd < 0 {
		return fmt.Errorf("link: ethertap %s: not open", d.Name)
	}
	_, err = unix.Write(fd, frame)
	return err
}

// isr drains every frame currently readable on the TAP fd without
// blocking, polling until nothing remains.
func (t *etherTAP) isr() {
	t.mu.Lock()
	fd := t.fd
	t.mu.Unlock()
	if fd < 0 {
		return
	}

	buf := make([]byte, ether.MaxFrame)
	for {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			return
		}
		rn, err := unix.Read(fd, buf)
		if err != nil || rn <= 0 {
			if err == unix.EINTR {
				continue
			}
			return
		}
		ether.InputHelper(t.dev, buf[:rn])
	}
}

func (t *etherTAP) readHWAddr(d *device.Device) error {
	soc, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("link: socket: %w", err)
	}
	defer unix.Close(soc)

	ifr := newIfreq(t.name, 0)
	if err := ioctlIfreq(soc, unix.SIOCGIFHWADDR, ifr); err != nil {
		return fmt.Errorf("link: SIOCGIFHWADDR %s: %w", t.name, err)
	}
	copy(d.Addr[:ether.AddrLen], ifr.hwAddr())
	return nil
}

// ifreq mirrors struct ifreq's name+flags/hwaddr union layout closely
// enough for TUNSETIFF and SIOCGIFHWADDR.
type ifreq struct {
	name  [unix.IFNAMSIZ]byte
	union [24]byte
}

func newIfreq(name string, flags int16) *ifreq {
	r := &ifreq{}
	copy(r.name[:], name)
	r.union[0] = byte(flags)
	r.union[1] = byte(flags >> 8)
	return r
}

func (r *ifreq) hwAddr() []byte {
	// sockaddr.sa_family (2 bytes) followed by 6 bytes of address data.
	return r.union[2:8]
}

func ioctlIfreq(fd int, req uint, ifr *ifreq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(ifr)))
	if errno != 0 {
		return errno
	}
	return nil
}
