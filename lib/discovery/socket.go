// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// DefaultAddress is the multicast group and port pulses use.
const DefaultAddress = "239.255.3.2:6142"

// DefaultTTL keeps pulses inside the local network.
const DefaultTTL = 32

// groupSocket is a UDP socket joined to a multicast group.
type groupSocket struct {
	conn   net.PacketConn
	packet *ipv4.PacketConn
	group  *net.UDPAddr
}

// openGroup binds the group port with address reuse, so several agents
// and clients on one host can share it, and joins the group on the
// named interface (the system default when empty).
func openGroup(ctx context.Context, address, interfaceName string, ttl int) (*groupSocket, error) {
	group, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolving %s: %w", address, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("discovery: %s is not a multicast address", group.IP)
	}
	var ifi *net.Interface
	if interfaceName != "" {
		ifi, err = net.InterfaceByName(interfaceName)
		if err != nil {
			return nil, fmt.Errorf("discovery: interface %q: %w", interfaceName, err)
		}
	}

	config := net.ListenConfig{Control: reuseAddress}
	conn, err := config.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return nil, fmt.Errorf("discovery: binding port %d: %w", group.Port, err)
	}
	packet := ipv4.NewPacketConn(conn)
	if err := packet.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: joining %s: %w", group.IP, err)
	}
	if ifi != nil {
		if err := packet.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("discovery: selecting interface %s: %w", ifi.Name, err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := packet.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: setting ttl: %w", err)
	}
	if err := packet.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: enabling loopback: %w", err)
	}
	return &groupSocket{conn: conn, packet: packet, group: group}, nil
}

func reuseAddress(_, _ string, raw syscall.RawConn) error {
	var sockErr error
	err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return os.NewSyscallError("setsockopt", sockErr)
}

func (s *groupSocket) send(payload []byte) error {
	_, err := s.packet.WriteTo(payload, nil, s.group)
	return err
}

func (s *groupSocket) receive(buffer []byte) (int, net.IP, error) {
	n, _, source, err := s.packet.ReadFrom(buffer)
	if err != nil {
		return 0, nil, err
	}
	var ip net.IP
	if udp, ok := source.(*net.UDPAddr); ok {
		ip = udp.IP
	}
	return n, ip, nil
}

func (s *groupSocket) close() error {
	s.packet.LeaveGroup(nil, &net.UDPAddr{IP: s.group.IP})
	return s.conn.Close()
}

// isLocalAddress reports whether host is a loopback address or one
// assigned to an interface of this machine.
func isLocalAddress(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return false
		}
		ip = addrs[0]
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if network, ok := addr.(*net.IPNet); ok && network.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// localHosts lists the host name and interface addresses of this
// machine, skipping link-local, multicast and Teredo addresses.
func localHosts() []string {
	var hosts []string
	if name, err := os.Hostname(); err == nil && name != "" {
		hosts = append(hosts, name)
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			network, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := network.IP
			if ip.IsLinkLocalUnicast() || ip.IsMulticast() || isTeredo(ip.String()) {
				continue
			}
			hosts = append(hosts, ip.String())
		}
	}
	return hosts
}
