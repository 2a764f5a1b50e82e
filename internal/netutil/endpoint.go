// Package netutil implements the endpoint and socket abstraction (C3):
// endpoint value types, equality, sockaddr <-> endpoint conversion, and
// interface-index lookup.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
)

// Family identifies the IP address family of an Endpoint.
type Family uint8

const (
	// FamilyV4 is an IPv4 endpoint.
	FamilyV4 Family = iota
	// FamilyV6 is an IPv6 endpoint.
	FamilyV6
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "unknown"
	}
}

// Endpoint is a value type describing one side of a connection: its
// address family, transport flags, and address. Two endpoints compare
// equal by value; Endpoint never embeds a pointer, so equality never
// follows indirection.
type Endpoint struct {
	Family Family

	// Secured indicates traffic on this endpoint is (D)TLS protected.
	Secured bool

	// TCP indicates this is a TCP/TLS endpoint; false means UDP/DTLS.
	TCP bool

	// Accepted indicates the endpoint arose from an inbound accept()
	// rather than an outbound connect(); accepted endpoints cannot be
	// re-dialed.
	Accepted bool

	Addr netip.Addr
	Port uint16

	// Scope is the IPv6 zone index (link-local scope id), 0 if not
	// applicable.
	Scope uint32

	// DeviceIndex identifies the logical device this endpoint belongs
	// to, for per-device shutdown and session-count queries.
	DeviceIndex uint32

	// PeerUUID is the peer identity extracted from its certificate
	// Common Name (C5) or PSK identity, once known. Empty until the
	// handshake resolves it.
	PeerUUID string
}

// Key is the comparable identity of an Endpoint: the tuple (family,
// addr, port, scope, device). PeerUUID, Secured, TCP, and Accepted are
// not part of identity -- two sessions to the same (addr, port) on the
// same device are the same session regardless of how they were
// established.
type Key struct {
	Family Family
	Addr   netip.Addr
	Port   uint16
	Scope  uint32
	Device uint32
}

// Key returns the comparable identity of this endpoint.
func (e Endpoint) Key() Key {
	return Key{
		Family: e.Family,
		Addr:   e.Addr,
		Port:   e.Port,
		Scope:  e.Scope,
		Device: e.DeviceIndex,
	}
}

// Equal reports whether two endpoints share the same identity tuple.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Key() == other.Key()
}

// String returns a human-readable endpoint description.
func (e Endpoint) String() string {
	proto := "udp"
	if e.TCP {
		proto = "tcp"
	}
	if e.Secured {
		proto = proto + "s"
	}
	return fmt.Sprintf("%s://%s", proto, net.JoinHostPort(e.Addr.String(), fmt.Sprint(e.Port)))
}

// FromAddrPort builds an Endpoint from a netip.AddrPort plus the flags
// the caller already knows (tcp/secured/accepted/device).
func FromAddrPort(ap netip.AddrPort, tcp, secured, accepted bool, device uint32) Endpoint {
	family := FamilyV4
	if ap.Addr().Is6() && !ap.Addr().Is4In6() {
		family = FamilyV6
	}
	return Endpoint{
		Family:      family,
		Secured:     secured,
		TCP:         tcp,
		Accepted:    accepted,
		Addr:        ap.Addr(),
		Port:        ap.Port(),
		Scope:       scopeID(ap.Addr()),
		DeviceIndex: device,
	}
}

// FromTCPAddr builds an Endpoint from a resolved *net.TCPAddr.
func FromTCPAddr(addr *net.TCPAddr, secured, accepted bool, device uint32) (Endpoint, error) {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return Endpoint{}, fmt.Errorf("netutil: invalid IP in %v", addr)
	}
	ip = ip.Unmap()
	return FromAddrPort(netip.AddrPortFrom(ip, uint16(addr.Port)), true, secured, accepted, device), nil
}

// TCPAddr converts the endpoint back to a *net.TCPAddr for dialing.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.Addr.AsSlice(), Port: int(e.Port), Zone: scopeName(e.Scope)}
}

func scopeID(addr netip.Addr) uint32 {
	if addr.Zone() == "" {
		return 0
	}
	if iface, err := net.InterfaceByName(addr.Zone()); err == nil {
		return uint32(iface.Index)
	}
	return 0
}

func scopeName(scope uint32) string {
	if scope == 0 {
		return ""
	}
	if iface, err := net.InterfaceByIndex(int(scope)); err == nil {
		return iface.Name
	}
	return ""
}

// InterfaceIndex resolves a named network interface to its OS index,
// returning 0 if the interface cannot be found.
func InterfaceIndex(name string) uint32 {
	if name == "" {
		return 0
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0
	}
	return uint32(iface.Index)
}
