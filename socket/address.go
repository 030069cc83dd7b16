// Package socket implements the POSIX-like Socket facade and the
// tagged Address variant described in spec.md §6 and REDESIGN FLAGS,
// grounded on the original tihi::Address/IPv4Address/IPv6Address/
// UnixAddress/UnknownAddress hierarchy (address.h/.cc), replaced here
// with a single tagged struct per the "deep virtual hierarchy" redesign
// decision rather than a Go interface hierarchy mirroring the C++ one.
package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Family identifies which variant of Address is populated.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
	FamilyUnix
)

// Address is a tagged union over the four address shapes the original
// modelled as a virtual class hierarchy.
type Address struct {
	Family Family
	IP     net.IP // FamilyIPv4 / FamilyIPv6
	Port   uint16 // FamilyIPv4 / FamilyIPv6
	Path   string // FamilyUnix
}

// String renders the address the way the original's Address::toString
// methods do: "ip:port" for IPv4/IPv6, the raw path for Unix.
func (a Address) String() string {
	switch a.Family {
	case FamilyIPv4, FamilyIPv6:
		return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
	case FamilyUnix:
		return a.Path
	default:
		return "<unknown address>"
	}
}

// NewIPv4 builds an IPv4 Address.
func NewIPv4(ip net.IP, port uint16) Address {
	return Address{Family: FamilyIPv4, IP: ip.To4(), Port: port}
}

// NewIPv6 builds an IPv6 Address.
func NewIPv6(ip net.IP, port uint16) Address {
	return Address{Family: FamilyIPv6, IP: ip.To16(), Port: port}
}

// NewUnix builds a Unix domain socket Address.
func NewUnix(path string) Address {
	return Address{Family: FamilyUnix, Path: path}
}

// ResolveTCP parses "host:port" into an IPv4 or IPv6 Address, the
// original's Address::LookupAny restricted to the TCP case this runtime
// actually exercises.
func ResolveTCP(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, err
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return Address{}, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Address{}, fmt.Errorf("socket: bad port %q: %w", portStr, err)
	}
	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return NewIPv4(v4, uint16(port)), nil
		}
	}
	return NewIPv6(addrs[0], uint16(port)), nil
}

// toSockaddr converts an Address into the unix.Sockaddr the raw syscall
// layer (package hook) expects.
func (a Address) toSockaddr() (unix.Sockaddr, error) {
	switch a.Family {
	case FamilyIPv4:
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], a.IP.To4())
		sa.Port = int(a.Port)
		return &sa, nil
	case FamilyIPv6:
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], a.IP.To16())
		sa.Port = int(a.Port)
		return &sa, nil
	case FamilyUnix:
		return &unix.SockaddrUnix{Name: a.Path}, nil
	default:
		return nil, fmt.Errorf("socket: cannot convert %s address to sockaddr", familyName(a.Family))
	}
}

// fromSockaddr converts a syscall-layer unix.Sockaddr back into an
// Address, the reverse of toSockaddr, used after accept/getsockname.
func fromSockaddr(sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return NewIPv4(ip, uint16(v.Port))
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return NewIPv6(ip, uint16(v.Port))
	case *unix.SockaddrUnix:
		return NewUnix(v.Name)
	default:
		return Address{Family: FamilyUnknown}
	}
}

func familyName(f Family) string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	case FamilyUnix:
		return "Unix"
	default:
		return "unknown"
	}
}

func domainFor(f Family) int {
	switch f {
	case FamilyIPv4:
		return unix.AF_INET
	case FamilyIPv6:
		return unix.AF_INET6
	case FamilyUnix:
		return unix.AF_UNIX
	default:
		return unix.AF_UNSPEC
	}
}
