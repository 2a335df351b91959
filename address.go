package socket

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Address is an immutable endpoint, an IP address and a port. The zero
// Address is not valid and stands for "no address".
type Address struct {
	ap netip.AddrPort
}

// NewAddress returns the address of ip and port. IPv4-mapped IPv6
// addresses are stored as IPv4.
func NewAddress(ip netip.Addr, port uint16) Address {
	return Address{ap: netip.AddrPortFrom(ip.Unmap(), port)}
}

// AddressFrom converts a netip.AddrPort.
func AddressFrom(ap netip.AddrPort) Address {
	return NewAddress(ap.Addr(), ap.Port())
}

// ParseAddress parses "host:port" where host is a literal IPv4 or IPv6
// address, e.g. "127.0.0.1:9000" or "[::1]:9000". An empty host means the
// IPv4 unspecified address.
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: %w", err)
	}

	if len(host) == 0 {
		host = "0.0.0.0"
	}

	ap, err := netip.ParseAddrPort(net.JoinHostPort(host, port))
	if err != nil {
		return Address{}, fmt.Errorf("address: %w", err)
	}

	return AddressFrom(ap), nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}

	return a
}

// AddressFromNetAddr converts a *net.UDPAddr or *net.TCPAddr. Other
// addresses are parsed from their string representation.
func AddressFromNetAddr(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return AddressFrom(a.AddrPort()), nil
	case *net.TCPAddr:
		return AddressFrom(a.AddrPort()), nil
	case nil:
		return Address{}, fmt.Errorf("address: nil address")
	}

	return ParseAddress(addr.String())
}

// IsValid reports whether the address is set.
func (a Address) IsValid() bool {
	return a.ap.IsValid()
}

// IP returns the IP address.
func (a Address) IP() netip.Addr {
	return a.ap.Addr()
}

// Port returns the port.
func (a Address) Port() uint16 {
	return a.ap.Port()
}

// AddrPort returns the address as netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort {
	return a.ap
}

// Is4 reports whether the address is an IPv4 address.
func (a Address) Is4() bool {
	return a.ap.Addr().Is4()
}

// UDPAddr returns the address as *net.UDPAddr.
func (a Address) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.ap)
}

// Equal reports whether a and b denote the same endpoint.
func (a Address) Equal(b Address) bool {
	return a.ap == b.ap
}

// String returns "host:port", or "<nil>" for the zero Address.
func (a Address) String() string {
	if !a.ap.IsValid() {
		return "<nil>"
	}

	return a.ap.String()
}

// MarshalBinary encodes the address as one byte family (4 or 6), the 4 or
// 16 address bytes and the port in network byte order.
func (a Address) MarshalBinary() ([]byte, error) {
	if !a.ap.IsValid() {
		return nil, fmt.Errorf("address: marshal of invalid address")
	}

	ip := a.ap.Addr()

	var b []byte
	if ip.Is4() {
		b = make([]byte, 0, 1+4+2)
		b = append(b, 4)
	} else {
		b = make([]byte, 0, 1+16+2)
		b = append(b, 6)
	}

	b = append(b, ip.AsSlice()...)
	b = binary.BigEndian.AppendUint16(b, a.ap.Port())

	return b, nil
}

// UnmarshalBinary decodes the format written by MarshalBinary.
func (a *Address) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("address: empty data")
	}

	var size int

	switch data[0] {
	case 4:
		size = 4
	case 6:
		size = 16
	default:
		return fmt.Errorf("address: unknown family %d", data[0])
	}

	if len(data) != 1+size+2 {
		return fmt.Errorf("address: invalid length %d for family %d", len(data), data[0])
	}

	ip, ok := netip.AddrFromSlice(data[1 : 1+size])
	if !ok {
		return fmt.Errorf("address: invalid IP")
	}

	port := binary.BigEndian.Uint16(data[1+size:])

	*a = Address{ap: netip.AddrPortFrom(ip, port)}

	return nil
}
