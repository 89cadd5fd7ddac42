package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	parser "github.com/agaabrieel/swarmclient/pkg/parser"
)

const CompactAddrSize = 6

// Addr is one peer reported by a tracker. Host is kept as the tracker sent it;
// it is only resolved when a connection is made.
type Addr struct {
	ID   []byte
	Host string
	Port uint16
}

func (addr Addr) Network() string {
	return "tcp"
}

func (addr Addr) String() string {
	return net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port)))
}

// IP returns the parsed host, or nil if the host is not an address literal.
func (addr Addr) IP() net.IP {
	return net.ParseIP(addr.Host)
}

// ParseCompact unpacks 6-byte records of a 4-byte IPv4 address followed by a
// big-endian port.
func ParseCompact(b []byte) ([]Addr, error) {
	if len(b)%CompactAddrSize != 0 {
		return nil, fmt.Errorf("%w: compact peer list of %d bytes is not a multiple of %d", parser.ErrMalformedInput, len(b), CompactAddrSize)
	}

	addrs := make([]Addr, 0, len(b)/CompactAddrSize)
	for offset := 0; offset < len(b); offset += CompactAddrSize {
		ip := net.IPv4(b[offset], b[offset+1], b[offset+2], b[offset+3])
		addrs = append(addrs, Addr{
			Host: ip.String(),
			Port: binary.BigEndian.Uint16(b[offset+4 : offset+6]),
		})
	}
	return addrs, nil
}

// ParseList reads the dictionary form, where each element carries ip, port
// and optionally peer id.
func ParseList(list []*parser.BencodeValue) ([]Addr, error) {
	addrs := make([]Addr, 0, len(list))
	for i, peerDict := range list {
		if peerDict.ValueType != parser.BencodeDict {
			return nil, fmt.Errorf("%w: peers[%d] is a %v, expected dictionary", parser.ErrMalformedInput, i, peerDict.ValueType)
		}

		host, err := peerDict.Get("ip").GetStringValue()
		if err != nil {
			return nil, fmt.Errorf("peers[%d].ip: %w", i, err)
		}

		port, err := peerDict.Get("port").GetIntegerValue()
		if err != nil {
			return nil, fmt.Errorf("peers[%d].port: %w", i, err)
		}
		if port < 0 || port > 65535 {
			return nil, fmt.Errorf("%w: peers[%d].port %d out of range", parser.ErrMalformedInput, i, port)
		}

		addr := Addr{Host: host, Port: uint16(port)}
		if id := peerDict.Get("peer id"); id != nil {
			addr.ID, _ = id.GetBytesValue()
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Decode picks the compact or list form from the node type.
func Decode(peers *parser.BencodeValue) ([]Addr, error) {
	if peers == nil {
		return nil, fmt.Errorf("%w: no peers", parser.ErrMalformedInput)
	}
	switch peers.ValueType {
	case parser.BencodeString:
		return ParseCompact(peers.StringValue)
	case parser.BencodeList:
		return ParseList(peers.ListValue)
	default:
		return nil, fmt.Errorf("%w: peers is a %v", parser.ErrMalformedInput, peers.ValueType)
	}
}
