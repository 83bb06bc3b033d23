package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

// ReadFromBytes decodes a compact 6-byte peer entry (4-byte IPv4, 2-byte port).
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// AddrFromNet converts a TCP remote address into an Addr.
func AddrFromNet(addr net.Addr) (Addr, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return Addr{}, ErrInvalidAddr
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Addr{}, ErrInvalidAddr
		}
		return Addr{IP: net.ParseIP(host), Port: uint16(p)}, nil
	}
	return Addr{IP: tcp.IP, Port: uint16(tcp.Port)}, nil
}
