package wire

import (
	"bytes"
	"errors"
)

const (
	Protocol        = "BitTorrent protocol"
	HandshakeLength = 49 + len(Protocol)
)

var ErrInvalidHandshake = errors.New("invalid handshake")

type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) Bytes() []byte {
	buf := make([]byte, 1, HandshakeLength)
	buf[0] = byte(len(Protocol))
	buf = append(buf, Protocol...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength || int(buf[0]) != len(Protocol) {
		return Handshake{}, ErrInvalidHandshake
	}
	if !bytes.Equal(buf[1:20], []byte(Protocol)) {
		return Handshake{}, ErrInvalidHandshake
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
