package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
	MessageIDPort
)

func (id MessageID) String() string {
	switch id {
	case MessageIDChoke:
		return "choke"
	case MessageIDUnchoke:
		return "unchoke"
	case MessageIDInterested:
		return "interested"
	case MessageIDNotInterested:
		return "not_interested"
	case MessageIDHave:
		return "have"
	case MessageIDBitfield:
		return "bitfield"
	case MessageIDRequest:
		return "request"
	case MessageIDPiece:
		return "piece"
	case MessageIDCancel:
		return "cancel"
	case MessageIDPort:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

var (
	ErrWrongMessage       = errors.New("wrong message")
	ErrUnsupportedMessage = errors.New("unsupported message type")
	ErrCannotParse        = errors.New("cannot parse message")
)

// DecodeError reports a frame whose id or declared length is not valid.
type DecodeError struct {
	ID     MessageID
	Length uint32
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s message with length %d: %v", e.ID, e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Message is any framed peer wire message. Bytes returns the full frame,
// length prefix included.
type Message interface {
	Bytes() []byte
}

type (
	KeepAlive     struct{}
	Choke         struct{}
	UnChoke       struct{}
	Interested    struct{}
	NotInterested struct{}
)

type Have struct {
	Index uint32
}

// BitField holds the raw bitfield payload, high bit first within each byte.
type BitField struct {
	Bits []byte
}

type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type Cancel struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type Piece struct {
	Index uint32
	Begin uint32
	Block []byte
}

type Port struct {
	Port uint32
}

func (KeepAlive) Bytes() []byte     { return make([]byte, 4) }
func (Choke) Bytes() []byte         { return frame(MessageIDChoke, nil) }
func (UnChoke) Bytes() []byte       { return frame(MessageIDUnchoke, nil) }
func (Interested) Bytes() []byte    { return frame(MessageIDInterested, nil) }
func (NotInterested) Bytes() []byte { return frame(MessageIDNotInterested, nil) }

func (h Have) Bytes() []byte {
	return frame(MessageIDHave, binary.BigEndian.AppendUint32(nil, h.Index))
}

func (b BitField) Bytes() []byte {
	return frame(MessageIDBitfield, b.Bits)
}

func (r Request) Bytes() []byte {
	return frame(MessageIDRequest, triple(r.Index, r.Begin, r.Length))
}

func (c Cancel) Bytes() []byte {
	return frame(MessageIDCancel, triple(c.Index, c.Begin, c.Length))
}

func (p Piece) Bytes() []byte {
	payload := make([]byte, 8, 8+len(p.Block))
	binary.BigEndian.PutUint32(payload, p.Index)
	binary.BigEndian.PutUint32(payload[4:], p.Begin)
	return frame(MessageIDPiece, append(payload, p.Block...))
}

func (p Port) Bytes() []byte {
	return frame(MessageIDPort, binary.BigEndian.AppendUint32(nil, p.Port))
}

func frame(id MessageID, payload []byte) []byte {
	buf := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	buf[4] = byte(id)
	return append(buf, payload...)
}

func triple(a, b, c uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf, a)
	binary.BigEndian.PutUint32(buf[4:], b)
	binary.BigEndian.PutUint32(buf[8:], c)
	return buf
}

func Encode(m Message) []byte {
	return m.Bytes()
}

// fixed lengths (id byte included) for messages that have one.
var fixedLength = map[MessageID]uint32{
	MessageIDChoke:         1,
	MessageIDUnchoke:       1,
	MessageIDInterested:    1,
	MessageIDNotInterested: 1,
	MessageIDHave:          5,
	MessageIDRequest:       13,
	MessageIDCancel:        13,
}

// Decode parses one complete frame. Buffers that do not hold a whole frame
// are reported with ErrCannotParse; the caller is expected to use Split to
// cut frames from a stream first.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return nil, ErrCannotParse
	}
	length := binary.BigEndian.Uint32(buf)
	if length == 0 {
		return KeepAlive{}, nil
	}
	if len(buf) < 5 || uint64(len(buf)) < 4+uint64(length) {
		return nil, ErrCannotParse
	}

	id := MessageID(buf[4])
	payload := buf[5 : 4+length]

	if want, ok := fixedLength[id]; ok && length != want {
		return nil, &DecodeError{ID: id, Length: length, Err: ErrWrongMessage}
	}

	switch id {
	case MessageIDChoke:
		return Choke{}, nil
	case MessageIDUnchoke:
		return UnChoke{}, nil
	case MessageIDInterested:
		return Interested{}, nil
	case MessageIDNotInterested:
		return NotInterested{}, nil
	case MessageIDHave:
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case MessageIDBitfield:
		return BitField{Bits: append([]byte(nil), payload...)}, nil
	case MessageIDRequest:
		return Request{
			Index:  binary.BigEndian.Uint32(payload),
			Begin:  binary.BigEndian.Uint32(payload[4:]),
			Length: binary.BigEndian.Uint32(payload[8:]),
		}, nil
	case MessageIDCancel:
		return Cancel{
			Index:  binary.BigEndian.Uint32(payload),
			Begin:  binary.BigEndian.Uint32(payload[4:]),
			Length: binary.BigEndian.Uint32(payload[8:]),
		}, nil
	case MessageIDPiece:
		if length < 9 {
			return nil, &DecodeError{ID: id, Length: length, Err: ErrWrongMessage}
		}
		return Piece{
			Index: binary.BigEndian.Uint32(payload),
			Begin: binary.BigEndian.Uint32(payload[4:]),
			Block: append(make([]byte, 0, len(payload)-8), payload[8:]...),
		}, nil
	case MessageIDPort:
		// some clients send the 2-byte DHT port from BEP-5
		switch length {
		case 5:
			return Port{Port: binary.BigEndian.Uint32(payload)}, nil
		case 3:
			return Port{Port: uint32(binary.BigEndian.Uint16(payload))}, nil
		default:
			return nil, &DecodeError{ID: id, Length: length, Err: ErrWrongMessage}
		}
	default:
		return nil, &DecodeError{ID: id, Length: length, Err: ErrUnsupportedMessage}
	}
}

// NewBitField packs one bit per piece, high bit first, zero padded.
func NewBitField(have []bool) BitField {
	bits := make([]byte, (len(have)+7)/8)
	for i, ok := range have {
		if ok {
			bits[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return BitField{Bits: bits}
}

func (b BitField) Has(index int) bool {
	if index < 0 || index/8 >= len(b.Bits) {
		return false
	}
	return b.Bits[index/8]>>(7-uint(index%8))&1 == 1
}

// Pieces lists the set indices below n. Padding bits and indices past the
// torrent's piece count are ignored.
func (b BitField) Pieces(n int) []int {
	pieces := make([]int, 0)
	for i := 0; i < n && i/8 < len(b.Bits); i++ {
		if b.Has(i) {
			pieces = append(pieces, i)
		}
	}
	return pieces
}
