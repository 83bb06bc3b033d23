package wire

import (
	"encoding/binary"
	"errors"
)

// MaxFrameLength bounds the declared length of a single frame. A piece
// message carrying a full block is far below it.
const MaxFrameLength = 1 << 20

var (
	ErrIncomplete    = errors.New("incomplete frame")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Split cuts the first complete frame out of an accumulation of stream
// bytes. It returns the frame and the number of bytes it occupies, or
// ErrIncomplete when more bytes are needed; nothing is consumed in that case.
func Split(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if length > MaxFrameLength {
		return nil, 0, ErrFrameTooLarge
	}
	n := 4 + int(length)
	if len(buf) < n {
		return nil, 0, ErrIncomplete
	}
	return buf[:n], n, nil
}
