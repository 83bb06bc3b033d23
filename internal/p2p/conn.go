package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/WendelHime/gopeerwire/internal/piece"
	"github.com/WendelHime/gopeerwire/internal/wire"
)

const readChunk = 32 * 1024

func (p *Peer) connection() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != Active {
		return nil
	}
	return p.conn
}

// ReadLoop reads frames off the connection until it fails or ctx is
// cancelled. Partial frames stay buffered until the rest arrives; a frame
// that does not decode is logged and skipped.
func (p *Peer) ReadLoop(ctx context.Context) error {
	conn := p.connection()
	if conn == nil {
		return ErrNotActive
	}
	stop := context.AfterFunc(ctx, p.terminate)
	defer stop()

	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var consumeErr error
			buf, consumeErr = p.consume(buf)
			if consumeErr != nil {
				p.log.Warn("dropping peer", slog.Any("error", consumeErr))
				p.terminate()
				return consumeErr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.terminate()
			return fmt.Errorf("read from %s: %w", p.Key(), err)
		}
	}
}

// consume dispatches every complete frame in buf and returns the unparsed
// tail moved to the front of the buffer.
func (p *Peer) consume(buf []byte) ([]byte, error) {
	off := 0
	for {
		frame, n, err := wire.Split(buf[off:])
		if errors.Is(err, wire.ErrIncomplete) {
			break
		}
		if err != nil {
			return buf, err
		}
		off += n

		msg, err := wire.Decode(frame)
		if err != nil {
			p.log.Warn("failed to decode message", slog.Any("error", err))
			continue
		}
		p.touch()
		p.handle(msg)
	}
	return append(buf[:0], buf[off:]...), nil
}

func (p *Peer) handle(msg wire.Message) {
	switch m := msg.(type) {
	case wire.Handshake:
		p.mu.Lock()
		p.handshaked = true
		if m.PeerID != [20]byte{} {
			p.remoteID = string(m.PeerID[:])
		}
		p.mu.Unlock()
		p.touch()
	case wire.KeepAlive:
	case wire.Interested:
		p.mu.Lock()
		p.state.PeerInterested = true
		unchoke := p.state.AmChoking
		p.state.AmChoking = false
		p.mu.Unlock()
		if unchoke {
			p.send(wire.UnChoke{})
		}
	case wire.NotInterested:
		p.mu.Lock()
		p.state.PeerInterested = false
		p.mu.Unlock()
	case wire.Choke:
		p.mu.Lock()
		p.state.PeerChoking = true
		p.timeout = p.clock().Add(p.opts.ChokeGrace)
		p.mu.Unlock()
	case wire.UnChoke:
		p.mu.Lock()
		p.state.PeerChoking = false
		p.mu.Unlock()
		p.sched.EnqueueReady(p)
	case wire.BitField:
		for _, i := range m.Pieces(p.pieces.NumPieces()) {
			p.have.Add(i)
		}
		p.announceInterest()
	case wire.Have:
		if int64(m.Index) < int64(p.pieces.NumPieces()) {
			p.have.Add(int(m.Index))
		}
		p.announceInterest()
	case wire.Request:
		p.mu.Lock()
		willing := p.state.PeerInterested && !p.state.AmChoking
		p.mu.Unlock()
		if willing {
			p.sched.EnqueueRequest(p, piece.Request{Index: int(m.Index), Begin: int(m.Begin), Length: int(m.Length)})
		}
	case wire.Piece:
		p.pieces.ReceiveBlock(int(m.Index), int(m.Begin), m.Block)
	case wire.Cancel:
		p.sched.Cancel(p, piece.Request{Index: int(m.Index), Begin: int(m.Begin), Length: int(m.Length)})
	case wire.Port:
	default:
		p.log.Warn("unhandled message", slog.String("type", fmt.Sprintf("%T", msg)))
	}
}

// announceInterest tells a choking peer we want its pieces, once, while we
// are still downloading.
func (p *Peer) announceInterest() {
	if p.pieces.IsComplete() {
		return
	}
	p.mu.Lock()
	send := p.state.PeerChoking && !p.state.AmInterested
	if send {
		p.state.AmInterested = true
	}
	p.mu.Unlock()
	if send {
		p.send(wire.Interested{})
	}
}

// Send writes one message. A write failure terminates the peer.
func (p *Peer) Send(msg wire.Message) error {
	conn := p.connection()
	if conn == nil {
		return ErrNotActive
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	conn.SetWriteDeadline(p.clock().Add(p.opts.WriteTimeout))
	if _, err := conn.Write(msg.Bytes()); err != nil {
		p.terminate()
		return fmt.Errorf("send %T to %s: %w", msg, p.Key(), err)
	}
	return nil
}

func (p *Peer) send(msg wire.Message) {
	if err := p.Send(msg); err != nil {
		p.log.Warn("failed to send message", slog.Any("error", err))
	}
}

func (p *Peer) SendRequest(r piece.Request) error {
	return p.Send(wire.Request{Index: uint32(r.Index), Begin: uint32(r.Begin), Length: uint32(r.Length)})
}

func (p *Peer) SendPiece(index, begin int, block []byte) error {
	return p.Send(wire.Piece{Index: uint32(index), Begin: uint32(begin), Block: block})
}

func (p *Peer) SendHave(index int) error {
	return p.Send(wire.Have{Index: uint32(index)})
}

func (p *Peer) SendKeepAlive() error {
	return p.Send(wire.KeepAlive{})
}
