package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/WendelHime/gopeerwire/internal/decoder"
	"github.com/WendelHime/gopeerwire/internal/piece"
	"github.com/WendelHime/gopeerwire/internal/shared/models"
	"github.com/WendelHime/gopeerwire/internal/wire"
	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrConnect          = errors.New("failed to connect to peer")
	ErrHandshake        = errors.New("handshake failed")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrNotActive        = errors.New("peer is not active")
)

// PieceStore is the local piece state a connection reads from and feeds.
type PieceStore interface {
	ReceiveBlock(index, begin int, data []byte)
	IsComplete() bool
	Bitfield() []bool
	NumPieces() int
}

// Scheduler receives the signals a connection raises for the download and
// upload loops.
type Scheduler interface {
	EnqueueReady(p *Peer)
	EnqueueRequest(p *Peer, r piece.Request)
	Cancel(p *Peer, r piece.Request)
}

type Peer struct {
	addr     models.Addr
	infoHash [20]byte
	localID  [20]byte
	opts     Options
	pieces   PieceStore
	sched    Scheduler
	log      *slog.Logger
	clock    func() time.Time

	mu         sync.Mutex
	conn       net.Conn
	phase      Phase
	state      State
	handshaked bool
	remoteID   string
	timeout    time.Time
	retries    int

	have    mapset.Set[int]
	writeMu sync.Mutex
}

func NewPeer(candidate models.Peer, infoHash, localID [20]byte, opts Options, pieces PieceStore, sched Scheduler, logger *slog.Logger) *Peer {
	return &Peer{
		addr:     candidate.Addr,
		remoteID: candidate.PeerID,
		infoHash: infoHash,
		localID:  localID,
		opts:     opts,
		pieces:   pieces,
		sched:    sched,
		log:      logger.With(slog.String("peer", candidate.Addr.String())),
		clock:    time.Now,
		phase:    Connecting,
		state:    DefaultState(),
		have:     mapset.NewSet[int](),
	}
}

// Accept completes the handshake of an inbound connection. The remote side
// speaks first; we answer only when it asks for our torrent.
func Accept(conn net.Conn, infoHash, localID [20]byte, opts Options, pieces PieceStore, sched Scheduler, logger *slog.Logger) (*Peer, error) {
	addr, err := models.AddrFromNet(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := NewPeer(models.Peer{Addr: addr}, infoHash, localID, opts, pieces, sched, logger)
	p.setPhase(Handshaking)

	conn.SetDeadline(p.clock().Add(opts.HandshakeTimeout))
	remote, err := p.readHandshake(conn)
	if err == nil {
		_, err = conn.Write(wire.Handshake{InfoHash: infoHash, PeerID: localID}.Bytes())
	}
	if err != nil {
		conn.Close()
		p.terminate()
		return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, p.Key(), err)
	}
	conn.SetDeadline(time.Time{})

	p.activate(conn, remote)
	return p, nil
}

// Connect dials the peer and runs the handshake. A failed dial terminates
// the peer at once; a failed handshake is retried on a fresh connection up
// to HandshakeRetries times.
func (p *Peer) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		p.setPhase(Connecting)
		dialer := net.Dialer{Timeout: p.opts.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", p.addr.String())
		if err != nil {
			p.terminate()
			return fmt.Errorf("%w: %s: %w", ErrConnect, p.Key(), err)
		}

		p.setPhase(Handshaking)
		remote, err := p.handshake(conn)
		if err == nil {
			p.activate(conn, remote)
			return nil
		}
		conn.Close()

		p.mu.Lock()
		p.retries = attempt
		p.mu.Unlock()
		p.log.Warn("handshake failed", slog.Int("attempt", attempt), slog.Any("error", err))

		if attempt >= p.opts.HandshakeRetries {
			p.terminate()
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrHandshake, p.Key(), attempt, err)
		}

		select {
		case <-ctx.Done():
			p.terminate()
			return ctx.Err()
		case <-time.After(p.opts.RetryBackoff):
		}
	}
}

func (p *Peer) handshake(conn net.Conn) (wire.Handshake, error) {
	conn.SetDeadline(p.clock().Add(p.opts.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	_, err := conn.Write(wire.Handshake{InfoHash: p.infoHash, PeerID: p.localID}.Bytes())
	if err != nil {
		return wire.Handshake{}, err
	}
	return p.readHandshake(conn)
}

func (p *Peer) readHandshake(conn net.Conn) (wire.Handshake, error) {
	resp, err := decoder.ReadBytes(conn, wire.HandshakeLength)
	if err != nil {
		return wire.Handshake{}, err
	}
	h, err := wire.ParseHandshake(resp)
	if err != nil {
		return wire.Handshake{}, err
	}
	if !bytes.Equal(h.InfoHash[:], p.infoHash[:]) {
		return wire.Handshake{}, ErrInfoHashMismatch
	}
	return h, nil
}

// activate moves a handshaked connection to the active phase and
// advertises the pieces we already hold.
func (p *Peer) activate(conn net.Conn, remote wire.Handshake) {
	p.mu.Lock()
	p.conn = conn
	p.phase = Active
	p.mu.Unlock()
	p.handle(remote)

	p.log.Info("peer connected", slog.String("peer_id", p.PeerID()))

	have := p.pieces.Bitfield()
	for _, ok := range have {
		if ok {
			if err := p.Send(wire.NewBitField(have)); err != nil {
				p.log.Warn("failed to send bitfield", slog.Any("error", err))
			}
			break
		}
	}
}

func (p *Peer) setPhase(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != Terminated {
		p.phase = phase
	}
}

// terminate is the permanent failure state: the peer never becomes healthy
// again and its socket is closed.
func (p *Peer) terminate() {
	p.mu.Lock()
	conn := p.conn
	p.phase = Terminated
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (p *Peer) Close() error {
	p.terminate()
	return nil
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.timeout = p.clock()
	p.mu.Unlock()
}

// Key identifies the peer by address.
func (p *Peer) Key() string {
	return p.addr.String()
}

func (p *Peer) Addr() models.Addr {
	return p.addr
}

func (p *Peer) PeerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

func (p *Peer) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Handshaked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshaked
}

func (p *Peer) HasPiece(index int) bool {
	return p.have.Contains(index)
}

// HavePieces lists the advertised pieces in ascending order.
func (p *Peer) HavePieces() []int {
	pieces := p.have.ToSlice()
	sort.Ints(pieces)
	return pieces
}

// NotTimeout reports whether the liveness deadline has been reached.
// Terminated peers never reach it.
func (p *Peer) NotTimeout() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == Terminated {
		return false
	}
	return !p.clock().Before(p.timeout)
}

// IsResponsive reports whether the deadline lies within the responsive
// window of now.
func (p *Peer) IsResponsive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == Terminated {
		return false
	}
	return p.clock().Sub(p.timeout) <= p.opts.ResponsiveWindow
}

func (p *Peer) IsHealthy() bool {
	return p.NotTimeout() && p.IsResponsive()
}

func (p *Peer) Status() Status {
	healthy := p.IsHealthy()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Addr:       p.addr.String(),
		PeerID:     p.remoteID,
		Phase:      p.phase,
		State:      p.state,
		Healthy:    healthy,
		HavePieces: p.have.Cardinality(),
		Retries:    p.retries,
	}
}
