package p2p

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WendelHime/gopeerwire/internal/decoder"
	"github.com/WendelHime/gopeerwire/internal/piece"
	"github.com/WendelHime/gopeerwire/internal/shared/models"
	"github.com/WendelHime/gopeerwire/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testInfoHash = [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	testLocalID  = [20]byte{'-', 'G', 'T', '0', '0', '0', '1', '-'}
	testRemoteID = [20]byte{'-', 'R', 'M', '0', '0', '0', '1', '-'}
)

type block struct {
	index, begin int
	data         []byte
}

type fakeStore struct {
	mu       sync.Mutex
	received []block
	complete bool
	have     []bool
}

func (s *fakeStore) ReceiveBlock(index, begin int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, block{index: index, begin: begin, data: data})
}

func (s *fakeStore) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *fakeStore) Bitfield() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.have == nil {
		return make([]bool, 16)
	}
	return s.have
}

func (s *fakeStore) NumPieces() int {
	return 16
}

func (s *fakeStore) blocks() []block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]block(nil), s.received...)
}

type fakeScheduler struct {
	mu        sync.Mutex
	ready     []*Peer
	requests  []piece.Request
	cancelled []piece.Request
}

func (s *fakeScheduler) EnqueueReady(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, p)
}

func (s *fakeScheduler) EnqueueRequest(p *Peer, r piece.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
}

func (s *fakeScheduler) Cancel(p *Peer, r piece.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, r)
}

func (s *fakeScheduler) readyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ConnectTimeout = time.Second
	opts.HandshakeTimeout = time.Second
	opts.RetryBackoff = 10 * time.Millisecond
	return opts
}

// drain decodes every frame the peer writes to the other end of the pipe.
func drain(conn net.Conn) <-chan wire.Message {
	out := make(chan wire.Message, 16)
	go func() {
		defer close(out)
		for {
			prefix, err := decoder.ReadBytes(conn, 4)
			if err != nil {
				return
			}
			body, err := decoder.ReadBytes(conn, int(binary.BigEndian.Uint32(prefix)))
			if err != nil {
				return
			}
			msg, err := wire.Decode(append(prefix, body...))
			if err == nil {
				out <- msg
			}
		}
	}()
	return out
}

func expectMessage(t *testing.T, msgs <-chan wire.Message) wire.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message sent")
		return nil
	}
}

func expectNoMessage(t *testing.T, msgs <-chan wire.Message) {
	t.Helper()
	select {
	case msg := <-msgs:
		t.Fatalf("unexpected message %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func activePeer(t *testing.T, store *fakeStore, sched *fakeScheduler) (*Peer, net.Conn, <-chan wire.Message) {
	t.Helper()
	local, remote := net.Pipe()
	addr := models.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
	p := NewPeer(models.Peer{Addr: addr}, testInfoHash, testLocalID, testOptions(), store, sched, discardLogger())
	p.conn = local
	p.phase = Active
	p.touch()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return p, remote, drain(remote)
}

func TestHandlers(t *testing.T) {
	var tests = []struct {
		name   string
		store  func() *fakeStore
		run    func(t *testing.T, p *Peer, msgs <-chan wire.Message)
		assert func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler)
	}{
		{
			name: "interested unchokes the remote",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.Interested{})
				assert.Equal(t, wire.UnChoke{}, expectMessage(t, msgs))
				p.handle(wire.Interested{})
				expectNoMessage(t, msgs)
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.Equal(t, State{AmChoking: false, AmInterested: false, PeerChoking: true, PeerInterested: true}, p.State())
			},
		},
		{
			name: "not interested clears the flag",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.Interested{})
				expectMessage(t, msgs)
				p.handle(wire.NotInterested{})
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.False(t, p.State().PeerInterested)
				assert.False(t, p.State().AmChoking)
			},
		},
		{
			name: "unchoke marks the peer ready",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.UnChoke{})
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.False(t, p.State().PeerChoking)
				assert.Equal(t, []*Peer{p}, sched.ready)
			},
		},
		{
			name: "choke pushes the liveness deadline forward",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.UnChoke{})
				p.handle(wire.Choke{})
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.True(t, p.State().PeerChoking)
				assert.False(t, p.NotTimeout())
				assert.True(t, p.IsResponsive())
				assert.False(t, p.IsHealthy())
			},
		},
		{
			name: "bitfield records pieces and announces interest once",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.NewBitField([]bool{true, false, true}))
				assert.Equal(t, wire.Interested{}, expectMessage(t, msgs))
				p.handle(wire.Have{Index: 5})
				expectNoMessage(t, msgs)
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.Equal(t, []int{0, 2, 5}, p.HavePieces())
				assert.True(t, p.State().AmInterested)
			},
		},
		{
			name: "have outside the torrent is ignored",
			store: func() *fakeStore {
				return &fakeStore{complete: true}
			},
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.Have{Index: 16})
				p.handle(wire.Have{Index: 3})
				expectNoMessage(t, msgs)
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.Equal(t, []int{3}, p.HavePieces())
				assert.False(t, p.State().AmInterested)
			},
		},
		{
			name: "requests are queued only once we unchoked the remote",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.Request{Index: 1, Begin: 0, Length: 16384})
				p.handle(wire.Interested{})
				expectMessage(t, msgs)
				p.handle(wire.Request{Index: 2, Begin: 16384, Length: 100})
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.Equal(t, []piece.Request{{Index: 2, Begin: 16384, Length: 100}}, sched.requests)
			},
		},
		{
			name: "piece is handed to the store",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.Piece{Index: 3, Begin: 16384, Block: []byte("abc")})
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.Equal(t, []block{{index: 3, begin: 16384, data: []byte("abc")}}, store.blocks())
			},
		},
		{
			name: "cancel is recorded",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.Cancel{Index: 4, Begin: 0, Length: 16384})
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.Equal(t, []piece.Request{{Index: 4, Begin: 0, Length: 16384}}, sched.cancelled)
			},
		},
		{
			name: "keep alive and port change nothing",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.KeepAlive{})
				p.handle(wire.Port{Port: 6881})
				expectNoMessage(t, msgs)
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.Equal(t, DefaultState(), p.State())
			},
		},
		{
			name: "handshake marks the peer handshaked",
			run: func(t *testing.T, p *Peer, msgs <-chan wire.Message) {
				p.handle(wire.Handshake{InfoHash: testInfoHash, PeerID: testRemoteID})
			},
			assert: func(t *testing.T, p *Peer, store *fakeStore, sched *fakeScheduler) {
				assert.True(t, p.Handshaked())
				assert.Equal(t, string(testRemoteID[:]), p.PeerID())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			if tt.store != nil {
				store = tt.store()
			}
			sched := &fakeScheduler{}
			p, _, msgs := activePeer(t, store, sched)
			tt.run(t, p, msgs)
			tt.assert(t, p, store, sched)
		})
	}
}

func TestReadLoopFragmented(t *testing.T) {
	store := &fakeStore{complete: true}
	sched := &fakeScheduler{}
	p, remote, _ := activePeer(t, store, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.ReadLoop(ctx) }()

	stream := wire.Encode(wire.Have{Index: 7})
	stream = append(stream, wire.Encode(wire.KeepAlive{})...)
	// a malformed request is dropped without tearing the loop down
	stream = append(stream, 0, 0, 0, 3, byte(wire.MessageIDRequest), 0, 0)
	stream = append(stream, wire.Encode(wire.Piece{Index: 1, Begin: 0, Block: []byte("hello")})...)
	stream = append(stream, wire.Encode(wire.UnChoke{})...)
	for _, b := range stream {
		_, err := remote.Write([]byte{b})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sched.readyLen() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{7}, p.HavePieces())
	assert.Equal(t, []block{{index: 1, begin: 0, data: []byte("hello")}}, store.blocks())
	assert.Equal(t, Active, p.Phase())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.Equal(t, Terminated, p.Phase())
}

func TestReadLoopRemoteClose(t *testing.T) {
	p, remote, _ := activePeer(t, &fakeStore{}, &fakeScheduler{})
	done := make(chan error, 1)
	go func() { done <- p.ReadLoop(context.Background()) }()

	remote.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.Equal(t, Terminated, p.Phase())
	assert.False(t, p.IsHealthy())
	assert.ErrorIs(t, p.Send(wire.KeepAlive{}), ErrNotActive)
}

func TestLiveness(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	opts := DefaultOptions()

	var tests = []struct {
		name       string
		setup      func(p *Peer)
		notTimeout bool
		responsive bool
	}{
		{
			name:       "never heard from",
			setup:      func(p *Peer) {},
			notTimeout: true,
			responsive: false,
		},
		{
			name: "recent activity",
			setup: func(p *Peer) {
				p.timeout = now.Add(-time.Second)
			},
			notTimeout: true,
			responsive: true,
		},
		{
			name: "silent past the responsive window",
			setup: func(p *Peer) {
				p.timeout = now.Add(-opts.ResponsiveWindow - time.Second)
			},
			notTimeout: true,
			responsive: false,
		},
		{
			name: "inside choke grace",
			setup: func(p *Peer) {
				p.timeout = now.Add(opts.ChokeGrace)
			},
			notTimeout: false,
			responsive: true,
		},
		{
			name: "terminated",
			setup: func(p *Peer) {
				p.timeout = now
				p.phase = Terminated
			},
			notTimeout: false,
			responsive: false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := NewPeer(models.Peer{}, testInfoHash, testLocalID, opts, &fakeStore{}, &fakeScheduler{}, discardLogger())
			p.clock = func() time.Time { return now }
			tt.setup(p)
			assert.Equal(t, tt.notTimeout, p.NotTimeout())
			assert.Equal(t, tt.responsive, p.IsResponsive())
			assert.Equal(t, tt.notTimeout && tt.responsive, p.IsHealthy())
		})
	}
}

func listen(t *testing.T, serve func(conn net.Conn)) (models.Addr, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				defer conn.Close()
				serve(conn)
			}()
		}
	}()

	addr, err := models.AddrFromNet(ln.Addr())
	require.NoError(t, err)
	return addr, &accepted
}

func TestConnect(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) (models.Addr, *atomic.Int32)
		assert func(t *testing.T, p *Peer, sched *fakeScheduler, accepted *atomic.Int32, err error)
	}{
		{
			name: "handshake with a matching peer",
			setup: func(t *testing.T) (models.Addr, *atomic.Int32) {
				return listen(t, func(conn net.Conn) {
					if _, err := decoder.ReadBytes(conn, wire.HandshakeLength); err != nil {
						return
					}
					conn.Write(wire.Handshake{InfoHash: testInfoHash, PeerID: testRemoteID}.Bytes())
					io.Copy(io.Discard, conn)
				})
			},
			assert: func(t *testing.T, p *Peer, sched *fakeScheduler, accepted *atomic.Int32, err error) {
				require.NoError(t, err)
				assert.Equal(t, Active, p.Phase())
				assert.True(t, p.Handshaked())
				assert.True(t, p.IsHealthy())
				assert.Equal(t, string(testRemoteID[:]), p.PeerID())
				assert.Equal(t, int32(1), accepted.Load())
			},
		},
		{
			name: "peer failing every handshake is terminated after three attempts",
			setup: func(t *testing.T) (models.Addr, *atomic.Int32) {
				return listen(t, func(conn net.Conn) {
					if _, err := decoder.ReadBytes(conn, wire.HandshakeLength); err != nil {
						return
					}
					conn.Write(make([]byte, wire.HandshakeLength))
				})
			},
			assert: func(t *testing.T, p *Peer, sched *fakeScheduler, accepted *atomic.Int32, err error) {
				assert.ErrorIs(t, err, ErrHandshake)
				assert.Equal(t, int32(3), accepted.Load())
				assert.Equal(t, Terminated, p.Phase())
				assert.False(t, p.IsHealthy())
				assert.Equal(t, 3, p.Status().Retries)
				assert.Zero(t, sched.readyLen())
				assert.ErrorIs(t, p.SendRequest(piece.Request{Index: 0, Begin: 0, Length: 16384}), ErrNotActive)
			},
		},
		{
			name: "peer serving another torrent is rejected",
			setup: func(t *testing.T) (models.Addr, *atomic.Int32) {
				return listen(t, func(conn net.Conn) {
					if _, err := decoder.ReadBytes(conn, wire.HandshakeLength); err != nil {
						return
					}
					conn.Write(wire.Handshake{InfoHash: [20]byte{0xff}, PeerID: testRemoteID}.Bytes())
				})
			},
			assert: func(t *testing.T, p *Peer, sched *fakeScheduler, accepted *atomic.Int32, err error) {
				assert.ErrorIs(t, err, ErrHandshake)
				assert.ErrorIs(t, err, ErrInfoHashMismatch)
				assert.Equal(t, Terminated, p.Phase())
			},
		},
		{
			name: "refused connection terminates without retry",
			setup: func(t *testing.T) (models.Addr, *atomic.Int32) {
				ln, err := net.Listen("tcp", "127.0.0.1:0")
				require.NoError(t, err)
				addr, err := models.AddrFromNet(ln.Addr())
				require.NoError(t, err)
				ln.Close()
				return addr, &atomic.Int32{}
			},
			assert: func(t *testing.T, p *Peer, sched *fakeScheduler, accepted *atomic.Int32, err error) {
				assert.ErrorIs(t, err, ErrConnect)
				assert.Equal(t, Terminated, p.Phase())
				assert.False(t, p.IsHealthy())
				assert.Zero(t, p.Status().Retries)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			addr, accepted := tt.setup(t)
			sched := &fakeScheduler{}
			p := NewPeer(models.Peer{Addr: addr}, testInfoHash, testLocalID, testOptions(), &fakeStore{}, sched, discardLogger())
			t.Cleanup(func() { p.Close() })

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := p.Connect(ctx)
			tt.assert(t, p, sched, accepted, err)
		})
	}
}

func TestAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		peer *Peer
		err  error
	}
	results := make(chan result, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			store := &fakeStore{have: []bool{true}}
			p, err := Accept(conn, testInfoHash, testLocalID, testOptions(), store, &fakeScheduler{}, discardLogger())
			results <- result{peer: p, err: err}
		}
	}()

	t.Run("matching torrent gets our handshake and bitfield", func(t *testing.T) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write(wire.Handshake{InfoHash: testInfoHash, PeerID: testRemoteID}.Bytes())
		require.NoError(t, err)
		reply, err := decoder.ReadBytes(conn, wire.HandshakeLength)
		require.NoError(t, err)
		h, err := wire.ParseHandshake(reply)
		require.NoError(t, err)
		assert.Equal(t, testLocalID, h.PeerID)

		msgs := drain(conn)
		assert.Equal(t, wire.NewBitField([]bool{true}), expectMessage(t, msgs))

		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, Active, r.peer.Phase())
		assert.Equal(t, string(testRemoteID[:]), r.peer.PeerID())
		r.peer.Close()
	})

	t.Run("other torrent is refused", func(t *testing.T) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write(wire.Handshake{InfoHash: [20]byte{9}, PeerID: testRemoteID}.Bytes())
		require.NoError(t, err)

		r := <-results
		assert.ErrorIs(t, r.err, ErrHandshake)
		assert.ErrorIs(t, r.err, ErrInfoHashMismatch)
		assert.Nil(t, r.peer)
	})
}
