package logic

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WendelHime/gopeerwire/internal/p2p"
	"github.com/WendelHime/gopeerwire/internal/piece"
	"github.com/WendelHime/gopeerwire/internal/queue"
	"github.com/WendelHime/gopeerwire/internal/shared/models"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/time/rate"
)

var ErrPeerRejected = errors.New("peer rejected")

// Pieces is the local piece state the scheduler allocates from and serves.
type Pieces interface {
	p2p.PieceStore
	GetEmptyBlockFromPiece(index int) (piece.Request, bool)
	GetBlock(index, begin, length int) ([]byte, bool)
	HasPiece(index int) bool
}

type peerEntry struct {
	peer   *p2p.Peer
	cancel context.CancelFunc
}

type uploadRequest struct {
	peer *p2p.Peer
	req  piece.Request
}

type requestKey struct {
	peer                 *p2p.Peer
	index, begin, length int
}

func keyOf(p *p2p.Peer, r piece.Request) requestKey {
	return requestKey{peer: p, index: r.Index, begin: r.Begin, length: r.Length}
}

// uploadCount tracks the queued copies of one request and how many of them
// were cancelled. cancelled never exceeds queued.
type uploadCount struct {
	queued, cancelled int
}

// PeerManager owns the peer set and schedules block requests to peers and
// uploads to requesters.
type PeerManager struct {
	infoHash [20]byte
	localID  [20]byte
	pieces   Pieces
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	peers   map[string]*peerEntry
	pending mapset.Set[string]

	ready    *queue.Queue[*p2p.Peer]
	inReady  mapset.Set[*p2p.Peer]
	requests *queue.Queue[uploadRequest]

	uploadsMu sync.Mutex
	uploads   map[requestKey]*uploadCount

	seeded  atomic.Int64
	limiter *rate.Limiter
}

func NewPeerManager(meta models.Metafile, localID [20]byte, pieces Pieces, cfg Config, logger *slog.Logger) *PeerManager {
	return &PeerManager{
		infoHash: meta.InfoHash,
		localID:  localID,
		pieces:   pieces,
		cfg:      cfg,
		log:      logger,
		peers:    make(map[string]*peerEntry),
		pending:  mapset.NewSet[string](),
		ready:    queue.New[*p2p.Peer](),
		inReady:  mapset.NewSet[*p2p.Peer](),
		requests: queue.New[uploadRequest](),
		uploads:  make(map[requestKey]*uploadCount),
		limiter:  rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
	}
}

// AddPeers connects to every new candidate concurrently and admits the
// ones that complete the handshake, up to MaxPeers. It returns how many
// were admitted.
func (pm *PeerManager) AddPeers(ctx context.Context, candidates []models.Peer) int {
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for _, c := range candidates {
		if c.Addr.IP == nil || c.Addr.IP.IsUnspecified() || c.Addr.Port == 0 {
			continue
		}
		key := c.Addr.String()
		pm.mu.Lock()
		_, known := pm.peers[key]
		if known || len(pm.peers) >= pm.cfg.MaxPeers || !pm.pending.Add(key) {
			pm.mu.Unlock()
			continue
		}
		pm.mu.Unlock()

		wg.Add(1)
		go func(c models.Peer) {
			defer wg.Done()
			defer pm.pending.Remove(c.Addr.String())

			p := p2p.NewPeer(c, pm.infoHash, pm.localID, pm.cfg.Peer, pm.pieces, pm, pm.log)
			if err := p.Connect(ctx); err != nil {
				pm.log.Debug("failed to connect to peer", slog.String("peer", c.Addr.String()), slog.Any("error", err))
				return
			}
			if err := pm.admit(ctx, p); err != nil {
				pm.log.Debug("peer not admitted", slog.String("peer", p.Key()), slog.Any("error", err))
				p.Close()
				return
			}
			admitted.Add(1)
		}(c)
	}
	wg.Wait()

	pm.log.Info("peers added", slog.Int("admitted", int(admitted.Load())), slog.Int("candidates", len(candidates)))
	return int(admitted.Load())
}

// AddInbound handshakes an accepted connection and admits it.
func (pm *PeerManager) AddInbound(ctx context.Context, conn net.Conn) error {
	p, err := p2p.Accept(conn, pm.infoHash, pm.localID, pm.cfg.Peer, pm.pieces, pm, pm.log)
	if err != nil {
		return err
	}
	if err := pm.admit(ctx, p); err != nil {
		p.Close()
		return err
	}
	return nil
}

func (pm *PeerManager) admit(ctx context.Context, p *p2p.Peer) error {
	if p.PeerID() == string(pm.localID[:]) {
		return ErrPeerRejected
	}

	pm.mu.Lock()
	if _, ok := pm.peers[p.Key()]; ok || len(pm.peers) >= pm.cfg.MaxPeers {
		pm.mu.Unlock()
		return ErrPeerRejected
	}
	loopCtx, cancel := context.WithCancel(ctx)
	pm.peers[p.Key()] = &peerEntry{peer: p, cancel: cancel}
	pm.mu.Unlock()

	go func() {
		err := p.ReadLoop(loopCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			pm.log.Debug("peer read loop stopped", slog.String("peer", p.Key()), slog.Any("error", err))
		}
	}()
	return nil
}

// RemovePeer stops the peer's read loop, closes its socket and forgets it.
func (pm *PeerManager) RemovePeer(p *p2p.Peer) {
	pm.mu.Lock()
	e, ok := pm.peers[p.Key()]
	if ok && e.peer == p {
		delete(pm.peers, p.Key())
	}
	pm.mu.Unlock()

	if ok && e.peer == p {
		e.cancel()
	}
	p.Close()

	pm.inReady.Remove(p)
	pm.uploadsMu.Lock()
	for k := range pm.uploads {
		if k.peer == p {
			delete(pm.uploads, k)
		}
	}
	pm.uploadsMu.Unlock()
}

func (pm *PeerManager) isMember(p *p2p.Peer) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	e, ok := pm.peers[p.Key()]
	return ok && e.peer == p
}

func (pm *PeerManager) Peers() []*p2p.Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	peers := make([]*p2p.Peer, 0, len(pm.peers))
	for _, e := range pm.peers {
		peers = append(peers, e.peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Key() < peers[j].Key()
	})
	return peers
}

// EnqueueReady puts an unchoked peer in line for block requests. A peer is
// queued at most once.
func (pm *PeerManager) EnqueueReady(p *p2p.Peer) {
	if !pm.inReady.Add(p) {
		return
	}
	pm.ready.Put(p)
}

func (pm *PeerManager) EnqueueRequest(p *p2p.Peer, r piece.Request) {
	k := keyOf(p, r)
	pm.uploadsMu.Lock()
	c, ok := pm.uploads[k]
	if !ok {
		c = &uploadCount{}
		pm.uploads[k] = c
	}
	c.queued++
	pm.uploadsMu.Unlock()
	pm.requests.Put(uploadRequest{peer: p, req: r})
}

// Cancel marks one queued copy of a request so the upload loop drops it.
// Cancels for requests that are not queued are ignored.
func (pm *PeerManager) Cancel(p *p2p.Peer, r piece.Request) {
	pm.uploadsMu.Lock()
	defer pm.uploadsMu.Unlock()
	if c, ok := pm.uploads[keyOf(p, r)]; ok && c.cancelled < c.queued {
		c.cancelled++
	}
}

// take accounts for a dequeued request and reports whether it was
// cancelled. The oldest queued copies absorb the cancels.
func (pm *PeerManager) take(r uploadRequest) bool {
	k := keyOf(r.peer, r.req)
	pm.uploadsMu.Lock()
	defer pm.uploadsMu.Unlock()
	c, ok := pm.uploads[k]
	if !ok {
		return false
	}
	c.queued--
	cancelled := c.cancelled > 0
	if cancelled {
		c.cancelled--
	}
	if c.queued == 0 {
		delete(pm.uploads, k)
	}
	return cancelled
}

// Download hands out block requests to ready peers in round-robin order
// until every piece is complete.
func (pm *PeerManager) Download(ctx context.Context) error {
	for !pm.pieces.IsComplete() {
		p, err := pm.ready.Get(ctx)
		if err != nil {
			return err
		}
		if !pm.isMember(p) {
			pm.inReady.Remove(p)
			continue
		}
		if !p.IsHealthy() || p.State().PeerChoking {
			// skipped this turn only
			pm.requeue(p)
			continue
		}

		for _, index := range sample(p.HavePieces(), pm.cfg.SampleSize) {
			if pm.pieces.HasPiece(index) {
				continue
			}
			req, ok := pm.pieces.GetEmptyBlockFromPiece(index)
			if !ok {
				continue
			}
			if err := pm.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := p.SendRequest(req); err != nil {
				pm.log.Warn("failed to request block", slog.String("peer", p.Key()), slog.Any("error", err))
				break
			}
		}

		pm.requeue(p)
	}
	pm.log.Info("download loop finished")
	return nil
}

func (pm *PeerManager) requeue(p *p2p.Peer) {
	time.AfterFunc(pm.cfg.PacingDelay, func() { pm.ready.Put(p) })
}

// sample picks up to n pieces uniformly at random.
func sample(pieces []int, n int) []int {
	if len(pieces) <= n {
		return pieces
	}
	rand.Shuffle(len(pieces), func(i, j int) {
		pieces[i], pieces[j] = pieces[j], pieces[i]
	})
	return pieces[:n]
}

// Upload serves queued block requests in arrival order. Requests cancelled
// while queued are dropped here.
func (pm *PeerManager) Upload(ctx context.Context) error {
	for {
		r, err := pm.requests.Get(ctx)
		if err != nil {
			return err
		}
		if pm.take(r) || !pm.isMember(r.peer) {
			continue
		}

		block, ok := pm.pieces.GetBlock(r.req.Index, r.req.Begin, r.req.Length)
		if !ok {
			continue
		}
		if err := r.peer.SendPiece(r.req.Index, r.req.Begin, block); err != nil {
			pm.log.Warn("failed to upload block", slog.String("peer", r.peer.Key()), slog.Any("error", err))
			continue
		}
		pm.seeded.Add(int64(len(block)))
	}
}

// Maintain periodically evicts dead peers and keeps the others alive.
func (pm *PeerManager) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(pm.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pm.Prune()
			for _, p := range pm.Peers() {
				if p.Phase() == p2p.Active {
					p.SendKeepAlive()
				}
			}
		}
	}
}

// Prune removes terminated peers and peers silent past the responsive
// window. It returns how many were removed.
func (pm *PeerManager) Prune() int {
	removed := 0
	for _, p := range pm.Peers() {
		if p.Phase() == p2p.Terminated || !p.IsResponsive() {
			pm.RemovePeer(p)
			removed++
		}
	}
	if removed > 0 {
		pm.log.Info("pruned peers", slog.Int("removed", removed))
	}
	return removed
}

// BroadcastHave announces a newly verified piece to every active peer.
func (pm *PeerManager) BroadcastHave(index int) {
	for _, p := range pm.Peers() {
		if p.Phase() != p2p.Active {
			continue
		}
		if err := p.SendHave(index); err != nil {
			pm.log.Debug("failed to send have", slog.String("peer", p.Key()), slog.Any("error", err))
		}
	}
}

func (pm *PeerManager) HealthyPeers() int {
	healthy := 0
	for _, p := range pm.Peers() {
		if p.IsHealthy() {
			healthy++
		}
	}
	return healthy
}

func (pm *PeerManager) Snapshot() []p2p.Status {
	peers := pm.Peers()
	statuses := make([]p2p.Status, 0, len(peers))
	for _, p := range peers {
		statuses = append(statuses, p.Status())
	}
	return statuses
}

// Seeded is the number of block bytes served to other peers.
func (pm *PeerManager) Seeded() int64 {
	return pm.seeded.Load()
}

// Close disconnects every peer.
func (pm *PeerManager) Close() {
	for _, p := range pm.Peers() {
		pm.RemovePeer(p)
	}
}
