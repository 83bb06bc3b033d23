package logic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/WendelHime/gopeerwire/internal/decoder"
	"github.com/WendelHime/gopeerwire/internal/p2p"
	"github.com/WendelHime/gopeerwire/internal/shared/models"
	"github.com/WendelHime/gopeerwire/internal/storage"
	"github.com/WendelHime/gopeerwire/internal/tracker"
)

type Downloader interface {
	// Download fetches the torrent into outputDir. With Config.Seed it keeps
	// serving after completion until ctx is cancelled.
	Download(ctx context.Context, metafile io.Reader, outputDir string) error
	Stats() Stats
}

type downloader struct {
	clientID string
	d        decoder.MetafileDecoder
	cfg      Config
	log      *slog.Logger

	mu     sync.Mutex
	pieces *storage.PieceManager
	peers  *PeerManager
}

func NewDownloader(d decoder.MetafileDecoder, cfg Config, logger *slog.Logger) Downloader {
	if cfg.NewTracker == nil {
		cfg.NewTracker = DefaultConfig().NewTracker
	}
	return &downloader{d: d, cfg: cfg, log: logger, clientID: generateRandomPeerID()}
}

func generateRandomPeerID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Azureus-style client prefix followed by random characters
	peerID := []byte("-GW0001-")
	for len(peerID) < 20 {
		peerID = append(peerID, charset[r.Intn(len(charset))])
	}

	return string(peerID)
}

func (d *downloader) Download(ctx context.Context, metafile io.Reader, outputDir string) error {
	d.log.Info("creating output directory", slog.String("output_dir", outputDir))
	err := os.MkdirAll(outputDir, 0755)
	if err != nil {
		return err
	}

	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}

	pieces, err := storage.NewPieceManager(meta, outputDir, d.log)
	if err != nil {
		return err
	}
	var localID [20]byte
	copy(localID[:], d.clientID)
	peers := NewPeerManager(meta, localID, pieces, d.cfg, d.log)
	pieces.OnPieceComplete(func(index int) {
		go peers.BroadcastHave(index)
	})

	d.mu.Lock()
	d.pieces, d.peers = pieces, peers
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error("task stopped", slog.String("task", name), slog.Any("error", err))
			}
		}()
	}
	defer func() {
		cancel()
		peers.Close()
		wg.Wait()
	}()

	var port uint16
	if d.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.ListenAddr)
		if err != nil {
			return err
		}
		if addr, err := models.AddrFromNet(ln.Addr()); err == nil {
			port = addr.Port
		}
		d.log.Info("listening for peers", slog.String("addr", ln.Addr().String()))
		run("listener", func(ctx context.Context) error {
			return d.serve(ctx, ln, peers)
		})
	}

	sources := d.trackers(meta, port)
	run("writer", pieces.WritePiece)
	run("download", peers.Download)
	run("upload", peers.Upload)
	run("maintain", peers.Maintain)
	run("announce", func(ctx context.Context) error {
		peers.AddPeers(ctx, d.retrievePeers(meta, sources))
		return d.reannounce(ctx, meta, sources, pieces, peers)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-pieces.Done():
	}
	d.log.Info("download complete", slog.Int64("bytes", pieces.CompletedBytes()))

	stats := tracker.Stats{
		Uploaded:   peers.Seeded(),
		Downloaded: pieces.CompletedBytes(),
	}
	for _, s := range sources {
		if err := s.Completed(meta, stats); err != nil {
			d.log.Warn("failed to report completion", slog.Any("error", err))
		}
	}

	if d.cfg.Seed {
		d.log.Info("seeding")
		<-ctx.Done()
	}
	return nil
}

// serve accepts inbound peers until ctx is cancelled.
func (d *downloader) serve(ctx context.Context, ln net.Listener, peers *PeerManager) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			if err := peers.AddInbound(ctx, conn); err != nil {
				d.log.Debug("inbound peer rejected", slog.String("peer", conn.RemoteAddr().String()), slog.Any("error", err))
			}
		}()
	}
}

func (d *downloader) trackers(metafile models.Metafile, port uint16) []PeerSource {
	seen := make(map[string]struct{})
	sources := make([]PeerSource, 0)
	add := func(announce string) {
		if announce == "" {
			return
		}
		if _, ok := seen[announce]; ok {
			return
		}
		seen[announce] = struct{}{}
		sources = append(sources, d.cfg.NewTracker(announce, d.clientID, port, d.log))
	}

	add(metafile.Announce)
	for _, tier := range metafile.AnnounceList {
		for _, announce := range tier {
			add(announce)
		}
	}
	return sources
}

func (d *downloader) retrievePeers(metafile models.Metafile, sources []PeerSource) []models.Peer {
	peers := make([]models.Peer, 0)
	mutex := sync.Mutex{}
	var wg sync.WaitGroup
	for _, source := range sources {
		wg.Add(1)
		go func(source PeerSource) {
			defer wg.Done()
			p, err := source.GetPeers(metafile)
			if err != nil && err != io.EOF {
				d.log.Warn("failed to get peers", slog.Any("error", err))
				return
			}

			mutex.Lock()
			peers = append(peers, p...)
			mutex.Unlock()
		}(source)
	}
	wg.Wait()

	d.log.Info("retrieved peers", slog.Int("peers", len(peers)))
	return peers
}

// reannounce asks the trackers again whenever the download runs out of
// healthy peers.
func (d *downloader) reannounce(ctx context.Context, metafile models.Metafile, sources []PeerSource, pieces *storage.PieceManager, peers *PeerManager) error {
	ticker := time.NewTicker(d.cfg.ReannounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if pieces.IsComplete() || peers.HealthyPeers() > 0 {
				continue
			}
			peers.AddPeers(ctx, d.retrievePeers(metafile, sources))
		}
	}
}

// Stats is a snapshot of the download for presentation.
type Stats struct {
	Completed      float64
	CompletedBytes int64
	TotalBytes     int64
	Seeded         int64
	SeedRatio      float64
	HealthyPeers   int
	Peers          []p2p.Status
}

func (d *downloader) Stats() Stats {
	d.mu.Lock()
	pieces, peers := d.pieces, d.peers
	d.mu.Unlock()
	if pieces == nil {
		return Stats{}
	}

	total := pieces.TotalSize()
	stats := Stats{
		CompletedBytes: pieces.CompletedBytes(),
		TotalBytes:     total,
		Seeded:         peers.Seeded(),
		HealthyPeers:   peers.HealthyPeers(),
		Peers:          peers.Snapshot(),
	}
	stats.Completed = float64(stats.CompletedBytes) / float64(total)
	stats.SeedRatio = float64(stats.Seeded) / float64(total)
	return stats
}
