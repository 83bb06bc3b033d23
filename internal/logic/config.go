package logic

import (
	"log/slog"
	"time"

	"github.com/WendelHime/gopeerwire/internal/p2p"
	"github.com/WendelHime/gopeerwire/internal/shared/models"
	"github.com/WendelHime/gopeerwire/internal/tracker"
)

// PeerSource discovers peers for a torrent and learns about its completion.
type PeerSource interface {
	GetPeers(models.Metafile) ([]models.Peer, error)
	Completed(models.Metafile, tracker.Stats) error
}

type Config struct {
	// ListenAddr is where inbound peers are accepted. Empty disables the
	// listener.
	ListenAddr string
	MaxPeers   int
	// SampleSize caps how many of a peer's pieces are considered per turn.
	SampleSize int
	// RequestInterval spaces out block requests across all peers.
	RequestInterval time.Duration
	// PacingDelay is how long a served peer waits before it re-enters the
	// ready queue.
	PacingDelay        time.Duration
	PruneInterval      time.Duration
	ReannounceInterval time.Duration
	// Seed keeps serving uploads after the download completes, until the
	// context is cancelled.
	Seed bool
	Peer p2p.Options

	NewTracker func(announce, peerID string, port uint16, logger *slog.Logger) PeerSource
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":6881",
		MaxPeers:           30,
		SampleSize:         10,
		RequestInterval:    20 * time.Millisecond,
		PacingDelay:        200 * time.Millisecond,
		PruneInterval:      10 * time.Second,
		ReannounceInterval: 30 * time.Second,
		Peer:               p2p.DefaultOptions(),
		NewTracker: func(announce, peerID string, port uint16, logger *slog.Logger) PeerSource {
			return tracker.NewTracker(announce, peerID, port, logger)
		},
	}
}
