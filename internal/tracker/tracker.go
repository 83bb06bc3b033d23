package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/WendelHime/gopeerwire/internal/shared/models"
)

var (
	ErrEmptyAnnounce       = errors.New("announce url is empty")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

type Event string

const (
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
)

// Stats are the transfer counters reported with every announce.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

type Announce struct {
	Event Event
	Port  uint16
	Stats Stats
}

type Tracker interface {
	GetPeers(models.Metafile) ([]models.Peer, error)
	Completed(models.Metafile, Stats) error
	WithHTTPClient(client *http.Client) Tracker
}

type PeersGetter interface {
	GetPeers(announce string, metafile models.Metafile, req Announce) ([]models.Peer, error)
}

type tracker struct {
	AnnounceURL string
	PeerID      string
	Port        uint16
	HTTPClient  PeersGetter
	UDPClient   PeersGetter
	log         *slog.Logger

	// started is set once an announce with EventStarted went through.
	started atomic.Bool
}

func NewTracker(announceURL, peerID string, port uint16, logger *slog.Logger) Tracker {
	return &tracker{
		AnnounceURL: announceURL,
		PeerID:      peerID,
		Port:        port,
		HTTPClient:  NewHTTPGetter(&http.Client{Timeout: 60 * time.Second}, peerID),
		UDPClient:   NewUDPGetter(peerID),
		log:         logger,
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPGetter(client, t.PeerID)
	return t
}

type peersResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

type peersWithAddresses struct {
	Peers    []models.Peer
	Interval int
}

// GetPeers returns the swarm. The first successful announce carries
// EventStarted, later ones are regular announces without an event.
func (t *tracker) GetPeers(metafile models.Metafile) ([]models.Peer, error) {
	req := Announce{
		Port:  t.Port,
		Stats: Stats{Left: int64(metafile.Info.TotalLength())},
	}
	if !t.started.Load() {
		req.Event = EventStarted
	}
	peers, err := t.announce(metafile, req)
	if err != nil {
		return nil, err
	}
	t.started.Store(true)
	return peers, nil
}

// Completed reports a finished download.
func (t *tracker) Completed(metafile models.Metafile, stats Stats) error {
	_, err := t.announce(metafile, Announce{Event: EventCompleted, Port: t.Port, Stats: stats})
	return err
}

func (t *tracker) announce(metafile models.Metafile, req Announce) ([]models.Peer, error) {
	if t.AnnounceURL == "" {
		return nil, ErrEmptyAnnounce
	}
	switch {
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient.GetPeers(t.AnnounceURL, metafile, req)
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient.GetPeers(t.AnnounceURL, metafile, req)
	default:
		t.log.Error("unsupported protocol", slog.String("announce-url", t.AnnounceURL))
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, t.AnnounceURL)
	}
}
