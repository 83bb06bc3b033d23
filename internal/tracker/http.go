package tracker

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/WendelHime/gopeerwire/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

var ErrTrackerFailure = errors.New("tracker failure")

type HTTPGetter struct {
	client   *http.Client
	peerID   string
	interval int
}

func NewHTTPGetter(client *http.Client, peerID string) PeersGetter {
	return &HTTPGetter{client: client, peerID: peerID}
}

func (h *HTTPGetter) GetPeers(announce string, metafile models.Metafile, req Announce) ([]models.Peer, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	query := tracker.Query()
	query.Add("info_hash", metafile.InfoHash.String())
	query.Add("peer_id", h.peerID)
	query.Add("port", strconv.Itoa(int(req.Port)))
	query.Add("uploaded", strconv.FormatInt(req.Stats.Uploaded, 10))
	query.Add("downloaded", strconv.FormatInt(req.Stats.Downloaded, 10))
	query.Add("left", strconv.FormatInt(req.Stats.Left, 10))
	query.Add("compact", "1")
	if req.Event != "" {
		query.Add("event", string(req.Event))
	}
	tracker.RawQuery = query.Encode()

	response, err := h.client.Get(tracker.String())
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", response.Status)
	}

	peersResp, err := decodeHTTPResponse(response.Body)
	if err != nil {
		return nil, err
	}

	h.interval = peersResp.Interval
	return peersResp.Peers, nil
}

func decodeHTTPResponse(response io.Reader) (peersWithAddresses, error) {
	resp := peersResponse{}
	err := bencode.Unmarshal(response, &resp)
	if err != nil {
		return peersWithAddresses{}, err
	}
	if resp.FailureReason != "" {
		return peersWithAddresses{}, fmt.Errorf("%w: %s", ErrTrackerFailure, resp.FailureReason)
	}

	peers, err := compactPeers([]byte(resp.Peers))
	if err != nil {
		return peersWithAddresses{}, err
	}

	return peersWithAddresses{Peers: peers, Interval: resp.Interval}, nil
}

// compactPeers decodes the 6-bytes-per-peer compact format.
func compactPeers(data []byte) ([]models.Peer, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d", models.ErrInvalidAddr, len(data))
	}
	peers := make([]models.Peer, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		var addr models.Addr
		if err := addr.ReadFromBytes(data[i : i+6]); err != nil {
			return nil, err
		}
		peers = append(peers, models.Peer{Addr: addr})
	}
	return peers, nil
}
