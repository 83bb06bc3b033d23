package tracker

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/gopeerwire/internal/decoder"
	"github.com/WendelHime/gopeerwire/internal/shared/models"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpTimeout        = 15 * time.Second
	peersRequested    = 100
)

var ErrUDPResponse = errors.New("unexpected udp tracker response")

type UDPGetter struct {
	interval int
	peerID   string
}

func NewUDPGetter(peerID string) PeersGetter {
	return &UDPGetter{peerID: peerID}
}

func udpEvent(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	default:
		return 0
	}
}

func (u *UDPGetter) GetPeers(announce string, metafile models.Metafile, req Announce) ([]models.Peer, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	trackerPort, err := strconv.Atoi(tracker.Port())
	if err != nil {
		return nil, err
	}

	ip, err := net.LookupIP(tracker.Hostname())
	if err != nil {
		return nil, err
	}

	raddr := net.UDPAddr{
		IP:   ip[0],
		Port: trackerPort,
	}

	conn, err := net.DialUDP("udp", nil, &raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(udpTimeout))

	buf := make([]byte, 16)

	transactionID := rand.Uint32()
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)

	_, err = conn.Write(buf)
	if err != nil {
		return nil, err
	}

	resp, err := decoder.ReadBytes(conn, 16)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(resp[:4]) != udpActionConnect || binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, ErrUDPResponse
	}

	connectionID := binary.BigEndian.Uint64(resp[8:])

	buf = make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)                   // connection_id
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)             // action
	binary.BigEndian.PutUint32(buf[12:16], transactionID)                // transaction_id
	copy(buf[16:36], metafile.InfoHash[:])                               // info_hash
	copy(buf[36:56], u.peerID)                                           // peer_id
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Stats.Downloaded)) // downloaded
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Stats.Left))       // left
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Stats.Uploaded))   // uploaded
	binary.BigEndian.PutUint32(buf[80:84], udpEvent(req.Event))          // event
	binary.BigEndian.PutUint32(buf[84:88], 0)                            // ip, 0 = sender address
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32())                // key
	binary.BigEndian.PutUint32(buf[92:96], peersRequested)               // num_want
	binary.BigEndian.PutUint16(buf[96:98], req.Port)                     // port

	_, err = conn.Write(buf)
	if err != nil {
		return nil, err
	}

	buf = make([]byte, 20+peersRequested*6)
	read, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if read < 20 || binary.BigEndian.Uint32(buf[:4]) != udpActionAnnounce || binary.BigEndian.Uint32(buf[4:8]) != transactionID {
		return nil, ErrUDPResponse
	}

	// leechers and seeders at buf[12:20] are not used
	u.interval = int(binary.BigEndian.Uint32(buf[8:12]))

	return compactPeers(buf[20:read])
}
