package models

// Peer is a discovery result handed over by a tracker: where to dial and,
// when the tracker knows it, the remote peer id.
type Peer struct {
	Addr   Addr
	PeerID string
}
