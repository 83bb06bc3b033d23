package p2p

import "time"

type Phase int

const (
	Connecting Phase = iota
	Handshaking
	Active
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// State is the choke/interest negotiation of one connection. The four flags
// only ever change together under the peer lock.
type State struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

func DefaultState() State {
	return State{AmChoking: true, PeerChoking: true}
}

type Options struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	HandshakeRetries int
	RetryBackoff     time.Duration
	// ChokeGrace pushes the liveness deadline forward when the remote
	// chokes us, so the scheduler leaves the peer alone for a while.
	ChokeGrace       time.Duration
	ResponsiveWindow time.Duration
	WriteTimeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		HandshakeRetries: 3,
		RetryBackoff:     time.Second,
		ChokeGrace:       10 * time.Second,
		ResponsiveWindow: 20 * time.Second,
		WriteTimeout:     30 * time.Second,
	}
}

// Status is a point-in-time view of a peer for presentation.
type Status struct {
	Addr       string
	PeerID     string
	Phase      Phase
	State      State
	Healthy    bool
	HavePieces int
	Retries    int
}
