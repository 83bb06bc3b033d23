package piece

import (
	"bytes"
	"crypto/sha1"
	"sync"
	"time"
)

const (
	BlockSize = 16 * 1024
	// BlockTimeout is how long a requested block may stay pending before it
	// is handed out again.
	BlockTimeout = 5 * time.Second
)

type State int

const (
	Free State = iota
	Pending
	Complete
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

type Block struct {
	State    State
	LastSeen time.Time
	Size     int
	Data     []byte
}

// Request holds the wire coordinates of one block.
type Request struct {
	Index  int
	Begin  int
	Length int
}

type Piece struct {
	mu       sync.Mutex
	index    int
	hash     [20]byte
	size     int
	blocks   []Block
	complete bool
	data     []byte
	clock    func() time.Time
}

func New(index int, hash [20]byte, size int) *Piece {
	n := (size + BlockSize - 1) / BlockSize
	blocks := make([]Block, n)
	for i := range blocks {
		blocks[i].Size = BlockSize
	}
	if n > 0 {
		blocks[n-1].Size = size - (n-1)*BlockSize
	}

	return &Piece{
		index:  index,
		hash:   hash,
		size:   size,
		blocks: blocks,
		clock:  time.Now,
	}
}

func (p *Piece) Index() int {
	return p.index
}

func (p *Piece) Size() int {
	return p.size
}

// GetEmptyBlock hands out the first free block and marks it pending.
func (p *Piece) GetEmptyBlock() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.complete {
		return Request{}, false
	}
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.State != Free {
			continue
		}
		b.State = Pending
		b.LastSeen = p.clock()
		return Request{Index: p.index, Begin: i * BlockSize, Length: b.Size}, true
	}
	return Request{}, false
}

// UpdateBlockStatus frees pending blocks whose request went unanswered for
// longer than BlockTimeout.
func (p *Piece) UpdateBlockStatus() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.State == Pending && now.Sub(b.LastSeen) > BlockTimeout {
			b.State = Free
		}
	}
}

// SetBlock stores the data of the block starting at begin. It reports false
// for misaligned offsets, size mismatches and blocks that are already
// complete.
func (p *Piece) SetBlock(begin int, data []byte, length int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.complete || begin < 0 || begin%BlockSize != 0 || begin/BlockSize >= len(p.blocks) {
		return false
	}
	b := &p.blocks[begin/BlockSize]
	if b.State == Complete || length != b.Size || len(data) != length {
		return false
	}
	b.Data = append(make([]byte, 0, length), data...)
	b.State = Complete
	return true
}

// IsComplete reports whether the piece is verified. See Verify.
func (p *Piece) IsComplete() bool {
	complete, _ := p.Verify()
	return complete
}

// Verify hashes the piece once every block is complete. A match latches the
// piece complete and keeps the assembled bytes; a mismatch resets every
// block to free and reports flushed.
func (p *Piece) Verify() (complete bool, flushed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.complete {
		return true, false
	}
	for _, b := range p.blocks {
		if b.State != Complete {
			return false, false
		}
	}

	buf := make([]byte, 0, p.size)
	for _, b := range p.blocks {
		buf = append(buf, b.Data...)
	}
	if sum := sha1.Sum(buf); !bytes.Equal(sum[:], p.hash[:]) {
		p.flush()
		return false, true
	}

	p.latch(buf)
	return true, false
}

// Load accepts bytes read back from disk when they match the piece hash.
func (p *Piece) Load(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.complete {
		return true
	}
	if len(data) != p.size {
		return false
	}
	if sum := sha1.Sum(data); !bytes.Equal(sum[:], p.hash[:]) {
		return false
	}
	p.latch(append(make([]byte, 0, p.size), data...))
	return true
}

func (p *Piece) latch(buf []byte) {
	p.complete = true
	p.data = buf
	for i := range p.blocks {
		begin := i * BlockSize
		p.blocks[i].Data = buf[begin : begin+p.blocks[i].Size]
		p.blocks[i].State = Complete
	}
}

func (p *Piece) flush() {
	for i := range p.blocks {
		p.blocks[i].State = Free
		p.blocks[i].Data = nil
	}
}

// Data returns the assembled bytes of a complete piece, nil otherwise.
func (p *Piece) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.complete {
		return nil
	}
	return p.data
}

// Block returns a byte range of a complete piece, at most BlockSize long.
func (p *Piece) Block(begin, length int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.complete || begin < 0 || length < 0 || length > BlockSize || begin+length > p.size {
		return nil, false
	}
	return p.data[begin : begin+length], true
}

func (p *Piece) BlockStates() []State {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]State, len(p.blocks))
	for i, b := range p.blocks {
		states[i] = b.State
	}
	return states
}
