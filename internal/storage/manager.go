package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/WendelHime/gopeerwire/internal/piece"
	"github.com/WendelHime/gopeerwire/internal/shared/models"
)

var ErrInvalidMetafile = errors.New("invalid metafile")

// PieceManager owns every piece of a torrent, the completion bitfield and
// the mapping of pieces onto output files.
type PieceManager struct {
	log       *slog.Logger
	pieces    []*piece.Piece
	layout    [][]Segment
	files     []fileEntry
	totalSize int64

	mu        sync.Mutex
	bitfield  []bool
	completed int

	completedBytes atomic.Int64

	writeQueue chan *piece.Piece
	done       chan struct{}
	callbacks  []func(index int)
}

func NewPieceManager(meta models.Metafile, outputDir string, logger *slog.Logger) (*PieceManager, error) {
	info := meta.Info
	total := int64(info.TotalLength())
	if info.PieceLength <= 0 || total <= 0 {
		return nil, fmt.Errorf("%w: piece length %d, total length %d", ErrInvalidMetafile, info.PieceLength, total)
	}
	numPieces := int((total + int64(info.PieceLength) - 1) / int64(info.PieceLength))
	if len(info.PiecesHashes) != numPieces {
		return nil, fmt.Errorf("%w: %d hashes for %d pieces", ErrInvalidMetafile, len(info.PiecesHashes), numPieces)
	}

	files, err := outputFiles(info, outputDir)
	if err != nil {
		return nil, err
	}

	pieces := make([]*piece.Piece, numPieces)
	for i := range pieces {
		size := info.PieceLength
		if i == numPieces-1 {
			size = int(total - int64(i)*int64(info.PieceLength))
		}
		pieces[i] = piece.New(i, info.PiecesHashes[i], size)
	}

	pm := &PieceManager{
		log:        logger,
		pieces:     pieces,
		layout:     buildLayout(files, info.PieceLength, numPieces, total),
		files:      files,
		totalSize:  total,
		bitfield:   make([]bool, numPieces),
		writeQueue: make(chan *piece.Piece, numPieces+1),
		done:       make(chan struct{}),
	}

	if pm.filesExist() {
		pm.resume()
	} else if err := pm.createFiles(); err != nil {
		return nil, err
	}

	if pm.IsComplete() {
		pm.writeQueue <- nil
	}

	return pm, nil
}

func (pm *PieceManager) filesExist() bool {
	for _, f := range pm.files {
		stat, err := os.Stat(f.path)
		if err != nil || stat.IsDir() || stat.Size() != f.length {
			return false
		}
	}
	return true
}

// resume reads every piece back from disk and keeps the ones whose hash
// matches.
func (pm *PieceManager) resume() {
	for i, p := range pm.pieces {
		buf, err := pm.readPiece(i)
		if err != nil {
			pm.log.Warn("failed to read piece from disk", slog.Int("piece", i), slog.Any("error", err))
			continue
		}
		if !p.Load(buf) {
			continue
		}
		pm.bitfield[i] = true
		pm.completed++
		pm.completedBytes.Add(int64(p.Size()))
	}
	pm.log.Info("resumed from disk", slog.Int("pieces", pm.completed), slog.Int("total", len(pm.pieces)))
}

func (pm *PieceManager) readPiece(index int) ([]byte, error) {
	buf := make([]byte, pm.pieces[index].Size())
	for _, s := range pm.layout[index] {
		f, err := os.Open(s.Path)
		if err != nil {
			return nil, err
		}
		_, err = f.ReadAt(buf[s.PieceOffset:s.PieceOffset+s.Length], s.FileOffset)
		f.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	return buf, nil
}

func (pm *PieceManager) createFiles() error {
	for _, f := range pm.files {
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return err
		}
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		err = file.Truncate(f.length)
		file.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// OnPieceComplete registers a callback run after a piece is verified and
// queued for writing. Register callbacks before blocks start arriving.
func (pm *PieceManager) OnPieceComplete(fn func(index int)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.callbacks = append(pm.callbacks, fn)
}

func (pm *PieceManager) NumPieces() int {
	return len(pm.pieces)
}

func (pm *PieceManager) TotalSize() int64 {
	return pm.totalSize
}

func (pm *PieceManager) CompletedBytes() int64 {
	return pm.completedBytes.Load()
}

func (pm *PieceManager) Layout(index int) []Segment {
	if index < 0 || index >= len(pm.layout) {
		return nil
	}
	return pm.layout[index]
}

func (pm *PieceManager) IsComplete() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.completed == len(pm.pieces)
}

func (pm *PieceManager) HasPiece(index int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return index >= 0 && index < len(pm.bitfield) && pm.bitfield[index]
}

func (pm *PieceManager) Bitfield() []bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]bool(nil), pm.bitfield...)
}

// GetEmptyBlockFromPiece frees stale requests of the piece and allocates
// its next free block.
func (pm *PieceManager) GetEmptyBlockFromPiece(index int) (piece.Request, bool) {
	if index < 0 || index >= len(pm.pieces) {
		return piece.Request{}, false
	}
	p := pm.pieces[index]
	p.UpdateBlockStatus()
	return p.GetEmptyBlock()
}

// GetBlock serves a byte range from a verified piece only.
func (pm *PieceManager) GetBlock(index, begin, length int) ([]byte, bool) {
	if !pm.HasPiece(index) {
		return nil, false
	}
	return pm.pieces[index].Block(begin, length)
}

// ReceiveBlock stores an incoming block. Blocks for verified or unknown
// pieces are ignored.
func (pm *PieceManager) ReceiveBlock(index, begin int, data []byte) {
	if index < 0 || index >= len(pm.pieces) {
		return
	}

	if pm.HasPiece(index) {
		return
	}
	p := pm.pieces[index]
	if !p.SetBlock(begin, data, len(data)) {
		return
	}
	pm.completedBytes.Add(int64(len(data)))

	complete, flushed := p.Verify()
	if flushed {
		pm.completedBytes.Add(-int64(p.Size()))
		pm.log.Warn("piece hash mismatch", slog.Int("piece", index))
		return
	}
	if !complete {
		return
	}

	pm.mu.Lock()
	if pm.bitfield[index] {
		// another reader latched it first
		pm.mu.Unlock()
		return
	}
	pm.completed++
	pm.bitfield[index] = true
	pm.writeQueue <- p
	if pm.completed == len(pm.pieces) {
		pm.writeQueue <- nil
	}
	callbacks := append([]func(int){}, pm.callbacks...)
	pm.mu.Unlock()

	pm.log.Info("piece complete", slog.Int("piece", index), slog.Int64("completed_bytes", pm.CompletedBytes()))
	for _, fn := range callbacks {
		fn(index)
	}
}

// Done is closed once the writer has flushed the last piece.
func (pm *PieceManager) Done() <-chan struct{} {
	return pm.done
}

// WritePiece drains verified pieces to disk until every piece is written or
// ctx is cancelled.
func (pm *PieceManager) WritePiece(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-pm.writeQueue:
			if p == nil {
				close(pm.done)
				return nil
			}
			if err := pm.write(p); err != nil {
				pm.log.Error("failed to save piece to file", slog.Int("piece", p.Index()), slog.Any("error", err))
				continue
			}
			pm.log.Info("piece saved to file", slog.Int("piece", p.Index()), slog.Int("amount_pieces", len(pm.pieces)))
		}
	}
}

func (pm *PieceManager) write(p *piece.Piece) error {
	data := p.Data()
	for _, s := range pm.layout[p.Index()] {
		if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
			return err
		}
		file, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		if _, err := file.Seek(s.FileOffset, io.SeekStart); err != nil {
			file.Close()
			return err
		}
		_, err = file.Write(data[s.PieceOffset : s.PieceOffset+s.Length])
		file.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
