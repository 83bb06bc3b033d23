package storage

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/WendelHime/gopeerwire/internal/shared/models"
)

var ErrUnsafePath = errors.New("unsafe file path")

// Segment is the part of a piece that lands in one output file.
type Segment struct {
	Path        string
	FileOffset  int64
	PieceOffset int
	Length      int
}

type fileEntry struct {
	path   string
	length int64
}

// outputFiles resolves the on-disk path of every file of the torrent.
func outputFiles(info models.Info, outputDir string) ([]fileEntry, error) {
	if info.SingleFile || len(info.Files) == 0 {
		p, err := safeJoin(outputDir, info.Name)
		if err != nil {
			return nil, err
		}
		return []fileEntry{{path: p, length: int64(info.TotalLength())}}, nil
	}

	root, err := safeJoin(outputDir, info.Name)
	if err != nil {
		return nil, err
	}
	files := make([]fileEntry, 0, len(info.Files))
	for _, f := range info.Files {
		p, err := safeJoin(root, f.Path...)
		if err != nil {
			return nil, err
		}
		files = append(files, fileEntry{path: p, length: int64(f.Length)})
	}
	return files, nil
}

func safeJoin(base string, elems ...string) (string, error) {
	if len(elems) == 0 {
		return "", ErrUnsafePath
	}
	for _, e := range elems {
		if e == "" || e == "." || e == ".." || strings.ContainsAny(e, `/\`) {
			return "", ErrUnsafePath
		}
	}
	return filepath.Join(append([]string{base}, elems...)...), nil
}

// buildLayout walks the files in order and splits every piece span across
// the file boundaries it crosses.
func buildLayout(files []fileEntry, pieceLength int, numPieces int, total int64) [][]Segment {
	layout := make([][]Segment, numPieces)

	var fileStart int64
	for _, f := range files {
		fileEnd := fileStart + f.length
		if f.length > 0 {
			first := int(fileStart / int64(pieceLength))
			last := int((fileEnd - 1) / int64(pieceLength))
			for i := first; i <= last && i < numPieces; i++ {
				pieceStart := int64(i) * int64(pieceLength)
				pieceEnd := min(pieceStart+int64(pieceLength), total)
				start := max(pieceStart, fileStart)
				end := min(pieceEnd, fileEnd)
				if end <= start {
					continue
				}
				layout[i] = append(layout[i], Segment{
					Path:        f.path,
					FileOffset:  start - fileStart,
					PieceOffset: int(start - pieceStart),
					Length:      int(end - start),
				})
			}
		}
		fileStart = fileEnd
	}
	return layout
}
