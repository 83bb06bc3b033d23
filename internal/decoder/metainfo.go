package decoder

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/WendelHime/gopeerwire/internal/shared/models"
	"github.com/zeebo/bencode"
)

var ErrInvalidPieces = errors.New("pieces length is not a multiple of 20")

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct {
	log *slog.Logger
}

func NewDecoder(logger *slog.Logger) MetafileDecoder {
	return decoder{log: logger}
}

// serialization struct the represents the structure of a .torrent file
// it is not immediately usable, so it can be converted to a Metafile struct
type bencodeTorrent struct {
	// URL of tracker server to get peers from
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	// Info is parsed as a RawMessage to ensure that the final info_hash is
	// correct even in the case of the info dictionary being an unexpected shape
	Info bencode.RawMessage `bencode:"info"`
}

func (d decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	err := bencode.NewDecoder(torrent).Decode(&bt)
	if err != nil {
		d.log.Error("failed to decode torrent", slog.Any("error", err))
		return response, err
	}

	response.Announce = bt.Announce
	response.AnnounceList = bt.AnnounceList
	response.InfoHash = sha1.Sum(bt.Info)
	err = bencode.DecodeBytes(bt.Info, &response.Info)
	if err != nil {
		d.log.Error("failed to decode torrent info", slog.Any("error", err))
		return response, err
	}

	response.Info.PiecesHashes, err = calculatePiecesHashes(response.Info.Pieces)
	if err != nil {
		d.log.Error("failed to calculate pieces hashes", slog.Any("error", err))
		return response, err
	}

	if len(response.Info.Files) == 0 {
		response.Info.SingleFile = true
		response.Info.Files = []models.File{{Length: response.Info.Length, Path: []string{response.Info.Name}}}
	}

	return response, nil
}

func calculatePiecesHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPieces, len(pieces))
	}

	piecesHashes := make([]models.Hash, 0, len(pieces)/20)
	reader := strings.NewReader(pieces)
	for {
		var hash models.Hash
		_, err := io.ReadFull(reader, hash[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		piecesHashes = append(piecesHashes, hash)
	}

	return piecesHashes, nil
}
