package models

import "encoding/hex"

type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int    `bencode:"length"`
	PieceLength  int    `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
	Files        []File `bencode:"files,omitempty"`
	// SingleFile is set by the decoder when the info dictionary carries a
	// top-level length; Files then holds one synthetic entry named after Name.
	SingleFile bool `bencode:"-"`
}

type File struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

// TotalLength is the size of the concatenated file stream.
func (i Info) TotalLength() int {
	if len(i.Files) == 0 {
		return i.Length
	}
	total := 0
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

type Hash [20]byte

func (h Hash) String() string {
	return string(h[:])
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}
