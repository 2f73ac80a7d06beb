package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

var errInvalidPieceData = errors.New("invalid piece data")

// Info contains the geometry of the torrent data and the hashes of pieces.
type Info struct {
	PieceLength uint32     `bencode:"piece length" json:"piece_length"`
	Pieces      []byte     `bencode:"pieces" json:"-"`
	Name        string     `bencode:"name" json:"name"`
	Length      int64      `bencode:"length,omitempty" json:"length,omitempty"` // Single File Mode
	Files       []FileDict `bencode:"files,omitempty" json:"files,omitempty"`   // Multiple File mode

	// Calculated fields
	Hash        [20]byte    `bencode:"-" json:"-"`
	TotalLength int64       `bencode:"-" json:"total_length"`
	NumPieces   uint32      `bencode:"-" json:"num_pieces"`
	Bytes       []byte      `bencode:"-" json:"-"`
	FileEntries []FileEntry `bencode:"-" json:"-"`
}

// FileDict is a file in the "files" list of a multi-file torrent.
type FileDict struct {
	Length int64    `bencode:"length" json:"length"`
	Path   []string `bencode:"path" json:"path"`
}

// FileEntry is a file in the torrent with its position in the concatenated torrent data.
type FileEntry struct {
	// Path is relative to the torrent directory, slash separated.
	// For single file torrents it is the name of the torrent.
	Path   string
	Offset int64
	Length int64
}

// NewInfo returns info from bencoded bytes in b.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.PieceLength == 0 {
		return nil, errors.New("zero piece length")
	}
	if uint32(len(i.Pieces))%sha1.Size != 0 {
		return nil, errInvalidPieceData
	}
	// ".." is not allowed in file names
	for _, file := range i.Files {
		for _, p := range file.Path {
			if strings.TrimSpace(p) == ".." {
				return nil, fmt.Errorf("invalid file name: %q", filepath.Join(file.Path...))
			}
		}
	}
	i.NumPieces = uint32(len(i.Pieces)) / sha1.Size
	var offset int64
	for _, f := range i.GetFiles() {
		if f.Length < 0 {
			return nil, fmt.Errorf("invalid file length: %d", f.Length)
		}
		i.FileEntries = append(i.FileEntries, FileEntry{
			Path:   path.Join(f.Path...),
			Offset: offset,
			Length: f.Length,
		})
		offset += f.Length
	}
	i.TotalLength = offset
	totalPieceDataLength := int64(i.PieceLength) * int64(i.NumPieces)
	delta := totalPieceDataLength - i.TotalLength
	if delta >= int64(i.PieceLength) || delta < 0 {
		return nil, errInvalidPieceData
	}
	i.Bytes = b
	hash := sha1.New()   // nolint: gosec
	_, _ = hash.Write(b) // nolint: gosec
	copy(i.Hash[:], hash.Sum(nil))
	return &i, nil
}

// MultiFile returns true if the torrent contains a "files" list.
func (i *Info) MultiFile() bool {
	return len(i.Files) != 0
}

// HashOf returns the SHA-1 hash of piece at index.
func (i *Info) HashOf(index uint32) []byte {
	begin := index * sha1.Size
	end := begin + sha1.Size
	return i.Pieces[begin:end]
}

// PieceLengthOf returns the length of piece at index. Last piece may be shorter.
func (i *Info) PieceLengthOf(index uint32) uint32 {
	if index == i.NumPieces-1 {
		return uint32(i.TotalLength - int64(index)*int64(i.PieceLength))
	}
	return i.PieceLength
}

// GetFiles returns the files in torrent as a slice, even if there is a single file.
func (i *Info) GetFiles() []FileDict {
	if i.MultiFile() {
		return i.Files
	}
	return []FileDict{{i.Length, []string{i.Name}}}
}

// FindFile returns the file entry with the path.
func (i *Info) FindFile(p string) (FileEntry, bool) {
	p = path.Clean(filepath.ToSlash(p))
	for _, f := range i.FileEntries {
		if f.Path == p {
			return f, true
		}
	}
	return FileEntry{}, false
}

// NewInfoBytes creates a bencoded info dictionary by hashing the data read from r.
// Files are placed in the order given. Single file torrents are created when files has only one element.
func NewInfoBytes(name string, files []FileDict, pieceLength uint32, r io.Reader) ([]byte, error) {
	if pieceLength == 0 {
		return nil, errors.New("zero piece length")
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	var pieces []byte
	buf := make([]byte, pieceLength)
	for remaining := total; remaining > 0; {
		n := int64(pieceLength)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, err
		}
		sum := sha1.Sum(buf[:n]) // nolint: gosec
		pieces = append(pieces, sum[:]...)
		remaining -= n
	}
	info := Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
	}
	if len(files) == 1 {
		info.Length = files[0].Length
	} else {
		info.Files = files
	}
	return bencode.EncodeBytes(info)
}
