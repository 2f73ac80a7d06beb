// Package metainfo support for reading torrent files.
package metainfo

import (
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// MetaInfo file dictionary
type MetaInfo struct {
	Info Info
}

// New returns a torrent from bencoded stream.
func New(r io.Reader) (*MetaInfo, error) {
	var t struct {
		Info bencode.RawMessage `bencode:"info"`
	}
	err := bencode.NewDecoder(r).Decode(&t)
	if err != nil {
		return nil, err
	}
	if len(t.Info) == 0 {
		return nil, errors.New("no info dict in torrent file")
	}
	info, err := NewInfo(t.Info)
	if err != nil {
		return nil, err
	}
	return &MetaInfo{Info: *info}, nil
}

// NewBytes creates a new torrent metadata file from bencoded info dictionary.
func NewBytes(info []byte) ([]byte, error) {
	mi := struct {
		Info bencode.RawMessage `bencode:"info"`
	}{
		Info: info,
	}
	return bencode.EncodeBytes(mi)
}
