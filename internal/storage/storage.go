// Package storage contains the interfaces for reading and writing torrent data.
package storage

import "io"

// Sink stores the torrent data. Offsets are positions in the concatenation of all files in the torrent.
type Sink interface {
	io.ReaderAt
	io.WriterAt
	// OnDownloadComplete is called once each time the selected data is fully downloaded.
	OnDownloadComplete()
}

// File interface for reading/writing a single file in torrent.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}
