package piecestorage

import (
	"sort"

	"github.com/cenkalti/piecestorage/internal/metainfo"
)

// SetFileFilter restricts the download to the files at paths.
// Paths are relative to the torrent directory and slash separated.
// If any of the paths does not exist in torrent, a *FileNotFoundError is returned and the filter is not changed.
// Empty paths does nothing.
func (s *PieceStorage) SetFileFilter(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	files := make([]metainfo.FileEntry, 0, len(paths))
	for _, p := range paths {
		f, ok := s.info.FindFile(p)
		if !ok {
			return &FileNotFoundError{Path: p}
		}
		files = append(files, f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setFileFilter(files)
	return nil
}

// SetFileFilterByIndex is same as SetFileFilter but files are given with their 1-based position in torrent.
// Duplicate indexes are ignored. Returns *FileIndexError if any index is out of range.
func (s *PieceStorage) SetFileFilterByIndex(indexes []int) error {
	if len(indexes) == 0 {
		return nil
	}
	sorted := make([]int, len(indexes))
	copy(sorted, indexes)
	sort.Ints(sorted)
	files := make([]metainfo.FileEntry, 0, len(sorted))
	for i, idx := range sorted {
		if i > 0 && sorted[i-1] == idx {
			continue
		}
		if idx < 1 || idx > len(s.info.FileEntries) {
			return &FileIndexError{Index: idx}
		}
		f := s.info.FileEntries[idx-1]
		s.log.Debugf("index=%d is %s", idx, f.Path)
		files = append(files, f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setFileFilter(files)
	return nil
}

func (s *PieceStorage) setFileFilter(files []metainfo.FileEntry) {
	s.pieces.ClearFilter()
	for _, f := range files {
		s.log.Debugf("selecting file %s offset=%d length=%d", f.Path, f.Offset, f.Length)
		s.pieces.AddFilter(f.Offset, f.Length)
	}
	s.pieces.EnableFilter()
	s.downloaded = s.pieces.FilteredAllSet()
}

// ClearFileFilter removes the file selection so that all pieces are downloaded.
func (s *PieceStorage) ClearFileFilter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces.ClearFilter()
	s.downloaded = s.pieces.AllSet()
}
