// Package filestorage implements storage.Sink interface that uses files as storage.
package filestorage

import (
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/cenkalti/piecestorage/internal/logger"
	"github.com/cenkalti/piecestorage/internal/metainfo"
	"github.com/cenkalti/piecestorage/internal/storage"
	"github.com/spf13/afero"
)

// FileStorage maps the torrent data to files under a destination directory.
// Multi-file torrents are stored in a directory named after the torrent.
type FileStorage struct {
	fs     afero.Fs
	dest   string
	files  []section
	exists bool
	length int64

	// OnComplete is called from OnDownloadComplete after files are synced.
	OnComplete func()

	log logger.Logger
}

type section struct {
	file   afero.File
	name   string
	offset int64
	length int64
}

var _ storage.Sink = (*FileStorage)(nil)

// New opens or creates the files of the torrent under dest.
// Existing files are truncated to their size in torrent.
func New(fs afero.Fs, dest string, info *metainfo.Info) (*FileStorage, error) {
	s := &FileStorage{
		fs:     fs,
		dest:   dest,
		exists: true,
		length: info.TotalLength,
		log:    logger.New("storage " + info.Name),
	}
	for _, fe := range info.FileEntries {
		name := fe.Path
		if info.MultiFile() {
			name = path.Join(info.Name, name)
		}
		f, exists, err := s.open(name, fe.Length)
		if err != nil {
			s.Close()
			return nil, err
		}
		if !exists {
			s.exists = false
		}
		s.files = append(s.files, section{
			file:   f,
			name:   name,
			offset: fe.Offset,
			length: fe.Length,
		})
	}
	return s, nil
}

// Dest returns the destination directory.
func (s *FileStorage) Dest() string {
	return s.dest
}

// Exists returns true if all files were present before New is called.
func (s *FileStorage) Exists() bool {
	return s.exists
}

func (s *FileStorage) open(name string, size int64) (f afero.File, exists bool, err error) {
	name = filepath.Clean(filepath.FromSlash(name))

	// All files are saved under dest.
	name = filepath.Join(s.dest, name)

	// Create containing dir if not exists.
	err = s.fs.MkdirAll(filepath.Dir(name), os.ModeDir|0750)
	if err != nil {
		return
	}

	// Make sure file is closed in case of any error.
	defer func() {
		if err != nil && f != nil {
			_ = f.Close()
			f = nil
		}
	}()

	const mode = 0640
	f, err = s.fs.OpenFile(name, os.O_RDWR, mode)
	if os.IsNotExist(err) {
		f, err = s.fs.OpenFile(name, os.O_RDWR|os.O_CREATE, mode)
		if err != nil {
			return
		}
		err = f.Truncate(size)
		return
	}
	if err != nil {
		return
	}
	exists = true
	if of, ok := f.(*os.File); ok {
		if err2 := disableReadAhead(of); err2 != nil {
			s.log.Debugf("cannot disable read-ahead for %s: %s", name, err2)
		}
	}
	fi, err := f.Stat()
	if err != nil {
		return
	}
	if fi.Size() != size {
		err = f.Truncate(size)
	}
	return
}

// ReadAt reads len(p) bytes of torrent data starting at off.
func (s *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, os.ErrInvalid
	}
	for _, sec := range s.files {
		if len(p) == 0 {
			return
		}
		if sec.length == 0 || off >= sec.offset+sec.length {
			continue
		}
		b := p
		if rest := sec.offset + sec.length - off; int64(len(b)) > rest {
			b = b[:rest]
		}
		m, rerr := sec.file.ReadAt(b, off-sec.offset)
		n += m
		if rerr != nil && !(rerr == io.EOF && m == len(b)) {
			return n, rerr
		}
		p = p[m:]
		off += int64(m)
	}
	if len(p) > 0 {
		err = io.EOF
	}
	return
}

// WriteAt writes p into the files starting at torrent offset off.
func (s *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > s.length {
		return 0, os.ErrInvalid
	}
	for _, sec := range s.files {
		if len(p) == 0 {
			return
		}
		if sec.length == 0 || off >= sec.offset+sec.length {
			continue
		}
		b := p
		if rest := sec.offset + sec.length - off; int64(len(b)) > rest {
			b = b[:rest]
		}
		var m int
		m, err = sec.file.WriteAt(b, off-sec.offset)
		n += m
		if err != nil {
			return
		}
		if m < len(b) {
			err = io.ErrShortWrite
			return
		}
		p = p[m:]
		off += int64(m)
	}
	return
}

// Sync commits the contents of files to stable storage.
func (s *FileStorage) Sync() error {
	for _, sec := range s.files {
		if err := sec.file.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// OnDownloadComplete syncs files and calls OnComplete.
func (s *FileStorage) OnDownloadComplete() {
	if err := s.Sync(); err != nil {
		s.log.Errorln("cannot sync files:", err.Error())
	}
	s.log.Infoln("download completed:", s.dest)
	if s.OnComplete != nil {
		s.OnComplete()
	}
}

// Close all open files.
func (s *FileStorage) Close() error {
	var err error
	for _, sec := range s.files {
		if cerr := sec.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.files = nil
	return err
}
