package filestorage

import (
	"os"

	"golang.org/x/sys/unix"
)

// Pieces are read in random order while verifying and uploading.
func disableReadAhead(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
