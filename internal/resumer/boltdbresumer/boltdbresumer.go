// Package boltdbresumer provides a Resumer implementation that uses a Bolt database file as storage.
package boltdbresumer

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/piecestorage/internal/resumer"
	"github.com/zeebo/bencode"
	bolt "go.etcd.io/bbolt"
)

// ErrLocked is returned from Open when another process holds the database file.
var ErrLocked = errors.New("resume database is locked by another process")

// Keys for the persistent storage.
var Keys = struct {
	InfoHash      []byte
	Name          []byte
	Dest          []byte
	Bitfield      []byte
	PartialPieces []byte
	AddedAt       []byte
}{
	InfoHash:      []byte("info_hash"),
	Name:          []byte("name"),
	Dest:          []byte("dest"),
	Bitfield:      []byte("bitfield"),
	PartialPieces: []byte("partial_pieces"),
	AddedAt:       []byte("added_at"),
}

// Open the database file at path. Opening is retried with exponential back-off while
// the file is locked, until maxWait passes.
func Open(path string, maxWait time.Duration) (*bolt.DB, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = maxWait
	var db *bolt.DB
	err := backoff.Retry(func() error {
		var err error
		db, err = bolt.Open(path, 0640, &bolt.Options{Timeout: 100 * time.Millisecond})
		if err == bolt.ErrTimeout {
			return ErrLocked
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Resumer contains methods for saving/loading resume information of downloads to a BoltDB database.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
}

// New returns a new Resumer.
func New(db *bolt.DB, bucket []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:     db,
		bucket: bucket,
	}, nil
}

// Write the spec for download with `id`.
func (r *Resumer) Write(id string, spec *resumer.Spec) error {
	partial, err := bencode.EncodeBytes(spec.PartialPieces)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		_ = b.Put(Keys.InfoHash, spec.InfoHash)
		_ = b.Put(Keys.Name, []byte(spec.Name))
		_ = b.Put(Keys.Dest, []byte(spec.Dest))
		_ = b.Put(Keys.Bitfield, spec.Bitfield)
		_ = b.Put(Keys.PartialPieces, partial)
		_ = b.Put(Keys.AddedAt, []byte(spec.AddedAt.Format(time.RFC3339)))
		return nil
	})
}

// WriteBitfield writes only bitfield of a download.
func (r *Resumer) WriteBitfield(id string, value []byte) error {
	return r.put(id, Keys.Bitfield, value)
}

// WritePartialPieces writes only the partial pieces of a download.
func (r *Resumer) WritePartialPieces(id string, pieces []resumer.PartialPiece) error {
	value, err := bencode.EncodeBytes(pieces)
	if err != nil {
		return err
	}
	return r.put(id, Keys.PartialPieces, value)
}

func (r *Resumer) put(id string, key, value []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket([]byte(id))
		if b == nil {
			return fmt.Errorf("bucket not found: %q", id)
		}
		return b.Put(key, value)
	})
}

// Read the spec of download with `id`.
func (r *Resumer) Read(id string) (*resumer.Spec, error) {
	var spec *resumer.Spec
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket([]byte(id))
		if b == nil {
			return fmt.Errorf("bucket not found: %q", id)
		}

		value := b.Get(Keys.InfoHash)
		if value == nil {
			return fmt.Errorf("key not found: %q", string(Keys.InfoHash))
		}

		spec = new(resumer.Spec)
		spec.InfoHash = make([]byte, len(value))
		copy(spec.InfoHash, value)

		value = b.Get(Keys.Name)
		if value != nil {
			spec.Name = string(value)
		}

		value = b.Get(Keys.Dest)
		if value != nil {
			spec.Dest = string(value)
		}

		value = b.Get(Keys.Bitfield)
		if value != nil {
			spec.Bitfield = make([]byte, len(value))
			copy(spec.Bitfield, value)
		}

		var err error
		value = b.Get(Keys.PartialPieces)
		if len(value) > 0 {
			err = bencode.DecodeBytes(value, &spec.PartialPieces)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.AddedAt)
		if value != nil {
			spec.AddedAt, err = time.Parse(time.RFC3339, string(value))
			if err != nil {
				return err
			}
		}
		return nil
	})
	return spec, err
}

// Find returns the id of the download with the info hash.
func (r *Resumer) Find(infoHash []byte) (id string, found bool, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).ForEach(func(k, v []byte) error {
			if v != nil || found {
				return nil
			}
			b := tx.Bucket(r.bucket).Bucket(k)
			if bytes.Equal(b.Get(Keys.InfoHash), infoHash) {
				id = string(k)
				found = true
			}
			return nil
		})
	})
	return
}

// Delete the resume information of download with `id`.
func (r *Resumer) Delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(r.bucket).DeleteBucket([]byte(id))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// Download returns a resumer.Resumer for the download with `id`.
func (r *Resumer) Download(id string) *Download {
	return &Download{r: r, id: id}
}

// Download is the resumer of a single download in the database.
type Download struct {
	r  *Resumer
	id string
}

var _ resumer.Resumer = (*Download)(nil)

// WriteBitfield implements resumer.Resumer.
func (d *Download) WriteBitfield(b []byte) error { return d.r.WriteBitfield(d.id, b) }

// WritePartialPieces implements resumer.Resumer.
func (d *Download) WritePartialPieces(pp []resumer.PartialPiece) error {
	return d.r.WritePartialPieces(d.id, pp)
}

// Read implements resumer.Resumer.
func (d *Download) Read() (*resumer.Spec, error) { return d.r.Read(d.id) }
