package blobstore

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/inconshreveable/log15"
	bolt "go.etcd.io/bbolt"

	"github.com/sb10/cmdproxy/cmderr"
	"github.com/sb10/cmdproxy/internal/sysutil"
	"github.com/sb10/cmdproxy/rp"
)

var (
	blobsBucket = []byte("blobs")
	refsBucket  = []byte("refs")
	namesBucket = []byte("names")
)

// BBoltStore is the default Store backend: a single embedded bbolt database
// file, content-addressed so that identical blobs put under different names
// share a single compressed copy on disk, reference-counted so a blob is
// only removed once every name referencing it has been deleted. This mirrors
// the GridFS-backed store of the original system, reimplemented on top of
// the same embedded-database-plus-content-hashing approach the teacher uses
// for its own on-disk state.
type BBoltStore struct {
	db        *bolt.DB
	protector *rp.Protector
	log       log15.Logger
}

// NewBBoltStore opens (creating if necessary) a bbolt database at path and
// wraps it as a Store. maxConcurrentTransfers bounds how many Put/Get calls
// may be in flight at once on this store, via a single rp.Protector shared by
// every hostname; transfers are not limited per hostname.
func NewBBoltStore(path string, maxConcurrentTransfers int, logger log15.Logger) (*BBoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, cmderr.Wrap(cmderr.BlobMissing, "opening blob store database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{blobsBucket, refsBucket, namesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, cmderr.Wrap(cmderr.BlobMissing, "initialising blob store buckets", err)
	}

	if logger == nil {
		logger = log15.New()
	}

	return &BBoltStore{
		db:        db,
		protector: rp.New("bboltstore", 0, maxConcurrentTransfers, time.Hour),
		log:       logger.New("component", "blobstore.bbolt"),
	}, nil
}

// Close releases the underlying database file.
func (s *BBoltStore) Close() error {
	return s.db.Close()
}

func (s *BBoltStore) gate(ctx context.Context, name string) (func(), error) {
	receipt, err := s.protector.Request(1, time.Hour)
	if err != nil {
		return nil, cmderr.Wrap(cmderr.ServerEnd, "acquiring transfer token for "+hostnameOf(name), err)
	}
	if !s.protector.WaitUntilGranted(receipt) {
		return nil, cmderr.Newf(cmderr.ServerEnd, "transfer token for %s was never granted", hostnameOf(name))
	}
	return func() { s.protector.Release(receipt) }, nil
}

// Put stores the content read from r under name, creating a new entry.
func (s *BBoltStore) Put(ctx context.Context, name string, r io.Reader) error {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return cmderr.Wrap(cmderr.BlobConflict, "reading blob content for "+name, err)
	}

	release, err := s.gate(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	compressed, err := sysutil.Compress(data)
	if err != nil {
		return cmderr.Wrap(cmderr.BlobConflict, "compressing blob for "+name, err)
	}
	hash := sysutil.HashKey(compressed)

	err = s.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(blobsBucket)
		refs := tx.Bucket(refsBucket)
		names := tx.Bucket(namesBucket)

		if blobs.Get([]byte(hash)) == nil {
			if err := blobs.Put([]byte(hash), compressed); err != nil {
				return err
			}
		}

		count := refCount(refs, hash)
		if err := refs.Put([]byte(hash), []byte(strconv.Itoa(count+1))); err != nil {
			return err
		}

		entries := appendEntry(names.Get([]byte(name)), hash)
		return names.Put([]byte(name), entries)
	})
	if err != nil {
		return cmderr.Wrap(cmderr.BlobConflict, "writing blob entry for "+name, err)
	}

	s.log.Debug("stored blob", "name", name, "size", bytefmt.ByteSize(uint64(len(data))))
	return nil
}

// Get returns the current entry stored under name.
func (s *BBoltStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	release, err := s.gate(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	var compressed []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		entries := splitEntries(tx.Bucket(namesBucket).Get([]byte(name)))
		if len(entries) == 0 {
			return cmderr.Newf(cmderr.BlobMissing, "no blob stored under name %q", name)
		}
		compressed = append([]byte(nil), tx.Bucket(blobsBucket).Get([]byte(entries[0]))...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if compressed == nil {
		return nil, cmderr.Newf(cmderr.BlobMissing, "blob content for %q is missing from the store", name)
	}

	data, err := sysutil.Decompress(compressed)
	if err != nil {
		return nil, cmderr.Wrap(cmderr.BlobConflict, "decompressing blob for "+name, err)
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether any entry is currently stored under name.
func (s *BBoltStore) Exists(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = len(splitEntries(tx.Bucket(namesBucket).Get([]byte(name)))) > 0
		return nil
	})
	return found, err
}

// DeleteByName removes every entry stored under name. It is idempotent: a
// name with no entries is left untouched and no error is returned.
func (s *BBoltStore) DeleteByName(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(namesBucket)
		entries := splitEntries(names.Get([]byte(name)))
		if len(entries) == 0 {
			return nil
		}

		refs := tx.Bucket(refsBucket)
		blobs := tx.Bucket(blobsBucket)
		for _, hash := range entries {
			count := refCount(refs, hash) - 1
			if count <= 0 {
				if err := refs.Delete([]byte(hash)); err != nil {
					return err
				}
				if err := blobs.Delete([]byte(hash)); err != nil {
					return err
				}
				continue
			}
			if err := refs.Put([]byte(hash), []byte(strconv.Itoa(count))); err != nil {
				return err
			}
		}

		return names.Delete([]byte(name))
	})
}

func refCount(refs *bolt.Bucket, hash string) int {
	raw := refs.Get([]byte(hash))
	if raw == nil {
		return 0
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0
	}
	return n
}

func appendEntry(existing []byte, hash string) []byte {
	if len(existing) == 0 {
		return []byte(hash)
	}
	return append(append(existing, '\n'), []byte(hash)...)
}

func splitEntries(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), "\n")
}
