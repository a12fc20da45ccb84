package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"path"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/sb10/cmdproxy/cmderr"
	"github.com/sb10/cmdproxy/internal/sysutil"
	"github.com/sb10/cmdproxy/rp"
)

// SFTPStore is the alternate Store backend for sites that would rather point
// cmdproxy at an existing fileserver than run the embedded bbolt database.
// Blobs are stored as individual compressed files under baseDir/blobs, with
// a small JSON index file tracking which blob ids are current for each name.
// Unlike BBoltStore there is no transactional guarantee across the
// read-modify-write of the index: concurrent writers racing on the same name
// have an undefined winner, matching spec.md §5's note on concurrent puts.
type SFTPStore struct {
	client  *sftp.Client
	sshConn *ssh.Client
	baseDir string

	mu        sync.Mutex
	protector *rp.Protector
	log       log15.Logger
}

// SFTPConfig names the remote host an SFTPStore connects to.
type SFTPConfig struct {
	Addr    string
	Config  *ssh.ClientConfig
	BaseDir string
}

// NewSFTPStore dials addr over SSH and opens an SFTP session rooted at
// cfg.BaseDir, creating the blob and index layout if it doesn't exist yet.
func NewSFTPStore(cfg SFTPConfig, maxConcurrentTransfers int, logger log15.Logger) (*SFTPStore, error) {
	conn, err := ssh.Dial("tcp", cfg.Addr, cfg.Config)
	if err != nil {
		return nil, cmderr.Wrap(cmderr.ServerEnd, "dialing sftp blob store at "+cfg.Addr, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, cmderr.Wrap(cmderr.ServerEnd, "starting sftp session", err)
	}

	if err := client.MkdirAll(path.Join(cfg.BaseDir, "blobs")); err != nil {
		client.Close()
		conn.Close()
		return nil, cmderr.Wrap(cmderr.ServerEnd, "creating remote blob directory", err)
	}

	if logger == nil {
		logger = log15.New()
	}

	return &SFTPStore{
		client:    client,
		sshConn:   conn,
		baseDir:   cfg.BaseDir,
		protector: rp.New("sftpstore", 0, maxConcurrentTransfers, time.Hour),
		log:       logger.New("component", "blobstore.sftp"),
	}, nil
}

// Close ends the SFTP session and the underlying SSH connection.
func (s *SFTPStore) Close() error {
	cerr := s.client.Close()
	serr := s.sshConn.Close()
	if cerr != nil {
		return cerr
	}
	return serr
}

func (s *SFTPStore) indexPath() string {
	return path.Join(s.baseDir, "index.json")
}

func (s *SFTPStore) blobPath(id string) string {
	return path.Join(s.baseDir, "blobs", id)
}

func (s *SFTPStore) loadIndex() (map[string][]string, error) {
	f, err := s.client.Open(s.indexPath())
	if err != nil {
		return map[string][]string{}, nil
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, cmderr.Wrap(cmderr.ServerEnd, "reading remote blob index", err)
	}
	if len(data) == 0 {
		return map[string][]string{}, nil
	}

	index := map[string][]string{}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, cmderr.Wrap(cmderr.ServerEnd, "decoding remote blob index", err)
	}
	return index, nil
}

func (s *SFTPStore) saveIndex(index map[string][]string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return cmderr.Wrap(cmderr.ServerEnd, "encoding remote blob index", err)
	}

	f, err := s.client.Create(s.indexPath())
	if err != nil {
		return cmderr.Wrap(cmderr.ServerEnd, "writing remote blob index", err)
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (s *SFTPStore) gate(name string) (func(), error) {
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
func (s *SFTPStore) Put(ctx context.Context, name string, r io.Reader) error {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return cmderr.Wrap(cmderr.BlobConflict, "reading blob content for "+name, err)
	}

	release, err := s.gate(name)
	if err != nil {
		return err
	}
	defer release()

	compressed, err := sysutil.Compress(data)
	if err != nil {
		return cmderr.Wrap(cmderr.BlobConflict, "compressing blob for "+name, err)
	}

	id := uuid.Must(uuid.NewV4()).String()
	f, err := s.client.Create(s.blobPath(id))
	if err != nil {
		return cmderr.Wrap(cmderr.ServerEnd, "creating remote blob file for "+name, err)
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		return cmderr.Wrap(cmderr.ServerEnd, "writing remote blob file for "+name, err)
	}
	if err := f.Close(); err != nil {
		return cmderr.Wrap(cmderr.ServerEnd, "closing remote blob file for "+name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	index[name] = append(index[name], id)
	return s.saveIndex(index)
}

// Get returns the current entry stored under name.
func (s *SFTPStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	release, err := s.gate(name)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	index, err := s.loadIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ids := index[name]
	if len(ids) == 0 {
		return nil, cmderr.Newf(cmderr.BlobMissing, "no blob stored under name %q", name)
	}

	f, err := s.client.Open(s.blobPath(ids[0]))
	if err != nil {
		return nil, cmderr.Wrap(cmderr.BlobMissing, "opening remote blob for "+name, err)
	}
	defer f.Close()

	compressed, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, cmderr.Wrap(cmderr.ServerEnd, "reading remote blob for "+name, err)
	}

	data, err := sysutil.Decompress(compressed)
	if err != nil {
		return nil, cmderr.Wrap(cmderr.BlobConflict, "decompressing blob for "+name, err)
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether any entry is currently stored under name.
func (s *SFTPStore) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndex()
	if err != nil {
		return false, err
	}
	return len(index[name]) > 0, nil
}

// DeleteByName removes every entry stored under name. It is idempotent: a
// name with no entries is left untouched and no error is returned.
func (s *SFTPStore) DeleteByName(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	ids, ok := index[name]
	if !ok {
		return nil
	}

	for _, id := range ids {
		if err := s.client.Remove(s.blobPath(id)); err != nil {
			s.log.Warn("failed to remove remote blob file, continuing", "name", name, "id", id, "err", err)
		}
	}

	delete(index, name)
	return s.saveIndex(index)
}
