package nsfw

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Store is a persistent blob store addressed by file name. Read returns
// ErrCacheMiss for entries that are absent or empty; any other error is an
// I/O failure.
type Store interface {
	Has(name string) bool
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	Close() error
}

// OpenStore opens the store selected by cfg.CacheDriver.
func OpenStore(cfg Config) (Store, error) {
	switch cfg.CacheDriver {
	case "", CacheDriverDir:
		return NewDirStore(cfg.CacheDir)
	case CacheDriverBolt:
		return NewBoltStore(filepath.Join(cfg.CacheDir, "artifacts.db"))
	}
	return nil, fmt.Errorf("unknown cache driver %q", cfg.CacheDriver)
}

type artifactMeta struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	StoredAt time.Time `json:"stored_at"`
}

// DirStore keeps one file per artifact plus a <name>.meta.json sidecar.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, err
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) path(name string) (string, error) {
	n := safeName(name)
	if n == "" {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(s.dir, n), nil
}

func (s *DirStore) Has(name string) bool {
	p, err := s.path(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func (s *DirStore) Read(name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, ErrCacheMiss
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrCacheMiss
	}

	if meta, err := s.readMeta(p); err == nil && meta.SHA256 != "" && meta.SHA256 != digest(data) {
		return nil, fmt.Errorf("cached %s does not match its recorded digest", name)
	}
	return data, nil
}

// Write stores data through a temp file and a rename, so readers never see a
// partially written artifact.
func (s *DirStore) Write(name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}

	return s.saveMeta(p, artifactMeta{
		Name:     filepath.Base(p),
		Size:     int64(len(data)),
		SHA256:   digest(data),
		StoredAt: time.Now().UTC(),
	})
}

func (s *DirStore) Close() error { return nil }

func (s *DirStore) readMeta(p string) (artifactMeta, error) {
	data, err := os.ReadFile(p + ".meta.json")
	if err != nil {
		return artifactMeta{}, err
	}
	var meta artifactMeta
	err = jsoniter.Unmarshal(data, &meta)
	return meta, err
}

func (s *DirStore) saveMeta(p string, meta artifactMeta) error {
	data, err := jsoniter.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(p+".meta.json", data, 0o660)
}

var artifactsBucket = []byte("artifacts")

// BoltStore keeps artifacts in a single bolt database file.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o660, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create artifacts bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Has(name string) bool {
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = len(tx.Bucket(artifactsBucket).Get([]byte(name))) > 0
		return nil
	})
	return found
}

func (s *BoltStore) Read(name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(artifactsBucket).Get([]byte(name))
		if len(v) == 0 {
			return ErrCacheMiss
		}
		// v is only valid inside the transaction
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) Write(name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Put([]byte(name), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Cache is the fail-open view of a Store used during acquisition: I/O
// failures are logged and reported as misses.
type Cache struct {
	store  Store
	pin    string // expected sha256, optional
	logger logrus.FieldLogger
}

func NewCache(store Store, sha256Pin string, logger logrus.FieldLogger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{store: store, pin: sha256Pin, logger: logger}
}

func (c *Cache) Has(name string) bool {
	return c.store.Has(name)
}

// Read returns the cached bytes and true on a hit.
func (c *Cache) Read(name string) ([]byte, bool) {
	data, err := c.store.Read(name)
	switch {
	case errors.Is(err, ErrCacheMiss):
		c.logger.WithField("artifact", name).Debug("Artifact not in cache")
		return nil, false
	case err != nil:
		c.logger.WithField("artifact", name).Warnf("Unable to read cached artifact, refetching: %v", err)
		return nil, false
	}
	if c.pin != "" && digest(data) != c.pin {
		c.logger.WithField("artifact", name).Warn("Cached artifact does not match pinned sha256, refetching")
		return nil, false
	}
	return data, true
}

// Write is best effort; the artifact is already usable from memory.
func (c *Cache) Write(name string, data []byte) bool {
	if err := c.store.Write(name, data); err != nil {
		c.logger.WithField("artifact", name).Errorf("Storage of artifact failed: %v", err)
		return false
	}
	c.logger.WithField("artifact", name).Infof("Stored %d bytes", len(data))
	return true
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
