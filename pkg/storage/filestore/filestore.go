// Package filestore keeps partitions as directories on local disk.
//
// Layout of one partition:
//
//	<root>/<partition key>/manifest.json
//	<root>/<partition key>/scan-<id>.json
//	<root>/<partition key>/decision-<id>.json
//
// Record files are immutable. The manifest lists the committed ids and the
// latest pointer per kind, and is replaced with a rename, so a commit becomes
// visible in a single step. Readers only follow the manifest and never lock.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/costguard/ledger/pkg/namespace"
	"github.com/costguard/ledger/pkg/storage"
)

const manifestName = "manifest.json"

type kindIndex struct {
	IDs    []string `json:"ids"`
	Latest string   `json:"latest,omitempty"`
}

type manifest struct {
	Version int                        `json:"version"`
	Kinds   map[storage.Kind]kindIndex `json:"kinds"`
}

// Store is a storage.Backend over a directory tree. Writers to the same
// partition must share one Store.
type Store struct {
	root string
	log  logrus.FieldLogger

	locksMu sync.Mutex
	locks   map[namespace.PartitionKey]*sync.Mutex
}

var _ storage.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for directories Partitions passes over.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// New creates root if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("filestore: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		root:  root,
		locks: make(map[namespace.PartitionKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		s.log = discard
	}
	return s, nil
}

// Root returns the directory holding the partitions.
func (s *Store) Root() string { return s.root }

// RecordPath returns where a record file lives. Exposed for tooling and tests.
func (s *Store) RecordPath(key namespace.PartitionKey, kind storage.Kind, id string) string {
	return filepath.Join(s.root, string(key), recordName(kind, id))
}

func (s *Store) Commit(ctx context.Context, key namespace.PartitionKey, id string, writes ...storage.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.CheckCommit(id, writes); err != nil {
		return err
	}

	lock := s.partitionLock(key)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(s.root, string(key))
	m, err := readManifest(dir)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if contains(m.Kinds[w.Kind].IDs, id) {
			return fmt.Errorf("%w: %s %s/%s", storage.ErrDuplicateRecord, key, w.Kind, id)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	// Record files stay unreferenced until the manifest below lands.
	for _, w := range writes {
		if err := writeFileAtomic(dir, recordName(w.Kind, id), w.Data); err != nil {
			return fmt.Errorf("write %s record: %w", w.Kind, err)
		}
	}

	for _, w := range writes {
		idx := m.Kinds[w.Kind]
		idx.IDs = insertSorted(idx.IDs, id)
		if id > idx.Latest {
			idx.Latest = id
		}
		m.Kinds[w.Kind] = idx
	}
	m.Version++

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(dir, manifestName, raw); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, key namespace.PartitionKey, kind storage.Kind) (storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, err
	}
	dir := filepath.Join(s.root, string(key))
	m, err := readManifest(dir)
	if err != nil {
		return storage.Entry{}, err
	}
	id := m.Kinds[kind].Latest
	if id == "" {
		return storage.Entry{}, storage.ErrNotFound
	}
	e := readEntry(dir, kind, id)
	if e.Err != nil {
		return storage.Entry{}, e.Err
	}
	return e, nil
}

func (s *Store) History(ctx context.Context, key namespace.PartitionKey, kind storage.Kind) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, string(key))
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	ids := m.Kinds[kind].IDs
	entries := make([]storage.Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, readEntry(dir, kind, id))
	}
	return entries, nil
}

func (s *Store) Partitions(ctx context.Context) ([]namespace.PartitionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	keys := make([]namespace.PartitionKey, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		key, err := namespace.ParseKey(d.Name())
		if err != nil {
			s.log.WithField("dir", d.Name()).Debug("skipping directory that is not a partition key")
			continue
		}
		// Directories without a manifest, such as per-repo latest-*.json
		// trees from older deployments, are not partitions.
		if _, err := os.Stat(filepath.Join(s.root, d.Name(), manifestName)); err != nil {
			s.log.WithField("dir", d.Name()).WithError(err).Debug("skipping directory without manifest")
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Close is a no-op; files are not held open between calls.
func (s *Store) Close() error { return nil }

func (s *Store) partitionLock(key namespace.PartitionKey) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

func readManifest(dir string) (manifest, error) {
	m := manifest{Kinds: map[storage.Kind]kindIndex{}}
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: decode manifest %s: %v", storage.ErrCorrupt, dir, err)
	}
	if m.Kinds == nil {
		m.Kinds = map[storage.Kind]kindIndex{}
	}
	return m, nil
}

func readEntry(dir string, kind storage.Kind, id string) storage.Entry {
	e := storage.Entry{ID: id}
	path := filepath.Join(dir, recordName(kind, id))
	info, err := os.Stat(path)
	if err != nil {
		e.Err = fmt.Errorf("stat %s: %w", path, err)
		return e
	}
	data, err := os.ReadFile(path)
	if err != nil {
		e.Err = fmt.Errorf("read %s: %w", path, err)
		return e
	}
	e.Data = data
	e.ModTime = info.ModTime().UTC()
	return e
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func recordName(kind storage.Kind, id string) string {
	return string(kind) + "-" + id + ".json"
}

func contains(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
