package recordstore

import (
	"encoding/binary"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

const (
	// nameLenSize is the size of the little-endian name length prefix.
	nameLenSize = 4

	// maxProbes bounds linear probing when filenames collide.
	maxProbes = 1024

	tmpSuffix = ".tmp"
)

// Hasher maps a record name to its base filename slot.
type Hasher func(name string) uint64

// diskStoreConfig holds configuration for the DiskStore.
type diskStoreConfig struct {
	hasher   Hasher
	logger   *zap.Logger
	dirPerm  os.FileMode
	filePerm os.FileMode
}

func defaultDiskStoreConfig() diskStoreConfig {
	return diskStoreConfig{
		hasher:   xxhash.Sum64String,
		logger:   zap.NewNop(),
		dirPerm:  0o700, // node directories are private to the host
		filePerm: 0o600,
	}
}

// DiskStoreOption configures a DiskStore instance.
type DiskStoreOption func(*diskStoreConfig)

// WithHasher replaces the filename hash. Tests use it to force collisions.
func WithHasher(h Hasher) DiskStoreOption {
	return func(c *diskStoreConfig) {
		if h != nil {
			c.hasher = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DiskStoreOption {
	return func(c *diskStoreConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFilePermissions sets the permissions of record files. Default is 0o600.
func WithFilePermissions(perm os.FileMode) DiskStoreOption {
	return func(c *diskStoreConfig) {
		c.filePerm = perm
	}
}

// DiskStore keeps each record in its own file:
//
//	[u32 LE name length][name][value]
//
// The filename is the hash of the name. Colliding names probe the next slot
// (hash+1, hash+2, ...). Since the name is embedded, every read verifies the
// file still belongs to the requested record.
type DiskStore struct {
	config  diskStoreConfig
	logger  *zap.Logger
	records map[string]*diskRecord
	dir     string
	mu      sync.Mutex
}

type diskRecord struct {
	filename string
	open     bool
}

var _ ports.StorageBackend = (*DiskStore)(nil)

// NewDiskStore creates the store rooted at dir, creating it if needed, and
// indexes the records already there.
func NewDiskStore(dir string, opts ...DiskStoreOption) (*DiskStore, error) {
	cfg := defaultDiskStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	s := &DiskStore{
		config:  cfg,
		logger:  cfg.logger.With(zap.String("component", "disk_store"), zap.String("dir", dir)),
		dir:     dir,
		records: make(map[string]*diskRecord),
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the node directory.
func (s *DiskStore) Dir() string {
	return s.dir
}

func (s *DiskStore) index() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list storage directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			_ = os.Remove(s.path(e.Name()))
			continue
		}
		name, err := s.readName(e.Name())
		if err != nil {
			s.logger.Debug("skipping unreadable record file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if _, dup := s.records[name]; dup {
			continue
		}
		s.records[name] = &diskRecord{filename: e.Name()}
	}
	return nil
}

// Open marks name open. A new record gets the first probed filename no other
// record uses.
func (s *DiskStore) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[name]; ok {
		if rec.open {
			return domerrors.ErrRecordInUse
		}
		rec.open = true
		return nil
	}

	used := make(map[string]struct{}, len(s.records))
	for _, rec := range s.records {
		used[rec.filename] = struct{}{}
	}
	base := s.config.hasher(name)
	for i := uint64(0); i < maxProbes; i++ {
		fname := strconv.FormatUint(base+i, 10)
		if _, taken := used[fname]; taken {
			s.logger.Debug("filename collision", zap.String("file", fname))
			continue
		}
		s.records[name] = &diskRecord{filename: fname, open: true}
		return nil
	}
	return fmt.Errorf("no free filename after %d probes", maxProbes)
}

// Read returns the value of an open record. A missing, truncated or otherwise
// malformed file reads as empty; a file holding another name is corrupt.
func (s *DiskStore) Read(name string) ([]byte, error) {
	fname, err := s.filename(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(fname))
	if stdErrors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	stored, value, ok := decodeRecord(data)
	if !ok {
		s.logger.Warn("malformed record file reads as empty", zap.String("file", fname))
		return nil, nil
	}
	if stored != name {
		s.logger.Error("record file holds another name", zap.String("file", fname))
		return nil, domerrors.ErrRecordCorrupted
	}
	return value, nil
}

// Write replaces the record through a temporary file and rename. An empty
// value removes the file.
func (s *DiskStore) Write(name string, data []byte) error {
	fname, err := s.filename(name)
	if err != nil {
		return err
	}
	path := s.path(fname)
	if len(data) == 0 {
		if err := os.Remove(path); err != nil && !stdErrors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete record file: %w", err)
		}
		return nil
	}

	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, encodeRecord(name, data), s.config.filePerm); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write record file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit record file: %w", err)
	}
	return nil
}

// Close releases name. A record without a file is forgotten so its filename
// can be reused.
func (s *DiskStore) Close(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return nil
	}
	rec.open = false
	if _, err := os.Stat(s.path(rec.filename)); stdErrors.Is(err, os.ErrNotExist) {
		delete(s.records, name)
	}
	return nil
}

// RecordNames lists every known record in sorted order.
func (s *DiskStore) RecordNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *DiskStore) filename(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok || !rec.open {
		return "", domerrors.ErrRecordNotOpen
	}
	return rec.filename, nil
}

func (s *DiskStore) path(fname string) string {
	return filepath.Join(s.dir, fname)
}

var errMalformed = stdErrors.New("malformed record file")

// readName reads only the embedded name of a record file.
func (s *DiskStore) readName(fname string) (string, error) {
	f, err := os.Open(s.path(fname))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var lenBuf [nameLenSize]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return "", errMalformed
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > entities.MaxRecordNameSize {
		return "", errMalformed
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(f, name); err != nil {
		return "", errMalformed
	}
	return string(name), nil
}

func encodeRecord(name string, value []byte) []byte {
	buf := make([]byte, nameLenSize+len(name)+len(value))
	binary.LittleEndian.PutUint32(buf, uint32(len(name)))
	copy(buf[nameLenSize:], name)
	copy(buf[nameLenSize+len(name):], value)
	return buf
}

func decodeRecord(data []byte) (name string, value []byte, ok bool) {
	if len(data) < nameLenSize {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint32(data))
	if n == 0 || n > entities.MaxRecordNameSize || n > len(data)-nameLenSize {
		return "", nil, false
	}
	return string(data[nameLenSize : nameLenSize+n]), data[nameLenSize+n:], true
}
