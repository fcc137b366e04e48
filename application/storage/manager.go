package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/infrastructure/recordstore"
)

// StorageDirName is the directory under the profile holding node directories.
var StorageDirName = filepath.Join("gmp", "storage")

type managerConfig struct {
	diskOptions    []recordstore.DiskStoreOption
	serviceOptions []ServiceOption
	logger         *zap.Logger
	profileDir     string
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

// WithProfileDir enables disk persistence under
// <dir>/gmp/storage/<nodeId>/. Without it every node is memory backed.
func WithProfileDir(dir string) ManagerOption {
	return func(c *managerConfig) {
		c.profileDir = dir
	}
}

// WithDiskOptions passes options to every disk store.
func WithDiskOptions(opts ...recordstore.DiskStoreOption) ManagerOption {
	return func(c *managerConfig) {
		c.diskOptions = append(c.diskOptions, opts...)
	}
}

// WithServiceOptions passes options to every service.
func WithServiceOptions(opts ...ServiceOption) ManagerOption {
	return func(c *managerConfig) {
		c.serviceOptions = append(c.serviceOptions, opts...)
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(c *managerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Manager hands out storage services and keeps the memory stores of
// non-persistent nodes alive across plugin process generations. Every
// service of a node shares one backend, so filename probing and open
// records are tracked once per directory. It is safe for concurrent use.
type Manager struct {
	config managerConfig
	logger *zap.Logger
	memory map[entities.NodeID]*recordstore.MemoryStore
	disk   map[entities.NodeID]*recordstore.DiskStore
	mu     sync.Mutex
}

// NewManager creates a Manager.
func NewManager(opts ...ManagerOption) *Manager {
	cfg := managerConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		config: cfg,
		logger: cfg.logger.With(zap.String("component", "storage_manager")),
		memory: make(map[entities.NodeID]*recordstore.MemoryStore),
		disk:   make(map[entities.NodeID]*recordstore.DiskStore),
	}
}

// NewNodeID returns a fresh random node id.
func NewNodeID() entities.NodeID {
	return entities.NodeID(uuid.NewString())
}

// Persistent reports whether node would be stored on disk.
func (m *Manager) Persistent(node entities.NodeID, persistAllowed bool) bool {
	return persistAllowed && m.config.profileDir != "" && !node.IsNull() && node.IsPathSafe()
}

// NodeDir returns the on-disk directory of node.
func (m *Manager) NodeDir(node entities.NodeID) string {
	return filepath.Join(m.config.profileDir, StorageDirName, string(node))
}

// Backend returns the backend for node. The disk is used only when
// persistence is allowed, a profile directory is configured, and the id is
// a safe directory name.
func (m *Manager) Backend(node entities.NodeID, persistAllowed bool) (ports.StorageBackend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Persistent(node, persistAllowed) {
		if store, ok := m.disk[node]; ok {
			return store, nil
		}
		opts := append([]recordstore.DiskStoreOption{recordstore.WithLogger(m.config.logger)}, m.config.diskOptions...)
		store, err := recordstore.NewDiskStore(m.NodeDir(node), opts...)
		if err != nil {
			return nil, fmt.Errorf("open disk storage for node %s: %w", node, err)
		}
		m.disk[node] = store
		return store, nil
	}

	store, ok := m.memory[node]
	if !ok {
		store = recordstore.NewMemoryStore()
		m.memory[node] = store
	}
	return store, nil
}

// NewService returns a storage service for node.
func (m *Manager) NewService(node entities.NodeID, persistAllowed bool, opts ...ServiceOption) (*Service, error) {
	backend, err := m.Backend(node, persistAllowed)
	if err != nil {
		return nil, err
	}
	all := append([]ServiceOption{WithLogger(m.config.logger)}, m.config.serviceOptions...)
	all = append(all, opts...)
	return NewService(node, backend, all...), nil
}

// ClearNode deletes every record of node from memory and disk.
func (m *Manager) ClearNode(node entities.NodeID) error {
	m.mu.Lock()
	delete(m.memory, node)
	delete(m.disk, node)
	m.mu.Unlock()

	if m.config.profileDir == "" || !node.IsPathSafe() {
		return nil
	}
	if err := os.RemoveAll(m.NodeDir(node)); err != nil {
		return fmt.Errorf("clear node %s: %w", node, err)
	}
	m.logger.Info("cleared node storage", zap.String("node", string(node)))
	return nil
}
