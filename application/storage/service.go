// Package storage implements the namespaced record store offered to plugins.
//
// A Service serves one node (NodeID) on behalf of one plugin process. It
// enforces open state, name and size limits, null-node denial and shutdown,
// then delegates to a ports.StorageBackend for the bytes. A Manager selects
// the backend per node: on disk when persistence is permitted, otherwise in a
// memory store that outlives individual services.
package storage

import (
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

// OwnerChecker asserts that the caller runs on the service's owning loop.
type OwnerChecker interface {
	AssertOnLoop()
}

// Observer receives the outcome of every storage operation.
type Observer interface {
	StorageOperation(op string, status entities.StorageStatus)
}

type serviceConfig struct {
	owner         OwnerChecker
	observer      Observer
	logger        *zap.Logger
	maxRecordSize int
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		logger:        zap.NewNop(),
		maxRecordSize: entities.MaxRecordSize,
	}
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

// WithOwner makes every operation assert it runs on the owner.
func WithOwner(o OwnerChecker) ServiceOption {
	return func(c *serviceConfig) {
		c.owner = o
	}
}

// WithObserver sets the operation observer.
func WithObserver(o Observer) ServiceOption {
	return func(c *serviceConfig) {
		c.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(c *serviceConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxRecordSize lowers the per-record size limit.
func WithMaxRecordSize(n int) ServiceOption {
	return func(c *serviceConfig) {
		if n > 0 && n <= entities.MaxRecordSize {
			c.maxRecordSize = n
		}
	}
}

// Service is the record store of one node. Every failure is returned
// synchronously from the call that caused it as a *errors.StorageError.
type Service struct {
	backend  ports.StorageBackend
	config   serviceConfig
	logger   *zap.Logger
	open     map[string]struct{}
	node     entities.NodeID
	shutdown bool
}

// NewService creates a Service for node over backend.
func NewService(node entities.NodeID, backend ports.StorageBackend, opts ...ServiceOption) *Service {
	cfg := defaultServiceConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		backend: backend,
		config:  cfg,
		logger:  cfg.logger.With(zap.String("component", "storage"), zap.String("node", string(node))),
		open:    make(map[string]struct{}),
		node:    node,
	}
}

// Node returns the node the service stores records for.
func (s *Service) Node() entities.NodeID {
	return s.node
}

// Open opens name for reading and writing.
func (s *Service) Open(name string) error {
	if err := s.precheck("open", name); err != nil {
		return err
	}
	if s.node.IsNull() {
		return s.fail("open", name, domerrors.ErrNodeDenied)
	}
	if !entities.ValidRecordName(name) {
		return s.fail("open", name, domerrors.ErrInvalidName)
	}
	if _, ok := s.open[name]; ok {
		return s.fail("open", name, domerrors.ErrRecordInUse)
	}
	if err := s.backend.Open(name); err != nil {
		return s.fail("open", name, err)
	}
	s.open[name] = struct{}{}
	s.observe("open", entities.StorageOK)
	return nil
}

// Read returns the value of an open record. An empty record reads as nil.
func (s *Service) Read(name string) ([]byte, error) {
	if err := s.precheck("read", name); err != nil {
		return nil, err
	}
	if _, ok := s.open[name]; !ok {
		return nil, s.fail("read", name, domerrors.ErrRecordNotOpen)
	}
	data, err := s.backend.Read(name)
	if err != nil {
		return nil, s.fail("read", name, err)
	}
	s.observe("read", entities.StorageOK)
	return data, nil
}

// Write replaces the whole value of an open record. Writing an empty value
// deletes the record's contents. Values over the size limit are rejected
// before the backend is touched.
func (s *Service) Write(name string, data []byte) error {
	if err := s.precheck("write", name); err != nil {
		return err
	}
	if _, ok := s.open[name]; !ok {
		return s.fail("write", name, domerrors.ErrRecordNotOpen)
	}
	if len(data) > s.config.maxRecordSize {
		return s.fail("write", name, domerrors.ErrQuotaExceeded)
	}
	if err := s.backend.Write(name, data); err != nil {
		return s.fail("write", name, err)
	}
	s.observe("write", entities.StorageOK)
	return nil
}

// Close closes name. Closing a record that is not open is a no-op.
func (s *Service) Close(name string) error {
	if err := s.precheck("close", name); err != nil {
		return err
	}
	if _, ok := s.open[name]; !ok {
		return nil
	}
	delete(s.open, name)
	if err := s.backend.Close(name); err != nil {
		return s.fail("close", name, err)
	}
	s.observe("close", entities.StorageOK)
	return nil
}

// RecordNames lists every record of the node, open or not.
func (s *Service) RecordNames() ([]string, error) {
	if err := s.precheck("get_record_names", ""); err != nil {
		return nil, err
	}
	names, err := s.backend.RecordNames()
	if err != nil {
		return nil, s.fail("get_record_names", "", err)
	}
	s.observe("get_record_names", entities.StorageOK)
	return names, nil
}

// IsOpen reports whether name is currently open.
func (s *Service) IsOpen(name string) bool {
	_, ok := s.open[name]
	return ok
}

// Shutdown closes every open record. Later operations fail with ErrClosed.
// It is idempotent.
func (s *Service) Shutdown() {
	if s.config.owner != nil {
		s.config.owner.AssertOnLoop()
	}
	if s.shutdown {
		return
	}
	s.shutdown = true
	for name := range s.open {
		if err := s.backend.Close(name); err != nil {
			s.logger.Warn("failed to close record at shutdown", zap.String("record", name), zap.Error(err))
		}
	}
	s.open = make(map[string]struct{})
	s.logger.Debug("storage shut down")
}

// IsShutdown reports whether Shutdown has been called.
func (s *Service) IsShutdown() bool {
	return s.shutdown
}

func (s *Service) precheck(op, name string) error {
	if s.config.owner != nil {
		s.config.owner.AssertOnLoop()
	}
	if s.shutdown {
		return s.fail(op, name, domerrors.ErrClosed)
	}
	return nil
}

func (s *Service) fail(op, name string, err error) error {
	se := domerrors.NewStorageError(op, name, err)
	if se.Status == entities.StorageGenericError || se.Status == entities.StorageRecordCorrupted {
		s.logger.Warn("storage operation failed", zap.String("op", op), zap.String("record", name), zap.Error(err))
	}
	s.observe(op, se.Status)
	return se
}

func (s *Service) observe(op string, status entities.StorageStatus) {
	if s.config.observer != nil {
		s.config.observer.StorageOperation(op, status)
	}
}
