package session

import (
	"context"
	stdErrors "errors"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/application/storage"
	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// Storage serves a plugin's record requests from a storage.Service. The
// plugin creates the actor; every request is answered with one completion
// message carrying a storage status.
type Storage struct {
	base
	service *storage.Service
}

var _ Session = (*Storage)(nil)

var storageTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagStorageOpen, (*Storage).recvOpen),
	dispatch.WithMessage(wireformat.TagStorageRead, (*Storage).recvRead),
	dispatch.WithMessage(wireformat.TagStorageWrite, (*Storage).recvWrite),
	dispatch.WithMessage(wireformat.TagStorageClose, (*Storage).recvClose),
	dispatch.WithSignal(wireformat.TagStorageGetRecordNames, (*Storage).recvGetRecordNames),
)

// NewStorage creates the storage actor id over service. The actor is open
// from the start since the plugin constructed it.
func NewStorage(host Host, id uint32, service *storage.Service, logger *zap.Logger) *Storage {
	s := &Storage{base: newBase(host, id, entities.KindStorage, logger), service: service}
	s.state = entities.SessionOpen
	return s
}

// Kind returns entities.KindStorage.
func (s *Storage) Kind() entities.SessionKind {
	return entities.KindStorage
}

// Service returns the backing service.
func (s *Storage) Service() *storage.Service {
	return s.service
}

// Shutdown closes the service and asks the plugin to drop its side of the
// actor. Later requests are answered with StorageClosed.
func (s *Storage) Shutdown() {
	s.host.AssertOnLoop()
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.state = entities.SessionDead
	s.service.Shutdown()
	if s.actorDestroyed {
		return
	}
	if err := s.send(wireformat.TagStorageShutdown, nil, nil, shmem.ClassEncoded); err != nil {
		s.destroyed(s)
	}
}

// ActorDestroyed tears the actor down without waiting for the plugin.
func (s *Storage) ActorDestroyed(bool) {
	s.host.AssertOnLoop()
	s.state = entities.SessionDead
	s.service.Shutdown()
	s.destroyed(s)
}

// HandleMessage dispatches a request from the plugin.
func (s *Storage) HandleMessage(ctx context.Context, env *wireformat.Envelope) error {
	return storageTable.Invoke(ctx, s, env)
}

func (s *Storage) reply(tag wireformat.Tag, payload any) error {
	if s.actorDestroyed {
		return nil
	}
	// a failed reply surfaces through the channel's own closure
	_ = s.send(tag, payload, nil, shmem.ClassEncoded)
	return nil
}

func (s *Storage) recvOpen(msg *wireformat.StorageNameWire, _ *shmem.Segment) error {
	err := s.service.Open(msg.Name)
	return s.reply(wireformat.TagStorageOpenComplete, wireformat.StorageStatusWire{Name: msg.Name, Status: domerrors.StorageStatusOf(err)})
}

// recvRead answers with the value in an unpooled segment. A value the
// channel cannot carry is reported as a generic error without data.
func (s *Storage) recvRead(msg *wireformat.StorageNameWire, _ *shmem.Segment) error {
	if s.actorDestroyed {
		return nil
	}
	data, err := s.service.Read(msg.Name)
	complete := wireformat.StorageReadCompleteWire{Name: msg.Name, Status: domerrors.StorageStatusOf(err)}
	env, err := wireformat.NewEnvelope(wireformat.TagStorageReadComplete, s.id, complete, wireformat.ValueSegment(data))
	if err == nil {
		err = s.host.Send(env)
	}
	if stdErrors.Is(err, domerrors.ErrFrameTooLarge) {
		s.logger.Warn("record too large for channel", zap.String("record", msg.Name), zap.Int("size", len(data)), zap.Error(err))
		complete.Status = entities.StorageGenericError
		return s.reply(wireformat.TagStorageReadComplete, complete)
	}
	if err != nil {
		s.logger.Debug("send failed", zap.Stringer("tag", wireformat.TagStorageReadComplete), zap.Error(err))
	}
	return nil
}

func (s *Storage) recvWrite(msg *wireformat.StorageWriteWire, seg *shmem.Segment) error {
	err := s.service.Write(msg.Name, wireformat.SegmentValue(seg))
	return s.reply(wireformat.TagStorageWriteComplete, wireformat.StorageStatusWire{Name: msg.Name, Status: domerrors.StorageStatusOf(err)})
}

func (s *Storage) recvClose(msg *wireformat.StorageNameWire, _ *shmem.Segment) error {
	if err := s.service.Close(msg.Name); err != nil {
		s.logger.Debug("close failed", zap.String("record", msg.Name), zap.Error(err))
	}
	return nil
}

func (s *Storage) recvGetRecordNames() error {
	names, err := s.service.RecordNames()
	return s.reply(wireformat.TagStorageRecordNames, wireformat.StorageRecordNamesWire{Names: names, Status: domerrors.StorageStatusOf(err)})
}
