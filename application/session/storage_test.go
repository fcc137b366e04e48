package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/mediahost/application/storage"
	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/infrastructure/recordstore"
	"github.com/reglet-dev/mediahost/wireformat"
)

const storageID = 2

func newStorageActor(t *testing.T) (*fakeHost, *Storage) {
	t.Helper()
	h := newFakeHost(t)
	svc := storage.NewService("node-a", recordstore.NewMemoryStore())
	return h, NewStorage(h, storageID, svc, nil)
}

func TestStorage_RequestsAreAnswered(t *testing.T) {
	h, s := newStorageActor(t)
	assert.Equal(t, entities.SessionOpen, s.State())

	h.run(t, func() {
		ctx := context.Background()
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageOpen, storageID, wireformat.StorageNameWire{Name: "seed"}, nil)))
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageOpen, storageID, wireformat.StorageNameWire{Name: "seed"}, nil)))
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageWrite, storageID, wireformat.StorageWriteWire{Name: "seed"}, wireformat.ValueSegment([]byte("abc")))))
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageRead, storageID, wireformat.StorageNameWire{Name: "seed"}, nil)))
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageGetRecordNames, storageID, nil, nil)))
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageClose, storageID, wireformat.StorageNameWire{Name: "seed"}, nil)))
	})

	require.Equal(t, []wireformat.Tag{
		wireformat.TagStorageOpenComplete,
		wireformat.TagStorageOpenComplete,
		wireformat.TagStorageWriteComplete,
		wireformat.TagStorageReadComplete,
		wireformat.TagStorageRecordNames,
	}, h.tags())

	var first, second wireformat.StorageStatusWire
	require.NoError(t, h.sent[0].Decode(&first))
	require.NoError(t, h.sent[1].Decode(&second))
	assert.Equal(t, entities.StorageOK, first.Status)
	assert.Equal(t, entities.StorageRecordInUse, second.Status)

	var read wireformat.StorageReadCompleteWire
	require.NoError(t, h.sent[3].Decode(&read))
	assert.Equal(t, entities.StorageOK, read.Status)
	assert.Equal(t, []byte("abc"), wireformat.SegmentValue(h.sent[3].Segment))

	var names wireformat.StorageRecordNamesWire
	require.NoError(t, h.sent[4].Decode(&names))
	assert.Equal(t, []string{"seed"}, names.Names)
	assert.False(t, s.Service().IsOpen("seed"))
}

func TestStorage_ShutdownClosesService(t *testing.T) {
	h, s := newStorageActor(t)
	h.run(t, func() {
		s.Shutdown()
		s.Shutdown()
		require.NoError(t, s.HandleMessage(context.Background(), envelope(t, wireformat.TagStorageOpen, storageID, wireformat.StorageNameWire{Name: "x"}, nil)))
	})
	require.Equal(t, []wireformat.Tag{wireformat.TagStorageShutdown, wireformat.TagStorageOpenComplete}, h.tags())
	var status wireformat.StorageStatusWire
	require.NoError(t, h.sent[1].Decode(&status))
	assert.Equal(t, entities.StorageClosed, status.Status)
	assert.True(t, s.Service().IsShutdown())
	assert.Empty(t, h.destroyed)

	h.run(t, func() { s.ActorDestroyed(false) })
	assert.Len(t, h.destroyed, 1)
}

func TestStorage_ReadOfEmptyRecordCarriesNoSegment(t *testing.T) {
	h, s := newStorageActor(t)
	h.run(t, func() {
		ctx := context.Background()
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageOpen, storageID, wireformat.StorageNameWire{Name: "empty"}, nil)))
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageRead, storageID, wireformat.StorageNameWire{Name: "empty"}, nil)))
	})
	require.Len(t, h.sent, 2)
	assert.Nil(t, h.sent[1].Segment)
	assert.Empty(t, wireformat.SegmentValue(h.sent[1].Segment))
}

func TestStorage_ReadTooLargeForChannelReportsError(t *testing.T) {
	h, s := newStorageActor(t)
	h.maxFrame = 4096
	value := make([]byte, 8192)
	h.run(t, func() {
		ctx := context.Background()
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageOpen, storageID, wireformat.StorageNameWire{Name: "big"}, nil)))
		require.NoError(t, s.Service().Write("big", value))
		require.NoError(t, s.HandleMessage(ctx, envelope(t, wireformat.TagStorageRead, storageID, wireformat.StorageNameWire{Name: "big"}, nil)))
	})

	require.Equal(t, []wireformat.Tag{wireformat.TagStorageOpenComplete, wireformat.TagStorageReadComplete}, h.tags())
	var read wireformat.StorageReadCompleteWire
	require.NoError(t, h.sent[1].Decode(&read))
	assert.Equal(t, "big", read.Name)
	assert.Equal(t, entities.StorageGenericError, read.Status)
	assert.Nil(t, h.sent[1].Segment)
}
