package ports

import "github.com/reglet-dev/mediahost/domain/entities"

// StorageBackend holds the records of one node. The storage service enforces
// open state, name and size limits and shutdown before calling a backend, so
// backends only move bytes.
type StorageBackend interface {
	// Open prepares name for reading and writing, reserving space for a new
	// record if needed.
	Open(name string) error

	// Read returns the record's value. A missing or structurally invalid
	// record reads as empty; a record holding a different name is corrupt.
	Read(name string) ([]byte, error)

	// Write replaces the whole record. An empty value deletes it.
	Write(name string, data []byte) error

	// Close releases name. Closing a record that is not open is a no-op.
	Close(name string) error

	// RecordNames lists every stored record.
	RecordNames() ([]string, error)
}

// RecordClient is a codec's handle on its origin's record storage. Requests
// are asynchronous; each Open, Read, Write and GetRecordNames completes
// through the RecordCallback on the main thread.
type RecordClient interface {
	Open(name string) error
	Read(name string) error
	Write(name string, data []byte) error

	// Close releases name. It has no completion.
	Close(name string) error
	GetRecordNames() error
}

// RecordCallback receives RecordClient completions.
type RecordCallback interface {
	OpenComplete(name string, status entities.StorageStatus)
	ReadComplete(name string, data []byte, status entities.StorageStatus)
	WriteComplete(name string, status entities.StorageStatus)
	RecordNames(names []string, status entities.StorageStatus)

	// Closed reports that the host shut storage down. No completions follow.
	Closed()
}
