package entities

import "strings"

// Storage limits.
const (
	// MaxRecordNameSize bounds the length of a record key in bytes.
	MaxRecordNameSize = 2000

	// MaxRecordSize bounds the value of one record (1 GiB - 1).
	MaxRecordSize = 1024*1024*1024 - 1
)

// NodeID is the opaque per-origin namespace that scopes persisted storage.
type NodeID string

// NullNodeID is the placeholder namespace handed out when no real origin can
// be associated with a plugin. Storage opened under it is always refused.
const NullNodeID NodeID = "null"

// IsNull reports whether the id is empty or the placeholder.
func (n NodeID) IsNull() bool {
	return n == "" || n == NullNodeID
}

// IsPathSafe reports whether the id can be used as a single directory name.
func (n NodeID) IsPathSafe() bool {
	s := string(n)
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`+"\x00")
}

// StorageStatus is the result code of a storage operation as seen by plugins.
type StorageStatus int

const (
	StorageOK StorageStatus = iota
	StorageRecordInUse
	StorageClosed
	StorageQuotaExceeded
	StorageRecordCorrupted
	StorageNotOpen
	StorageDenied
	StorageGenericError
)

func (s StorageStatus) String() string {
	switch s {
	case StorageOK:
		return "ok"
	case StorageRecordInUse:
		return "record_in_use"
	case StorageClosed:
		return "closed"
	case StorageQuotaExceeded:
		return "quota_exceeded"
	case StorageRecordCorrupted:
		return "record_corrupted"
	case StorageNotOpen:
		return "not_open"
	case StorageDenied:
		return "denied"
	default:
		return "generic_error"
	}
}

// ValidRecordName reports whether name can be used as a record key.
func ValidRecordName(name string) bool {
	return name != "" && len(name) <= MaxRecordNameSize
}
