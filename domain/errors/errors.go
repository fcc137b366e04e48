// Package errors provides domain-specific error types for the media plugin host.
// All error types support error unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/reglet-dev/mediahost/domain/entities"
)

// Sentinel errors. Typed errors below unwrap to one of these where a caller is
// expected to branch on the condition.
var (
	ErrNotFound        = stdErrors.New("not found")
	ErrClosed          = stdErrors.New("closed")
	ErrShuttingDown    = stdErrors.New("shutting down")
	ErrLoopStopped     = stdErrors.New("loop stopped")
	ErrLaunchFailed    = stdErrors.New("plugin launch failed")
	ErrSendFailed      = stdErrors.New("send failed")
	ErrFrameTooLarge   = stdErrors.New("frame too large")
	ErrPeerClosed      = stdErrors.New("peer closed channel")
	ErrRecordInUse     = stdErrors.New("record in use")
	ErrRecordNotOpen   = stdErrors.New("record not open")
	ErrQuotaExceeded   = stdErrors.New("quota exceeded")
	ErrRecordCorrupted = stdErrors.New("record corrupted")
	ErrNodeDenied      = stdErrors.New("storage denied for node")
	ErrInvalidName     = stdErrors.New("invalid record name")
)

// ErrorDetail is an alias to entities.ErrorDetail for convenience.
type ErrorDetail = entities.ErrorDetail

// DetailedError is an interface for custom error types that can convert themselves
// to a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to our structured ErrorDetail. The first
// detailed error in the chain becomes the result, and the next one below it
// becomes its Wrapped cause, recursively.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		detail := de.ToErrorDetail()
		if detail.Wrapped == nil {
			detail.Wrapped = causeDetail(de)
		}
		return detail
	}

	return entities.NewErrorDetail("internal", err.Error())
}

func causeDetail(de DetailedError) *entities.ErrorDetail {
	inner := stdErrors.Unwrap(de)
	if inner == nil {
		return nil
	}
	var e *entities.ErrorDetail
	var next DetailedError
	if stdErrors.As(inner, &e) || stdErrors.As(inner, &next) {
		return ToErrorDetail(inner)
	}
	return nil
}

// ManifestError represents a plugin directory whose manifest could not be
// turned into a descriptor.
type ManifestError struct {
	Err       error
	Directory string
	Field     string
}

func (e *ManifestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest in %s: field %s: %v", e.Directory, e.Field, e.Err)
	}
	return fmt.Sprintf("manifest in %s: %v", e.Directory, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ManifestError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("manifest", e.Error()).WithCode(e.Field).WithDetail("directory", e.Directory)
}

// LoadError represents a failure to load a plugin library or resolve one of
// its entry points.
type LoadError struct {
	Err    error
	Path   string
	Symbol string
}

func (e *LoadError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("load %s: symbol %s: %v", e.Path, e.Symbol, e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *LoadError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("load", e.Error()).WithCode(e.Symbol).WithDetail("path", e.Path)
}

// ProtocolError represents a message from the peer that violates the actor
// contract (unknown tag, undecodable payload, message for an unknown actor).
type ProtocolError struct {
	Err   error
	Tag   string
	Actor uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation on actor %d (%s): %v", e.Actor, e.Tag, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ProtocolError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("protocol", e.Error()).WithCode(e.Tag).WithDetail("actor", e.Actor)
}

// TransportError represents a failure to hand a message to the channel.
type TransportError struct {
	Err       error
	Operation string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrSendFailed for every transport error so callers can map any
// local send failure to the generic error.
func (e *TransportError) Is(target error) bool {
	return target == ErrSendFailed
}

// ToErrorDetail implements DetailedError.
func (e *TransportError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("transport", e.Error()).WithCode(e.Operation)
}

// StorageError represents a failed storage operation on one record.
type StorageError struct {
	Err    error
	Op     string
	Record string
	Status entities.StorageStatus
}

func (e *StorageError) Error() string {
	if e.Record != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Record, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *StorageError) ToErrorDetail() *entities.ErrorDetail {
	d := entities.NewErrorDetail("storage", e.Error()).WithCode(e.Status.String()).WithDetail("op", e.Op)
	if e.Record != "" {
		d.WithDetail("record", e.Record)
	}
	return d
}

// StorageStatusOf maps an error returned by the storage layer to the status
// reported to plugins.
func StorageStatusOf(err error) entities.StorageStatus {
	if err == nil {
		return entities.StorageOK
	}
	var se *StorageError
	if stdErrors.As(err, &se) {
		return se.Status
	}
	switch {
	case stdErrors.Is(err, ErrRecordInUse):
		return entities.StorageRecordInUse
	case stdErrors.Is(err, ErrClosed):
		return entities.StorageClosed
	case stdErrors.Is(err, ErrQuotaExceeded):
		return entities.StorageQuotaExceeded
	case stdErrors.Is(err, ErrRecordCorrupted):
		return entities.StorageRecordCorrupted
	case stdErrors.Is(err, ErrRecordNotOpen):
		return entities.StorageNotOpen
	case stdErrors.Is(err, ErrNodeDenied):
		return entities.StorageDenied
	default:
		return entities.StorageGenericError
	}
}

// NewStorageError builds a StorageError whose status matches its sentinel.
func NewStorageError(op, record string, err error) *StorageError {
	e := &StorageError{Op: op, Record: record, Err: err}
	e.Status = StorageStatusOf(err)
	return e
}

// StateError represents an operation issued in a lifecycle state that does
// not allow it.
type StateError struct {
	Operation string
	State     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Operation, e.State)
}

// ToErrorDetail implements DetailedError.
func (e *StateError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("state", e.Error()).WithCode(e.State).WithDetail("operation", e.Operation)
}

// TimeoutError represents a timeout during an operation.
type TimeoutError struct {
	Operation string
	Target    string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s timeout after %v (target: %s)", e.Operation, e.Duration, e.Target)
	}
	return fmt.Sprintf("%s timeout after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// ToErrorDetail implements DetailedError.
func (e *TimeoutError) ToErrorDetail() *entities.ErrorDetail {
	d := entities.NewErrorDetail("timeout", e.Error()).WithCode(e.Operation).WithDetail("duration_ms", e.Duration.Milliseconds())
	d.IsTimeout = true
	return d
}

// CapabilityError represents a request no registered plugin can serve.
type CapabilityError struct {
	API    string
	Origin string
	Tags   []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("no plugin provides %s%v for origin %q", e.API, e.Tags, e.Origin)
}

func (e *CapabilityError) Unwrap() error {
	return ErrNotFound
}

// ToErrorDetail implements DetailedError.
func (e *CapabilityError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("capability", e.Error()).WithCode(e.API).WithDetail("origin", e.Origin)
}

// WireFormatError represents a wire format encoding/decoding error.
type WireFormatError struct {
	Err       error
	Operation string
	Type      string
}

func (e *WireFormatError) Error() string {
	return fmt.Sprintf("wire format %s failed for %s: %v", e.Operation, e.Type, e.Err)
}

func (e *WireFormatError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *WireFormatError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("internal", e.Error()).WithCode("wire_format").WithDetail("operation", e.Operation)
}
