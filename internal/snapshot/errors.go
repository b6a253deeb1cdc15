package snapshot

import "fmt"

// QueryError wraps a failure to execute a query against the source or
// target database. Fatal; aborts the run.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// DeserializationError wraps a payload that could not be decoded, either
// because the serializer id is unregistered or because the bytes do not
// match the resolved scheme's wire format. Fatal; aborts the run.
type DeserializationError struct {
	SerializerID int32
	Manifest     string
	Err          error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize payload (serializer=%d manifest=%q): %v", e.SerializerID, e.Manifest, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// WriteError wraps a failed write to the target store, most commonly a
// duplicate-key violation in full-history mode. Fatal; aborts the run.
type WriteError struct {
	EntityID       EntityID
	SequenceNumber int64
	Err            error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write snapshot %s/%d: %v", e.EntityID, e.SequenceNumber, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
