package mutate

import (
	"time"

	"github.com/fitstack/chatsync/internal/types"
)

type Status string

const (
	// StatusPending: the write is in flight.
	StatusPending Status = "pending"
	// StatusCommitted: the store accepted the write; the record survives until
	// the live subscription echoes the authoritative document back.
	StatusCommitted Status = "committed"
	// StatusFailed: the write failed or its echo never arrived. The record is
	// kept visible for manual retry or discard, never silently dropped.
	StatusFailed Status = "failed"
)

// OptimisticRecord is the local-only shadow of an in-flight send. Message is
// stamped with the local clock; the server-assigned id and timestamp arrive
// with the echo. Owned exclusively by the Orchestrator; the stream manager
// only reads copies.
type OptimisticRecord struct {
	CorrelationId string
	Message       types.Message
	Status        Status
	QueuedAt      time.Time
	Err           error
}

func (r *OptimisticRecord) failed() bool {
	return r.Status == StatusFailed
}

func cloneRecord(r *OptimisticRecord) OptimisticRecord {
	out := *r
	return out
}
