package mutate

import (
	"errors"
	"fmt"

	"github.com/fitstack/chatsync/internal/store"
)

var (
	// ErrNotSender: only the original sender may edit a message.
	ErrNotSender = errors.New("not the message sender")
	// ErrNotParticipant: the caller is not a member of the conversation.
	ErrNotParticipant = errors.New("not a conversation participant")
	// ErrNoPendingWrite: no optimistic record exists for the correlation id.
	ErrNoPendingWrite = errors.New("no pending write")
)

type Kind string

const (
	// KindTransient: connectivity failure, safe to retry.
	KindTransient Kind = "transient"
	// KindPermission: the caller is not allowed to perform the operation.
	KindPermission Kind = "permission"
	// KindNotFound: the target document does not exist.
	KindNotFound Kind = "not_found"
	// KindRejected: the payload or operation was rejected by the store.
	KindRejected Kind = "rejected"
	// KindTimeout: an optimistic write never received its server echo.
	KindTimeout Kind = "timeout"
)

// MutationError is the typed failure returned to callers for every
// state-changing operation. It is always returned, never panicked, and the
// optimistic overlay has already been rolled back or marked failed by the
// time the caller sees it.
type MutationError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

func classify(op string, err error) *MutationError {
	kind := KindRejected
	switch {
	case store.IsTransient(err):
		kind = KindTransient
	case errors.Is(err, store.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, ErrNotSender), errors.Is(err, ErrNotParticipant):
		kind = KindPermission
	}
	return &MutationError{Kind: kind, Op: op, Err: err}
}
