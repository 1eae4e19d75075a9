// =============================================================================
// PROTOCOL ERROR TAXONOMY
// =============================================================================
//
// Every error a caller can see falls into one of four classes, and the
// class tells the caller what to do:
//
//   RETRIABLE   transient broker-side condition; safe to retry as-is
//   FENCING     the caller is a stale actor (old leader epoch, old producer
//               epoch, old group generation); it must re-initialize, never
//               blindly retry
//   CLIENT      the request itself is wrong; the caller must correct it
//   FATAL       the partition is gone from this broker until the controller
//               intervenes
//
// The sentinels live with the components that raise them; this file is the
// single map of what the front door can surface, re-exported so the
// network layer depends on one package.
//
// =============================================================================

package broker

import (
	"errors"

	"github.com/smilinTux/forgeprint-sub003/internal/group"
	"github.com/smilinTux/forgeprint-sub003/internal/offsets"
	"github.com/smilinTux/forgeprint-sub003/internal/replication"
	"github.com/smilinTux/forgeprint-sub003/internal/storage"
	"github.com/smilinTux/forgeprint-sub003/internal/txn"
)

// Retriable.
var (
	ErrNotEnoughReplicas     = replication.ErrNotEnoughReplicas
	ErrRequestTimedOut       = replication.ErrRequestTimedOut
	ErrNotLeaderForPartition = replication.ErrNotLeaderForPartition
)

// Fencing.
var (
	ErrFencedLeaderEpoch  = replication.ErrFencedLeaderEpoch
	ErrProducerFenced     = txn.ErrProducerFenced
	ErrOutOfOrderSequence = txn.ErrOutOfOrderSequence
	ErrIllegalGeneration  = group.ErrIllegalGeneration
)

// Client.
var (
	ErrOffsetOutOfRange        = storage.ErrOffsetOutOfRange
	ErrUnknownTopicOrPartition = errors.New("unknown topic or partition")
	ErrNoOffsetForPartition    = offsets.ErrNoOffsetForPartition
	ErrUnknownMemberID         = group.ErrUnknownMemberID
	ErrRebalanceInProgress     = group.ErrRebalanceInProgress
)

// Fatal.
var (
	ErrPartitionOffline = replication.ErrPartitionOffline
)

// IsRetriable reports whether the caller may safely resend the same
// request.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrNotEnoughReplicas) ||
		errors.Is(err, ErrRequestTimedOut) ||
		errors.Is(err, ErrNotLeaderForPartition) ||
		errors.Is(err, ErrRebalanceInProgress)
}

// IsFencing reports whether the caller is a stale actor that must
// re-initialize before doing anything else.
func IsFencing(err error) bool {
	return errors.Is(err, ErrFencedLeaderEpoch) ||
		errors.Is(err, ErrProducerFenced) ||
		errors.Is(err, ErrOutOfOrderSequence) ||
		errors.Is(err, ErrIllegalGeneration)
}
