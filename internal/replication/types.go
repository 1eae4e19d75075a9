// =============================================================================
// REPLICATION TYPES - SHARED TYPES FOR THE REPLICATION LAYER
// =============================================================================
//
// Replication follows the pull model: followers fetch from the leader, and
// each fetch doubles as a progress report (the fetch offset IS the
// follower's log end offset). No separate ack protocol is needed.
//
//   PRODUCER ──► LEADER ◄──fetch── FOLLOWER-1
//                  │     ◄──fetch── FOLLOWER-2
//                  │
//                  └── HW = min(LEO over ISR)
//
// =============================================================================

package replication

import (
	"errors"
	"fmt"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// NodeID identifies one broker in the replica set.
type NodeID string

// Role is a replica's current role for one partition.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
	RoleOffline  Role = "offline"
)

// AckMode is the producer's durability requirement.
type AckMode int

const (
	// AckNone returns before the leader even appends.
	AckNone AckMode = 0

	// AckLeader returns once the leader's local append succeeds.
	AckLeader AckMode = 1

	// AckAll returns once every in-sync replica has the record, i.e. once
	// the high watermark passes it.
	AckAll AckMode = -1
)

var (
	// ErrNotLeaderForPartition means this broker is not the partition
	// leader. Retriable: the client refreshes metadata and retries.
	ErrNotLeaderForPartition = errors.New("not leader for partition")

	// ErrNotEnoughReplicas means the ISR is below min.insync.replicas, so
	// an acks=all write cannot meet its durability requirement. Retriable.
	ErrNotEnoughReplicas = errors.New("not enough in-sync replicas")

	// ErrRequestTimedOut means the write was appended but not replicated
	// to the ISR within the timeout. The record MAY still commit later;
	// retrying can duplicate it unless the producer is idempotent.
	ErrRequestTimedOut = errors.New("request timed out waiting for replication")

	// ErrFencedLeaderEpoch means the request carried a stale leader epoch.
	// The sender is a zombie from a previous leadership and must stop.
	ErrFencedLeaderEpoch = errors.New("fenced leader epoch")

	// ErrPartitionOffline means the partition's storage failed and the
	// replica took itself out of service. Not retriable here.
	ErrPartitionOffline = errors.New("partition is offline")

	// ErrUnknownEpoch means the request carried an epoch newer than ours,
	// so our own view is stale.
	ErrUnknownEpoch = errors.New("leader epoch ahead of local epoch")
)

// ReplicaFetchRequest is a follower's pull from the leader.
type ReplicaFetchRequest struct {
	Topic     string
	Partition int

	// FollowerID identifies the fetching replica.
	FollowerID NodeID

	// FetchOffset is the follower's LEO: the next offset it needs.
	FetchOffset int64

	// LeaderEpoch is the epoch the follower believes is current. The
	// leader rejects stale epochs so zombie fetchers cannot make progress.
	LeaderEpoch int64

	// MaxRecords bounds the response batch.
	MaxRecords int
}

// ReplicaFetchResponse carries records plus the leader's offsets, letting
// the follower advance its own high watermark.
type ReplicaFetchResponse struct {
	Records       []*storage.Record
	HighWatermark int64
	LogEndOffset  int64
	LeaderEpoch   int64
}

// PeerClient is the transport to another broker. The real implementation
// lives outside this module; tests wire managers to each other directly.
type PeerClient interface {
	// FetchReplica pulls records from the partition leader on peer.
	FetchReplica(peer NodeID, req ReplicaFetchRequest) (*ReplicaFetchResponse, error)
}

// DirectiveKind is the type of a controller instruction.
type DirectiveKind string

const (
	DirectiveBecomeLeader   DirectiveKind = "become-leader"
	DirectiveBecomeFollower DirectiveKind = "become-follower"
	DirectiveOffline        DirectiveKind = "offline"
)

// ControllerDirective is an instruction from the (external) controller
// changing a partition's replication role. Directives carry the new leader
// epoch; a directive with a stale epoch is ignored.
type ControllerDirective struct {
	Kind      DirectiveKind
	Topic     string
	Partition int

	// LeaderEpoch is the epoch this directive establishes.
	LeaderEpoch int64

	// Leader is the new leader (for become-follower).
	Leader NodeID

	// Replicas is the full assigned replica set (for become-leader).
	Replicas []NodeID
}

func (d ControllerDirective) String() string {
	return fmt.Sprintf("%s(%s-%d, epoch=%d)", d.Kind, d.Topic, d.Partition, d.LeaderEpoch)
}
