// =============================================================================
// CONSUMER GROUP - STATE MACHINE FOR ONE GROUP
// =============================================================================
//
// Group lifecycle:
//
//        join                  all members rejoined
//   ┌─────────┐  first join  ┌────────────────────┐  or timeout  ┌──────────────────────┐
//   │  EMPTY  │ ───────────► │ PREPARING_REBALANCE│ ───────────► │ COMPLETING_REBALANCE │
//   └─────────┘              └────────────────────┘              └──────────┬───────────┘
//        ▲                        ▲          ▲                              │ leader syncs
//        │ last member leaves     │ join/    │ member lost                  ▼
//        └────────────────────────┤ leave ───┴───────────────────────┌──────────┐
//                                 └──────────────────────────────────│  STABLE  │
//                                                                    └──────────┘
//
// Every rebalance bumps the generation. The generation is the fencing
// token for everything a member does afterwards: heartbeats, offset
// commits, and sync requests from an older generation are refused, which
// is what makes a paused-and-resumed consumer harmless.
//
// All timer callbacks are generation-tagged: a timer that fires after the
// group has already moved on observes the mismatch and does nothing.
//
// =============================================================================

package group

import (
	"errors"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// State is a consumer group's lifecycle state.
type State int

const (
	// StateEmpty means no members; offsets may still be stored.
	StateEmpty State = iota

	// StatePreparingRebalance means a rebalance has been triggered and the
	// group is collecting join requests.
	StatePreparingRebalance

	// StateCompletingRebalance means joining finished and the group is
	// waiting for the leader's assignment (the sync barrier).
	StateCompletingRebalance

	// StateStable means members have their assignments and are consuming.
	StateStable

	// StateDead means the group was deleted; the ID is unusable.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StatePreparingRebalance:
		return "PreparingRebalance"
	case StateCompletingRebalance:
		return "CompletingRebalance"
	case StateStable:
		return "Stable"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// validTransitions is the complete transition relation. Anything not listed
// is a coordinator bug, not an input error.
var validTransitions = map[State][]State{
	StateEmpty:               {StatePreparingRebalance, StateDead},
	StatePreparingRebalance:  {StateCompletingRebalance, StateEmpty, StateDead},
	StateCompletingRebalance: {StateStable, StatePreparingRebalance, StateEmpty, StateDead},
	StateStable:              {StatePreparingRebalance, StateEmpty, StateDead},
}

var (
	// ErrUnknownMemberID means the member is not in the group (evicted or
	// never joined). The consumer must rejoin with an empty member ID.
	ErrUnknownMemberID = errors.New("unknown member id")

	// ErrIllegalGeneration means the request carried a stale generation:
	// the group rebalanced while the member was away.
	ErrIllegalGeneration = errors.New("illegal generation")

	// ErrRebalanceInProgress tells a member to stop fetching and rejoin.
	ErrRebalanceInProgress = errors.New("group rebalance in progress")

	// ErrGroupDead means the group ID was deleted.
	ErrGroupDead = errors.New("consumer group is dead")

	// ErrInconsistentProtocol means the joining member supports none of
	// the protocols the rest of the group agreed on.
	ErrInconsistentProtocol = errors.New("member protocols incompatible with group")

	// ErrNotLeader means a follower tried to submit assignments.
	ErrNotLeader = errors.New("only the group leader submits assignments")
)

// Member is one consumer in the group.
type Member struct {
	ID       string
	ClientID string

	// SessionTimeout is how long the member may go without heartbeating.
	SessionTimeout time.Duration

	// RebalanceTimeout is doubly used: how long the group waits for this
	// member to rejoin during a rebalance, and how long it may go without
	// polling before it is considered stuck.
	RebalanceTimeout time.Duration

	// Protocols are the assignor names the member supports, preferred
	// first.
	Protocols []string

	// Topics is the member's subscription.
	Topics []string

	// Assignment is the partitions this member owns in the current
	// generation.
	Assignment []storage.TopicPartition

	JoinedAt      time.Time
	LastHeartbeat time.Time
	LastPoll      time.Time

	// joinCh delivers the join response when the current rebalance's join
	// phase completes. Non-nil while the member waits in the barrier.
	joinCh chan *JoinResponse

	// syncCh delivers the member's assignment when the leader's sync
	// arrives.
	syncCh chan *SyncResponse
}

// rejoined reports whether the member has a join request parked in the
// current barrier.
func (m *Member) rejoined() bool {
	return m.joinCh != nil
}

// Group is the coordinator's record of one consumer group. All fields are
// guarded by the coordinator's per-group lock; Group itself has none so the
// state machine stays a plain data structure.
type Group struct {
	ID string

	State      State
	Generation int32

	// Members by member ID.
	Members map[string]*Member

	// LeaderID is the member elected to compute assignments: the first
	// joiner of the current generation.
	LeaderID string

	// Protocol is the assignor name the group agreed on.
	Protocol string

	// PendingSyncs are followers parked in the sync barrier.
	pendingSyncs map[string]chan *SyncResponse

	// rebalanceRound tags timers: a join-window timer only acts if the
	// round it captured is still current.
	rebalanceRound int64

	// holdUntil keeps a new group's first barrier open so starting
	// consumers coalesce into one generation.
	holdUntil time.Time

	// CreatedAt, StateChangedAt feed the ops surface.
	CreatedAt      time.Time
	StateChangedAt time.Time
}

func newGroup(id string) *Group {
	now := time.Now()
	return &Group{
		ID:             id,
		State:          StateEmpty,
		Members:        make(map[string]*Member),
		pendingSyncs:   make(map[string]chan *SyncResponse),
		CreatedAt:      now,
		StateChangedAt: now,
	}
}

// transition moves the group to a new state, panicking on a transition the
// relation does not allow. Inputs can never cause this; only coordinator
// logic errors can.
func (g *Group) transition(to State) {
	if g.State == to {
		return
	}
	for _, allowed := range validTransitions[g.State] {
		if allowed == to {
			g.State = to
			g.StateChangedAt = time.Now()
			return
		}
	}
	panic("invalid group state transition " + g.State.String() + " -> " + to.String())
}

// memberIDs returns the sorted-stable member list (map order; callers sort
// when determinism matters).
func (g *Group) memberIDs() []string {
	out := make([]string, 0, len(g.Members))
	for id := range g.Members {
		out = append(out, id)
	}
	return out
}

// allRejoined reports whether every member has a join parked in the
// barrier.
func (g *Group) allRejoined() bool {
	for _, m := range g.Members {
		if !m.rejoined() {
			return false
		}
	}
	return len(g.Members) > 0
}

// selectProtocol picks the first protocol every member supports, in the
// preference order of the members' lists.
func (g *Group) selectProtocol() (string, bool) {
	counts := make(map[string]int)
	var order []string
	for _, m := range g.Members {
		for _, p := range m.Protocols {
			if counts[p] == 0 {
				order = append(order, p)
			}
			counts[p]++
		}
	}
	for _, p := range order {
		if counts[p] == len(g.Members) {
			if _, ok := assignorByName(p); ok {
				return p, true
			}
		}
	}
	return "", false
}

// subscribedTopics unions every member's subscription.
func (g *Group) subscribedTopics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range g.Members {
		for _, t := range m.Topics {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// currentAssignment snapshots member → partitions for the sticky assignor.
func (g *Group) currentAssignment() map[string][]storage.TopicPartition {
	out := make(map[string][]storage.TopicPartition, len(g.Members))
	for id, m := range g.Members {
		if len(m.Assignment) > 0 {
			out[id] = m.Assignment
		}
	}
	return out
}
