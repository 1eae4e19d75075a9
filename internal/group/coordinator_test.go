package group

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

type testMeta map[string]int

func (m testMeta) PartitionCount(topic string) int { return m[topic] }

func testCoordinator(meta TopicMetadata) *Coordinator {
	return NewCoordinator(Config{
		SessionTimeoutMin:     time.Millisecond,
		SessionTimeoutMax:     time.Minute,
		SweepInterval:         time.Hour, // tests call SweepNow
		InitialRebalanceDelay: 100 * time.Millisecond,
	}, meta, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func joinReq(clientID, memberID string) JoinRequest {
	return JoinRequest{
		GroupID:          "workers",
		MemberID:         memberID,
		ClientID:         clientID,
		SessionTimeout:   30 * time.Second,
		RebalanceTimeout: 2 * time.Second,
		Topics:           []string{"orders"},
		Protocols:        []string{"range"},
	}
}

// joinAll runs n concurrent first-time joins and returns the responses.
func joinAll(t *testing.T, c *Coordinator, n int) []*JoinResponse {
	t.Helper()
	return rejoinAll(t, c, make([]string, n))
}

// rejoinAll joins concurrently with the given member IDs ("" = new member).
func rejoinAll(t *testing.T, c *Coordinator, memberIDs []string) []*JoinResponse {
	t.Helper()

	responses := make([]*JoinResponse, len(memberIDs))
	errs := make([]error, len(memberIDs))
	var wg sync.WaitGroup
	for i, id := range memberIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			responses[i], errs[i] = c.JoinGroup(ctx, joinReq(fmt.Sprintf("client-%d", i), id))
		}(i, id)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("join %d failed: %v", i, err)
		}
	}
	return responses
}

// syncAll completes the sync barrier: the leader submits the coordinator's
// computed assignment, followers park. Returns member ID → assignment.
func syncAll(t *testing.T, c *Coordinator, joins []*JoinResponse) map[string][]storage.TopicPartition {
	t.Helper()

	assignments, err := c.ComputeAssignment("workers")
	if err != nil {
		t.Fatalf("ComputeAssignment failed: %v", err)
	}

	out := make(map[string][]storage.TopicPartition, len(joins))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, j := range joins {
		wg.Add(1)
		go func(j *JoinResponse) {
			defer wg.Done()
			req := SyncRequest{GroupID: "workers", MemberID: j.MemberID, Generation: j.Generation}
			if j.MemberID == j.LeaderID {
				req.Assignments = assignments
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := c.SyncGroup(ctx, req)
			if err != nil {
				t.Errorf("sync %s failed: %v", j.MemberID, err)
				return
			}
			mu.Lock()
			out[j.MemberID] = resp.Assignment
			mu.Unlock()
		}(j)
	}
	wg.Wait()
	return out
}

func TestJoinSyncLifecycle(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 6})

	joins := joinAll(t, c, 3)

	// One generation, one leader, one protocol.
	leaders := 0
	for _, j := range joins {
		if j.Generation != 1 {
			t.Errorf("member %s generation = %d, want 1", j.MemberID, j.Generation)
		}
		if j.Protocol != "range" {
			t.Errorf("protocol = %q, want range", j.Protocol)
		}
		if j.MemberID == j.LeaderID {
			leaders++
			if len(j.Members) != 3 {
				t.Errorf("leader sees %d members, want 3", len(j.Members))
			}
		} else if len(j.Members) != 0 {
			t.Error("follower received the member list")
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders = %d, want exactly 1", leaders)
	}

	assignments := syncAll(t, c, joins)
	for id, tps := range assignments {
		if len(tps) != 2 {
			t.Errorf("member %s got %d partitions, want 2", id, len(tps))
		}
	}

	// Every partition exactly once.
	seen := make(map[storage.TopicPartition]bool)
	for _, tps := range assignments {
		for _, p := range tps {
			if seen[p] {
				t.Errorf("partition %v assigned twice", p)
			}
			seen[p] = true
		}
	}
	if len(seen) != 6 {
		t.Errorf("assigned %d partitions, want 6", len(seen))
	}

	snap, ok := c.DescribeGroup("workers")
	if !ok || snap.State != "Stable" {
		t.Errorf("group state = %v, want Stable", snap.State)
	}
}

func TestNewMemberTriggersRebalance(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 6})

	joins := joinAll(t, c, 3)
	syncAll(t, c, joins)

	// A fourth consumer arrives. The incumbents discover the rebalance
	// through their heartbeats and rejoin with their existing IDs.
	newJoin := make(chan *JoinResponse, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := c.JoinGroup(ctx, joinReq("client-new", ""))
		if err != nil {
			t.Errorf("new member join failed: %v", err)
		}
		newJoin <- resp
	}()

	deadline := time.Now().Add(time.Second)
	for {
		snap, _ := c.DescribeGroup("workers")
		if snap.State == "PreparingRebalance" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rebalance never started")
		}
		time.Sleep(time.Millisecond)
	}

	for _, j := range joins {
		if err := c.Heartbeat("workers", j.MemberID, j.Generation); !errors.Is(err, ErrRebalanceInProgress) {
			t.Errorf("heartbeat during rebalance = %v, want ErrRebalanceInProgress", err)
		}
	}

	ids := make([]string, len(joins))
	for i, j := range joins {
		ids[i] = j.MemberID
	}
	rejoined := rejoinAll(t, c, ids)
	all := append(rejoined, <-newJoin)

	for _, j := range all {
		if j.Generation != 2 {
			t.Errorf("generation = %d after second rebalance, want 2", j.Generation)
		}
	}

	assignments := syncAll(t, c, all)

	// 6 partitions over 4 members: two members get 2, two get 1.
	twos, ones := 0, 0
	for _, tps := range assignments {
		switch len(tps) {
		case 2:
			twos++
		case 1:
			ones++
		default:
			t.Errorf("member got %d partitions, want 1 or 2", len(tps))
		}
	}
	if twos != 2 || ones != 2 {
		t.Errorf("distribution = %d twos / %d ones, want 2/2", twos, ones)
	}
}

func TestHeartbeatValidation(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 2})

	joins := joinAll(t, c, 1)
	syncAll(t, c, joins)
	m := joins[0]

	if err := c.Heartbeat("workers", m.MemberID, m.Generation); err != nil {
		t.Errorf("valid heartbeat = %v, want nil", err)
	}
	if err := c.Heartbeat("workers", "ghost", m.Generation); !errors.Is(err, ErrUnknownMemberID) {
		t.Errorf("unknown member heartbeat = %v, want ErrUnknownMemberID", err)
	}
	if err := c.Heartbeat("workers", m.MemberID, m.Generation-1); !errors.Is(err, ErrIllegalGeneration) {
		t.Errorf("stale generation heartbeat = %v, want ErrIllegalGeneration", err)
	}
	if err := c.Heartbeat("unknown-group", m.MemberID, 1); !errors.Is(err, ErrUnknownMemberID) {
		t.Errorf("unknown group heartbeat = %v, want ErrUnknownMemberID", err)
	}
}

func TestSessionTimeoutEvictsAll(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 2})

	joins := joinAll(t, c, 2)
	syncAll(t, c, joins)

	// Nobody heartbeats past the session timeout.
	c.SweepNow(time.Now().Add(31 * time.Second))

	snap, ok := c.DescribeGroup("workers")
	if !ok {
		t.Fatal("group disappeared")
	}
	if snap.State != "Empty" {
		t.Errorf("state = %s, want Empty after everyone expired", snap.State)
	}
	if len(snap.Members) != 0 {
		t.Errorf("members = %d, want 0", len(snap.Members))
	}
}

func TestMaxPollIntervalEvictsStuckMember(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 2})

	joins := joinAll(t, c, 2)
	syncAll(t, c, joins)

	stuck := joins[0].MemberID
	healthy := joins[1].MemberID

	// Backdate the stuck member's poll clock; keep both sessions alive.
	c.mu.Lock()
	g := c.groups["workers"]
	g.Members[stuck].LastPoll = time.Now().Add(-time.Hour)
	g.Members[stuck].LastHeartbeat = time.Now()
	g.Members[healthy].LastHeartbeat = time.Now()
	c.mu.Unlock()

	c.SweepNow(time.Now())

	snap, _ := c.DescribeGroup("workers")
	if len(snap.Members) != 1 {
		t.Fatalf("members = %d, want 1 (stuck member evicted)", len(snap.Members))
	}
	if snap.Members[0].MemberID != healthy {
		t.Errorf("surviving member = %s, want %s", snap.Members[0].MemberID, healthy)
	}
	if snap.State != "PreparingRebalance" {
		t.Errorf("state = %s, want PreparingRebalance after eviction", snap.State)
	}
}

func TestLeaveGroupRebalances(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 4})

	joins := joinAll(t, c, 2)
	syncAll(t, c, joins)

	if err := c.LeaveGroup("workers", joins[0].MemberID); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}

	// The survivor rejoins and owns everything.
	rejoined := rejoinAll(t, c, []string{joins[1].MemberID})
	if rejoined[0].Generation != 2 {
		t.Errorf("generation = %d, want 2", rejoined[0].Generation)
	}
	assignments := syncAll(t, c, rejoined)
	if got := len(assignments[joins[1].MemberID]); got != 4 {
		t.Errorf("survivor got %d partitions, want 4", got)
	}
}

func TestLastLeaveEmptiesThenDeletes(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 1})

	joins := joinAll(t, c, 1)
	syncAll(t, c, joins)

	if err := c.DeleteGroup("workers"); err == nil {
		t.Error("DeleteGroup succeeded on a non-empty group")
	}

	if err := c.LeaveGroup("workers", joins[0].MemberID); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}
	snap, _ := c.DescribeGroup("workers")
	if snap.State != "Empty" {
		t.Fatalf("state = %s, want Empty", snap.State)
	}

	if err := c.DeleteGroup("workers"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if _, ok := c.DescribeGroup("workers"); ok {
		t.Error("group still described after delete")
	}
}

func TestSyncGroupFencing(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 2})

	joins := joinAll(t, c, 2)

	var leader, follower *JoinResponse
	for _, j := range joins {
		if j.MemberID == j.LeaderID {
			leader = j
		} else {
			follower = j
		}
	}

	ctx := context.Background()

	// Stale generation.
	_, err := c.SyncGroup(ctx, SyncRequest{
		GroupID: "workers", MemberID: leader.MemberID, Generation: leader.Generation + 1,
	})
	if !errors.Is(err, ErrIllegalGeneration) {
		t.Errorf("wrong-generation sync = %v, want ErrIllegalGeneration", err)
	}

	// Follower posing as leader.
	_, err = c.SyncGroup(ctx, SyncRequest{
		GroupID:    "workers",
		MemberID:   follower.MemberID,
		Generation: follower.Generation,
		Assignments: map[string][]storage.TopicPartition{
			follower.MemberID: {tp("orders", 0), tp("orders", 1)},
		},
	})
	if !errors.Is(err, ErrNotLeader) {
		t.Errorf("follower sync with assignments = %v, want ErrNotLeader", err)
	}

	// Unknown member.
	_, err = c.SyncGroup(ctx, SyncRequest{
		GroupID: "workers", MemberID: "ghost", Generation: leader.Generation,
	})
	if !errors.Is(err, ErrUnknownMemberID) {
		t.Errorf("unknown member sync = %v, want ErrUnknownMemberID", err)
	}
}

func TestIncompatibleProtocolRejected(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 2})

	joins := joinAll(t, c, 1)
	syncAll(t, c, joins)

	req := joinReq("odd-one", "")
	req.Protocols = []string{"sticky"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.JoinGroup(ctx, req); !errors.Is(err, ErrInconsistentProtocol) {
		t.Errorf("incompatible join = %v, want ErrInconsistentProtocol", err)
	}
}

func TestJoinGroupContextCancelled(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 2})

	joins := joinAll(t, c, 2)
	syncAll(t, c, joins)

	// A new member joins but the incumbents never rejoin; the caller gives
	// up before the join window closes.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.JoinGroup(ctx, joinReq("impatient", ""))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cancelled join = %v, want DeadlineExceeded", err)
	}
}

func TestUnknownMemberRejoinRefused(t *testing.T) {
	c := testCoordinator(testMeta{"orders": 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.JoinGroup(ctx, joinReq("client", "never-seen-before"))
	if !errors.Is(err, ErrUnknownMemberID) {
		t.Errorf("join with fabricated member id = %v, want ErrUnknownMemberID", err)
	}
}
