// =============================================================================
// GROUP COORDINATOR - JOIN/SYNC BARRIERS, HEARTBEATS, EVICTION
// =============================================================================
//
// The rebalance protocol is two barriers:
//
//   JOIN    every member (re)announces itself; requests PARK until all
//           known members arrived or the join window expires. Completion
//           bumps the generation and elects a leader.
//
//   SYNC    the leader submits the assignment it computed; followers park
//           until it arrives, then everyone leaves with their partitions.
//
//   member A ──join──►│                       │──sync──► partitions {0,1}
//   member B ──join──►│ barrier: gen N → N+1  │──sync──► partitions {2,3}
//   member C ──join──►│   leader = A          │──sync──► partitions {4,5}
//
// A single coordinator lock guards every group. All parking happens on
// buffered channels OUTSIDE the lock, so a stuck member can never wedge the
// coordinator.
//
// =============================================================================

package group

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// TopicMetadata is the subset of topic information assignment needs.
type TopicMetadata interface {
	PartitionCount(topic string) int
}

// Config controls the coordinator.
type Config struct {
	// SessionTimeoutMin/Max bound what members may request.
	SessionTimeoutMin time.Duration
	SessionTimeoutMax time.Duration

	// SweepInterval is how often expired members are evicted.
	SweepInterval time.Duration

	// InitialRebalanceDelay holds a brand-new group's first join barrier
	// open briefly so a burst of starting consumers lands in one
	// generation instead of one rebalance per consumer.
	InitialRebalanceDelay time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeoutMin:     6 * time.Second,
		SessionTimeoutMax:     5 * time.Minute,
		SweepInterval:         time.Second,
		InitialRebalanceDelay: 3 * time.Second,
	}
}

// Coordinator runs the group membership protocol for every group on this
// broker.
type Coordinator struct {
	config Config
	meta   TopicMetadata
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*Group
}

// NewCoordinator creates the coordinator.
func NewCoordinator(config Config, meta TopicMetadata, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		config: config,
		meta:   meta,
		logger: logger.With("component", "group-coordinator"),
		groups: make(map[string]*Group),
	}
}

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// JoinRequest is one member's entry into the join barrier.
type JoinRequest struct {
	GroupID  string
	MemberID string // empty on first join
	ClientID string

	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration

	// Topics is the member's subscription.
	Topics []string

	// Protocols are supported assignor names, preferred first.
	Protocols []string
}

// MemberSummary is what the leader needs to compute an assignment.
type MemberSummary struct {
	MemberID string
	Topics   []string
}

// JoinResponse is delivered when the join barrier opens.
type JoinResponse struct {
	MemberID   string
	Generation int32
	LeaderID   string
	Protocol   string

	// Members is populated only for the leader.
	Members []MemberSummary
}

// SyncRequest closes the sync barrier (leader) or parks in it (follower).
type SyncRequest struct {
	GroupID    string
	MemberID   string
	Generation int32

	// Assignments is non-nil only from the leader.
	Assignments map[string][]storage.TopicPartition
}

// SyncResponse carries one member's partitions.
type SyncResponse struct {
	Assignment []storage.TopicPartition
	Err        error
}

// =============================================================================
// JOIN
// =============================================================================

// JoinGroup enters the join barrier and blocks until the rebalance's join
// phase completes, the context is cancelled, or the group refuses the
// member.
func (c *Coordinator) JoinGroup(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	if req.SessionTimeout < c.config.SessionTimeoutMin || req.SessionTimeout > c.config.SessionTimeoutMax {
		return nil, fmt.Errorf("session timeout %s outside [%s, %s]",
			req.SessionTimeout, c.config.SessionTimeoutMin, c.config.SessionTimeoutMax)
	}
	if len(req.Protocols) == 0 {
		return nil, fmt.Errorf("join request carries no assignment protocols")
	}

	c.mu.Lock()

	g, ok := c.groups[req.GroupID]
	if !ok {
		g = newGroup(req.GroupID)
		c.groups[req.GroupID] = g
	}
	if g.State == StateDead {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGroupDead, req.GroupID)
	}

	// An incompatible member is refused up front so it cannot strand the
	// whole group at protocol selection time.
	if len(g.Members) > 0 && !c.compatibleLocked(g, req) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: group %s", ErrInconsistentProtocol, req.GroupID)
	}

	now := time.Now()
	memberID := req.MemberID
	m, known := g.Members[memberID]

	switch {
	case memberID == "":
		memberID = fmt.Sprintf("%s-%s", req.ClientID, uuid.NewString())
		m = &Member{ID: memberID, ClientID: req.ClientID, JoinedAt: now}
		g.Members[memberID] = m
	case !known:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in group %s", ErrUnknownMemberID, memberID, req.GroupID)
	}

	m.SessionTimeout = req.SessionTimeout
	m.RebalanceTimeout = req.RebalanceTimeout
	m.Topics = req.Topics
	m.Protocols = req.Protocols
	m.LastHeartbeat = now
	m.LastPoll = now

	joinCh := make(chan *JoinResponse, 1)
	m.joinCh = joinCh

	if g.State != StatePreparingRebalance {
		c.prepareRebalanceLocked(g, "member "+memberID+" joined")
	}
	c.tryCompleteJoinLocked(g)

	c.mu.Unlock()

	select {
	case resp := <-joinCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		if cur, ok := g.Members[memberID]; ok && cur.joinCh == joinCh {
			cur.joinCh = nil
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// compatibleLocked reports whether the joiner shares at least one protocol
// with every current member.
func (c *Coordinator) compatibleLocked(g *Group, req JoinRequest) bool {
	supported := make(map[string]bool, len(req.Protocols))
	for _, p := range req.Protocols {
		supported[p] = true
	}
	for _, m := range g.Members {
		if m.ID == req.MemberID {
			continue
		}
		shared := false
		for _, p := range m.Protocols {
			if supported[p] {
				shared = true
				break
			}
		}
		if !shared {
			return false
		}
	}
	return true
}

// prepareRebalanceLocked opens a new join barrier. Followers parked in the
// sync barrier are kicked out with ErrRebalanceInProgress so they rejoin.
func (c *Coordinator) prepareRebalanceLocked(g *Group, reason string) {
	fresh := g.State == StateEmpty
	g.transition(StatePreparingRebalance)
	g.rebalanceRound++
	round := g.rebalanceRound

	for id, ch := range g.pendingSyncs {
		ch <- &SyncResponse{Err: ErrRebalanceInProgress}
		delete(g.pendingSyncs, id)
	}

	groupID := g.ID
	if fresh && c.config.InitialRebalanceDelay > 0 {
		g.holdUntil = time.Now().Add(c.config.InitialRebalanceDelay)
		time.AfterFunc(c.config.InitialRebalanceDelay, func() {
			c.onHoldExpired(groupID, round)
		})
	} else {
		g.holdUntil = time.Time{}
	}

	window := c.joinWindowLocked(g)
	time.AfterFunc(window, func() {
		c.onJoinWindowExpired(groupID, round)
	})

	c.logger.Info("rebalance started",
		"group", g.ID,
		"round", round,
		"window", window.String(),
		"reason", reason)
}

// tryCompleteJoinLocked closes the barrier once everyone is in and the
// initial hold has passed.
func (c *Coordinator) tryCompleteJoinLocked(g *Group) {
	if g.State != StatePreparingRebalance || !g.allRejoined() {
		return
	}
	if !g.holdUntil.IsZero() && time.Now().Before(g.holdUntil) {
		return // the hold timer will retry
	}
	c.completeJoinLocked(g)
}

// onHoldExpired re-checks the barrier when the initial delay runs out.
func (c *Coordinator) onHoldExpired(groupID string, round int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok || g.State != StatePreparingRebalance || g.rebalanceRound != round {
		return
	}
	g.holdUntil = time.Time{}
	c.tryCompleteJoinLocked(g)
}

// joinWindowLocked is how long the barrier stays open: the largest
// rebalance timeout any member asked for.
func (c *Coordinator) joinWindowLocked(g *Group) time.Duration {
	window := time.Duration(0)
	for _, m := range g.Members {
		if m.RebalanceTimeout > window {
			window = m.RebalanceTimeout
		}
	}
	if window == 0 {
		window = 30 * time.Second
	}
	return window
}

// onJoinWindowExpired force-completes the join phase, evicting members
// that never rejoined. The round tag makes a late timer a no-op.
func (c *Coordinator) onJoinWindowExpired(groupID string, round int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok || g.State != StatePreparingRebalance || g.rebalanceRound != round {
		return // the group already moved on
	}

	for id, m := range g.Members {
		if !m.rejoined() {
			delete(g.Members, id)
			c.logger.Warn("member evicted during rebalance",
				"group", groupID, "member", id, "reason", "did not rejoin")
		}
	}

	if len(g.Members) == 0 {
		g.transition(StateEmpty)
		g.LeaderID = ""
		return
	}
	c.completeJoinLocked(g)
}

// completeJoinLocked closes the join barrier: bump the generation, elect a
// leader, pick the protocol, and answer every parked join.
func (c *Coordinator) completeJoinLocked(g *Group) {
	protocol, ok := g.selectProtocol()
	if !ok {
		// Compatibility is checked per join, so this cannot happen from
		// inputs; refuse everyone and reset rather than wedge.
		for _, m := range g.Members {
			if m.joinCh != nil {
				m.joinCh = nil
			}
		}
		g.Members = make(map[string]*Member)
		g.transition(StateEmpty)
		return
	}

	g.Generation++
	g.Protocol = protocol
	g.transition(StateCompletingRebalance)

	// Leader: earliest joiner, ties broken by ID for determinism.
	leader := ""
	for id, m := range g.Members {
		if leader == "" {
			leader = id
			continue
		}
		l := g.Members[leader]
		if m.JoinedAt.Before(l.JoinedAt) || (m.JoinedAt.Equal(l.JoinedAt) && id < leader) {
			leader = id
		}
	}
	g.LeaderID = leader

	summaries := make([]MemberSummary, 0, len(g.Members))
	for id, m := range g.Members {
		summaries = append(summaries, MemberSummary{MemberID: id, Topics: m.Topics})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].MemberID < summaries[j].MemberID })

	for id, m := range g.Members {
		if m.joinCh == nil {
			continue
		}
		resp := &JoinResponse{
			MemberID:   id,
			Generation: g.Generation,
			LeaderID:   leader,
			Protocol:   protocol,
		}
		if id == leader {
			resp.Members = summaries
		}
		m.joinCh <- resp
		m.joinCh = nil
	}

	c.logger.Info("join phase complete",
		"group", g.ID,
		"generation", g.Generation,
		"leader", leader,
		"protocol", protocol,
		"members", len(g.Members))
}

// =============================================================================
// SYNC
// =============================================================================

// SyncGroup distributes the leader's assignment. The leader's call installs
// it and moves the group to Stable; followers block until it lands.
func (c *Coordinator) SyncGroup(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	c.mu.Lock()

	g, ok := c.groups[req.GroupID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: group %s", ErrUnknownMemberID, req.GroupID)
	}
	m, ok := g.Members[req.MemberID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownMemberID, req.MemberID)
	}
	if req.Generation != g.Generation {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: request %d, group %d",
			ErrIllegalGeneration, req.Generation, g.Generation)
	}

	switch g.State {
	case StateStable:
		// Idempotent re-sync within the same generation.
		resp := &SyncResponse{Assignment: m.Assignment}
		c.mu.Unlock()
		return resp, nil

	case StatePreparingRebalance:
		c.mu.Unlock()
		return nil, ErrRebalanceInProgress

	case StateCompletingRebalance:
		// fallthrough below

	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGroupDead, req.GroupID)
	}

	if req.MemberID == g.LeaderID {
		if req.Assignments == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("leader sync carries no assignments")
		}
		c.installAssignmentLocked(g, req.Assignments)
		resp := &SyncResponse{Assignment: m.Assignment}
		c.mu.Unlock()
		return resp, nil
	}

	if req.Assignments != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: member %s", ErrNotLeader, req.MemberID)
	}

	ch := make(chan *SyncResponse, 1)
	g.pendingSyncs[req.MemberID] = ch
	c.mu.Unlock()

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		if g.pendingSyncs[req.MemberID] == ch {
			delete(g.pendingSyncs, req.MemberID)
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// installAssignmentLocked applies the leader's assignment and opens the
// sync barrier.
func (c *Coordinator) installAssignmentLocked(g *Group, assignments map[string][]storage.TopicPartition) {
	for id, m := range g.Members {
		m.Assignment = assignments[id]
	}
	g.transition(StateStable)

	for id, ch := range g.pendingSyncs {
		member := g.Members[id]
		if member == nil {
			ch <- &SyncResponse{Err: ErrUnknownMemberID}
		} else {
			ch <- &SyncResponse{Assignment: member.Assignment}
		}
		delete(g.pendingSyncs, id)
	}

	c.logger.Info("group stable",
		"group", g.ID,
		"generation", g.Generation,
		"members", len(g.Members))
}

// ComputeAssignment runs the group's negotiated assignor over its current
// members. An embedded leader calls this between its join and sync.
func (c *Coordinator) ComputeAssignment(groupID string) (map[string][]storage.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrUnknownMemberID, groupID)
	}
	assignor, ok := assignorByName(g.Protocol)
	if !ok {
		return nil, fmt.Errorf("no assignor for protocol %q", g.Protocol)
	}

	topicPartitions := make(map[string]int)
	for _, t := range g.subscribedTopics() {
		topicPartitions[t] = c.meta.PartitionCount(t)
	}

	return assignor.Assign(g.memberIDs(), topicPartitions, g.currentAssignment()), nil
}

// =============================================================================
// HEARTBEAT / LEAVE / POLL
// =============================================================================

// Heartbeat keeps a member's session alive. During a rebalance it returns
// ErrRebalanceInProgress, the signal to rejoin.
func (c *Coordinator) Heartbeat(groupID, memberID string, generation int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrUnknownMemberID, groupID)
	}
	m, ok := g.Members[memberID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMemberID, memberID)
	}
	if generation != g.Generation {
		return fmt.Errorf("%w: request %d, group %d", ErrIllegalGeneration, generation, g.Generation)
	}

	m.LastHeartbeat = time.Now()

	switch g.State {
	case StateStable:
		return nil
	case StatePreparingRebalance, StateCompletingRebalance:
		return ErrRebalanceInProgress
	default:
		return fmt.Errorf("%w: %s", ErrGroupDead, groupID)
	}
}

// MarkPoll records consumption progress for the max poll interval check.
// The broker calls it on every fetch a group member makes.
func (c *Coordinator) MarkPoll(groupID, memberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.groups[groupID]; ok {
		if m, ok := g.Members[memberID]; ok {
			m.LastPoll = time.Now()
		}
	}
}

// ValidateMember checks a member's standing for an offset commit: it must
// exist and carry the current generation.
func (c *Coordinator) ValidateMember(groupID, memberID string, generation int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrUnknownMemberID, groupID)
	}
	if _, ok := g.Members[memberID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMemberID, memberID)
	}
	if generation != g.Generation {
		return fmt.Errorf("%w: request %d, group %d", ErrIllegalGeneration, generation, g.Generation)
	}
	if g.State == StatePreparingRebalance || g.State == StateCompletingRebalance {
		return ErrRebalanceInProgress
	}
	return nil
}

// LeaveGroup removes a member immediately, which is what makes graceful
// shutdown cheap: the group rebalances now instead of after a session
// timeout.
func (c *Coordinator) LeaveGroup(groupID, memberID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrUnknownMemberID, groupID)
	}
	if _, ok := g.Members[memberID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMemberID, memberID)
	}

	c.removeMemberLocked(g, memberID, "left")
	return nil
}

// removeMemberLocked drops a member and drives whatever rebalance follows.
func (c *Coordinator) removeMemberLocked(g *Group, memberID, reason string) {
	delete(g.Members, memberID)
	delete(g.pendingSyncs, memberID)

	c.logger.Info("member removed", "group", g.ID, "member", memberID, "reason", reason)

	if len(g.Members) == 0 {
		g.transition(StateEmpty)
		g.LeaderID = ""
		return
	}

	switch g.State {
	case StatePreparingRebalance:
		// The departed member may have been the last one the barrier was
		// waiting for.
		c.tryCompleteJoinLocked(g)
	default:
		c.prepareRebalanceLocked(g, "member "+memberID+" "+reason)
	}
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

// Run evicts dead members until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep removes members whose session lapsed or whose poll loop stalled
// past the rebalance timeout.
func (c *Coordinator) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, g := range c.groups {
		if g.State == StateDead || g.State == StateEmpty {
			continue
		}

		var expired []string
		var reasons []string
		for id, m := range g.Members {
			if m.rejoined() {
				continue // parked in the join barrier, not dead
			}
			switch {
			case now.Sub(m.LastHeartbeat) > m.SessionTimeout:
				expired = append(expired, id)
				reasons = append(reasons, "session timeout")
			case m.RebalanceTimeout > 0 && now.Sub(m.LastPoll) > m.RebalanceTimeout:
				expired = append(expired, id)
				reasons = append(reasons, "max poll interval exceeded")
			}
		}
		for i, id := range expired {
			c.removeMemberLocked(g, id, reasons[i])
		}
	}
}

// SweepNow runs one expiry pass. Exposed for tests.
func (c *Coordinator) SweepNow(now time.Time) {
	c.sweep(now)
}

// =============================================================================
// INTROSPECTION / ADMIN
// =============================================================================

// GroupSnapshot is a point-in-time view for the ops surface.
type GroupSnapshot struct {
	ID         string
	State      string
	Generation int32
	Protocol   string
	LeaderID   string
	Members    []MemberSummary
}

// DescribeGroup returns a snapshot, or false if the group is unknown.
func (c *Coordinator) DescribeGroup(groupID string) (GroupSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return GroupSnapshot{}, false
	}

	snap := GroupSnapshot{
		ID:         g.ID,
		State:      g.State.String(),
		Generation: g.Generation,
		Protocol:   g.Protocol,
		LeaderID:   g.LeaderID,
	}
	for id, m := range g.Members {
		snap.Members = append(snap.Members, MemberSummary{MemberID: id, Topics: m.Topics})
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].MemberID < snap.Members[j].MemberID })
	return snap, true
}

// Groups lists every known group ID.
func (c *Coordinator) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.groups))
	for id := range c.groups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DeleteGroup removes an empty group permanently.
func (c *Coordinator) DeleteGroup(groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrUnknownMemberID, groupID)
	}
	if g.State != StateEmpty {
		return fmt.Errorf("group %s is not empty (state %s)", groupID, g.State)
	}
	g.transition(StateDead)
	delete(c.groups, groupID)
	return nil
}

// Assignment returns the member's current partitions, for fetch-side
// ownership checks.
func (c *Coordinator) Assignment(groupID, memberID string) ([]storage.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrUnknownMemberID, groupID)
	}
	m, ok := g.Members[memberID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMemberID, memberID)
	}
	return m.Assignment, nil
}
