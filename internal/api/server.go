// =============================================================================
// HTTP CLIENT API
// =============================================================================
//
// REST surface over the broker. Binary keys and values travel as base64
// (encoding/json does this for []byte).
//
//   TOPICS
//   POST   /topics                                          Create topic
//   GET    /topics                                          List topics
//
//   RECORDS
//   POST   /topics/{topic}/partitions/{partition}/records   Produce a batch
//   GET    /topics/{topic}/partitions/{partition}/records   Fetch from offset
//   GET    /topics/{topic}/partitions/{partition}/offset    Offset for timestamp
//
//   CONSUMER GROUPS
//   GET    /groups                                          List groups
//   GET    /groups/{group}                                  Describe group
//   POST   /groups/{group}/join                             Enter join barrier
//   POST   /groups/{group}/sync                             Collect assignment
//   POST   /groups/{group}/heartbeat                        Keep-alive
//   POST   /groups/{group}/leave                            Leave immediately
//   POST   /groups/{group}/offsets                          Commit offset
//   GET    /groups/{group}/offsets                          Fetch offset
//
//   TRANSACTIONS
//   POST   /transactions/init                               Init producer id
//   POST   /transactions/{id}/partitions                    Add partitions
//   POST   /transactions/{id}/commit                        Commit
//   POST   /transactions/{id}/abort                         Abort
//   GET    /transactions/{id}                               Describe
//
// Join and sync are long-poll endpoints: they block until the rebalance
// barrier opens or the client goes away. The leader's sync computes the
// assignment on the broker, so clients never ship partition lists.
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smilinTux/forgeprint-sub003/internal/broker"
	"github.com/smilinTux/forgeprint-sub003/internal/group"
	"github.com/smilinTux/forgeprint-sub003/internal/offsets"
	"github.com/smilinTux/forgeprint-sub003/internal/replication"
	"github.com/smilinTux/forgeprint-sub003/internal/storage"
	"github.com/smilinTux/forgeprint-sub003/internal/txn"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns production defaults. The write timeout must
// stay above the group rebalance timeout or long-polled joins get cut off.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the client-facing HTTP API.
type Server struct {
	broker     *broker.Broker
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the router and wraps the broker.
func NewServer(b *broker.Broker, config ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		broker: b,
		router: chi.NewRouter(),
		logger: logger.With("component", "api"),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/topics", func(r chi.Router) {
		r.Post("/", s.createTopic)
		r.Get("/", s.listTopics)
		r.Route("/{topic}/partitions/{partition}", func(r chi.Router) {
			r.Post("/records", s.produce)
			r.Get("/records", s.fetch)
			r.Get("/offset", s.offsetForTimestamp)
		})
	})

	s.router.Route("/groups", func(r chi.Router) {
		r.Get("/", s.listGroups)
		r.Route("/{group}", func(r chi.Router) {
			r.Get("/", s.describeGroup)
			r.Post("/join", s.joinGroup)
			r.Post("/sync", s.syncGroup)
			r.Post("/heartbeat", s.heartbeat)
			r.Post("/leave", s.leaveGroup)
			r.Post("/offsets", s.commitOffset)
			r.Get("/offsets", s.fetchOffset)
		})
	})

	s.router.Route("/transactions", func(r chi.Router) {
		r.Post("/init", s.initProducer)
		r.Route("/{txnID}", func(r chi.Router) {
			r.Get("/", s.describeTxn)
			r.Post("/partitions", s.addPartitions)
			r.Post("/commit", s.endTxn(true))
			r.Post("/abort", s.endTxn(false))
		})
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("client api listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("client api shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// TOPICS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string  `json:"name"`
		Partitions         int     `json:"partitions"`
		Cleanup            string  `json:"cleanup"`
		RetentionAgeMs     int64   `json:"retention_age_ms"`
		RetentionBytes     int64   `json:"retention_bytes"`
		MinDirtyRatio      float64 `json:"min_dirty_ratio"`
		TombstoneRetention int64   `json:"tombstone_retention_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	config := storage.TopicConfig{
		Partitions:         req.Partitions,
		RetentionAge:       time.Duration(req.RetentionAgeMs) * time.Millisecond,
		RetentionBytes:     req.RetentionBytes,
		MinDirtyRatio:      req.MinDirtyRatio,
		TombstoneRetention: time.Duration(req.TombstoneRetention) * time.Millisecond,
	}
	switch req.Cleanup {
	case "", "delete":
		config.Cleanup = storage.CleanupDelete
	case "compact":
		config.Cleanup = storage.CleanupCompact
	default:
		s.writeError(w, http.StatusBadRequest, "cleanup must be delete or compact")
		return
	}

	if err := s.broker.CreateTopic(req.Name, config); err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"name":       req.Name,
		"partitions": config.Partitions,
	})
}

func (s *Server) listTopics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"topics": s.broker.Topics()})
}

// =============================================================================
// RECORDS
// =============================================================================

type messageJSON struct {
	Key     []byte       `json:"key,omitempty"`
	Value   []byte       `json:"value"`
	Headers []headerJSON `json:"headers,omitempty"`
}

type headerJSON struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (s *Server) produce(w http.ResponseWriter, r *http.Request) {
	topic, partition, ok := s.partitionParams(w, r)
	if !ok {
		return
	}

	var req struct {
		Messages      []messageJSON `json:"messages"`
		Acks          string        `json:"acks"`
		ProducerID    *int64        `json:"producer_id"`
		ProducerEpoch int16         `json:"producer_epoch"`
		BaseSequence  int32         `json:"base_sequence"`
		Transactional bool          `json:"transactional"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var acks replication.AckMode
	switch req.Acks {
	case "", "all":
		acks = replication.AckAll
	case "leader":
		acks = replication.AckLeader
	case "none":
		acks = replication.AckNone
	default:
		s.writeError(w, http.StatusBadRequest, "acks must be all, leader or none")
		return
	}

	producer := txn.ProducerEpoch{ID: -1}
	if req.ProducerID != nil {
		producer = txn.ProducerEpoch{ID: *req.ProducerID, Epoch: req.ProducerEpoch}
	}

	messages := make([]broker.Message, len(req.Messages))
	for i, m := range req.Messages {
		msg := broker.Message{Key: m.Key, Value: m.Value}
		for _, h := range m.Headers {
			msg.Headers = append(msg.Headers, storage.Header{Key: h.Key, Value: h.Value})
		}
		messages[i] = msg
	}

	resp, err := s.broker.Produce(r.Context(), broker.ProduceRequest{
		Topic:         topic,
		Partition:     partition,
		Messages:      messages,
		Acks:          acks,
		Producer:      producer,
		BaseSequence:  req.BaseSequence,
		Transactional: req.Transactional,
	})
	if err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"base_offset": resp.BaseOffset,
		"duplicate":   resp.Duplicate,
	})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	topic, partition, ok := s.partitionParams(w, r)
	if !ok {
		return
	}

	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "offset query parameter is required")
		return
	}
	maxRecords, _ := strconv.Atoi(r.URL.Query().Get("max"))

	isolation := broker.ReadUncommitted
	switch r.URL.Query().Get("isolation") {
	case "", "read_uncommitted":
	case "read_committed":
		isolation = broker.ReadCommitted
	default:
		s.writeError(w, http.StatusBadRequest, "isolation must be read_uncommitted or read_committed")
		return
	}

	resp, err := s.broker.Fetch(r.Context(), broker.FetchRequest{
		Topic:      topic,
		Partition:  partition,
		Offset:     offset,
		MaxRecords: maxRecords,
		Isolation:  isolation,
		GroupID:    r.URL.Query().Get("group"),
		MemberID:   r.URL.Query().Get("member"),
	})
	if err != nil {
		s.brokerError(w, err)
		return
	}

	records := make([]map[string]any, len(resp.Records))
	for i, rec := range resp.Records {
		entry := map[string]any{
			"offset":    rec.Offset,
			"timestamp": rec.Timestamp,
			"key":       rec.Key,
			"value":     rec.Value,
		}
		if len(rec.Headers) > 0 {
			headers := make([]headerJSON, len(rec.Headers))
			for j, h := range rec.Headers {
				headers[j] = headerJSON{Key: h.Key, Value: h.Value}
			}
			entry["headers"] = headers
		}
		records[i] = entry
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"records":            records,
		"high_watermark":     resp.HighWatermark,
		"last_stable_offset": resp.LastStableOffset,
	})
}

func (s *Server) offsetForTimestamp(w http.ResponseWriter, r *http.Request) {
	topic, partition, ok := s.partitionParams(w, r)
	if !ok {
		return
	}
	ts, err := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "timestamp query parameter is required")
		return
	}

	offset, err := s.broker.FetchByTimestamp(storage.TopicPartition{Topic: topic, Partition: partition}, ts)
	if err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"offset": offset})
}

// =============================================================================
// CONSUMER GROUPS
// =============================================================================

func (s *Server) joinGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req struct {
		MemberID           string   `json:"member_id"`
		ClientID           string   `json:"client_id"`
		SessionTimeoutMs   int64    `json:"session_timeout_ms"`
		RebalanceTimeoutMs int64    `json:"rebalance_timeout_ms"`
		Topics             []string `json:"topics"`
		Protocols          []string `json:"protocols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.broker.JoinGroup(r.Context(), group.JoinRequest{
		GroupID:          groupID,
		MemberID:         req.MemberID,
		ClientID:         req.ClientID,
		SessionTimeout:   time.Duration(req.SessionTimeoutMs) * time.Millisecond,
		RebalanceTimeout: time.Duration(req.RebalanceTimeoutMs) * time.Millisecond,
		Topics:           req.Topics,
		Protocols:        req.Protocols,
	})
	if err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"member_id":  resp.MemberID,
		"generation": resp.Generation,
		"leader_id":  resp.LeaderID,
		"protocol":   resp.Protocol,
		"is_leader":  resp.MemberID == resp.LeaderID,
	})
}

// syncGroup completes a rebalance. The leader's call computes the
// assignment broker-side; followers just park until it lands.
func (s *Server) syncGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req struct {
		MemberID   string `json:"member_id"`
		Generation int32  `json:"generation"`
		Leader     bool   `json:"leader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	syncReq := group.SyncRequest{
		GroupID:    groupID,
		MemberID:   req.MemberID,
		Generation: req.Generation,
	}
	if req.Leader {
		assignments, err := s.broker.ComputeAssignment(groupID)
		if err != nil {
			s.brokerError(w, err)
			return
		}
		syncReq.Assignments = assignments
	}

	resp, err := s.broker.SyncGroup(r.Context(), syncReq)
	if err != nil {
		s.brokerError(w, err)
		return
	}
	if resp.Err != nil {
		s.brokerError(w, resp.Err)
		return
	}

	assignment := make([]map[string]any, len(resp.Assignment))
	for i, tp := range resp.Assignment {
		assignment[i] = map[string]any{"topic": tp.Topic, "partition": tp.Partition}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"assignment": assignment})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req struct {
		MemberID   string `json:"member_id"`
		Generation int32  `json:"generation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.broker.Heartbeat(groupID, req.MemberID, req.Generation); err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req struct {
		MemberID string `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.broker.LeaveGroup(groupID, req.MemberID); err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) listGroups(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"groups": s.broker.Groups()})
}

func (s *Server) describeGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	snap, ok := s.broker.DescribeGroup(groupID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown group")
		return
	}

	members := make([]map[string]any, len(snap.Members))
	for i, m := range snap.Members {
		members[i] = map[string]any{"member_id": m.MemberID, "topics": m.Topics}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"group_id":   snap.ID,
		"state":      snap.State,
		"generation": snap.Generation,
		"protocol":   snap.Protocol,
		"leader_id":  snap.LeaderID,
		"members":    members,
	})
}

// =============================================================================
// OFFSETS
// =============================================================================

func (s *Server) commitOffset(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req struct {
		MemberID   string `json:"member_id"`
		Generation *int32 `json:"generation"`
		Topic      string `json:"topic"`
		Partition  int    `json:"partition"`
		Offset     int64  `json:"offset"`
		Metadata   string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Standalone consumers omit member_id and generation.
	generation := int32(-1)
	if req.Generation != nil {
		generation = *req.Generation
	}

	tp := storage.TopicPartition{Topic: req.Topic, Partition: req.Partition}
	if err := s.broker.OffsetCommit(r.Context(), groupID, req.MemberID, generation, tp, req.Offset, req.Metadata); err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) fetchOffset(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	topic := r.URL.Query().Get("topic")
	partition, err := strconv.Atoi(r.URL.Query().Get("partition"))
	if topic == "" || err != nil {
		s.writeError(w, http.StatusBadRequest, "topic and partition query parameters are required")
		return
	}

	committed, err := s.broker.OffsetFetch(groupID, storage.TopicPartition{Topic: topic, Partition: partition})
	if err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"offset":       committed.Offset,
		"metadata":     committed.Metadata,
		"committed_at": committed.CommittedAt.UTC().Format(time.RFC3339Nano),
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Server) initProducer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionalID string `json:"transactional_id"`
		TimeoutMs       int64  `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	producer, err := s.broker.InitProducerID(r.Context(), req.TransactionalID,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"producer_id":    producer.ID,
		"producer_epoch": producer.Epoch,
	})
}

type txnProducerJSON struct {
	ProducerID    int64 `json:"producer_id"`
	ProducerEpoch int16 `json:"producer_epoch"`
}

func (s *Server) addPartitions(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")

	var req struct {
		txnProducerJSON
		Partitions []struct {
			Topic     string `json:"topic"`
			Partition int    `json:"partition"`
		} `json:"partitions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tps := make([]storage.TopicPartition, len(req.Partitions))
	for i, p := range req.Partitions {
		tps[i] = storage.TopicPartition{Topic: p.Topic, Partition: p.Partition}
	}

	producer := txn.ProducerEpoch{ID: req.ProducerID, Epoch: req.ProducerEpoch}
	if err := s.broker.AddPartitionsToTxn(r.Context(), txnID, producer, tps); err != nil {
		s.brokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) endTxn(commit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txnID := chi.URLParam(r, "txnID")

		var req txnProducerJSON
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		producer := txn.ProducerEpoch{ID: req.ProducerID, Epoch: req.ProducerEpoch}
		if err := s.broker.EndTransaction(r.Context(), txnID, producer, commit); err != nil {
			s.brokerError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (s *Server) describeTxn(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")
	snap, ok := s.broker.DescribeTransaction(txnID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown transactional id")
		return
	}

	partitions := make([]map[string]any, len(snap.Partitions))
	for i, tp := range snap.Partitions {
		partitions[i] = map[string]any{"topic": tp.Topic, "partition": tp.Partition}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transactional_id": snap.TransactionalID,
		"producer_id":      snap.ProducerID,
		"producer_epoch":   snap.Epoch,
		"state":            snap.State,
		"partitions":       partitions,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) partitionParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	topic := chi.URLParam(r, "topic")
	partition, err := strconv.Atoi(chi.URLParam(r, "partition"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "partition must be an integer")
		return "", 0, false
	}
	return topic, partition, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

// brokerError maps broker sentinels onto HTTP status codes. Retriable
// conditions become 503 so clients back off and retry; fencing becomes 409
// because the caller's identity is stale, not the request malformed.
func (s *Server) brokerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrUnknownTopicOrPartition),
		errors.Is(err, broker.ErrUnknownMemberID),
		errors.Is(err, offsets.ErrNoOffsetForPartition),
		errors.Is(err, txn.ErrUnknownProducerID):
		status = http.StatusNotFound
	case broker.IsFencing(err):
		status = http.StatusConflict
	case broker.IsRetriable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrOffsetOutOfRange):
		status = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, storage.ErrInvalidRecord),
		errors.Is(err, offsets.ErrInvalidOffset),
		errors.Is(err, txn.ErrNoTransactionInProgress),
		errors.Is(err, txn.ErrInvalidTransactionState),
		errors.Is(err, txn.ErrInvalidProducerEpoch),
		errors.Is(err, group.ErrInconsistentProtocol),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrTopicExists):
		status = http.StatusConflict
	}
	s.writeError(w, status, err.Error())
}
