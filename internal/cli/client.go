// =============================================================================
// CLI HTTP CLIENT
// =============================================================================
//
// A thin client over the broker's REST API for the command-line tools.
// Binary keys and values travel base64-encoded inside JSON, matching the
// server's encoding.
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig holds the connection settings.
type ClientConfig struct {
	// ServerURL is the broker's client API base, e.g. http://localhost:8080.
	ServerURL string

	// Timeout bounds one request. Long-poll joins need headroom above
	// the group's rebalance timeout.
	Timeout time.Duration
}

// DefaultClientConfig returns defaults for a local broker.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// Client talks to one broker.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a client.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// APIError is a non-2xx response from the broker.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	u, err := url.JoinPath(c.config.ServerURL, path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TOPICS
// =============================================================================

// CreateTopic registers a topic.
func (c *Client) CreateTopic(ctx context.Context, name string, partitions int, cleanup string) error {
	body := map[string]any{"name": name, "partitions": partitions}
	if cleanup != "" {
		body["cleanup"] = cleanup
	}
	return c.do(ctx, http.MethodPost, "/topics", body, nil)
}

// ListTopics returns the topic names.
func (c *Client) ListTopics(ctx context.Context) ([]string, error) {
	var resp struct {
		Topics []string `json:"topics"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// =============================================================================
// RECORDS
// =============================================================================

// Message is one record to produce.
type Message struct {
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value"`
}

// ProduceResult reports where a batch landed.
type ProduceResult struct {
	BaseOffset int64 `json:"base_offset"`
	Duplicate  bool  `json:"duplicate"`
}

// Produce appends a batch to one partition.
func (c *Client) Produce(ctx context.Context, topic string, partition int, messages []Message, acks string) (*ProduceResult, error) {
	body := map[string]any{"messages": messages}
	if acks != "" {
		body["acks"] = acks
	}
	var result ProduceResult
	path := fmt.Sprintf("/topics/%s/partitions/%d/records", topic, partition)
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchedRecord is one consumed record.
type FetchedRecord struct {
	Offset    int64  `json:"offset"`
	Timestamp int64  `json:"timestamp"`
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
}

// FetchResult is one fetch response.
type FetchResult struct {
	Records          []FetchedRecord `json:"records"`
	HighWatermark    int64           `json:"high_watermark"`
	LastStableOffset int64           `json:"last_stable_offset"`
}

// Fetch reads records from one partition.
func (c *Client) Fetch(ctx context.Context, topic string, partition int, offset int64, maxRecords int, isolation string) (*FetchResult, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprintf("%d", offset))
	if maxRecords > 0 {
		q.Set("max", fmt.Sprintf("%d", maxRecords))
	}
	if isolation != "" {
		q.Set("isolation", isolation)
	}

	var result FetchResult
	path := fmt.Sprintf("/topics/%s/partitions/%d/records?%s", topic, partition, q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// GROUPS AND OFFSETS
// =============================================================================

// ListGroups returns the known group ids.
func (c *Client) ListGroups(ctx context.Context) ([]string, error) {
	var resp struct {
		Groups []string `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, "/groups", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// GroupMember is one member in a group description.
type GroupMember struct {
	MemberID string   `json:"member_id"`
	Topics   []string `json:"topics"`
}

// GroupInfo describes one group.
type GroupInfo struct {
	GroupID    string        `json:"group_id"`
	State      string        `json:"state"`
	Generation int32         `json:"generation"`
	Protocol   string        `json:"protocol"`
	LeaderID   string        `json:"leader_id"`
	Members    []GroupMember `json:"members"`
}

// DescribeGroup returns one group's state.
func (c *Client) DescribeGroup(ctx context.Context, groupID string) (*GroupInfo, error) {
	var info GroupInfo
	if err := c.do(ctx, http.MethodGet, "/groups/"+groupID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CommitOffset records a standalone consumer's progress.
func (c *Client) CommitOffset(ctx context.Context, groupID, topic string, partition int, offset int64, metadata string) error {
	body := map[string]any{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"metadata":  metadata,
	}
	return c.do(ctx, http.MethodPost, "/groups/"+groupID+"/offsets", body, nil)
}

// CommittedOffset is one group's position in one partition.
type CommittedOffset struct {
	Offset      int64  `json:"offset"`
	Metadata    string `json:"metadata"`
	CommittedAt string `json:"committed_at"`
}

// FetchOffset returns a group's committed position.
func (c *Client) FetchOffset(ctx context.Context, groupID, topic string, partition int) (*CommittedOffset, error) {
	var result CommittedOffset
	path := fmt.Sprintf("/groups/%s/offsets?topic=%s&partition=%d", groupID, topic, partition)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks the broker is answering.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
