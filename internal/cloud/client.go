// Package cloud talks to the bemfa topic management HTTP API.
package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"bemfabridge/internal/metrics"
	"bemfabridge/pkg/retry"
)

// TopicTypeMQTT selects MQTT device cloud topics (type=1) in every request
const TopicTypeMQTT = 1

const defaultTimeout = 10 * time.Second

// APIError is returned when the API answers with a non-zero code
type APIError struct {
	Operation string
	Code      int
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bemfa %s: code %d: %s", e.Operation, e.Code, e.Message)
}

// statusError is an unexpected HTTP status; 5xx responses are retried
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.status)
}

// Topic is one cloud topic as listed by the API
type Topic struct {
	Topic string `json:"topic"`
	Name  string `json:"name"`
	Msg   string `json:"msg,omitempty"`
	Time  string `json:"time,omitempty"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type topicRequest struct {
	UID   string `json:"uid"`
	Topic string `json:"topic"`
	Type  int    `json:"type"`
	Name  string `json:"name,omitempty"`
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry replaces the default retry policy
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// Client is a bemfa topic API client bound to one account uid
type Client struct {
	baseURL string
	uid     string
	http    *http.Client
	retry   retry.Config
	logger  *zap.Logger
}

// NewClient creates a client for baseURL, e.g. https://apis.bemfa.com/va
func NewClient(baseURL, uid string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		uid:     uid,
		http:    &http.Client{Timeout: defaultTimeout},
		retry:   retry.DefaultConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListTopics returns every MQTT topic of the account
func (c *Client) ListTopics(ctx context.Context) ([]Topic, error) {
	q := url.Values{}
	q.Set("uid", c.uid)
	q.Set("type", fmt.Sprint(TopicTypeMQTT))

	var topics []Topic
	err := c.do(ctx, "alltopic", http.MethodGet, "/alltopic?"+q.Encode(), nil, &topics)
	if err != nil {
		return nil, err
	}
	return topics, nil
}

// CreateTopic creates a topic with a display name
func (c *Client) CreateTopic(ctx context.Context, topic, name string) error {
	return c.do(ctx, "addTopic", http.MethodPost, "/addTopic", c.request(topic, name), nil)
}

// RenameTopic changes a topic's display name
func (c *Client) RenameTopic(ctx context.Context, topic, name string) error {
	return c.do(ctx, "setName", http.MethodPost, "/setName", c.request(topic, name), nil)
}

// DeleteTopic removes a topic
func (c *Client) DeleteTopic(ctx context.Context, topic string) error {
	return c.do(ctx, "delTopic", http.MethodPost, "/delTopic", c.request(topic, ""), nil)
}

func (c *Client) request(topic, name string) *topicRequest {
	return &topicRequest{UID: c.uid, Topic: topic, Type: TopicTypeMQTT, Name: name}
}

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	err := retry.DoWithCallbacks(ctx, func() error {
		return c.roundTrip(ctx, op, method, path, payload, out)
	}, isRetryable, c.retry, retry.Callbacks{
		OnRetryAttempt: func(attempt int, err error, next time.Duration) {
			metrics.CloudRetryAttempts.Inc()
			c.logger.Warn("Retrying bemfa API request",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		},
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CloudRequests.WithLabelValues(op, status).Inc()
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", op, &statusError{status: resp.StatusCode})
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if env.Code != 0 {
		return &APIError{Operation: op, Code: env.Code, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", op, err)
		}
	}
	return nil
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= http.StatusInternalServerError
	}
	return retry.IsNetworkError(err)
}
