package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"broker/internal/broker"
)

// Client calls a remote broker. It implements broker.Publisher and
// broker.Consumer, translating error responses back into the broker error
// taxonomy.
type Client struct {
	baseURL string
	http    *http.Client
}

var (
	_ broker.Publisher = (*Client)(nil)
	_ broker.Consumer  = (*Client)(nil)
)

// NewClient creates a client for baseURL. A nil httpClient means
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: failed to encode request: %v", broker.ErrValidation, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil && !errors.Is(err, io.EOF) {
			e.Message = resp.Status
		}
		return fmt.Errorf("%w: %s %s: %s", sentinel(resp.StatusCode, e.Code), method, path, e.Message)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}

	return nil
}

// Publish implements broker.Publisher.
func (c *Client) Publish(ctx context.Context, topicName string, p broker.Publication) (broker.Event, error) {
	var event broker.Event
	err := c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topicName)+"/events", p, &event)
	return event, err
}

// AddOrUpdateTopic implements broker.Publisher.
func (c *Client) AddOrUpdateTopic(ctx context.Context, topic broker.Topic) (broker.Topic, error) {
	var saved broker.Topic
	err := c.do(ctx, http.MethodPost, "/topics", topic, &saved)
	return saved, err
}

// GetTopic implements broker.Publisher.
func (c *Client) GetTopic(ctx context.Context, id int64) (broker.Topic, error) {
	var topic broker.Topic
	err := c.do(ctx, http.MethodGet, "/topics/"+strconv.FormatInt(id, 10), nil, &topic)
	return topic, err
}

// GetTopicByName implements broker.Publisher.
func (c *Client) GetTopicByName(ctx context.Context, name string) (broker.Topic, error) {
	var topic broker.Topic
	err := c.do(ctx, http.MethodGet, "/topics/by-name/"+url.PathEscape(name), nil, &topic)
	return topic, err
}

// GetTopics implements broker.Publisher.
func (c *Client) GetTopics(ctx context.Context, nameFilter string) ([]broker.Topic, error) {
	path := "/topics"
	if nameFilter != "" {
		path += "?" + url.Values{"name": {nameFilter}}.Encode()
	}

	var topics []broker.Topic
	err := c.do(ctx, http.MethodGet, path, nil, &topics)
	return topics, err
}

// DeleteTopic implements broker.Publisher.
func (c *Client) DeleteTopic(ctx context.Context, id int64, cascade bool) error {
	path := "/topics/" + strconv.FormatInt(id, 10) + "?cascade=" + strconv.FormatBool(cascade)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ConsumeNext implements broker.Consumer.
func (c *Client) ConsumeNext(ctx context.Context, subscriptionName string, visibilityTimeout time.Duration, maxCount int) ([]broker.ConsumableEvent, error) {
	var events []broker.ConsumableEvent
	err := c.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(subscriptionName)+"/consume", ConsumeRequest{
		VisibilityTimeoutMs: visibilityTimeout.Milliseconds(),
		MaxCount:            maxCount,
	}, &events)
	return events, err
}

// MarkConsumed implements broker.Consumer.
func (c *Client) MarkConsumed(ctx context.Context, id int64, deliveryKey string) error {
	return c.do(ctx, http.MethodPost, "/deliveries/"+strconv.FormatInt(id, 10)+"/consumed", AckRequest{DeliveryKey: deliveryKey}, nil)
}

// MarkFailed implements broker.Consumer.
func (c *Client) MarkFailed(ctx context.Context, id int64, deliveryKey string, reason broker.Reason) error {
	return c.do(ctx, http.MethodPost, "/deliveries/"+strconv.FormatInt(id, 10)+"/failed", FailRequest{
		DeliveryKey: deliveryKey,
		Reason:      reason,
	}, nil)
}

// GetSubscription implements broker.Consumer.
func (c *Client) GetSubscription(ctx context.Context, id int64) (broker.Subscription, error) {
	var sub broker.Subscription
	err := c.do(ctx, http.MethodGet, "/subscriptions/"+strconv.FormatInt(id, 10), nil, &sub)
	return sub, err
}

// GetSubscriptionByName implements broker.Consumer.
func (c *Client) GetSubscriptionByName(ctx context.Context, name string) (broker.Subscription, error) {
	var sub broker.Subscription
	err := c.do(ctx, http.MethodGet, "/subscriptions/by-name/"+url.PathEscape(name), nil, &sub)
	return sub, err
}

// GetSubscriptions implements broker.Consumer.
func (c *Client) GetSubscriptions(ctx context.Context, topicID *int64) ([]broker.Subscription, error) {
	path := "/subscriptions"
	if topicID != nil {
		path += "?topicId=" + strconv.FormatInt(*topicID, 10)
	}

	var subs []broker.Subscription
	err := c.do(ctx, http.MethodGet, path, nil, &subs)
	return subs, err
}

// AddOrUpdateSubscription implements broker.Consumer.
func (c *Client) AddOrUpdateSubscription(ctx context.Context, sub broker.Subscription) (broker.Subscription, error) {
	var saved broker.Subscription
	err := c.do(ctx, http.MethodPost, "/subscriptions", sub, &saved)
	return saved, err
}

// DeleteSubscription implements broker.Consumer.
func (c *Client) DeleteSubscription(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+strconv.FormatInt(id, 10), nil, nil)
}
