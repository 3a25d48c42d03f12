package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"broker/internal/broker"
)

// ConsumeRequest is the body of POST /subscriptions/:name/consume.
type ConsumeRequest struct {
	VisibilityTimeoutMs int64 `json:"visibilityTimeoutMs" validate:"gt=0"`
	MaxCount            int   `json:"maxCount" validate:"gt=0"`
}

// AckRequest is the body of POST /deliveries/:id/consumed.
type AckRequest struct {
	DeliveryKey string `json:"deliveryKey" validate:"required"`
}

// FailRequest is the body of POST /deliveries/:id/failed.
type FailRequest struct {
	DeliveryKey string        `json:"deliveryKey" validate:"required"`
	Reason      broker.Reason `json:"reason"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", broker.ErrValidation, err)
	}
	return c.Validate(v)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", broker.ErrValidation, c.Param("id"))
	}
	return id, nil
}

func (s *Server) addOrUpdateTopic(c echo.Context) error {
	var topic broker.Topic
	if err := c.Bind(&topic); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", broker.ErrValidation, err)
	}

	status := http.StatusOK
	if topic.ID == 0 {
		status = http.StatusCreated
	}

	saved, err := s.publisher.AddOrUpdateTopic(c.Request().Context(), topic)
	if err != nil {
		return err
	}

	return c.JSON(status, saved)
}

func (s *Server) getTopics(c echo.Context) error {
	topics, err := s.publisher.GetTopics(c.Request().Context(), c.QueryParam("name"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, topics)
}

func (s *Server) getTopic(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	topic, err := s.publisher.GetTopic(c.Request().Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, topic)
}

func (s *Server) getTopicByName(c echo.Context) error {
	topic, err := s.publisher.GetTopicByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, topic)
}

func (s *Server) deleteTopic(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var cascade bool
	if raw := c.QueryParam("cascade"); raw != "" {
		if cascade, err = strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("%w: invalid cascade %q", broker.ErrValidation, raw)
		}
	}

	if err := s.publisher.DeleteTopic(c.Request().Context(), id, cascade); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) publish(c echo.Context) error {
	var pub broker.Publication
	if err := c.Bind(&pub); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", broker.ErrValidation, err)
	}

	event, err := s.publisher.Publish(c.Request().Context(), c.Param("name"), pub)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, event)
}

func (s *Server) addOrUpdateSubscription(c echo.Context) error {
	var sub broker.Subscription
	if err := c.Bind(&sub); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", broker.ErrValidation, err)
	}

	status := http.StatusOK
	if sub.ID == 0 {
		status = http.StatusCreated
	}

	saved, err := s.consumer.AddOrUpdateSubscription(c.Request().Context(), sub)
	if err != nil {
		return err
	}

	return c.JSON(status, saved)
}

func (s *Server) getSubscriptions(c echo.Context) error {
	var topicID *int64
	if raw := c.QueryParam("topicId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid topicId %q", broker.ErrValidation, raw)
		}
		topicID = &id
	}

	subs, err := s.consumer.GetSubscriptions(c.Request().Context(), topicID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, subs)
}

func (s *Server) getSubscription(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	sub, err := s.consumer.GetSubscription(c.Request().Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, sub)
}

func (s *Server) getSubscriptionByName(c echo.Context) error {
	sub, err := s.consumer.GetSubscriptionByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, sub)
}

func (s *Server) deleteSubscription(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.consumer.DeleteSubscription(c.Request().Context(), id); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) consumeNext(c echo.Context) error {
	var req ConsumeRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	events, err := s.consumer.ConsumeNext(
		c.Request().Context(),
		c.Param("name"),
		time.Duration(req.VisibilityTimeoutMs)*time.Millisecond,
		req.MaxCount,
	)
	if err != nil {
		return err
	}
	if events == nil {
		events = []broker.ConsumableEvent{}
	}

	return c.JSON(http.StatusOK, events)
}

func (s *Server) markConsumed(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req AckRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := s.consumer.MarkConsumed(c.Request().Context(), id, req.DeliveryKey); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) markFailed(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req FailRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := s.consumer.MarkFailed(c.Request().Context(), id, req.DeliveryKey, req.Reason); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
