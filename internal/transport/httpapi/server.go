// Package httpapi exposes the publisher and consumer operations over HTTP
// and provides a Go client for them.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"broker/internal/broker"
	"broker/internal/validator"
)

// Config holds the API server settings.
type Config struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	Timeout         time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Server serves the broker API.
type Server struct {
	echo      *echo.Echo
	server    *http.Server
	publisher broker.Publisher
	consumer  broker.Consumer
	logger    *zap.Logger
	config    Config
}

// NewServer wires the routes onto a new echo instance.
func NewServer(config Config, publisher broker.Publisher, consumer broker.Consumer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := Server{
		echo:      echo.New(),
		publisher: publisher,
		consumer:  consumer,
		logger:    logger.Named("http"),
		config:    config,
	}

	if err := validator.Validate("http server", s.publisher, s.consumer); err != nil {
		return nil, fmt.Errorf("failed to validate http server deps: %w", err)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Validator = structValidator{}
	s.echo.HTTPErrorHandler = s.handleError
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.echo,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		IdleTimeout:  config.Timeout * 2,
	}

	return &s, nil
}

func (s *Server) routes() {
	topics := s.echo.Group("/topics")
	topics.POST("", s.addOrUpdateTopic)
	topics.GET("", s.getTopics)
	topics.GET("/by-name/:name", s.getTopicByName)
	topics.GET("/:id", s.getTopic)
	topics.DELETE("/:id", s.deleteTopic)
	topics.POST("/:name/events", s.publish)

	subs := s.echo.Group("/subscriptions")
	subs.POST("", s.addOrUpdateSubscription)
	subs.GET("", s.getSubscriptions)
	subs.GET("/by-name/:name", s.getSubscriptionByName)
	subs.GET("/:id", s.getSubscription)
	subs.DELETE("/:id", s.deleteSubscription)
	subs.POST("/:name/consume", s.consumeNext)

	deliveries := s.echo.Group("/deliveries")
	deliveries.POST("/:id/consumed", s.markConsumed)
	deliveries.POST("/:id/failed", s.markFailed)
}

// Handler returns the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting api server", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.WithoutCancel(ctx))
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping api server")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to gracefully shutdown api server", zap.Error(err))
		return err
	}

	s.logger.Info("api server stopped")
	return nil
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}

	if err := c.JSON(status, body); err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}

// structValidator plugs struct tag validation into echo.
type structValidator struct{}

func (structValidator) Validate(i any) error {
	if err := validator.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrValidation, err)
	}
	return nil
}
