package mqtt

import (
	"context"
	"strings"
	"time"

	"github.com/septivank/energy-usage-service/internal/metrics"
	"github.com/septivank/energy-usage-service/internal/service"
	"github.com/septivank/energy-usage-service/internal/telemetry"
	"github.com/septivank/energy-usage-service/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	transportName   = "mqtt"
	handleTimeout   = 10 * time.Second
	telemetrySuffix = "data"
)

// Recorder is what the handler feeds parsed telemetry into
type Recorder interface {
	RecordReading(ctx context.Context, ref telemetry.DeviceRef, m telemetry.Measurement) (*service.Result, error)
}

// Handler ingests device telemetry published on plug/<device>/data topics
type Handler struct {
	recorder  Recorder
	validator *validator.Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a new telemetry topic handler
func NewHandler(recorder Recorder, validator *validator.Validator, logger *zap.Logger) *Handler {
	return &Handler{
		recorder:  recorder,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// DeviceNameFromTopic returns the segment before the trailing "data" level
func DeviceNameFromTopic(topic string) (string, bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] != telemetrySuffix {
		return "", false
	}
	name := strings.TrimSpace(parts[len(parts)-2])
	return name, name != ""
}

// HandleMessage records one telemetry message. Failures are logged and
// counted; MQTT has no dead-letter path.
func (h *Handler) HandleMessage(topic string, payload []byte) {
	logger := h.logger.With(zap.String("topic", topic))

	name, ok := DeviceNameFromTopic(topic)
	if !ok {
		metrics.TransportFailure(transportName)
		logger.Warn("ignoring message on unexpected topic")
		return
	}

	parsed := h.validator.ParsePayload(payload, h.now().UTC())
	if parsed.Malformed() {
		logger.Warn("payload fields dropped", zap.String("device_name", name), zap.Strings("issues", parsed.Issues))
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if _, err := h.recorder.RecordReading(ctx, telemetry.DeviceRef{Name: name}, parsed.Measurement); err != nil {
		metrics.TransportFailure(transportName)
		logger.Error("failed to record mqtt telemetry", zap.String("device_name", name), zap.Error(err))
	}
}

// Subscriber binds the handler to the broker for the application lifetime
type Subscriber struct {
	brokerURL string
	clientID  string
	topic     string
	handler   *Handler
	logger    *zap.Logger
	client    *Client
}

// NewSubscriber creates a subscriber; nothing connects until Start
func NewSubscriber(brokerURL, clientID, topic string, handler *Handler, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		brokerURL: brokerURL,
		clientID:  clientID,
		topic:     topic,
		handler:   handler,
		logger:    logger,
	}
}

// Start connects and subscribes to the telemetry topic
func (s *Subscriber) Start() error {
	client, err := Connect(s.brokerURL, s.clientID, s.logger)
	if err != nil {
		return err
	}
	if err := client.Subscribe(s.topic, s.handler.HandleMessage); err != nil {
		client.Close()
		return err
	}
	s.client = client
	s.logger.Info("mqtt subscriber started", zap.String("topic", s.topic))
	return nil
}

// Stop disconnects from the broker
func (s *Subscriber) Stop() {
	s.client.Close()
	s.logger.Info("mqtt subscriber stopped")
}

// RegisterLifecycle registers the subscriber with Fx lifecycle
func (s *Subscriber) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})
}
